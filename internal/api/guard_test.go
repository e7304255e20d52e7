package api

import (
	"testing"

	"examguard/internal/config"
)

func TestAdminAccessLoopbackOnly(t *testing.T) {
	g := buildAdminAccess(config.APIConfig{})
	cases := []struct {
		remote string
		want   bool
	}{
		{"127.0.0.1:53210", true},
		{"[::1]:53210", true},
		{"[::ffff:127.0.0.1]:9", true},
		{"10.20.30.40:1000", false},
		{"[2001:db8::1]:443", false},
		{"not-an-address", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := g.allows(tc.remote); got != tc.want {
			t.Errorf("allows(%q) = %v, want %v", tc.remote, got, tc.want)
		}
	}
}

func TestAdminAccessAllowList(t *testing.T) {
	g := buildAdminAccess(config.APIConfig{AdminAllow: []string{"10.20.0.0/16", "192.168.1.77"}})
	cases := []struct {
		remote string
		want   bool
	}{
		{"10.20.5.6:8080", true},
		{"10.21.5.6:8080", false},
		{"192.168.1.77:100", true},
		{"192.168.1.78:100", false},
		{"[::ffff:10.20.9.9]:7", true},
		{"127.0.0.1:1", true},
	}
	for _, tc := range cases {
		if got := g.allows(tc.remote); got != tc.want {
			t.Errorf("allows(%q) = %v, want %v", tc.remote, got, tc.want)
		}
	}
}

func TestBuildPrefixesSkipsJunk(t *testing.T) {
	got := buildPrefixes([]string{"", "  ", "nope", "10.1.2.3/8"})
	if len(got) != 1 {
		t.Fatalf("expected 1 prefix, got %d", len(got))
	}
	if got[0].String() != "10.0.0.0/8" {
		t.Fatalf("unexpected prefix %s", got[0])
	}
}

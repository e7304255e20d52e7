package risk

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"examguard/internal/config"
)

func TestHTTPConfirmerViolation(t *testing.T) {
	var gotLabel string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "image/jpeg", r.Header.Get("Content-Type"))
		gotLabel = r.URL.Query().Get("label")
		gotBody, _ = io.ReadAll(r.Body)
		io.WriteString(w, "VIOLATION: phone held in right hand")
	}))
	defer server.Close()

	h := NewHTTPConfirmer(config.ConfirmConfig{URL: server.URL, Timeout: 5 * time.Second})
	ok, reason, err := h.Confirm(context.Background(), []byte{0xff, 0xd8, 0xff}, "phone_detected")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "phone held in right hand", reason)
	require.Equal(t, "phone_detected", gotLabel)
	require.Equal(t, []byte{0xff, 0xd8, 0xff}, gotBody)
}

func TestHTTPConfirmerClear(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "CLEAR: no prohibited object visible")
	}))
	defer server.Close()

	h := NewHTTPConfirmer(config.ConfirmConfig{URL: server.URL, Timeout: 5 * time.Second})
	ok, reason, err := h.Confirm(context.Background(), nil, "book_detected")
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, "no prohibited object visible", reason)
}

func TestHTTPConfirmerServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	h := NewHTTPConfirmer(config.ConfirmConfig{URL: server.URL, Timeout: 5 * time.Second})
	ok, _, err := h.Confirm(context.Background(), nil, "phone_detected")
	require.Error(t, err)
	require.False(t, ok)
}

func TestParseVerdict(t *testing.T) {
	cases := []struct {
		body   string
		want   bool
		reason string
	}{
		{"VIOLATION: phone visible", true, "phone visible"},
		{"violation: lowercase still counts", true, "lowercase still counts"},
		{"  VIOLATION:   padded  ", true, "padded"},
		{"CLEAR: empty desk", false, "empty desk"},
		{"clear", false, ""},
		{"I am not sure about this one", false, "I am not sure about this one"},
		{"", false, ""},
	}
	for _, tc := range cases {
		ok, reason, err := parseVerdict(tc.body)
		require.NoError(t, err)
		require.Equal(t, tc.want, ok, "body %q", tc.body)
		require.Equal(t, tc.reason, reason, "body %q", tc.body)
	}
}

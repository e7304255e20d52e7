package risk

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"examguard/internal/config"
)

// HTTPConfirmer asks a remote classification service for a second opinion
// on an object-class detection. The frame goes up as a raw JPEG body with
// the claimed label in the query string; the service answers with a line of
// the form "VIOLATION: <reason>" or "CLEAR: <reason>".
type HTTPConfirmer struct {
	url    string
	client *http.Client
}

func NewHTTPConfirmer(cfg config.ConfirmConfig) *HTTPConfirmer {
	return &HTTPConfirmer{
		url:    cfg.URL,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (h *HTTPConfirmer) Confirm(ctx context.Context, image []byte, label string) (bool, string, error) {
	target := h.url
	if strings.Contains(target, "?") {
		target += "&label=" + url.QueryEscape(label)
	} else {
		target += "?label=" + url.QueryEscape(label)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(image))
	if err != nil {
		return false, "", err
	}
	req.Header.Set("Content-Type", "image/jpeg")

	resp, err := h.client.Do(req)
	if err != nil {
		return false, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return false, "", fmt.Errorf("confirmer returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return false, "", err
	}
	return parseVerdict(string(raw))
}

// parseVerdict reads the service's one-line answer. Anything that is not an
// explicit VIOLATION counts as clear.
func parseVerdict(body string) (bool, string, error) {
	line := strings.TrimSpace(body)
	upper := strings.ToUpper(line)
	switch {
	case strings.HasPrefix(upper, "VIOLATION:"):
		return true, strings.TrimSpace(line[len("VIOLATION:"):]), nil
	case strings.HasPrefix(upper, "VIOLATION"):
		return true, strings.TrimSpace(line[len("VIOLATION"):]), nil
	case strings.HasPrefix(upper, "CLEAR:"):
		return false, strings.TrimSpace(line[len("CLEAR:"):]), nil
	case strings.HasPrefix(upper, "CLEAR"):
		return false, strings.TrimSpace(line[len("CLEAR"):]), nil
	default:
		return false, line, nil
	}
}

package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pion/webrtc/v4"
)

const maxICEResponseBytes = 64 * 1024

// ICEURL derives the relay's ICE endpoint from its signaling WebSocket URL.
func ICEURL(signalingURL string) (string, error) {
	u, err := url.Parse(signalingURL)
	if err != nil {
		return "", fmt.Errorf("parse signaling url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "http":
		u.Scheme = "http"
	case "wss", "https":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("unsupported signaling url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("signaling url %q has no host", signalingURL)
	}
	prefix := strings.TrimSuffix(u.Path, "/ws")
	u.Path = strings.TrimSuffix(prefix, "/") + ICEPath
	u.RawQuery, u.Fragment = "", ""
	return u.String(), nil
}

// FetchICEServers asks the relay behind signalingURL for the ICE servers to
// use. A nil client means http.DefaultClient.
func FetchICEServers(ctx context.Context, client *http.Client, signalingURL string) ([]webrtc.ICEServer, error) {
	if client == nil {
		client = http.DefaultClient
	}
	iceURL, err := ICEURL(signalingURL)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, iceURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch ice servers: %w", err)
	}
	defer resp.Body.Close()

	body := io.LimitReader(resp.Body, maxICEResponseBytes)
	if resp.StatusCode != http.StatusOK {
		var e errorBody
		if err := json.NewDecoder(body).Decode(&e); err == nil && e.Code != "" {
			return nil, fmt.Errorf("fetch ice servers: %s (%s)", e.Message, e.Code)
		}
		return nil, fmt.Errorf("fetch ice servers: unexpected status %d", resp.StatusCode)
	}

	var payload iceResponse
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode ice servers: %w", err)
	}
	return payload.ICEServers, nil
}

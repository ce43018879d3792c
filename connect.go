package corvid

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// lookupWebSocketURL resolves an endpoint to the DevTools WebSocket URL.
// ws:// and wss:// URLs are used as-is; http(s) URLs are asked for the
// URL through their /json/version endpoint.
func lookupWebSocketURL(ctx context.Context, urlStr string) (string, error) {
	if strings.HasPrefix(urlStr, "ws://") || strings.HasPrefix(urlStr, "wss://") {
		return urlStr, nil
	}
	if !strings.HasPrefix(urlStr, "http://") && !strings.HasPrefix(urlStr, "https://") {
		return "", fmt.Errorf("unsupported DevTools endpoint %q", urlStr)
	}

	versionURL := urlStr
	if !strings.HasSuffix(strings.TrimSuffix(versionURL, "/"), "/json/version") {
		versionURL = strings.TrimSuffix(versionURL, "/") + "/json/version"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, versionURL, nil)
	if err != nil {
		return "", fmt.Errorf("building version request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("querying %q: %w", versionURL, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("querying %q: unexpected status %s", versionURL, resp.Status)
	}

	var version struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&version); err != nil {
		return "", fmt.Errorf("decoding version info from %q: %w", versionURL, err)
	}
	if version.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("no WebSocket debugger URL reported by %q", versionURL)
	}
	return version.WebSocketDebuggerURL, nil
}

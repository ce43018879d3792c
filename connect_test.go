package corvid

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupWebSocketURL(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("ws url passes through", func(t *testing.T) {
		got, err := lookupWebSocketURL(ctx, "ws://127.0.0.1:9222/devtools/browser/abc")
		require.NoError(t, err)
		assert.Equal(t, "ws://127.0.0.1:9222/devtools/browser/abc", got)
	})

	t.Run("wss url passes through", func(t *testing.T) {
		got, err := lookupWebSocketURL(ctx, "wss://remote.example/devtools/browser/abc")
		require.NoError(t, err)
		assert.Equal(t, "wss://remote.example/devtools/browser/abc", got)
	})

	t.Run("unsupported scheme", func(t *testing.T) {
		_, err := lookupWebSocketURL(ctx, "file:///dev/null")
		require.ErrorContains(t, err, "unsupported DevTools endpoint")
	})

	t.Run("http endpoint resolves via json version", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/json/version", r.URL.Path)
			fmt.Fprint(w, `{"Browser":"Chrome/119.0","webSocketDebuggerUrl":"ws://127.0.0.1:41001/devtools/browser/def"}`)
		}))
		defer srv.Close()

		for _, u := range []string{srv.URL, srv.URL + "/", srv.URL + "/json/version"} {
			got, err := lookupWebSocketURL(ctx, u)
			require.NoError(t, err, u)
			assert.Equal(t, "ws://127.0.0.1:41001/devtools/browser/def", got, u)
		}
	})

	t.Run("http endpoint error status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "nope", http.StatusInternalServerError)
		}))
		defer srv.Close()

		_, err := lookupWebSocketURL(ctx, srv.URL)
		require.ErrorContains(t, err, "unexpected status")
	})

	t.Run("missing debugger url", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprint(w, `{"Browser":"Chrome/119.0"}`)
		}))
		defer srv.Close()

		_, err := lookupWebSocketURL(ctx, srv.URL)
		require.ErrorContains(t, err, "no WebSocket debugger URL")
	})
}

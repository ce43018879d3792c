// Package ws provides a WebSocket test server that stands in for a real
// CDP-compatible browser.
package ws

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
	"github.com/mccutchen/go-httpbin/httpbin"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
)

// Server can be used as a test alternative to a real CDP compatible browser.
type Server struct {
	t             testing.TB
	Mux           *http.ServeMux
	ServerHTTP    *httptest.Server
	HTTPTransport *http.Transport
	Context       context.Context
}

// NewServer returns a fully configured and running WS test server.
func NewServer(t testing.TB, opts ...func(*Server)) *Server {
	t.Helper()

	// Create a http.ServeMux and set the httpbin handler as the default
	mux := http.NewServeMux()
	mux.Handle("/", httpbin.New().Handler())

	server := httptest.NewServer(mux)

	// Pre-configure the HTTP client transport (incl. HTTP2 support)
	transport := &http.Transport{}
	require.NoError(t, http2.ConfigureTransport(transport))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		server.Close()
		cancel()
	})
	s := &Server{
		t:             t,
		Mux:           mux,
		ServerHTTP:    server,
		HTTPTransport: transport,
		Context:       ctx,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WsURL returns the ws:// URL of the given path on the test server.
func (s *Server) WsURL(path string) string {
	u, err := url.Parse(s.ServerHTTP.URL)
	require.NoError(s.t, err)
	return "ws://" + u.Host + path
}

// WithClosureAbnormalHandler attaches an abnormal closure behavior to Server.
func WithClosureAbnormalHandler(path string) func(*Server) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, req, w.Header())
		if err != nil {
			return
		}
		// This forces a connection closure without a proper WS close
		// message exchange.
		_ = conn.Close()
	}
	return func(s *Server) {
		s.Mux.Handle(path, http.HandlerFunc(handler))
	}
}

// WithEchoHandler attaches an echo handler to Server.
func WithEchoHandler(path string) func(*Server) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, req, w.Header())
		if err != nil {
			return
		}
		messageType, r, err := conn.NextReader()
		if err != nil {
			return
		}
		var wc io.WriteCloser
		wc, err = conn.NextWriter(messageType)
		if err != nil {
			return
		}
		if _, err = io.Copy(wc, r); err != nil {
			return
		}
		if err = wc.Close(); err != nil {
			return
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(10*time.Second),
		)
	}
	return func(s *Server) {
		s.Mux.Handle(path, http.HandlerFunc(handler))
	}
}

// WithCDPHandler attaches a custom CDP handler function to Server. Every
// decoded inbound message is handed to fn; whatever fn puts on writeCh is
// encoded and written back. Closing done ends the exchange.
func WithCDPHandler(
	path string,
	fn func(conn *websocket.Conn, msg *cdproto.Message, writeCh chan cdproto.Message, done chan struct{}),
	cmdsReceived *[]cdproto.MethodType,
) func(*Server) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, req, w.Header())
		if err != nil {
			return
		}

		done := make(chan struct{})
		writeCh := make(chan cdproto.Message)

		go func() {
			read := func(conn *websocket.Conn) (*cdproto.Message, error) {
				_, buf, err := conn.ReadMessage()
				if err != nil {
					return nil, err
				}

				var msg cdproto.Message
				decoder := jlexer.Lexer{Data: buf}
				msg.UnmarshalEasyJSON(&decoder)
				if err := decoder.Error(); err != nil {
					return nil, err
				}

				return &msg, nil
			}

			for {
				select {
				case <-done:
					return
				default:
				}

				msg, err := read(conn)
				if err != nil {
					close(done)
					return
				}

				if msg.Method != "" && cmdsReceived != nil {
					*cmdsReceived = append(*cmdsReceived, msg.Method)
				}

				fn(conn, msg, writeCh, done)
			}
		}()

		go func() {
			write := func(conn *websocket.Conn, msg *cdproto.Message) {
				encoder := jwriter.Writer{}
				msg.MarshalEasyJSON(&encoder)
				if err := encoder.Error; err != nil {
					return
				}

				writer, err := conn.NextWriter(websocket.TextMessage)
				if err != nil {
					return
				}
				if _, err := encoder.DumpTo(writer); err != nil {
					return
				}
				_ = writer.Close()
			}

			for {
				select {
				case msg := <-writeCh:
					write(conn, &msg)
				case <-done:
					return
				}
			}
		}()

		<-done // Wait for done channel to be closed before closing connection
	}
	return func(s *Server) {
		s.Mux.Handle(path, http.HandlerFunc(handler))
	}
}

// DefaultSessionID is the session id handed out by CDPDefaultHandler on
// attach.
const DefaultSessionID = "session_0123456789"

// DefaultTargetID is the target id used by CDPDefaultHandler.
const DefaultTargetID = "target_abcdef0123456789"

// DefaultAttachedEvent is the Target.attachedToTarget payload emitted by
// CDPDefaultHandler for DefaultTargetID.
const DefaultAttachedEvent = `
{
	"sessionId": "` + DefaultSessionID + `",
	"targetInfo": {
		"targetId": "` + DefaultTargetID + `",
		"type": "page",
		"title": "",
		"url": "about:blank",
		"attached": true,
		"browserContextId": "context_0123456789"
	},
	"waitingForDebugger": false
}`

// CDPDefaultHandler is a default handler for the CDP WS server. It
// acknowledges every command with an empty result, and plays out the
// attach flow for Target.attachToTarget.
func CDPDefaultHandler(_ *websocket.Conn, msg *cdproto.Message, writeCh chan cdproto.Message, _ chan struct{}) {
	if msg.Method == "" {
		return
	}
	switch msg.Method {
	case cdproto.MethodType(cdproto.CommandTargetAttachToTarget):
		writeCh <- cdproto.Message{
			Method: cdproto.EventTargetAttachedToTarget,
			Params: easyjson.RawMessage(DefaultAttachedEvent),
		}
		writeCh <- cdproto.Message{
			ID:        msg.ID,
			SessionID: msg.SessionID,
			Result:    easyjson.RawMessage(`{"sessionId":"` + DefaultSessionID + `"}`),
		}
	default:
		writeCh <- cdproto.Message{
			ID:        msg.ID,
			SessionID: msg.SessionID,
			Result:    easyjson.RawMessage("{}"),
		}
	}
}

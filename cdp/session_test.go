package cdp

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvidlabs/corvid/log"
	"github.com/corvidlabs/corvid/tests/ws"
)

// attachHandler plays the attach flow for any target and then defers to
// next for everything else.
func attachHandler(next func(*websocket.Conn, *cdproto.Message, chan cdproto.Message, chan struct{})) func(*websocket.Conn, *cdproto.Message, chan cdproto.Message, chan struct{}) {
	return func(conn *websocket.Conn, msg *cdproto.Message, writeCh chan cdproto.Message, done chan struct{}) {
		if msg.Method == cdproto.MethodType(cdproto.CommandTargetAttachToTarget) {
			writeCh <- cdproto.Message{
				Method: cdproto.EventTargetAttachedToTarget,
				Params: easyjson.RawMessage(ws.DefaultAttachedEvent),
			}
			writeCh <- cdproto.Message{
				ID:     msg.ID,
				Result: easyjson.RawMessage(`{"sessionId":"` + ws.DefaultSessionID + `"}`),
			}
			return
		}
		next(conn, msg, writeCh, done)
	}
}

// Commands issued through a session carry its id, and the matching
// response resolves the session's caller.
func TestSessionExecute(t *testing.T) {
	handler := attachHandler(func(_ *websocket.Conn, msg *cdproto.Message, writeCh chan cdproto.Message, _ chan struct{}) {
		if msg.Method == "" {
			return
		}
		res := fmt.Sprintf(`{"echoedSessionID":%q}`, msg.SessionID)
		writeCh <- cdproto.Message{ID: msg.ID, Result: easyjson.RawMessage(res)}
	})
	server := ws.NewServer(t, ws.WithCDPHandler("/cdp", handler, nil))

	ctx := context.Background()
	conn, err := NewConnection(ctx, server.WsURL("/cdp"), log.NewNullLogger())
	require.NoError(t, err)
	defer conn.Close()

	session, err := conn.Attach(ctx, ws.DefaultTargetID)
	require.NoError(t, err)

	var res easyjson.RawMessage
	require.NoError(t, session.Execute(ctx, "cmd.any", nil, &res))
	assert.JSONEq(t, fmt.Sprintf(`{"echoedSessionID":%q}`, ws.DefaultSessionID), string(res))
}

// Session events arrive on the session's subscription in the order the
// browser sent them.
func TestSessionEventOrder(t *testing.T) {
	const numEvents = 5

	handler := attachHandler(func(_ *websocket.Conn, msg *cdproto.Message, writeCh chan cdproto.Message, _ chan struct{}) {
		if msg.Method != "corvid.emit" {
			return
		}
		for i := 0; i < numEvents; i++ {
			writeCh <- cdproto.Message{
				SessionID: ws.DefaultSessionID,
				Method:    "corvid.tick",
				Params:    easyjson.RawMessage(fmt.Sprintf(`{"n":%d}`, i)),
			}
		}
		writeCh <- cdproto.Message{ID: msg.ID, Result: easyjson.RawMessage("{}")}
	})
	server := ws.NewServer(t, ws.WithCDPHandler("/cdp", handler, nil))

	ctx := context.Background()
	conn, err := NewConnection(ctx, server.WsURL("/cdp"), log.NewNullLogger())
	require.NoError(t, err)
	defer conn.Close()

	session, err := conn.Attach(ctx, ws.DefaultTargetID)
	require.NoError(t, err)

	events := session.Subscribe(ctx)
	require.NoError(t, session.Execute(ctx, "corvid.emit", nil, nil))

	for i := 0; i < numEvents; i++ {
		select {
		case ev := <-events:
			raw, ok := ev.Data.(*cdproto.Message)
			require.True(t, ok)
			assert.JSONEq(t, fmt.Sprintf(`{"n":%d}`, i), string(raw.Params))
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

// Detaching closes the session: its event stream ends and later commands
// are refused.
func TestSessionDetach(t *testing.T) {
	handler := attachHandler(func(_ *websocket.Conn, msg *cdproto.Message, writeCh chan cdproto.Message, _ chan struct{}) {
		if msg.Method != cdproto.MethodType(cdproto.CommandTargetDetachFromTarget) {
			return
		}
		writeCh <- cdproto.Message{ID: msg.ID, Result: easyjson.RawMessage("{}")}
		// The browser may still have events in flight after the detach.
		writeCh <- cdproto.Message{
			SessionID: ws.DefaultSessionID,
			Method:    "corvid.straggler",
			Params:    easyjson.RawMessage("{}"),
		}
	})
	server := ws.NewServer(t, ws.WithCDPHandler("/cdp", handler, nil))

	ctx := context.Background()
	conn, err := NewConnection(ctx, server.WsURL("/cdp"), log.NewNullLogger())
	require.NoError(t, err)
	defer conn.Close()

	session, err := conn.Attach(ctx, ws.DefaultTargetID)
	require.NoError(t, err)

	events := session.Subscribe(ctx)
	require.NoError(t, conn.Detach(ctx, session))
	require.True(t, session.Closed())

	// The stream must end; a straggler racing the detach may still slip
	// through before it does.
	deadline := time.After(5 * time.Second)
	for open := true; open; {
		select {
		case _, ok := <-events:
			open = ok
		case <-deadline:
			t.Fatal("timed out waiting for event stream to close")
		}
	}

	require.ErrorIs(t, session.Execute(ctx, "cmd.any", nil, nil), ErrSessionClosed)
}

// A detach notification arriving while a session command is pending fails
// that command with ErrSessionClosed rather than leaving it hanging.
func TestSessionDetachFailsInFlight(t *testing.T) {
	handler := attachHandler(func(_ *websocket.Conn, msg *cdproto.Message, writeCh chan cdproto.Message, _ chan struct{}) {
		if msg.Method != "cmd.hang" {
			return
		}
		// Never answer; detach the session instead.
		writeCh <- cdproto.Message{
			Method: cdproto.EventTargetDetachedFromTarget,
			Params: easyjson.RawMessage(`{"sessionId":"` + ws.DefaultSessionID + `","targetId":"` + ws.DefaultTargetID + `"}`),
		}
	})
	server := ws.NewServer(t, ws.WithCDPHandler("/cdp", handler, nil))

	ctx := context.Background()
	conn, err := NewConnection(ctx, server.WsURL("/cdp"), log.NewNullLogger())
	require.NoError(t, err)
	defer conn.Close()

	session, err := conn.Attach(ctx, ws.DefaultTargetID)
	require.NoError(t, err)

	err = session.Execute(ctx, "cmd.hang", nil, nil)
	require.ErrorIs(t, err, ErrSessionClosed)
	require.True(t, session.Closed())

	// The connection outlives its sessions.
	assert.False(t, conn.Closed())
}

// A crashed target refuses further commands with ErrTargetCrashed.
func TestSessionTargetCrashed(t *testing.T) {
	handler := attachHandler(func(_ *websocket.Conn, msg *cdproto.Message, writeCh chan cdproto.Message, _ chan struct{}) {
		if msg.Method != "cmd.crash" {
			return
		}
		writeCh <- cdproto.Message{
			SessionID: ws.DefaultSessionID,
			Method:    cdproto.EventInspectorTargetCrashed,
			Params:    easyjson.RawMessage("{}"),
		}
		writeCh <- cdproto.Message{ID: msg.ID, Result: easyjson.RawMessage("{}")}
	})
	server := ws.NewServer(t, ws.WithCDPHandler("/cdp", handler, nil))

	ctx := context.Background()
	conn, err := NewConnection(ctx, server.WsURL("/cdp"), log.NewNullLogger())
	require.NoError(t, err)
	defer conn.Close()

	session, err := conn.Attach(ctx, ws.DefaultTargetID)
	require.NoError(t, err)

	require.NoError(t, session.Execute(ctx, "cmd.crash", nil, nil))

	require.Eventually(t, session.Crashed, 5*time.Second, 10*time.Millisecond)
	require.ErrorIs(t, session.Execute(ctx, "cmd.after", nil, nil), ErrTargetCrashed)
}

// The browser reporting "No session with given id" on a command closes
// the session locally so the id is not reused.
func TestSessionGoneOnBrowserSide(t *testing.T) {
	handler := attachHandler(func(_ *websocket.Conn, msg *cdproto.Message, writeCh chan cdproto.Message, _ chan struct{}) {
		if msg.Method == "" {
			return
		}
		writeCh <- cdproto.Message{
			ID:        msg.ID,
			SessionID: msg.SessionID,
			Error:     &cdproto.Error{Code: -32001, Message: "No session with given id"},
		}
	})
	server := ws.NewServer(t, ws.WithCDPHandler("/cdp", handler, nil))

	ctx := context.Background()
	conn, err := NewConnection(ctx, server.WsURL("/cdp"), log.NewNullLogger())
	require.NoError(t, err)
	defer conn.Close()

	session, err := conn.Attach(ctx, ws.DefaultTargetID)
	require.NoError(t, err)

	err = session.Execute(ctx, "cmd.any", nil, nil)
	require.Error(t, err)
	require.Eventually(t, session.Closed, 5*time.Second, 10*time.Millisecond)
	require.ErrorIs(t, session.Execute(ctx, "cmd.any", nil, nil), ErrSessionClosed)
}

func TestSessionIdentity(t *testing.T) {
	server := ws.NewServer(t, ws.WithCDPHandler("/cdp", ws.CDPDefaultHandler, nil))

	ctx := context.Background()
	conn, err := NewConnection(ctx, server.WsURL("/cdp"), log.NewNullLogger())
	require.NoError(t, err)
	defer conn.Close()

	session, err := conn.Attach(ctx, ws.DefaultTargetID)
	require.NoError(t, err)

	assert.Equal(t, target.SessionID(ws.DefaultSessionID), session.ID())
	assert.Equal(t, target.ID(ws.DefaultTargetID), session.TargetID())

	// Attach notifications are idempotent for an already-known session.
	same := conn.ensureSession(session.ID(), session.TargetID())
	assert.Same(t, session, same)
}

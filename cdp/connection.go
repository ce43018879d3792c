// Package cdp implements the transport and session-multiplexing engine
// that speaks the Chrome DevTools Protocol over a single WebSocket
// connection.
//
// One Connection owns the physical channel to the browser. A read loop
// drains and classifies every inbound frame: responses are matched to
// their pending request by id, events are routed to the Session named by
// their session id, and frames for neither are dropped without taking the
// loop down. Commands issued through a Session carry that session's id so
// the browser can route them to the right target.
package cdp

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"

	"github.com/corvidlabs/corvid/log"
)

const (
	wsWriteBufferSize  = 1 << 20
	wsHandshakeTimeout = 60 * time.Second
	wsCloseGracePeriod = 10 * time.Second
)

// Ensure Connection implements the cdp.Executor interface, so generated
// protocol actions can run against it directly.
var _ cdp.Executor = &Connection{}

// pendingRequest is the single-resolution slot of one in-flight command.
// Exactly one of these terminates it: a response sent on resCh, or resCh
// being closed when the connection or the owning session goes away.
type pendingRequest struct {
	sessionID target.SessionID
	resCh     chan *cdproto.Message
}

// Connection represents the WebSocket connection to the browser and the
// root browser session. It multiplexes any number of target sessions over
// the one physical channel.
type Connection struct {
	ctx    context.Context
	wsURL  string
	logger *log.Logger
	conn   *websocket.Conn

	sendCh    chan []byte
	done      chan struct{}
	closeOnce sync.Once

	msgID int64

	pendingMu     sync.Mutex
	pending       map[int64]*pendingRequest
	pendingClosed bool

	sessionsMu sync.RWMutex
	sessions   map[target.SessionID]*Session

	subs *subscriptions
}

// NewConnection dials the browser's DevTools WebSocket endpoint and
// starts the read and write loops. The returned Connection is live until
// Close is called or the peer goes away.
func NewConnection(ctx context.Context, wsURL string, logger *log.Logger) (*Connection, error) {
	wsd := websocket.Dialer{
		HandshakeTimeout: wsHandshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
		WriteBufferSize:  wsWriteBufferSize,
	}

	conn, _, err := wsd.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing DevTools endpoint %q: %w", wsURL, err)
	}

	c := &Connection{
		ctx:      ctx,
		wsURL:    wsURL,
		logger:   logger,
		conn:     conn,
		sendCh:   make(chan []byte, 32), // avoid blocking in Execute
		done:     make(chan struct{}),
		pending:  make(map[int64]*pendingRequest),
		sessions: make(map[target.SessionID]*Session),
		subs:     newSubscriptions(),
	}

	go c.recvLoop()
	go c.sendLoop()

	return c, nil
}

// WsURL returns the WebSocket URL this connection was dialed with.
func (c *Connection) WsURL() string { return c.wsURL }

// Done returns a channel that is closed once the connection is lost or
// closed. After that every Execute fails with ErrConnectionLost.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Closed reports whether the connection has been torn down.
func (c *Connection) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Close cleanly closes the WebSocket connection, failing all pending
// requests and closing all sessions and event streams.
func (c *Connection) Close() {
	c.closeConnection(websocket.CloseGoingAway, nil)
}

func (c *Connection) closeConnection(code int, reason error) {
	c.closeOnce.Do(func() {
		c.logger.Debugf("Connection:close", "code:%d reason:%v", code, reason)

		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, ""),
			time.Now().Add(wsCloseGracePeriod),
		)
		_ = c.conn.Close()

		// Stop the loops, then fail everything that depends on the
		// connection. failAllPending flips pendingClosed under the same
		// lock used by registerPending, so no new command can slip in
		// against a connection already known dead.
		close(c.done)
		c.failAllPending()

		c.sessionsMu.Lock()
		sessions := c.sessions
		c.sessions = make(map[target.SessionID]*Session)
		c.sessionsMu.Unlock()
		for _, s := range sessions {
			s.close()
		}

		c.subs.close()
	})
}

func (c *Connection) handleIOError(err error) {
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.logger.Errorf("cdp", "communicating with browser: %v", err)
	}
	code := websocket.CloseGoingAway
	if e, ok := err.(*websocket.CloseError); ok {
		code = e.Code
	}
	c.closeConnection(code, err)
}

// recvLoop is the single reader of the WebSocket. Every inbound frame is
// classified here before any side effect happens; a malformed frame is
// logged and skipped so the frames around it are unaffected.
func (c *Connection) recvLoop() {
	for {
		_, buf, err := c.conn.ReadMessage()
		if err != nil {
			c.handleIOError(err)
			return
		}

		c.logger.Tracef("cdp:recv", "<- %s", buf)

		var msg cdproto.Message
		dec := jlexer.Lexer{Data: buf}
		msg.UnmarshalEasyJSON(&dec)
		if err := dec.Error(); err != nil {
			c.logger.Errorf("cdp:recv", "dropping malformed message: %v (message: %s)", err, buf)
			continue
		}

		// Attachment and detachment notifications drive the session
		// registry, creating and deleting sessions as necessary.
		switch msg.Method {
		case cdproto.EventTargetAttachedToTarget:
			ev, err := cdproto.UnmarshalMessage(&msg)
			if err != nil {
				c.logger.Errorf("cdp:recv", "decoding %s: %v", msg.Method, err)
				break
			}
			ta := ev.(*target.EventAttachedToTarget)
			c.ensureSession(ta.SessionID, ta.TargetInfo.TargetID)
		case cdproto.EventTargetDetachedFromTarget:
			ev, err := cdproto.UnmarshalMessage(&msg)
			if err != nil {
				c.logger.Errorf("cdp:recv", "decoding %s: %v", msg.Method, err)
				break
			}
			c.closeSession(ev.(*target.EventDetachedFromTarget).SessionID)
		}

		switch {
		case msg.ID != 0:
			c.resolve(&msg)

		case msg.SessionID != "" && msg.Method != "":
			s := c.getSession(msg.SessionID)
			if s == nil {
				// A detach raced an in-flight event. Drop it.
				c.logger.Debugf("cdp:recv", "dropping %q for unknown session %q", msg.Method, msg.SessionID)
				continue
			}
			s.deliver(&msg)

		case msg.Method != "":
			c.subs.publish(decodeEvent(&msg, c.logger))

		default:
			c.logger.Errorf("cdp:recv", "ignoring malformed incoming message (missing id or method): %s", buf)
		}
	}
}

// decodeEvent turns an inbound notification into an Event. Names unknown
// to cdproto (newer or deprecated browser versions) keep the raw message
// as their payload instead of being dropped.
func decodeEvent(msg *cdproto.Message, logger *log.Logger) Event {
	ev, err := cdproto.UnmarshalMessage(msg)
	if err != nil {
		logger.Debugf("cdp:recv", "unknown event %q, passing through raw: %v", msg.Method, err)
		return Event{Method: msg.Method, Data: msg}
	}
	return Event{Method: msg.Method, Data: ev}
}

// resolve completes the pending request matching the response's id. A
// response with no pending request is discarded; its caller has already
// timed out or been cancelled.
func (c *Connection) resolve(msg *cdproto.Message) {
	if msg.Error != nil && msg.Error.Message == "No session with given id" {
		c.closeSession(msg.SessionID)
	}

	c.pendingMu.Lock()
	p, ok := c.pending[msg.ID]
	if ok {
		delete(c.pending, msg.ID)
	}
	c.pendingMu.Unlock()

	if !ok {
		c.logger.Debugf("cdp:recv", "discarding response with no pending request (id:%d)", msg.ID)
		return
	}
	p.resCh <- msg
}

func (c *Connection) sendLoop() {
	for {
		select {
		case buf := <-c.sendCh:
			c.logger.Tracef("cdp:send", "-> %s", buf)
			writer, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				c.handleIOError(err)
				return
			}
			if _, err := writer.Write(buf); err != nil {
				c.handleIOError(err)
				return
			}
			if err := writer.Close(); err != nil {
				c.handleIOError(err)
				return
			}
		case <-c.done:
			return
		}
	}
}

func encodeMessage(msg *cdproto.Message) ([]byte, error) {
	enc := jwriter.Writer{}
	msg.MarshalEasyJSON(&enc)
	if err := enc.Error; err != nil {
		return nil, err
	}
	buf, _ := enc.BuildBytes()
	return buf, nil
}

func (c *Connection) registerPending(id int64, sid target.SessionID) (chan *cdproto.Message, error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	if c.pendingClosed {
		return nil, ErrConnectionLost
	}
	ch := make(chan *cdproto.Message, 1)
	c.pending[id] = &pendingRequest{sessionID: sid, resCh: ch}
	return ch, nil
}

func (c *Connection) removePending(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *Connection) failAllPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	c.pendingClosed = true
	for id, p := range c.pending {
		close(p.resCh)
		delete(c.pending, id)
	}
}

func (c *Connection) failPendingForSession(sid target.SessionID) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	for id, p := range c.pending {
		if p.sessionID == sid {
			close(p.resCh)
			delete(c.pending, id)
		}
	}
}

func (c *Connection) ensureSession(sid target.SessionID, tid target.ID) *Session {
	c.sessionsMu.Lock()
	defer c.sessionsMu.Unlock()

	if s, ok := c.sessions[sid]; ok {
		return s
	}
	s := NewSession(c.ctx, c, sid, tid, c.logger)
	c.sessions[sid] = s
	return s
}

func (c *Connection) getSession(sid target.SessionID) *Session {
	c.sessionsMu.RLock()
	defer c.sessionsMu.RUnlock()
	return c.sessions[sid]
}

// closeSession closes the session and fails its in-flight commands with
// ErrSessionClosed. Safe to call for unknown or already-closed sessions.
func (c *Connection) closeSession(sid target.SessionID) {
	c.sessionsMu.Lock()
	s := c.sessions[sid]
	delete(c.sessions, sid)
	c.sessionsMu.Unlock()

	if s == nil {
		return
	}
	s.close()
	c.failPendingForSession(sid)
}

// Attach opens a new session to the given target in flat mode and returns
// it once the browser has acknowledged the attachment.
func (c *Connection) Attach(ctx context.Context, tid target.ID) (*Session, error) {
	action := target.AttachToTarget(tid).WithFlatten(true)
	sid, err := action.Do(cdp.WithExecutor(ctx, c))
	if err != nil {
		return nil, fmt.Errorf("attaching to target %q: %w", tid, err)
	}
	// The Target.attachedToTarget notification precedes the command
	// response on the wire, so the session normally already exists.
	return c.ensureSession(sid, tid), nil
}

// Detach asks the browser to detach the session and closes it locally.
// The session is closed even if the detach command fails.
func (c *Connection) Detach(ctx context.Context, s *Session) error {
	if s == nil {
		return nil
	}
	action := target.DetachFromTarget().WithSessionID(s.id)
	err := action.Do(cdp.WithExecutor(ctx, c))
	c.closeSession(s.id)
	if err != nil {
		return fmt.Errorf("detaching from target %q: %w", s.targetID, err)
	}
	return nil
}

// Subscribe returns an ordered stream of browser-level events (those not
// addressed to any session). With no methods given, all events are
// delivered. The channel is closed when ctx is done or the connection
// closes.
func (c *Connection) Subscribe(ctx context.Context, methods ...cdproto.MethodType) <-chan Event {
	return c.subs.subscribe(ctx, methods...)
}

// Execute implements cdp.Executor: it sends a command addressed to the
// browser itself and blocks until the response, ctx cancellation, or
// connection loss.
func (c *Connection) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	return c.execute(ctx, method, "", params, res)
}

// ExecuteWithoutExpectationOnReply sends a browser-level command without
// waiting for its response.
func (c *Connection) ExecuteWithoutExpectationOnReply(ctx context.Context, method string, params easyjson.Marshaler) error {
	return c.executeAsync(ctx, method, "", params)
}

func (c *Connection) execute(
	ctx context.Context, method string, sid target.SessionID,
	params easyjson.Marshaler, res easyjson.Unmarshaler,
) error {
	frame, id, err := c.encodeCommand(method, sid, params)
	if err != nil {
		return err
	}

	// The pending slot must exist before the frame hits the wire so a
	// fast response cannot race its own registration.
	resCh, err := c.registerPending(id, sid)
	if err != nil {
		return err
	}
	defer c.removePending(id)

	select {
	case c.sendCh <- frame:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrConnectionLost
	}

	select {
	case m, ok := <-resCh:
		if !ok {
			return c.terminalError(sid)
		}
		if m.Error != nil {
			return m.Error
		}
		if res != nil {
			if err := easyjson.Unmarshal(m.Result, res); err != nil {
				return fmt.Errorf("decoding %q result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrConnectionLost
	}
}

func (c *Connection) executeAsync(
	ctx context.Context, method string, sid target.SessionID, params easyjson.Marshaler,
) error {
	frame, _, err := c.encodeCommand(method, sid, params)
	if err != nil {
		return err
	}
	// sendCh is buffered and stays writable after the send loop has
	// exited, so a known-dead connection must be refused before the
	// select below ever sees the channel as ready.
	if c.Closed() {
		return ErrConnectionLost
	}
	select {
	case c.sendCh <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrConnectionLost
	}
}

func (c *Connection) encodeCommand(
	method string, sid target.SessionID, params easyjson.Marshaler,
) ([]byte, int64, error) {
	var buf []byte
	if params != nil {
		var err error
		buf, err = easyjson.Marshal(params)
		if err != nil {
			return nil, 0, fmt.Errorf("encoding %q params: %w", method, err)
		}
	}
	id := atomic.AddInt64(&c.msgID, 1)
	msg := &cdproto.Message{
		ID:        id,
		SessionID: sid,
		Method:    cdproto.MethodType(method),
		Params:    buf,
	}
	frame, err := encodeMessage(msg)
	if err != nil {
		return nil, 0, fmt.Errorf("encoding %q: %w", method, err)
	}
	return frame, id, nil
}

// terminalError explains a pending slot closed from under its caller:
// either the whole connection went away, or just the owning session.
func (c *Connection) terminalError(sid target.SessionID) error {
	if c.Closed() || sid == "" {
		return ErrConnectionLost
	}
	return ErrSessionClosed
}

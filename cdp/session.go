package cdp

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"

	"github.com/corvidlabs/corvid/log"
)

// Ensure Session implements the cdp.Executor interface.
var _ cdp.Executor = &Session{}

// Session is an attached control channel to a single target (a page,
// frame, worker, or the browser itself). Commands issued through a
// Session carry its id; events addressed to it are delivered, in wire
// order, to its subscribers.
type Session struct {
	ctx      context.Context
	conn     *Connection
	id       target.SessionID
	targetID target.ID

	done      chan struct{}
	closeOnce sync.Once
	crashed   atomic.Bool

	subs *subscriptions

	logger *log.Logger
}

// NewSession creates a new session. It is normally called by the
// connection's read loop when the browser reports an attachment.
func NewSession(ctx context.Context, conn *Connection, id target.SessionID, tid target.ID, logger *log.Logger) *Session {
	s := &Session{
		ctx:      ctx,
		conn:     conn,
		id:       id,
		targetID: tid,
		done:     make(chan struct{}),
		subs:     newSubscriptions(),
		logger:   logger,
	}
	s.logger.Debugf("Session:NewSession", "sid:%v tid:%v", id, tid)
	return s
}

// ID returns the session ID.
func (s *Session) ID() target.SessionID { return s.id }

// TargetID returns the ID of the target this session is attached to.
func (s *Session) TargetID() target.ID { return s.targetID }

// Done returns a channel that is closed when this session is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Closed returns true if this session is closed.
func (s *Session) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Crashed returns true if this session's target has crashed.
func (s *Session) Crashed() bool { return s.crashed.Load() }

func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.logger.Debugf("Session:close", "sid:%v tid:%v", s.id, s.targetID)
		close(s.done)
		s.subs.close()
	})
}

// deliver hands an inbound message addressed to this session to its
// subscribers. It runs on the connection's read loop, which keeps event
// order per session. The browser can emit trailing notifications while a
// detach is in flight; those arriving after close are dropped.
func (s *Session) deliver(msg *cdproto.Message) {
	if s.Closed() {
		s.logger.Debugf("Session:deliver", "sid:%v tid:%v dropping %q after close", s.id, s.targetID, msg.Method)
		return
	}
	if msg.Method == cdproto.EventInspectorTargetCrashed {
		s.crashed.Store(true)
	}
	s.subs.publish(decodeEvent(msg, s.logger))
}

// Subscribe returns an ordered stream of this session's events. With no
// methods given, all events are delivered. The channel is closed when ctx
// is done or the session closes, which ends the stream cleanly.
func (s *Session) Subscribe(ctx context.Context, methods ...cdproto.MethodType) <-chan Event {
	return s.subs.subscribe(ctx, methods...)
}

// Execute implements the cdp.Executor interface: the command is routed to
// this session's target and the call blocks until its response arrives,
// ctx is done, or the session or connection closes.
func (s *Session) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	s.logger.Debugf("Session:Execute", "sid:%v tid:%v method:%q", s.id, s.targetID, method)
	if s.crashed.Load() {
		return ErrTargetCrashed
	}
	if s.Closed() {
		return ErrSessionClosed
	}
	return s.conn.execute(ctx, method, s.id, params, res)
}

// ExecuteWithoutExpectationOnReply sends a command to this session's
// target without waiting for its response.
func (s *Session) ExecuteWithoutExpectationOnReply(ctx context.Context, method string, params easyjson.Marshaler) error {
	s.logger.Debugf("Session:ExecuteWithoutExpectationOnReply", "sid:%v tid:%v method:%q", s.id, s.targetID, method)
	if s.crashed.Load() {
		return ErrTargetCrashed
	}
	if s.Closed() {
		return ErrSessionClosed
	}
	return s.conn.executeAsync(ctx, method, s.id, params)
}

package cdp

import (
	"context"
	"sync"

	"github.com/chromedp/cdproto"
)

// Event is a protocol notification pushed by the browser, delivered to
// subscribers in the order the read loop received it.
type Event struct {
	// Method is the protocol event name, e.g. "Target.targetCreated".
	Method cdproto.MethodType

	// Data holds the decoded event payload. For event names known to
	// cdproto it is the typed event struct; for unknown names it is the
	// raw *cdproto.Message so that newer browser versions remain usable.
	Data any
}

// subscriber owns one ordered, unbounded event queue. A pump goroutine
// moves events from the queue to the subscriber's receive channel so that
// publishing never blocks on a slow consumer.
type subscriber struct {
	ctx     context.Context
	methods map[cdproto.MethodType]struct{} // nil means all events
	in      chan Event
	out     chan Event
}

func newSubscriber(ctx context.Context, methods []cdproto.MethodType) *subscriber {
	s := &subscriber{
		ctx: ctx,
		in:  make(chan Event, 1),
		out: make(chan Event),
	}
	if len(methods) > 0 {
		s.methods = make(map[cdproto.MethodType]struct{}, len(methods))
		for _, m := range methods {
			s.methods[m] = struct{}{}
		}
	}
	go s.pump()
	return s
}

func (s *subscriber) wants(method cdproto.MethodType) bool {
	if s.methods == nil {
		return true
	}
	_, ok := s.methods[method]
	return ok
}

// pump drains the inbound channel into an in-memory queue and feeds the
// outbound channel from the head of that queue. When the inbound channel
// is closed the remaining queue is flushed, then the outbound channel is
// closed to signal end-of-stream to the consumer.
func (s *subscriber) pump() {
	var queue []Event
	in := s.in
	for {
		var (
			out  chan Event
			next Event
		)
		if len(queue) > 0 {
			out = s.out
			next = queue[0]
		} else if in == nil {
			close(s.out)
			return
		}
		select {
		case ev, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			queue = append(queue, ev)
		case out <- next:
			queue[0] = Event{}
			queue = queue[1:]
		case <-s.ctx.Done():
			close(s.out)
			return
		}
	}
}

// subscriptions is a registry of live subscribers. publish is only ever
// called from the read loop; subscribe and close may be called from any
// goroutine.
type subscriptions struct {
	mu     sync.Mutex
	subs   []*subscriber
	closed bool
}

func newSubscriptions() *subscriptions {
	return &subscriptions{}
}

// subscribe registers a new subscriber and returns its receive channel.
// The channel is closed when ctx is done or the registry closes. If the
// registry is already closed an immediately-closed channel is returned.
func (r *subscriptions) subscribe(ctx context.Context, methods ...cdproto.MethodType) <-chan Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}
	s := newSubscriber(ctx, methods)
	r.subs = append(r.subs, s)
	return s.out
}

// publish hands ev to every interested subscriber. Subscribers whose
// context is done are dropped from the registry.
func (r *subscriptions) publish(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	subs := r.subs
	for i := 0; i < len(subs); {
		s := subs[i]
		select {
		case <-s.ctx.Done():
			close(s.in)
			subs = append(subs[:i], subs[i+1:]...)
			continue
		default:
		}
		if s.wants(ev.Method) {
			// The pump may exit on ctx cancellation with the inbound
			// buffer still full, so this send must not be unconditional
			// or a cancelled subscriber could wedge the read loop.
			select {
			case s.in <- ev:
			case <-s.ctx.Done():
				close(s.in)
				subs = append(subs[:i], subs[i+1:]...)
				continue
			}
		}
		i++
	}
	r.subs = subs
}

// close terminates every subscriber stream after its queued events have
// been drained. Subsequent publishes are no-ops.
func (r *subscriptions) close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	for _, s := range r.subs {
		close(s.in)
	}
	r.subs = nil
}

// Package corvid drives Chromium-family browsers over the Chrome
// DevTools Protocol. A Browser owns one supervised browser process (or a
// connection to a remote one), a single multiplexed CDP connection, and
// the registry of targets the browser reports.
package corvid

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto"
	cdpbrowser "github.com/chromedp/cdproto/browser"
	cdpext "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"

	"github.com/corvidlabs/corvid/cdp"
	"github.com/corvidlabs/corvid/chromium"
	"github.com/corvidlabs/corvid/log"
)

// Browser lifecycle states.
const (
	BrowserStateOpen int64 = iota
	BrowserStateClosing
	BrowserStateClosed
)

// Browser is the composition root: exactly one live CDP connection per
// Browser, plus the supervised process when the browser was launched
// locally. Once the connection is lost the Browser is Closed for good;
// reconnecting means launching or connecting anew.
type Browser struct {
	ctx    context.Context
	cancel context.CancelFunc

	state int64

	opts   *Options
	proc   *chromium.Process // nil when connected to a remote browser
	conn   *cdp.Connection
	logger *log.Logger

	targetsMu sync.RWMutex
	targets   map[target.ID]*target.Info
}

// Launch starts a local browser process and connects to it.
func Launch(ctx context.Context, opts *Options) (*Browser, error) {
	if opts == nil {
		opts = NewOptions()
	}
	logger := opts.logger()
	ctx, cancel := context.WithCancel(ctx)

	proc, err := chromium.Launch(ctx, chromium.LaunchOptions{
		ExecutablePath:    opts.ExecutablePath,
		Headless:          opts.Headless,
		Devtools:          opts.Devtools,
		Args:              opts.Args,
		IgnoreDefaultArgs: opts.IgnoreDefaultArgs,
		Env:               opts.Env,
		DataDir:           opts.DataDir,
		Timeout:           opts.LaunchTimeout,
	}, logger)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("launching browser: %w", err)
	}

	b, err := newBrowser(ctx, cancel, proc.WsURL(), proc, opts, logger)
	if err != nil {
		proc.Terminate()
		<-proc.Done()
		cancel()
		return nil, err
	}
	return b, nil
}

// Connect attaches to an already running browser. urlStr may be the
// DevTools WebSocket URL, or an http(s) URL whose /json/version endpoint
// is asked for the WebSocket URL first.
func Connect(ctx context.Context, urlStr string, opts *Options) (*Browser, error) {
	if opts == nil {
		opts = NewOptions()
	}
	logger := opts.logger()
	ctx, cancel := context.WithCancel(ctx)

	wsURL, err := lookupWebSocketURL(ctx, urlStr)
	if err != nil {
		cancel()
		return nil, err
	}

	b, err := newBrowser(ctx, cancel, wsURL, nil, opts, logger)
	if err != nil {
		cancel()
		return nil, err
	}
	return b, nil
}

func newBrowser(
	ctx context.Context, cancel context.CancelFunc, wsURL string,
	proc *chromium.Process, opts *Options, logger *log.Logger,
) (*Browser, error) {
	logger.Infof("Browser:connect", "wsurl:%v", wsURL)
	conn, err := cdp.NewConnection(ctx, wsURL, logger)
	if err != nil {
		return nil, fmt.Errorf("connecting to browser: %w", err)
	}

	b := &Browser{
		ctx:     ctx,
		cancel:  cancel,
		state:   BrowserStateOpen,
		opts:    opts,
		proc:    proc,
		conn:    conn,
		logger:  logger,
		targets: make(map[target.ID]*target.Info),
	}
	if err := b.initEvents(); err != nil {
		conn.Close()
		return nil, err
	}
	return b, nil
}

func (b *Browser) initEvents() error {
	events := b.conn.Subscribe(b.ctx,
		cdproto.EventTargetTargetCreated,
		cdproto.EventTargetTargetDestroyed,
		cdproto.EventTargetTargetInfoChanged,
	)
	go b.handleTargetEvents(events)
	go b.watchConnection()

	// Mirror target lifecycle; the browser is the source of truth.
	action := target.SetDiscoverTargets(true)
	if err := action.Do(cdpext.WithExecutor(b.ctx, b.conn)); err != nil {
		return fmt.Errorf("enabling target discovery: %w", err)
	}
	return nil
}

func (b *Browser) handleTargetEvents(events <-chan cdp.Event) {
	for ev := range events {
		switch data := ev.Data.(type) {
		case *target.EventTargetCreated:
			b.logger.Debugf("Browser:targetCreated", "tid:%v type:%q", data.TargetInfo.TargetID, data.TargetInfo.Type)
			b.targetsMu.Lock()
			b.targets[data.TargetInfo.TargetID] = data.TargetInfo
			b.targetsMu.Unlock()
		case *target.EventTargetInfoChanged:
			b.targetsMu.Lock()
			b.targets[data.TargetInfo.TargetID] = data.TargetInfo
			b.targetsMu.Unlock()
		case *target.EventTargetDestroyed:
			b.logger.Debugf("Browser:targetDestroyed", "tid:%v", data.TargetID)
			b.targetsMu.Lock()
			delete(b.targets, data.TargetID)
			b.targetsMu.Unlock()
		}
	}
}

// watchConnection transitions the browser to its terminal Closed state
// when the connection goes away, for whatever reason.
func (b *Browser) watchConnection() {
	<-b.conn.Done()
	atomic.StoreInt64(&b.state, BrowserStateClosed)
	if b.proc != nil {
		b.proc.DidLoseConnection()
	}
	b.cancel()
}

// State returns the current browser lifecycle state.
func (b *Browser) State() int64 { return atomic.LoadInt64(&b.state) }

// WsURL returns the DevTools WebSocket URL in use.
func (b *Browser) WsURL() string { return b.conn.WsURL() }

// Targets returns a snapshot of the targets the browser has reported.
func (b *Browser) Targets() []*target.Info {
	b.targetsMu.RLock()
	defer b.targetsMu.RUnlock()
	infos := make([]*target.Info, 0, len(b.targets))
	for _, info := range b.targets {
		infos = append(infos, info)
	}
	return infos
}

// Execute sends a browser-global command and waits for its result.
func (b *Browser) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	if b.State() != BrowserStateOpen {
		return cdp.ErrConnectionLost
	}
	return b.conn.Execute(ctx, method, params, res)
}

// Attach opens a session to the given target.
func (b *Browser) Attach(ctx context.Context, tid target.ID) (*cdp.Session, error) {
	if b.State() != BrowserStateOpen {
		return nil, cdp.ErrConnectionLost
	}
	return b.conn.Attach(ctx, tid)
}

// Detach closes the given session.
func (b *Browser) Detach(ctx context.Context, s *cdp.Session) error {
	return b.conn.Detach(ctx, s)
}

// Subscribe returns an ordered stream of browser-level events.
func (b *Browser) Subscribe(ctx context.Context, methods ...cdproto.MethodType) <-chan cdp.Event {
	return b.conn.Subscribe(ctx, methods...)
}

// Version holds the browser's version information.
type Version struct {
	ProtocolVersion string
	Product         string
	Revision        string
	UserAgent       string
	JSVersion       string
}

// Version asks the browser for its version information.
func (b *Browser) Version(ctx context.Context) (Version, error) {
	if b.State() != BrowserStateOpen {
		return Version{}, cdp.ErrConnectionLost
	}
	pv, product, revision, ua, js, err := cdpbrowser.GetVersion().Do(cdpext.WithExecutor(ctx, b.conn))
	if err != nil {
		return Version{}, fmt.Errorf("getting browser version: %w", err)
	}
	return Version{
		ProtocolVersion: pv,
		Product:         product,
		Revision:        revision,
		UserAgent:       ua,
		JSVersion:       js,
	}, nil
}

// Close shuts the browser down. For a launched browser it first asks for
// a clean exit over the protocol, so profile state on disk is not
// corrupted, and terminates the process only if it has not exited within
// the shutdown grace period. Close is safe to call more than once.
func (b *Browser) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt64(&b.state, BrowserStateOpen, BrowserStateClosing) {
		b.logger.Debugf("Browser:Close", "already closing or closed")
		return nil
	}
	defer func() {
		atomic.StoreInt64(&b.state, BrowserStateClosed)
		b.cancel()
	}()

	if b.proc == nil {
		// A remote browser belongs to whoever started it; just drop the
		// connection.
		b.conn.Close()
		return nil
	}

	b.proc.GracefulClose()
	if err := cdpbrowser.Close().Do(cdpext.WithExecutor(ctx, b.conn)); err != nil {
		b.logger.Warnf("Browser:Close", "browser close command: %v", err)
	}

	grace := b.opts.ShutdownGracePeriod
	if grace <= 0 {
		grace = DefaultShutdownGracePeriod
	}
	select {
	case <-b.proc.Done():
	case <-time.After(grace):
		b.logger.Warnf("Browser:Close", "browser did not exit within %v, terminating", grace)
		b.proc.Terminate()
		<-b.proc.Done()
	case <-ctx.Done():
		b.proc.Terminate()
		<-b.proc.Done()
	}

	b.conn.Close()
	return nil
}

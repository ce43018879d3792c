package chromium

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/corvidlabs/corvid/log"
	"github.com/corvidlabs/corvid/storage"
)

// DefaultLaunchTimeout bounds how long a launch waits for the browser to
// announce its DevTools endpoint.
const DefaultLaunchTimeout = 30 * time.Second

// Process is a supervised browser child process. It owns the process
// handle exclusively: the engine above talks to the browser only over the
// protocol, and asks the Process to escalate when the protocol is not
// enough.
type Process struct {
	ctx    context.Context
	cancel context.CancelFunc

	process *os.Process
	dataDir *storage.Dir

	// Channels for managing termination.
	lostConnection  chan struct{}
	gracefulClosing chan struct{}
	processDone     chan struct{}

	lostOnce     sync.Once
	gracefulOnce sync.Once

	// The browser's WebSocket URL for speaking CDP.
	wsURL string

	logger *log.Logger
}

func newProcess(
	ctx context.Context, path string, args, env []string,
	dataDir *storage.Dir, timeout time.Duration, logger *log.Logger,
) (*Process, error) {
	ctx, cancel := context.WithCancel(ctx)

	cmd, err := execute(ctx, path, args, env, dataDir, logger)
	if err != nil {
		cancel()
		dataDir.Cleanup() //nolint:errcheck
		return nil, err
	}

	urlCtx, urlCancel := context.WithTimeout(ctx, timeout)
	defer urlCancel()

	wsURL, err := parseDevToolsURL(urlCtx, cmd)
	if err != nil {
		// Kill the half-started browser and collect it, so a failed
		// launch leaves no orphan behind.
		cancel()
		<-cmd.done
		return nil, fmt.Errorf("waiting for DevTools endpoint: %w", err)
	}

	p := Process{
		ctx:             ctx,
		cancel:          cancel,
		process:         cmd.Process,
		dataDir:         dataDir,
		lostConnection:  make(chan struct{}),
		gracefulClosing: make(chan struct{}),
		processDone:     cmd.done,
		wsURL:           wsURL,
		logger:          logger,
	}

	go p.handleClose(ctx)

	return &p, nil
}

// handleClose terminates the process when the CDP connection is lost
// outside of a clean browser-initiated shutdown.
func (p *Process) handleClose(ctx context.Context) {
	select {
	case <-p.lostConnection:
	case <-ctx.Done():
	}

	select {
	case <-p.gracefulClosing:
	default:
		p.cancel()
	}
}

// DidLoseConnection tells the supervisor that the CDP connection to the
// browser went away.
func (p *Process) DidLoseConnection() {
	p.lostOnce.Do(func() { close(p.lostConnection) })
}

// GracefulClose marks the start of a clean, browser-initiated shutdown,
// so a subsequent connection loss is not treated as a crash.
func (p *Process) GracefulClose() {
	p.logger.Debugf("chromium:Process", "graceful close")
	p.gracefulOnce.Do(func() { close(p.gracefulClosing) })
}

// Terminate kills the browser process.
func (p *Process) Terminate() {
	p.logger.Debugf("chromium:Process", "terminating")
	p.cancel()
}

// Done returns a channel that is closed once the process has exited and
// its user data directory has been cleaned up.
func (p *Process) Done() <-chan struct{} { return p.processDone }

// WsURL returns the WebSocket URL the browser listens on for CDP clients.
func (p *Process) WsURL() string { return p.wsURL }

// Pid returns the browser process ID.
func (p *Process) Pid() int { return p.process.Pid }

// Cleanup removes the user data directory if it was created at launch.
func (p *Process) Cleanup() error {
	return p.dataDir.Cleanup()
}

type command struct {
	*exec.Cmd
	done   chan struct{}
	stderr io.Reader
}

func execute(
	ctx context.Context, path string, args, env []string,
	dataDir *storage.Dir, logger *log.Logger,
) (command, error) {
	cmd := exec.CommandContext(ctx, path, args...) //nolint:gosec
	killAfterParent(cmd)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return command{}, fmt.Errorf("piping stderr: %w", err)
	}
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	// We must start the cmd before calling cmd.Wait, as otherwise the two
	// can run into a data race.
	err = cmd.Start()
	if errors.Is(err, fs.ErrNotExist) {
		return command{}, fmt.Errorf("browser executable does not exist: %s", path)
	}
	if err != nil {
		return command{}, fmt.Errorf("starting browser executable %q: %w", path, err)
	}
	if ctx.Err() != nil {
		return command{}, fmt.Errorf("after browser start: %w", ctx.Err())
	}

	done := make(chan struct{})
	go func() {
		defer func() {
			if err := dataDir.Cleanup(); err != nil {
				logger.Errorf("chromium:Process", "cleaning up the user data directory: %v", err)
			}
			close(done)
		}()

		if err := cmd.Wait(); err != nil {
			logger.Debugf("chromium:Process",
				"process with PID %d ended: %v", cmd.Process.Pid, err)
		}
	}()

	return command{cmd, done, stderr}, nil
}

// parseDevToolsURL grabs the WebSocket address from the browser's stderr
// and returns it. If the process ends abruptly, it returns the first
// error the browser printed instead.
func parseDevToolsURL(ctx context.Context, cmd command) (_ string, err error) {
	parser := &devToolsURLParser{
		sc: bufio.NewScanner(cmd.stderr),
	}
	done := make(chan struct{})
	go func() {
		for parser.scan() {
		}
		close(done)
	}()
	for err == nil {
		select {
		case <-done:
			err = parser.err()
			if err == nil {
				// stderr hit EOF with no URL and nothing we recognize
				// as an error printed.
				err = errors.New("browser stderr ended before the DevTools endpoint was reported")
			}
		case <-ctx.Done():
			err = ctx.Err()
		case <-cmd.done:
			err = errors.New("browser process ended unexpectedly")
		}
	}
	if parser.url != "" {
		err = nil
	}

	return parser.url, err
}

type devToolsURLParser struct {
	sc *bufio.Scanner

	errs []error
	url  string
}

func (p *devToolsURLParser) scan() bool {
	if !p.sc.Scan() {
		return false
	}

	const urlPrefix = "DevTools listening on "

	line := p.sc.Text()
	if strings.HasPrefix(line, urlPrefix) {
		p.url = strings.TrimSpace(strings.TrimPrefix(line, urlPrefix))
	}
	if strings.Contains(line, ":ERROR:") {
		if i := strings.Index(line, "] "); i > 0 {
			p.errs = append(p.errs, errors.New(line[i+2:]))
		}
	}

	return p.url == ""
}

func (p *devToolsURLParser) err() error {
	if p.url != "" {
		return io.EOF
	}
	if len(p.errs) > 0 {
		return p.errs[0]
	}

	err := p.sc.Err()
	if errors.Is(err, fs.ErrClosed) {
		return fmt.Errorf("browser process shut down before establishing a connection: %w", err)
	}
	if err != nil {
		return err
	}

	return nil
}

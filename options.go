package corvid

import (
	"regexp"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/corvidlabs/corvid/log"
)

const (
	// DefaultLaunchTimeout bounds how long Launch waits for the browser
	// to announce its DevTools endpoint.
	DefaultLaunchTimeout = 30 * time.Second

	// DefaultShutdownGracePeriod is how long Close waits for the browser
	// to exit on its own before terminating it forcefully.
	DefaultShutdownGracePeriod = 5 * time.Second
)

// Options configures a Browser. The zero value is not usable; start from
// NewOptions. Everything is explicit; nothing is read from environment
// variables or other ambient state.
type Options struct {
	// Args holds extra command line flags for the browser process.
	Args []string

	// DataDir uses the given directory as the browser's user data
	// directory. When empty a temporary one is created and removed when
	// the browser exits.
	DataDir string

	// Debug forces engine debug logging regardless of the logger level.
	Debug bool

	// Devtools opens the devtools panel for every tab. Only meaningful
	// when not headless.
	Devtools bool

	// Env holds extra environment variables for the browser process.
	Env map[string]string

	// ExecutablePath overrides browser executable discovery.
	ExecutablePath string

	// Headless runs the browser without a visible UI.
	Headless bool

	// IgnoreDefaultArgs removes the named flags from the default set
	// passed to the browser.
	IgnoreDefaultArgs []string

	// LaunchTimeout bounds browser startup.
	LaunchTimeout time.Duration

	// LogCategoryFilter is a regular expression selecting which log
	// categories are emitted.
	LogCategoryFilter string

	// Logger receives the engine's logs. When nil a plain logrus logger
	// is used.
	Logger *logrus.Logger

	// ShutdownGracePeriod is how long Close waits for a graceful browser
	// exit before escalating to forceful termination.
	ShutdownGracePeriod time.Duration
}

// NewOptions returns Options with the defaults: headless, a temporary
// data directory, and the default startup and shutdown timeouts.
func NewOptions() *Options {
	return &Options{
		Env:                 make(map[string]string),
		Headless:            true,
		LaunchTimeout:       DefaultLaunchTimeout,
		LogCategoryFilter:   ".*",
		ShutdownGracePeriod: DefaultShutdownGracePeriod,
	}
}

// logger builds the engine logger from the options.
func (o *Options) logger() *log.Logger {
	ll := o.Logger
	if ll == nil {
		ll = logrus.New()
	}
	filter, err := regexp.Compile(o.LogCategoryFilter)
	if err != nil {
		filter = nil
	}
	return log.New(ll, o.Debug, filter)
}

// Package chromium finds, launches, and supervises a Chromium-family
// browser process with remote debugging enabled.
package chromium

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/corvidlabs/corvid/log"
	"github.com/corvidlabs/corvid/storage"
)

// ErrNoExecutable is returned by Launch when no browser executable can be
// found and none was configured.
var ErrNoExecutable = errors.New("no chromium executable found, set ExecutablePath")

// LaunchOptions configures a single browser launch. All inputs are
// explicit; nothing is read from ambient global state.
type LaunchOptions struct {
	// ExecutablePath overrides executable discovery.
	ExecutablePath string

	// Headless runs the browser without a visible UI. Defaults should be
	// set by the caller; the zero value means headful.
	Headless bool

	// Devtools opens the devtools panel for every tab.
	Devtools bool

	// Args holds extra command line flags, with or without the leading
	// dashes, e.g. "--no-sandbox" or "proxy-server=localhost:8080".
	Args []string

	// IgnoreDefaultArgs removes the named flags from the default set.
	IgnoreDefaultArgs []string

	// Env holds extra environment variables for the browser process.
	Env map[string]string

	// DataDir uses the given directory as the user data directory
	// instead of a temporary one.
	DataDir string

	// Timeout bounds how long to wait for the DevTools endpoint to come
	// up after the process starts.
	Timeout time.Duration
}

// Launch starts a browser process and blocks until its DevTools WebSocket
// URL is known, or the startup timeout elapses. On failure the child is
// terminated so no half-started browser is left behind.
func Launch(ctx context.Context, opts LaunchOptions, logger *log.Logger) (*Process, error) {
	path := opts.ExecutablePath
	if path == "" {
		if path = findExecPath(); path == "" {
			return nil, ErrNoExecutable
		}
	}

	flags := defaultFlags(opts.Headless, opts.Devtools)
	setFlagsFromArgs(flags, opts.Args)
	for _, name := range opts.IgnoreDefaultArgs {
		delete(flags, strings.TrimPrefix(name, "--"))
	}

	dataDir := &storage.Dir{}
	if err := dataDir.Make("", opts.DataDir); err != nil {
		return nil, fmt.Errorf("preparing user data directory: %w", err)
	}
	flags["user-data-dir"] = dataDir.Dir

	args, err := buildArgs(flags)
	if err != nil {
		dataDir.Cleanup() //nolint:errcheck
		return nil, err
	}

	var env []string
	for k, v := range opts.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultLaunchTimeout
	}

	return newProcess(ctx, path, args, env, dataDir, timeout, logger)
}

// defaultFlags is the flag set passed to the browser unless overridden,
// after Puppeteer's and Playwright's default behavior.
func defaultFlags(headless, devtools bool) map[string]any {
	f := map[string]any{
		"disable-background-networking":                      true,
		"enable-features":                                    "NetworkService,NetworkServiceInProcess",
		"disable-background-timer-throttling":                true,
		"disable-backgrounding-occluded-windows":             true,
		"disable-breakpad":                                   true,
		"disable-component-extensions-with-background-pages": true,
		"disable-default-apps":                               true,
		"disable-dev-shm-usage":                              true,
		"disable-extensions":                                 true,
		"disable-features":                                   "ImprovedCookieControls,LazyFrameLoading,GlobalMediaControls,DestroyProfileOnBrowserClose,MediaRouter,AcceptCHFrame",
		"disable-hang-monitor":                               true,
		"disable-ipc-flooding-protection":                    true,
		"disable-popup-blocking":                             true,
		"disable-prompt-on-repost":                           true,
		"disable-renderer-backgrounding":                     true,
		"force-color-profile":                                "srgb",
		"metrics-recording-only":                             true,
		"no-first-run":                                       true,
		"enable-automation":                                  true,
		"password-store":                                     "basic",
		"use-mock-keychain":                                  true,
		"no-service-autorun":                                 true,
		"no-default-browser-check":                           true,
		"headless":                                           headless,
		"auto-open-devtools-for-tabs":                        devtools,
	}
	if headless {
		f["hide-scrollbars"] = true
		f["mute-audio"] = true
	}
	return f
}

// setFlagsFromArgs parses user-provided arguments into the flag map,
// overriding defaults of the same name.
func setFlagsFromArgs(flags map[string]any, args []string) {
	for _, arg := range args {
		arg = strings.TrimLeft(arg, "-")
		name, value, found := strings.Cut(arg, "=")
		if found {
			flags[name] = value
		} else {
			flags[name] = true
		}
	}
}

// buildArgs turns the flag map into a deterministic argv. A false bool
// drops the flag entirely, which is how defaults are turned off.
func buildArgs(flags map[string]any) ([]string, error) {
	var args []string
	for name, value := range flags {
		switch value := value.(type) {
		case string:
			args = append(args, fmt.Sprintf("--%s=%s", name, value))
		case bool:
			if value {
				args = append(args, fmt.Sprintf("--%s", name))
			}
		default:
			return nil, fmt.Errorf("invalid browser command line flag: %s=%v", name, value)
		}
	}
	if _, ok := flags["no-sandbox"]; !ok && os.Getuid() == 0 {
		// Running as root, for example in a Linux container. Chromium
		// needs --no-sandbox when running as root, so make that the
		// default, unless the user set "no-sandbox": false.
		args = append(args, "--no-sandbox")
	}
	if _, ok := flags["remote-debugging-port"]; !ok {
		args = append(args, "--remote-debugging-port=0")
	}
	sort.Strings(args)
	return args, nil
}

// findExecPath finds the path to the browser executable and returns it.
func findExecPath() string {
	for _, path := range [...]string{
		// Unix-like
		"headless_shell",
		"headless-shell",
		"chromium",
		"chromium-browser",
		"google-chrome",
		"google-chrome-stable",
		"google-chrome-beta",
		"google-chrome-unstable",
		"/usr/bin/google-chrome",

		// Windows
		"chrome",
		"chrome.exe", // in case PATHEXT is misconfigured
		`C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`,
		`C:\Program Files\Google\Chrome\Application\chrome.exe`,
		filepath.Join(os.Getenv("USERPROFILE"), `AppData\Local\Google\Chrome\Application\chrome.exe`),

		// Mac
		"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
		"/Applications/Chromium.app/Contents/MacOS/Chromium",
	} {
		if _, err := exec.LookPath(path); err == nil {
			return path
		}
	}

	return ""
}

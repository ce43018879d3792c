package chromium

import (
	"bufio"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDevToolsURLParser(t *testing.T) {
	t.Parallel()

	t.Run("url found", func(t *testing.T) {
		p := &devToolsURLParser{sc: scannerFor(
			"Fontconfig warning: something harmless",
			"DevTools listening on ws://127.0.0.1:41000/devtools/browser/e3bb7e53-ad0f-4f13-ab28-72f0af2bf68c",
			"never read",
		)}
		for p.scan() {
		}
		assert.Equal(t, "ws://127.0.0.1:41000/devtools/browser/e3bb7e53-ad0f-4f13-ab28-72f0af2bf68c", p.url)
		assert.ErrorIs(t, p.err(), io.EOF)
	})

	t.Run("error lines collected", func(t *testing.T) {
		p := &devToolsURLParser{sc: scannerFor(
			"[4688:4688:0921/103621.993973:ERROR:ozone_platform_x11.cc(240)] Missing X server or $DISPLAY",
			"[4688:4688:0921/103621.993980:ERROR:env.cc(255)] The platform failed to initialize.",
		)}
		for p.scan() {
		}
		assert.Empty(t, p.url)
		require.Error(t, p.err())
		assert.ErrorContains(t, p.err(), "Missing X server or $DISPLAY")
	})

	t.Run("eof without url or errors", func(t *testing.T) {
		p := &devToolsURLParser{sc: scannerFor("this browser says nothing useful")}
		for p.scan() {
		}
		assert.Empty(t, p.url)
		assert.NoError(t, p.err())
	})
}

func TestParseDevToolsURL(t *testing.T) {
	t.Parallel()

	t.Run("success", func(t *testing.T) {
		cmd := command{
			done:   make(chan struct{}),
			stderr: strings.NewReader("DevTools listening on ws://127.0.0.1:9222/devtools/browser/abc\n"),
		}
		url, err := parseDevToolsURL(context.Background(), cmd)
		require.NoError(t, err)
		assert.Equal(t, "ws://127.0.0.1:9222/devtools/browser/abc", url)
	})

	t.Run("startup error beats silence", func(t *testing.T) {
		cmd := command{
			done:   make(chan struct{}),
			stderr: strings.NewReader("[1:1:0921/103621:ERROR:browser_main.cc(42)] cannot create profile\n"),
		}
		_, err := parseDevToolsURL(context.Background(), cmd)
		require.ErrorContains(t, err, "cannot create profile")
	})

	t.Run("stderr eof without url fails fast", func(t *testing.T) {
		// A clean EOF with nothing recognizable printed must produce an
		// error promptly instead of spinning until the launch timeout.
		cmd := command{
			done:   make(chan struct{}),
			stderr: strings.NewReader("mumbling, but no endpoint and no errors\n"),
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		start := time.Now()
		_, err := parseDevToolsURL(ctx, cmd)
		require.ErrorContains(t, err, "before the DevTools endpoint was reported")
		assert.Less(t, time.Since(start), 2*time.Second)
	})

	t.Run("timeout while browser stays silent", func(t *testing.T) {
		// A reader that never delivers data and never ends, like a hung
		// browser holding its stderr open.
		r, w := io.Pipe()
		defer w.Close() //nolint:errcheck

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		cmd := command{done: make(chan struct{}), stderr: r}
		_, err := parseDevToolsURL(ctx, cmd)
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("process died before announcing", func(t *testing.T) {
		r, w := io.Pipe()
		defer w.Close() //nolint:errcheck

		done := make(chan struct{})
		close(done)

		cmd := command{done: done, stderr: r}
		_, err := parseDevToolsURL(context.Background(), cmd)
		require.ErrorContains(t, err, "ended unexpectedly")
	})
}

func scannerFor(lines ...string) *bufio.Scanner {
	return bufio.NewScanner(strings.NewReader(strings.Join(lines, "\n")))
}

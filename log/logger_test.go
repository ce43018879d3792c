package log

import (
	"testing"

	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerCategoryFilter(t *testing.T) {
	t.Parallel()

	ll, hook := logrustest.NewNullLogger()
	ll.SetLevel(logrus.DebugLevel)

	l := New(ll, false, nil)
	require.NoError(t, l.SetCategoryFilter("^cdp"))

	l.Debugf("cdp:recv", "kept")
	l.Debugf("Browser:close", "filtered out")

	entries := hook.AllEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, "kept", entries[0].Message)
	assert.Equal(t, "cdp:recv", entries[0].Data["category"])
}

func TestLoggerLevels(t *testing.T) {
	t.Parallel()

	t.Run("below level is dropped", func(t *testing.T) {
		ll, hook := logrustest.NewNullLogger()
		ll.SetLevel(logrus.InfoLevel)

		l := New(ll, false, nil)
		l.Debugf("cat", "dropped")
		l.Infof("cat", "kept")

		entries := hook.AllEntries()
		require.Len(t, entries, 1)
		assert.Equal(t, "kept", entries[0].Message)
	})

	t.Run("debug override bypasses level", func(t *testing.T) {
		ll, hook := logrustest.NewNullLogger()
		ll.SetLevel(logrus.PanicLevel)

		l := New(ll, true, nil)
		l.Debugf("cat", "forced through")

		require.Len(t, hook.AllEntries(), 1)
	})
}

func TestLoggerEntryFields(t *testing.T) {
	t.Parallel()

	ll, hook := logrustest.NewNullLogger()
	ll.SetLevel(logrus.DebugLevel)

	l := New(ll, false, nil)
	l.Warnf("chromium:Process", "pid %d gone", 1234)

	entries := hook.AllEntries()
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, logrus.WarnLevel, e.Level)
	assert.Equal(t, "pid 1234 gone", e.Message)
	assert.Contains(t, e.Data, "elapsed")
	assert.Contains(t, e.Data, "goroutine")
}

func TestLoggerSetLevel(t *testing.T) {
	t.Parallel()

	l := NewNullLogger()
	require.Error(t, l.SetLevel("nope"))

	require.NoError(t, l.SetLevel("debug"))
	assert.True(t, l.DebugMode())

	require.NoError(t, l.SetLevel("warning"))
	assert.False(t, l.DebugMode())
}

func TestLoggerSetCategoryFilter(t *testing.T) {
	t.Parallel()

	l := NewNullLogger()
	require.NoError(t, l.SetCategoryFilter(""))
	require.ErrorContains(t, l.SetCategoryFilter("(unbalanced"), "invalid category filter")
}

func TestNilLoggerIsSafe(t *testing.T) {
	t.Parallel()

	var l *Logger
	l.Debugf("cat", "no panic") // Logf tolerates a nil receiver
}

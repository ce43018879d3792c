// Package storage provides the temporary on-disk state of a launched browser.
package storage

import (
	"fmt"
	"os"
	"sync"
)

// Dir manages the user data directory of a browser process. A user data
// directory contains profile state (cookies, local storage, caches) and is
// removed on cleanup only if it was created by us.
type Dir struct {
	Dir    string // path to the data directory
	remove bool   // whether to remove the directory on cleanup

	cleanupOnce sync.Once
	cleanupErr  error
}

// Make creates a new temporary directory under tmpDir if dir is empty,
// otherwise it uses dir as given and leaves it in place on cleanup.
func (d *Dir) Make(tmpDir string, dir string) error {
	if d.Dir != "" {
		return fmt.Errorf("data directory is already set: %s", d.Dir)
	}

	if dir != "" {
		d.Dir = dir
		return nil
	}

	tmp, err := os.MkdirTemp(tmpDir, "corvid-user-data-*")
	if err != nil {
		return fmt.Errorf("making browser data directory: %w", err)
	}
	d.Dir = tmp
	d.remove = true

	return nil
}

// Cleanup removes the data directory if it was created by Make. It is safe
// to call multiple times; only the first call does the removal.
func (d *Dir) Cleanup() error {
	d.cleanupOnce.Do(func() {
		if !d.remove || d.Dir == "" {
			return
		}
		d.cleanupErr = os.RemoveAll(d.Dir)
	})
	return d.cleanupErr
}

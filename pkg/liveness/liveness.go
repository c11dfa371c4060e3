// Package liveness maintains the marker file an external health probe
// watches. The probe considers the process unhealthy when the marker's
// mtime is older than its staleness window; the monitor's only job is to
// touch it after every healthy iteration.
package liveness

import (
	"fmt"
	"os"
	"time"
)

// Toucher updates the mtime of a marker file, creating it when absent
type Toucher struct {
	path string
}

// New creates a toucher for the given marker path
func New(path string) *Toucher {
	return &Toucher{path: path}
}

// Touch updates the marker's mtime to now
func (t *Toucher) Touch() error {
	now := time.Now()
	err := os.Chtimes(t.path, now, now)
	if err == nil {
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("touch %s: %w", t.path, err)
	}

	f, err := os.OpenFile(t.path, os.O_CREATE|os.O_WRONLY, 0o644) //nolint:gosec // path comes from config
	if err != nil {
		return fmt.Errorf("create %s: %w", t.path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", t.path, err)
	}
	return nil
}

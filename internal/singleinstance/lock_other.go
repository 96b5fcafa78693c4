//go:build !unix && !windows

package singleinstance

import (
	"errors"
	"fmt"
	"os"
	"strconv"
)

// Lock records the PID file. Platforms without flock or named mutexes get no
// exclusion.
type Lock struct{ path string }

// TryLock writes the current PID into path.
func TryLock(path string) (*Lock, error) {
	if path == "" {
		return nil, errors.New("pid file path is required")
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("write pid file %s: %w", path, err)
	}
	return &Lock{path: path}, nil
}

// Release removes the PID file.
func (l *Lock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	err := os.Remove(l.path)
	l.path = ""
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

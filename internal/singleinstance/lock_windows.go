//go:build windows

package singleinstance

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/windows"
)

// Lock holds a named mutex derived from the PID file path, plus the file itself.
// The kernel releases the mutex when the owning process terminates.
type Lock struct {
	handle windows.Handle
	path   string
}

// TryLock acquires the mutex for path and writes the current PID into it.
func TryLock(path string) (*Lock, error) {
	if path == "" {
		return nil, errors.New("pid file path is required")
	}
	name, err := mutexName(path)
	if err != nil {
		return nil, err
	}
	nameUTF16, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return nil, fmt.Errorf("invalid mutex name %q: %w", name, err)
	}
	h, err := windows.CreateMutex(nil, true, nameUTF16)
	if err == windows.ERROR_ALREADY_EXISTS {
		if h != 0 {
			windows.CloseHandle(h)
		}
		return nil, ErrAlreadyRunning
	}
	if err != nil {
		if h != 0 {
			windows.CloseHandle(h)
		}
		return nil, fmt.Errorf("CreateMutex %q: %w", name, err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		windows.CloseHandle(h)
		return nil, fmt.Errorf("write pid file %s: %w", path, err)
	}
	return &Lock{handle: h, path: path}, nil
}

// Release removes the PID file and closes the mutex. Safe on a nil receiver and idempotent.
func (l *Lock) Release() error {
	if l == nil || l.handle == 0 {
		return nil
	}
	removeErr := os.Remove(l.path)
	if errors.Is(removeErr, os.ErrNotExist) {
		removeErr = nil
	}
	closeErr := windows.CloseHandle(l.handle)
	l.handle = 0
	return errors.Join(removeErr, closeErr)
}

func mutexName(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve pid file %s: %w", path, err)
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(abs))
	return fmt.Sprintf(`Local\gtcpd-%016x`, h.Sum64()), nil
}

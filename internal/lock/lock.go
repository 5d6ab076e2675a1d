// Package lock keeps a single client instance per profile.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// FileName is the lock file created inside the profile directory.
const FileName = "LOCK"

// HeldError is returned when another process holds the profile lock.
type HeldError struct {
	PID   int
	Owner string
	Path  string
}

func (e *HeldError) Error() string {
	if e.Owner != "" {
		return fmt.Sprintf("profile in use by %q (PID %d, %s)", e.Owner, e.PID, e.Path)
	}
	return fmt.Sprintf("profile in use by PID %d (%s)", e.PID, e.Path)
}

// Lock is an acquired flock on the profile directory.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes an exclusive, non-blocking lock on dir. owner names the
// command holding it and is shown to the next caller in HeldError.
func Acquire(dir, owner string) (*Lock, error) {
	path := filepath.Join(dir, FileName)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		data, _ := os.ReadFile(path)
		_ = f.Close()
		pid, holder := parse(string(data))
		return nil, &HeldError{PID: pid, Owner: holder, Path: path}
	}

	if err := f.Truncate(0); err != nil {
		_ = f.Close()
		return nil, err
	}
	content := fmt.Sprintf("pid=%d\nowner=%s\ntime=%s\n", os.Getpid(), owner, time.Now().UTC().Format(time.RFC3339))
	if _, err := f.WriteAt([]byte(content), 0); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Lock{file: f, path: path}, nil
}

// Release drops the lock. Safe on a nil receiver and when called twice.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}

func parse(content string) (pid int, owner string) {
	for _, line := range strings.Split(content, "\n") {
		if v, ok := strings.CutPrefix(line, "pid="); ok {
			pid, _ = strconv.Atoi(v)
		}
		if v, ok := strings.CutPrefix(line, "owner="); ok {
			owner = v
		}
	}
	return pid, owner
}

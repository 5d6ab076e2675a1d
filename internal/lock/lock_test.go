package lock

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAcquireAndRelease(t *testing.T) {
	dir := t.TempDir()

	l, err := Acquire(dir, "chat")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		t.Fatalf("read lock file: %v", err)
	}
	if !strings.Contains(string(data), "owner=chat") {
		t.Errorf("lock file = %q, want owner line", data)
	}
	if err := l.Release(); err != nil {
		t.Errorf("Release() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, FileName)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("lock file left behind: %v", err)
	}
}

func TestDoubleAcquireFails(t *testing.T) {
	dir := t.TempDir()

	l1, err := Acquire(dir, "chat")
	if err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}
	defer func() { _ = l1.Release() }()

	_, err = Acquire(dir, "watch")
	var held *HeldError
	if !errors.As(err, &held) {
		t.Fatalf("expected HeldError, got %T: %v", err, err)
	}
	if held.PID != os.Getpid() || held.Owner != "chat" {
		t.Errorf("held = %+v", held)
	}
}

func TestReacquireAfterRelease(t *testing.T) {
	dir := t.TempDir()
	l, err := Acquire(dir, "a")
	if err != nil {
		t.Fatal(err)
	}
	_ = l.Release()
	l2, err := Acquire(dir, "b")
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	_ = l2.Release()
}

func TestReleaseNilAndIdempotent(t *testing.T) {
	var l *Lock
	if err := l.Release(); err != nil {
		t.Errorf("nil Release() error = %v", err)
	}
	l, err := Acquire(t.TempDir(), "x")
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Release(); err != nil {
		t.Errorf("first Release() error = %v", err)
	}
	if err := l.Release(); err != nil {
		t.Errorf("second Release() error = %v", err)
	}
}

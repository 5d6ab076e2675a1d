package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/matheus3301/duochat/internal/chat"
	"github.com/matheus3301/duochat/internal/config"
	"github.com/matheus3301/duochat/internal/lock"
	"github.com/matheus3301/duochat/internal/profile"
	"github.com/matheus3301/duochat/internal/status"
	"github.com/matheus3301/duochat/internal/store"
	"github.com/matheus3301/duochat/internal/transport"
	"go.uber.org/fx"
)

func seedCredentials(t *testing.T, name string, creds store.Credentials) {
	t.Helper()
	if err := profile.EnsureDir(name); err != nil {
		t.Fatal(err)
	}
	db, err := store.OpenMigrated(profile.StateDBPath(name))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()
	if err := db.SaveCredentials(creds); err != nil {
		t.Fatal(err)
	}
}

func testParams(b *transport.MemoryBroker) Params {
	return Params{
		Profile: "test",
		Config:  config.Default(),
		Owner:   "test",
		Dialer:  b,
	}
}

func TestModuleStartsConnectedClient(t *testing.T) {
	t.Setenv(profile.HomeEnv, t.TempDir())
	seedCredentials(t, "test", store.Credentials{Token: "tok", UserID: 7})
	b := transport.NewMemoryBroker()

	var client *chat.Client
	app := fx.New(Module(testParams(b)), fx.Populate(&client), fx.NopLogger)
	if err := app.Err(); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for client.State() != status.Connected && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if client.State() != status.Connected {
		t.Errorf("state = %s, want CONNECTED", client.State())
	}
	if n := b.Subscribers(transport.PrivateQueue(7)); n != 1 {
		t.Errorf("private queue subscribers = %d, want 1", n)
	}

	if err := app.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if n := b.Subscribers(transport.PrivateQueue(7)); n != 0 {
		t.Errorf("subscribers after stop = %d", n)
	}

	// The lock is released on stop, so the profile can be opened again.
	lk, err := lock.Acquire(profile.Dir("test"), "again")
	if err != nil {
		t.Fatalf("lock not released: %v", err)
	}
	_ = lk.Release()
}

func TestModuleRequiresCredentials(t *testing.T) {
	t.Setenv(profile.HomeEnv, t.TempDir())

	app := fx.New(Module(testParams(transport.NewMemoryBroker())), fx.NopLogger)
	if err := app.Err(); !errors.Is(err, store.ErrNoCredentials) {
		t.Errorf("err = %v, want ErrNoCredentials", err)
	}
}

func TestModuleRefusesSecondInstance(t *testing.T) {
	t.Setenv(profile.HomeEnv, t.TempDir())
	seedCredentials(t, "test", store.Credentials{Token: "tok", UserID: 7})

	lk, err := lock.Acquire(profile.Dir("test"), "other")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lk.Release() }()

	app := fx.New(Module(testParams(transport.NewMemoryBroker())), fx.NopLogger)
	var held *lock.HeldError
	if err := app.Err(); !errors.As(err, &held) {
		t.Errorf("err = %v, want *lock.HeldError", err)
	}
}

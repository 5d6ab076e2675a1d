package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/matheus3301/duochat/internal/app"
	"github.com/matheus3301/duochat/internal/config"
	"github.com/matheus3301/duochat/internal/logging"
	"github.com/matheus3301/duochat/internal/profile"
	"github.com/matheus3301/duochat/internal/rest"
	"github.com/matheus3301/duochat/internal/store"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const requestTimeout = 15 * time.Second

// globals are the persistent flags shared by every command.
type globals struct {
	profile    string
	configPath string
	debug      bool
}

// env is the resolved profile and configuration of one invocation.
type env struct {
	globals
	name string
	cfg  *config.Config
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "duochat",
		Short:         "Terminal client for one-to-one chat over a STOMP broker",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.profile, "profile", "", "profile name (overrides config default)")
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "config file (default ~/.duochat/config.toml)")
	root.PersistentFlags().BoolVar(&g.debug, "debug", false, "enable debug logging")

	root.AddCommand(
		newLoginCmd(g),
		newLogoutCmd(g),
		newChatCmd(g),
		newSendCmd(g),
		newHistoryCmd(g),
		newUsersCmd(g),
		newWatchCmd(g),
		newRelayCmd(g),
	)
	return root
}

func (g *globals) resolve() (*env, error) {
	path := g.configPath
	if path == "" {
		path = profile.ConfigPath()
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, err
	}
	name, err := profile.Resolve(g.profile, cfg.DefaultProfile)
	if err != nil {
		return nil, err
	}
	return &env{globals: *g, name: name, cfg: cfg}, nil
}

// logger writes to the profile log, and to stderr when stderr is set.
func (e *env) logger(stderr bool) (*zap.Logger, error) {
	if err := profile.EnsureDir(e.name); err != nil {
		return nil, err
	}
	return logging.New(logging.Options{
		Path:   profile.LogPath(e.name),
		Stderr: stderr,
		Debug:  e.debug,
	}, e.name)
}

func (e *env) openStore() (*store.DB, error) {
	if err := profile.EnsureDir(e.name); err != nil {
		return nil, err
	}
	return store.OpenMigrated(profile.StateDBPath(e.name))
}

// apiClient opens the profile store and returns an API client for the stored
// account. The caller closes db.
func (e *env) apiClient(logger *zap.Logger) (*rest.Client, store.Credentials, *store.DB, error) {
	db, err := e.openStore()
	if err != nil {
		return nil, store.Credentials{}, nil, err
	}
	creds, err := db.LoadCredentials()
	if err != nil {
		_ = db.Close()
		return nil, store.Credentials{}, nil, fmt.Errorf("%w (run duochat login)", err)
	}
	api, err := rest.New(rest.Config{BaseURL: e.cfg.APIURL}, creds.Token, logger)
	if err != nil {
		_ = db.Close()
		return nil, store.Credentials{}, nil, err
	}
	return api, creds, db, nil
}

// startClient builds and starts the client module, filling targets.
func (e *env) startClient(ctx context.Context, owner string, stderr bool, targets ...any) (*fx.App, error) {
	fxApp := fx.New(
		app.Module(app.Params{
			Profile: e.name,
			Config:  e.cfg,
			Owner:   owner,
			Stderr:  stderr,
			Debug:   e.debug,
		}),
		fx.NopLogger,
		fx.Populate(targets...),
	)
	if err := fxApp.Err(); err != nil {
		if errors.Is(err, store.ErrNoCredentials) {
			return nil, fmt.Errorf("profile %s: %w (run duochat login)", e.name, store.ErrNoCredentials)
		}
		return nil, err
	}
	startCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	if err := fxApp.Start(startCtx); err != nil {
		return nil, err
	}
	return fxApp, nil
}

func stopClient(fxApp *fx.App) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	_ = fxApp.Stop(ctx)
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func requireArgs(n int, usage string) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) < n {
			return fmt.Errorf("usage: duochat %s", usage)
		}
		return nil
	}
}

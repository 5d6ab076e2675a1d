package main

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/duochat/internal/relay"
	"github.com/matheus3301/duochat/internal/transport"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newRelayCmd(g *globals) *cobra.Command {
	var (
		listen string
		token  string
	)
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run a development relay: broker routing plus the REST API in memory",
		Long: `Run a development relay that routes chat and typing frames between
clients and serves the REST API from memory.

The relay needs a broker it does not serve itself, so point broker_url at
Redis (redis://localhost:6379) or a STOMP broker (tcp://localhost:61613),
and api_url at the --listen address.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := g.resolve()
			if err != nil {
				return err
			}
			logger, err := e.logger(true)
			if err != nil {
				return err
			}
			logger = logger.Named("relay")
			defer func() { _ = logger.Sync() }()

			dialer, err := transport.NewDialer(transport.Options{
				URL:       e.cfg.BrokerURL,
				HeartBeat: e.cfg.HeartBeat.Duration,
				Redis: transport.RedisOptions{
					Password: e.cfg.Redis.Password,
					DB:       e.cfg.Redis.DB,
					Prefix:   e.cfg.Redis.Prefix,
				},
			}, logger)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			history := relay.NewHistory()
			router := relay.NewRouter(dialer, transport.Credentials{Token: token}, history, nil, e.cfg.ReconnectDelay.Duration, logger)
			server := relay.NewServer(history, router, logger.Named("http"))

			routed := make(chan error, 1)
			go func() { routed <- router.Run(ctx) }()

			served := make(chan error, 1)
			go func() { served <- server.Listen(listen) }()
			logger.Info("relay started", zap.String("listen", listen), zap.String("broker", e.cfg.BrokerURL))

			select {
			case <-ctx.Done():
			case err := <-served:
				cancel()
				<-routed
				return fmt.Errorf("http server: %w", err)
			}

			shutdown(server.ShutdownWithContext, logger)
			if err := <-routed; err != nil {
				logger.Warn("router stopped with error", zap.Error(err))
			}
			logger.Info("relay stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", ":8080", "REST listen address")
	cmd.Flags().StringVar(&token, "token", "", "token presented to the broker")
	return cmd
}

func shutdown(fn func(context.Context) error, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
}

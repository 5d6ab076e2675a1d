package main

import (
	"github.com/matheus3301/duochat/internal/bus"
	"github.com/matheus3301/duochat/internal/chat"
	"github.com/matheus3301/duochat/internal/store"
	"github.com/matheus3301/duochat/internal/tui"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newChatCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Open the terminal UI",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := g.resolve()
			if err != nil {
				return err
			}
			var (
				client *chat.Client
				events *bus.Bus
				db     *store.DB
				logger *zap.Logger
			)
			fxApp, err := e.startClient(cmd.Context(), "tui", false, &client, &events, &db, &logger)
			if err != nil {
				return err
			}
			defer stopClient(fxApp)

			last, err := db.LastCounterpart()
			if err != nil {
				logger.Warn("failed to read last conversation", zap.Error(err))
			}
			username, err := db.Username(client.Self())
			if err != nil {
				logger.Debug("own username not cached", zap.Error(err))
			}

			return tui.NewApp(client, events, tui.Options{
				Profile:         e.name,
				Username:        username,
				LastCounterpart: last,
				Logger:          logger.Named("tui"),
			}).Run()
		},
	}
}

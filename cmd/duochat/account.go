package main

import (
	"context"
	"fmt"

	"github.com/matheus3301/duochat/internal/domain"
	"github.com/matheus3301/duochat/internal/rest"
	"github.com/matheus3301/duochat/internal/store"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newLoginCmd(g *globals) *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "login <username>",
		Short: "Authenticate and store the token for this profile",
		Args:  requireArgs(1, "login <username>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := g.resolve()
			if err != nil {
				return err
			}
			logger, err := e.logger(false)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			api, err := rest.New(rest.Config{BaseURL: e.cfg.APIURL}, "", logger.Named("rest"))
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			res, err := api.Login(ctx, args[0], password)
			if err != nil {
				return err
			}

			db, err := e.openStore()
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()
			id := domain.UserID(res.UserID)
			if err := db.SaveCredentials(store.Credentials{Token: res.Token, UserID: id}); err != nil {
				return err
			}
			if err := db.UpsertUsers([]domain.User{{ID: id, Username: args[0]}}); err != nil {
				logger.Warn("failed to cache own username", zap.Error(err))
			}
			logger.Info("logged in", zap.Int64("user_id", res.UserID))
			fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s (id %d) on profile %s\n", args[0], res.UserID, e.name)
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "account password")
	return cmd
}

func newLogoutCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored token for this profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := g.resolve()
			if err != nil {
				return err
			}
			db, err := e.openStore()
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()
			if err := db.ClearCredentials(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Logged out of profile %s\n", e.name)
			return nil
		},
	}
}

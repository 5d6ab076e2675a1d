package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/duochat/internal/bus"
	"github.com/matheus3301/duochat/internal/chat"
	"github.com/matheus3301/duochat/internal/domain"
	"github.com/matheus3301/duochat/internal/outbox"
	"github.com/matheus3301/duochat/internal/status"
	"github.com/matheus3301/duochat/internal/timeline"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newSendCmd(g *globals) *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "send <user> [text...]",
		Short: "Send one message and wait for the server echo",
		Args:  requireArgs(1, "send <user> [text...]"),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args[1:], " ")
			if filePath == "" && strings.TrimSpace(text) == "" {
				return chat.ErrEmptyMessage
			}
			e, err := g.resolve()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			var (
				client *chat.Client
				events *bus.Bus
			)
			fxApp, err := e.startClient(ctx, "send", false, &client, &events)
			if err != nil {
				return err
			}
			defer stopClient(fxApp)

			if err := waitConnected(ctx, client, events); err != nil {
				return err
			}
			to, err := resolveUser(ctx, client.Users, args[0])
			if err != nil {
				return err
			}

			changes, unsub := events.Subscribe("", 64)
			defer unsub()
			client.Select(to)

			var sent domain.Message
			if filePath != "" {
				f, err := os.Open(filePath)
				if err != nil {
					return err
				}
				defer func() { _ = f.Close() }()
				sent, err = client.SendFile(ctx, filepath.Base(filePath), f)
				if err != nil {
					return err
				}
			} else if sent, err = client.Send(text); err != nil {
				return err
			}

			confirmed, err := awaitEcho(ctx, changes, sent.LocalKey)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sent message %d to user %d\n", confirmed.ID, to)
			return nil
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "upload a file and send a link to it")
	return cmd
}

// waitConnected blocks until the session reports CONNECTED.
func waitConnected(ctx context.Context, client *chat.Client, events *bus.Bus) error {
	ch, unsub := events.Subscribe(bus.KindStatusChanged, 8)
	defer unsub()
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	for client.State() != status.Connected {
		select {
		case <-ch:
		case <-ctx.Done():
			return fmt.Errorf("broker not connected (state %s): %w", client.State(), ctx.Err())
		}
	}
	return nil
}

// awaitEcho waits for the server copy of the message with localKey.
func awaitEcho(ctx context.Context, events <-chan bus.Event, localKey string) (domain.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return domain.Message{}, fmt.Errorf("no confirmation from server: %w", ctx.Err())
		case evt := <-events:
			switch p := evt.Payload.(type) {
			case timeline.Change:
				if p.Op == timeline.OpMerge && p.Message.LocalKey == localKey {
					return p.Message, nil
				}
			case outbox.SendFailed:
				if p.LocalKey == localKey {
					return domain.Message{}, fmt.Errorf("send failed: %w", p.Err)
				}
			}
		}
	}
}

type userLookup func(ctx context.Context, query string) ([]domain.User, error)

// resolveUser accepts a numeric id or an exact username.
func resolveUser(ctx context.Context, lookup userLookup, arg string) (domain.UserID, error) {
	if id, err := strconv.ParseInt(arg, 10, 64); err == nil {
		if id <= 0 {
			return 0, fmt.Errorf("invalid user id %d", id)
		}
		return domain.UserID(id), nil
	}
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	users, err := lookup(ctx, arg)
	if err != nil {
		return 0, err
	}
	for _, u := range users {
		if strings.EqualFold(u.Username, arg) {
			return u.ID, nil
		}
	}
	return 0, fmt.Errorf("no user named %q", arg)
}

func newHistoryCmd(g *globals) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "history <user>",
		Short: "Print the conversation with a user",
		Args:  requireArgs(1, "history <user>"),
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
			api, creds, db, err := e.apiClient(logger.Named("rest"))
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			to, err := resolveUser(ctx, api.SearchUsers, args[0])
			if err != nil {
				return err
			}
			msgs, err := api.History(ctx, creds.UserID, to)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				return writeMessagesJSON(out, msgs)
			}
			names := map[domain.UserID]string{}
			name := func(id domain.UserID) string {
				if id == creds.UserID {
					return "you"
				}
				if n, ok := names[id]; ok {
					return n
				}
				n, err := db.Username(id)
				if err != nil {
					logger.Debug("username lookup failed", zap.Error(err))
				}
				if n == "" {
					n = strconv.FormatInt(int64(id), 10)
				}
				names[id] = n
				return n
			}
			for _, m := range msgs {
				body := m.Content()
				if f, ok := m.Payload.(domain.File); ok {
					body = fmt.Sprintf("[%s] %s", f.Name, f.URL)
				}
				fmt.Fprintf(out, "%s  %-12s %s\n", m.Timestamp.Local().Format(time.DateTime), name(m.SenderID), body)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print messages as JSON lines")
	return cmd
}

func writeMessagesJSON(w io.Writer, msgs []domain.Message) error {
	for _, m := range msgs {
		data, err := domain.EncodeMessage(m)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
			return err
		}
	}
	return nil
}

func newUsersCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "users [query]",
		Short: "List or search accounts",
		Args:  cobra.MaximumNArgs(1),
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
			api, _, db, err := e.apiClient(logger.Named("rest"))
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			var users []domain.User
			if len(args) == 1 && strings.TrimSpace(args[0]) != "" {
				users, err = api.SearchUsers(ctx, args[0])
			} else {
				users, err = api.Users(ctx)
			}
			if err != nil {
				return err
			}
			if err := db.UpsertUsers(users); err != nil {
				logger.Warn("failed to cache users", zap.Error(err))
			}
			if len(users) == 0 {
				return errors.New("no users found")
			}
			for _, u := range users {
				fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\n", u.ID, u.Username)
			}
			return nil
		},
	}
}

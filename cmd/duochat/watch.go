package main

import (
	"encoding/json"
	"time"

	"github.com/matheus3301/duochat/internal/bus"
	"github.com/matheus3301/duochat/internal/chat"
	"github.com/matheus3301/duochat/internal/conversation"
	"github.com/matheus3301/duochat/internal/domain"
	"github.com/matheus3301/duochat/internal/outbox"
	"github.com/matheus3301/duochat/internal/presence"
	"github.com/matheus3301/duochat/internal/status"
	"github.com/matheus3301/duochat/internal/timeline"
	"github.com/spf13/cobra"
)

func newWatchCmd(g *globals) *cobra.Command {
	var with string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream client events as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
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
			fxApp, err := e.startClient(ctx, "watch", true, &client, &events)
			if err != nil {
				return err
			}
			defer stopClient(fxApp)

			ch, unsub := events.Subscribe("", 256)
			defer unsub()

			if with != "" {
				to, err := resolveUser(ctx, client.Users, with)
				if err != nil {
					return err
				}
				client.Select(to)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			for {
				select {
				case <-ctx.Done():
					return nil
				case evt := <-ch:
					if err := enc.Encode(eventRecord(evt)); err != nil {
						return err
					}
				}
			}
		},
	}
	cmd.Flags().StringVar(&with, "with", "", "open the conversation with this user (id or username)")
	return cmd
}

type record struct {
	Kind    string    `json:"kind"`
	Time    time.Time `json:"ts"`
	Payload any       `json:"payload,omitempty"`
}

// eventRecord converts a bus event into its JSON form. Messages use the wire
// encoding so the output matches what the server sends.
func eventRecord(evt bus.Event) record {
	r := record{Kind: evt.Kind, Time: evt.Timestamp}
	switch p := evt.Payload.(type) {
	case status.StatusChange:
		r.Payload = map[string]string{"from": string(p.From), "to": string(p.To)}
	case timeline.Change:
		c := map[string]any{"op": string(p.Op)}
		if p.Message.Payload != nil {
			c["message"] = messageRecord(p.Message)
		}
		r.Payload = c
	case domain.Message:
		r.Payload = messageRecord(p)
	case outbox.SendFailed:
		f := map[string]string{"localKey": p.LocalKey}
		if p.Err != nil {
			f["error"] = p.Err.Error()
		}
		r.Payload = f
	case conversation.Scope:
		r.Payload = map[string]int64{"self": int64(p.Self), "counterpart": int64(p.Counterpart)}
	case presence.PeerTyping:
		r.Payload = map[string]any{"userId": int64(p.UserID), "typing": p.Typing}
	default:
		r.Payload = p
	}
	return r
}

func messageRecord(m domain.Message) map[string]any {
	out := map[string]any{"status": m.Status.String()}
	if m.LocalKey != "" {
		out["localKey"] = m.LocalKey
	}
	if data, err := domain.EncodeMessage(m); err == nil {
		out["wire"] = json.RawMessage(data)
	}
	return out
}

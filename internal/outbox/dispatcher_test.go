package outbox

import (
	"errors"
	"testing"
	"time"

	"github.com/matheus3301/duochat/internal/bus"
	"github.com/matheus3301/duochat/internal/domain"
	"github.com/matheus3301/duochat/internal/transport"
)

type publishCall struct {
	Destination string
	Body        string
}

// fakeBroker records calls and returns a configurable error.
type fakeBroker struct {
	self  domain.UserID
	calls []publishCall
	err   error
}

func (f *fakeBroker) Publish(destination string, body []byte) error {
	f.calls = append(f.calls, publishCall{Destination: destination, Body: string(body)})
	return f.err
}

func (f *fakeBroker) UserID() domain.UserID { return f.self }

func TestSendMessagePublishesToChatSend(t *testing.T) {
	fb := &fakeBroker{self: 1}
	b := bus.New()
	ch, unsub := b.Subscribe(bus.KindMessageSent, 1)
	defer unsub()

	d := NewDispatcher(fb, b, nil)
	d.SendMessage(domain.Message{
		SenderID:    1,
		RecipientID: 2,
		Payload:     domain.Text{Body: "hello"},
		Timestamp:   time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		Status:      domain.Pending,
	})

	if len(fb.calls) != 1 {
		t.Fatalf("got %d publish calls, want 1", len(fb.calls))
	}
	want := `{"senderId":1,"recipientId":2,"content":"hello","messageType":"CHAT","timestamp":"2024-05-01T10:00:00.000Z"}`
	if fb.calls[0].Destination != transport.AppChatSend || fb.calls[0].Body != want {
		t.Errorf("call = %+v, want {%s %s}", fb.calls[0], transport.AppChatSend, want)
	}

	select {
	case evt := <-ch:
		if evt.Kind != bus.KindMessageSent {
			t.Errorf("event kind = %q", evt.Kind)
		}
	default:
		t.Error("no message.sent event")
	}
}

func TestSendMessageDropsInvalid(t *testing.T) {
	tests := []struct {
		name string
		msg  domain.Message
	}{
		{"empty content", domain.Message{SenderID: 1, RecipientID: 2, Payload: domain.Text{}}},
		{"no recipient", domain.Message{SenderID: 1, Payload: domain.Text{Body: "x"}}},
		{"nil payload", domain.Message{SenderID: 1, RecipientID: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fb := &fakeBroker{self: 1}
			NewDispatcher(fb, nil, nil).SendMessage(tt.msg)
			if len(fb.calls) != 0 {
				t.Errorf("published %d frames, want 0", len(fb.calls))
			}
		})
	}
}

func TestSendMessageFailureIsReportedNotReturned(t *testing.T) {
	fb := &fakeBroker{self: 1, err: errors.New("not connected")}
	b := bus.New()
	ch, unsub := b.Subscribe(bus.KindSendFailed, 1)
	defer unsub()

	NewDispatcher(fb, b, nil).SendMessage(domain.Message{
		LocalKey: "k1", SenderID: 1, RecipientID: 2, Payload: domain.Text{Body: "x"},
	})

	select {
	case evt := <-ch:
		f, ok := evt.Payload.(SendFailed)
		if !ok || f.LocalKey != "k1" {
			t.Errorf("payload = %+v", evt.Payload)
		}
	default:
		t.Fatal("no message.send_failed event")
	}
}

func TestSendTypingStatus(t *testing.T) {
	fb := &fakeBroker{self: 2}
	d := NewDispatcher(fb, nil, nil)

	d.SendTypingStatus(1, true)
	if len(fb.calls) != 1 {
		t.Fatalf("got %d calls, want 1", len(fb.calls))
	}
	if fb.calls[0].Destination != transport.AppChatTyping {
		t.Errorf("destination = %q", fb.calls[0].Destination)
	}
	if fb.calls[0].Body != `{"senderId":2,"recipientId":1,"typing":true}` {
		t.Errorf("body = %s", fb.calls[0].Body)
	}
}

func TestSendTypingStatusWithoutSession(t *testing.T) {
	fb := &fakeBroker{}
	NewDispatcher(fb, nil, nil).SendTypingStatus(1, true)
	if len(fb.calls) != 0 {
		t.Errorf("published %d frames without a session user", len(fb.calls))
	}
}

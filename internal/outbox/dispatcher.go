// Package outbox publishes outbound chat messages and typing signals to the
// broker's application destinations.
package outbox

import (
	"github.com/matheus3301/duochat/internal/bus"
	"github.com/matheus3301/duochat/internal/domain"
	"github.com/matheus3301/duochat/internal/transport"
	"go.uber.org/zap"
)

// Broker is the live session the dispatcher publishes through.
type Broker interface {
	Publish(destination string, body []byte) error
	UserID() domain.UserID
}

// Dispatcher sends messages without waiting for any acknowledgement.
// Delivery is confirmed only by the server echo reaching the timeline.
type Dispatcher struct {
	broker Broker
	bus    *bus.Bus
	logger *zap.Logger
}

// SendFailed is the payload of message.send_failed events.
type SendFailed struct {
	LocalKey string
	Err      error
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(broker Broker, b *bus.Bus, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{broker: broker, bus: b, logger: logger}
}

// SendMessage publishes m to the chat send destination. Messages without
// content or recipient are dropped.
func (d *Dispatcher) SendMessage(m domain.Message) {
	if m.Content() == "" || m.RecipientID == 0 {
		d.logger.Warn("dropping invalid outbound message",
			zap.String("local_key", m.LocalKey),
			zap.Int64("recipient_id", int64(m.RecipientID)))
		return
	}

	body, err := domain.EncodeMessage(m)
	if err == nil {
		err = d.broker.Publish(transport.AppChatSend, body)
	}
	if err != nil {
		d.logger.Error("failed to send message", zap.Error(err), zap.String("local_key", m.LocalKey))
		d.bus.Emit(bus.KindSendFailed, SendFailed{LocalKey: m.LocalKey, Err: err})
		return
	}

	d.logger.Debug("message sent", zap.String("local_key", m.LocalKey), zap.String("kind", string(m.Kind())))
	d.bus.Emit(bus.KindMessageSent, m)
}

// SendTypingStatus publishes a typing signal from the session user to
// recipient.
func (d *Dispatcher) SendTypingStatus(recipient domain.UserID, typing bool) {
	self := d.broker.UserID()
	if self == 0 || recipient == 0 {
		return
	}
	body, err := domain.EncodeTyping(domain.TypingSignal{SenderID: self, RecipientID: recipient, Typing: typing})
	if err == nil {
		err = d.broker.Publish(transport.AppChatTyping, body)
	}
	if err != nil {
		d.logger.Debug("failed to send typing status", zap.Error(err), zap.Bool("typing", typing))
	}
}

package domain

import "time"

// UserID identifies an account on the messaging service. Zero means absent.
type UserID int64

// MessageID is the server-assigned message identifier. Zero means the
// server has not assigned one yet.
type MessageID int64

// Kind is the wire name of a message variant.
type Kind string

const (
	KindChat  Kind = "CHAT"
	KindJoin  Kind = "JOIN"
	KindLeave Kind = "LEAVE"
	KindFile  Kind = "FILE"
)

// Status tracks the delivery state of a timeline entry.
type Status int

const (
	// Confirmed messages came from the server (push or history).
	Confirmed Status = iota
	// Pending messages were created locally and await their server echo.
	Pending
	// Failed messages were rejected by the broker or stayed pending past the
	// configured timeout.
	Failed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Failed:
		return "failed"
	default:
		return "confirmed"
	}
}

// Message is one entry of a conversation.
type Message struct {
	ID          MessageID
	LocalKey    string // client correlation key, set only on locally created messages
	SenderID    UserID
	RecipientID UserID // zero for broadcast
	Payload     Payload
	Timestamp   time.Time
	Status      Status
}

// Kind returns the variant of the message payload.
func (m Message) Kind() Kind {
	if m.Payload == nil {
		return KindChat
	}
	return m.Payload.Kind()
}

// Content returns the text used for display and reconciliation: the chat
// body, the join/leave note, or the file URL.
func (m Message) Content() string {
	if m.Payload == nil {
		return ""
	}
	return m.Payload.content()
}

// Pending reports whether the message awaits server confirmation.
func (m Message) Pending() bool {
	return m.Status == Pending
}

// Unconfirmed reports whether the message was created locally and has not
// been matched with a server echo yet.
func (m Message) Unconfirmed() bool {
	return m.Status == Pending || m.Status == Failed
}

// Broadcast reports whether the message has no recipient.
func (m Message) Broadcast() bool {
	return m.RecipientID == 0
}

// Between reports whether the message was exchanged between a and b, in
// either direction.
func (m Message) Between(a, b UserID) bool {
	return (m.SenderID == a && m.RecipientID == b) || (m.SenderID == b && m.RecipientID == a)
}

// SameEcho reports whether other carries the same sender, recipient, kind
// and content as m.
func (m Message) SameEcho(other Message) bool {
	return m.SenderID == other.SenderID &&
		m.RecipientID == other.RecipientID &&
		m.Kind() == other.Kind() &&
		m.Content() == other.Content()
}

// TypingSignal is an ephemeral presence event.
type TypingSignal struct {
	SenderID    UserID
	RecipientID UserID
	Typing      bool
}

// DeleteNotice announces that a message was removed on the server.
type DeleteNotice struct {
	MessageID MessageID
}

// User is an account as listed by the REST API.
type User struct {
	ID       UserID `json:"id"`
	Username string `json:"username"`
}

// Partner is a user the current account has exchanged messages with.
type Partner struct {
	User
	LastMessage   string `json:"lastMessage,omitempty"`
	LastMessageAt string `json:"lastMessageTime,omitempty"`
}

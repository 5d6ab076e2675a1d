package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrMalformed is returned when a payload cannot be decoded into a domain value.
var ErrMalformed = errors.New("malformed payload")

// wireTimeLayout matches the ISO-8601 form produced by JavaScript's
// Date.toISOString.
const wireTimeLayout = "2006-01-02T15:04:05.000Z07:00"

// Server timestamps may come without a zone (Java LocalDateTime).
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

type wireMessage struct {
	ID          int64  `json:"id,omitempty"`
	SenderID    int64  `json:"senderId"`
	RecipientID int64  `json:"recipientId,omitempty"`
	Content     string `json:"content"`
	MessageType Kind   `json:"messageType"`
	Timestamp   string `json:"timestamp,omitempty"`
	FileName    string `json:"fileName,omitempty"`
	// Older clients spelled the attachment name in lower case.
	LegacyFileName string `json:"filename,omitempty"`
}

type wireTyping struct {
	SenderID    int64 `json:"senderId"`
	RecipientID int64 `json:"recipientId"`
	Typing      bool  `json:"typing"`
}

type wireDelete struct {
	MessageID int64 `json:"messageId,omitempty"`
	ID        int64 `json:"id,omitempty"`
}

// EncodeMessage serializes m in the broker and REST wire format. The id is
// only written once the server has assigned one; local status never leaves
// the client.
func EncodeMessage(m Message) ([]byte, error) {
	w := wireMessage{
		ID:          int64(m.ID),
		SenderID:    int64(m.SenderID),
		RecipientID: int64(m.RecipientID),
		Content:     m.Content(),
		MessageType: m.Kind(),
	}
	if f, ok := m.Payload.(File); ok {
		w.FileName = f.Name
	}
	if !m.Timestamp.IsZero() {
		w.Timestamp = m.Timestamp.UTC().Format(wireTimeLayout)
	}
	return json.Marshal(w)
}

// DecodeMessage parses one server message. The result is always Confirmed.
func DecodeMessage(data []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return w.toMessage()
}

// DecodeMessageList parses a JSON array of server messages, as returned by
// the history endpoint.
func DecodeMessageList(data []byte) ([]Message, error) {
	var ws []wireMessage
	if err := json.Unmarshal(data, &ws); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	msgs := make([]Message, 0, len(ws))
	for _, w := range ws {
		m, err := w.toMessage()
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func (w wireMessage) toMessage() (Message, error) {
	if w.SenderID == 0 {
		return Message{}, fmt.Errorf("%w: missing senderId", ErrMalformed)
	}
	kind := w.MessageType
	if kind == "" {
		kind = KindChat
	}
	name := w.FileName
	if name == "" {
		name = w.LegacyFileName
	}
	return Message{
		ID:          MessageID(w.ID),
		SenderID:    UserID(w.SenderID),
		RecipientID: UserID(w.RecipientID),
		Payload:     NewPayload(kind, w.Content, name),
		Timestamp:   parseTime(w.Timestamp),
		Status:      Confirmed,
	}, nil
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// EncodeTyping serializes a typing signal.
func EncodeTyping(s TypingSignal) ([]byte, error) {
	return json.Marshal(wireTyping{
		SenderID:    int64(s.SenderID),
		RecipientID: int64(s.RecipientID),
		Typing:      s.Typing,
	})
}

// DecodeTyping parses a typing signal.
func DecodeTyping(data []byte) (TypingSignal, error) {
	var w wireTyping
	if err := json.Unmarshal(data, &w); err != nil {
		return TypingSignal{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if w.SenderID == 0 {
		return TypingSignal{}, fmt.Errorf("%w: missing senderId", ErrMalformed)
	}
	return TypingSignal{
		SenderID:    UserID(w.SenderID),
		RecipientID: UserID(w.RecipientID),
		Typing:      w.Typing,
	}, nil
}

// EncodeDelete serializes a delete notice as {"messageId": n}.
func EncodeDelete(n DeleteNotice) ([]byte, error) {
	return json.Marshal(wireDelete{MessageID: int64(n.MessageID)})
}

// DecodeDelete accepts {"messageId": n}, {"id": n} or a bare number.
func DecodeDelete(data []byte) (DeleteNotice, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] != '{' {
		id, err := strconv.ParseInt(string(bytes.Trim(trimmed, `"`)), 10, 64)
		if err != nil || id == 0 {
			return DeleteNotice{}, fmt.Errorf("%w: bad message id %q", ErrMalformed, trimmed)
		}
		return DeleteNotice{MessageID: MessageID(id)}, nil
	}
	var w wireDelete
	if err := json.Unmarshal(trimmed, &w); err != nil {
		return DeleteNotice{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	id := w.MessageID
	if id == 0 {
		id = w.ID
	}
	if id == 0 {
		return DeleteNotice{}, fmt.Errorf("%w: missing message id", ErrMalformed)
	}
	return DeleteNotice{MessageID: MessageID(id)}, nil
}

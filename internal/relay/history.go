package relay

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/duochat/internal/domain"
)

// History is the relay's in-memory message log and user directory.
type History struct {
	mu      sync.RWMutex
	nextID  domain.MessageID
	nextUID domain.UserID
	msgs    []domain.Message
	users   map[domain.UserID]string
	byName  map[string]domain.UserID
	tokens  map[string]domain.UserID
	files   map[string]upload
	now     func() time.Time
}

type upload struct {
	name string
	data []byte
}

// NewHistory returns an empty log.
func NewHistory() *History {
	return &History{
		users:  make(map[domain.UserID]string),
		byName: make(map[string]domain.UserID),
		tokens: make(map[string]domain.UserID),
		files:  make(map[string]upload),
		now:    time.Now,
	}
}

// Record stores m, assigning an id and a timestamp when missing. A message
// that already carries a known id is returned unchanged.
func (h *History) Record(m domain.Message) domain.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m.ID != 0 {
		for _, existing := range h.msgs {
			if existing.ID == m.ID {
				return existing
			}
		}
		if m.ID > h.nextID {
			h.nextID = m.ID
		}
	} else {
		h.nextID++
		m.ID = h.nextID
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = h.now().UTC()
	}
	m.LocalKey = ""
	m.Status = domain.Confirmed
	h.msgs = append(h.msgs, m)
	return m
}

// Between returns the messages exchanged by a and b in arrival order.
func (h *History) Between(a, b domain.UserID) []domain.Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]domain.Message, 0)
	for _, m := range h.msgs {
		if m.Between(a, b) {
			out = append(out, m)
		}
	}
	return out
}

// Clear removes the conversation between a and b and returns how many
// messages went away.
func (h *History) Clear(a, b domain.UserID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	kept := h.msgs[:0]
	for _, m := range h.msgs {
		if !m.Between(a, b) {
			kept = append(kept, m)
		}
	}
	n := len(h.msgs) - len(kept)
	h.msgs = kept
	return n
}

// Delete removes message id.
func (h *History) Delete(id domain.MessageID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, m := range h.msgs {
		if m.ID == id {
			h.msgs = append(h.msgs[:i], h.msgs[i+1:]...)
			return true
		}
	}
	return false
}

// Login registers username on first use and issues a fresh token.
func (h *History) Login(username string) (string, domain.UserID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id, ok := h.byName[username]
	if !ok {
		h.nextUID++
		id = h.nextUID
		h.byName[username] = id
		h.users[id] = username
	}
	token := uuid.NewString()
	h.tokens[token] = id
	return token, id
}

// Authenticate resolves a token issued by Login.
func (h *History) Authenticate(token string) (domain.UserID, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	id, ok := h.tokens[token]
	return id, ok
}

// Users lists registered accounts by id.
func (h *History) Users() []domain.User {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.usersLocked(func(string) bool { return true })
}

// Search lists accounts whose name contains query, ignoring case.
func (h *History) Search(query string) []domain.User {
	q := strings.ToLower(query)
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.usersLocked(func(name string) bool { return strings.Contains(strings.ToLower(name), q) })
}

func (h *History) usersLocked(keep func(string) bool) []domain.User {
	out := make([]domain.User, 0, len(h.users))
	for id, name := range h.users {
		if keep(name) {
			out = append(out, domain.User{ID: id, Username: name})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Partners lists the users self exchanged messages with, most recent first.
func (h *History) Partners(self domain.UserID) []domain.Partner {
	h.mu.RLock()
	defer h.mu.RUnlock()
	last := make(map[domain.UserID]domain.Message)
	for _, m := range h.msgs {
		if m.Broadcast() {
			continue
		}
		var other domain.UserID
		switch self {
		case m.SenderID:
			other = m.RecipientID
		case m.RecipientID:
			other = m.SenderID
		default:
			continue
		}
		last[other] = m
	}
	out := make([]domain.Partner, 0, len(last))
	for id, m := range last {
		out = append(out, domain.Partner{
			User:          domain.User{ID: id, Username: h.users[id]},
			LastMessage:   m.Content(),
			LastMessageAt: m.Timestamp.UTC().Format("2006-01-02T15:04:05"),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastMessageAt != out[j].LastMessageAt {
			return out[i].LastMessageAt > out[j].LastMessageAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// StoreFile keeps an upload and returns its key.
func (h *History) StoreFile(name string, data []byte) string {
	key := uuid.NewString()
	h.mu.Lock()
	h.files[key] = upload{name: name, data: data}
	h.mu.Unlock()
	return key
}

// File returns an upload by key.
func (h *History) File(key string) (string, []byte, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	f, ok := h.files[key]
	return f.name, f.data, ok
}

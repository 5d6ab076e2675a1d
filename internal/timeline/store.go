// Package timeline holds the ordered message sequence of the visible
// conversation and reconciles optimistic sends with their server echoes.
package timeline

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/matheus3301/duochat/internal/bus"
	"github.com/matheus3301/duochat/internal/domain"
	"go.uber.org/zap"
)

// Publisher hands a message to the outbound path.
type Publisher interface {
	SendMessage(domain.Message)
}

// Op names the mutation carried by a timeline.changed event.
type Op string

const (
	OpAppend  Op = "append"
	OpMerge   Op = "merge"
	OpDelete  Op = "delete"
	OpDiscard Op = "discard"
	OpClear   Op = "clear"
	OpReplace Op = "replace"
	OpExpire  Op = "expire"
	OpFail    Op = "fail"
)

// Change is the payload of timeline.changed events.
type Change struct {
	Op      Op
	Message domain.Message // zero for clear, replace and expire
}

// Store is safe for concurrent use. Publishing happens outside the lock so a
// synchronous publisher may call back into the store.
type Store struct {
	mu      sync.RWMutex
	entries []domain.Message

	publisher Publisher
	clock     clock.Clock
	bus       *bus.Bus
	logger    *zap.Logger
}

// New creates an empty store. publisher may be nil for read-only use.
func New(publisher Publisher, clk clock.Clock, b *bus.Bus, logger *zap.Logger) *Store {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{publisher: publisher, clock: clk, bus: b, logger: logger}
}

// AppendOptimistic inserts m as pending at the end of the timeline and
// hands it to the publisher. It returns the stored message, with its
// correlation key and timestamp filled in.
func (s *Store) AppendOptimistic(m domain.Message) domain.Message {
	if m.LocalKey == "" {
		m.LocalKey = uuid.NewString()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = s.clock.Now()
	}
	m.ID = 0
	m.Status = domain.Pending

	s.mu.Lock()
	s.entries = append(s.entries, m)
	s.mu.Unlock()

	s.changed(OpAppend, m)
	if s.publisher != nil {
		s.publisher.SendMessage(m)
	}
	return m
}

// MergeIncoming folds a server message into the timeline. A message whose
// server id is already present updates that entry. Otherwise the first
// unconfirmed entry with the same sender, recipient, kind and content is
// replaced in place, or the message is appended. It reports whether an
// existing entry was replaced.
func (s *Store) MergeIncoming(m domain.Message) bool {
	m.Status = domain.Confirmed
	m.LocalKey = ""

	s.mu.Lock()
	idx := -1
	if m.ID != 0 {
		idx = s.indexOfID(m.ID)
	}
	if idx < 0 {
		for i, e := range s.entries {
			if e.Unconfirmed() && e.SameEcho(m) {
				idx = i
				break
			}
		}
	}
	if idx >= 0 {
		// Keep the correlation key so views can track the row across the swap.
		m.LocalKey = s.entries[idx].LocalKey
		s.entries[idx] = m
	} else {
		s.entries = append(s.entries, m)
	}
	s.mu.Unlock()

	if idx >= 0 {
		s.logger.Debug("echo merged", zap.Int64("message_id", int64(m.ID)), zap.String("local_key", m.LocalKey))
		s.changed(OpMerge, m)
		return true
	}
	s.changed(OpAppend, m)
	return false
}

// ApplyDelete removes the first entry with the given server id.
func (s *Store) ApplyDelete(id domain.MessageID) bool {
	if id == 0 {
		return false
	}
	s.mu.Lock()
	idx := s.indexOfID(id)
	var removed domain.Message
	if idx >= 0 {
		removed = s.entries[idx]
		s.entries = append(s.entries[:idx], s.entries[idx+1:]...)
	}
	s.mu.Unlock()

	if idx < 0 {
		return false
	}
	s.changed(OpDelete, removed)
	return true
}

// Discard removes an unconfirmed entry by correlation key.
func (s *Store) Discard(localKey string) bool {
	s.mu.Lock()
	idx := -1
	for i, e := range s.entries {
		if e.Unconfirmed() && e.LocalKey == localKey {
			idx = i
			break
		}
	}
	var removed domain.Message
	if idx >= 0 {
		removed = s.entries[idx]
		s.entries = append(s.entries[:idx], s.entries[idx+1:]...)
	}
	s.mu.Unlock()

	if idx < 0 {
		return false
	}
	s.changed(OpDiscard, removed)
	return true
}

// ApplyClear empties the timeline. The store only ever holds the visible
// conversation, so the pair is used for logging.
func (s *Store) ApplyClear(a, b domain.UserID) {
	s.mu.Lock()
	n := len(s.entries)
	s.entries = nil
	s.mu.Unlock()

	s.logger.Info("timeline cleared", zap.Int64("user_a", int64(a)), zap.Int64("user_b", int64(b)), zap.Int("removed", n))
	s.changed(OpClear, domain.Message{})
}

// Replace resynchronizes the timeline with the fetched history of a and b.
// Unconfirmed entries of that pair whose echo is not in msgs stay at the
// end, in order. Entries of other conversations are dropped.
func (s *Store) Replace(a, b domain.UserID, msgs []domain.Message) {
	next := make([]domain.Message, 0, len(msgs))
	for _, m := range msgs {
		m.Status = domain.Confirmed
		m.LocalKey = ""
		next = append(next, m)
	}
	absorbed := make([]bool, len(next))

	s.mu.Lock()
	for _, e := range s.entries {
		if !e.Unconfirmed() || !e.Between(a, b) {
			continue
		}
		matched := false
		for i, m := range next {
			if !absorbed[i] && e.SameEcho(m) {
				absorbed[i] = true
				matched = true
				break
			}
		}
		if !matched {
			next = append(next, e)
		}
	}
	s.entries = next
	s.mu.Unlock()

	s.changed(OpReplace, domain.Message{})
}

// ExpirePending marks pending entries created before cutoff as failed and
// returns how many changed. A late echo still confirms them.
func (s *Store) ExpirePending(cutoff time.Time) int {
	s.mu.Lock()
	n := 0
	for i, e := range s.entries {
		if e.Status == domain.Pending && e.Timestamp.Before(cutoff) {
			s.entries[i].Status = domain.Failed
			n++
		}
	}
	s.mu.Unlock()

	if n > 0 {
		s.logger.Warn("pending messages expired", zap.Int("count", n))
		s.changed(OpExpire, domain.Message{})
	}
	return n
}

// MarkFailed flags the pending entry with localKey as failed after its
// publish was rejected. A late echo still confirms it.
func (s *Store) MarkFailed(localKey string) bool {
	if localKey == "" {
		return false
	}
	s.mu.Lock()
	var m domain.Message
	found := false
	for i, e := range s.entries {
		if e.LocalKey == localKey && e.Status == domain.Pending {
			s.entries[i].Status = domain.Failed
			m = s.entries[i]
			found = true
			break
		}
	}
	s.mu.Unlock()

	if found {
		s.changed(OpFail, m)
	}
	return found
}

// Between returns the messages exchanged between a and b, in timeline order.
func (s *Store) Between(a, b domain.UserID) []domain.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Message
	for _, e := range s.entries {
		if e.Between(a, b) {
			out = append(out, e)
		}
	}
	return out
}

// Snapshot returns a copy of the whole timeline.
func (s *Store) Snapshot() []domain.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Message, len(s.entries))
	copy(out, s.entries)
	return out
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// indexOfID must be called with mu held.
func (s *Store) indexOfID(id domain.MessageID) int {
	for i, e := range s.entries {
		if e.ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) changed(op Op, m domain.Message) {
	s.bus.Emit(bus.KindTimelineChanged, Change{Op: op, Message: m})
}

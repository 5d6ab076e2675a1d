package presence

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/matheus3301/duochat/internal/bus"
	"github.com/matheus3301/duochat/internal/domain"
)

// DefaultTypingExpiry bounds how long a typing=true signal is trusted
// without a matching typing=false.
const DefaultTypingExpiry = 3 * time.Second

// PeerTyping is the payload of presence.changed events.
type PeerTyping struct {
	UserID domain.UserID
	Typing bool
}

// Indicator tracks whether the counterpart is typing. It only accepts
// signals from the counterpart set by the last Reset.
type Indicator struct {
	clock  clock.Clock
	expiry time.Duration
	bus    *bus.Bus

	mu     sync.Mutex
	peer   domain.UserID
	typing bool
	from   domain.UserID
	timer  *clock.Timer
	gen    uint64
}

// NewIndicator creates a cleared indicator.
func NewIndicator(clk clock.Clock, expiry time.Duration, b *bus.Bus) *Indicator {
	if clk == nil {
		clk = clock.New()
	}
	if expiry <= 0 {
		expiry = DefaultTypingExpiry
	}
	return &Indicator{clock: clk, expiry: expiry, bus: b}
}

// Observe applies a received signal. Signals from anyone but the current
// counterpart are dropped.
func (i *Indicator) Observe(s domain.TypingSignal) {
	i.mu.Lock()
	if i.peer == 0 || s.SenderID != i.peer {
		i.mu.Unlock()
		return
	}
	i.cancelLocked()
	if s.Typing {
		gen := i.gen
		i.timer = i.clock.AfterFunc(i.expiry, func() { i.expire(gen) })
	}
	changed := i.typing != s.Typing
	i.typing = s.Typing
	i.from = s.SenderID
	i.mu.Unlock()

	if changed {
		i.bus.Emit(bus.KindPresenceChanged, PeerTyping{UserID: s.SenderID, Typing: s.Typing})
	}
}

// Typing reports the current flag.
func (i *Indicator) Typing() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.typing
}

// Reset clears the flag and its expiry timer and binds the indicator to
// next. Zero accepts no signals.
func (i *Indicator) Reset(next domain.UserID) {
	i.clear(next, false)
}

// Stop clears the flag and timer without publishing.
func (i *Indicator) Stop() {
	i.clear(0, true)
}

func (i *Indicator) clear(next domain.UserID, silent bool) {
	i.mu.Lock()
	i.peer = next
	i.cancelLocked()
	changed := i.typing
	from := i.from
	i.typing = false
	i.mu.Unlock()

	if changed && !silent {
		i.bus.Emit(bus.KindPresenceChanged, PeerTyping{UserID: from, Typing: false})
	}
}

func (i *Indicator) cancelLocked() {
	i.gen++
	if i.timer != nil {
		i.timer.Stop()
		i.timer = nil
	}
}

func (i *Indicator) expire(gen uint64) {
	i.mu.Lock()
	if gen != i.gen || !i.typing {
		i.mu.Unlock()
		return
	}
	i.timer = nil
	i.typing = false
	from := i.from
	i.mu.Unlock()

	i.bus.Emit(bus.KindPresenceChanged, PeerTyping{UserID: from, Typing: false})
}

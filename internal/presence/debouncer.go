// Package presence implements typing presence: the debouncer that turns
// keystrokes into typing signals, and the indicator that tracks the peer's.
package presence

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/matheus3301/duochat/internal/domain"
	"go.uber.org/zap"
)

const (
	DefaultTypingTimeout = 2 * time.Second
	DefaultBlurGrace     = 500 * time.Millisecond
)

// Emitter sends a typing signal to recipient.
type Emitter interface {
	SendTypingStatus(recipient domain.UserID, typing bool)
}

// Debouncer emits typing=true on the first keystroke and typing=false after
// inactivity, on an emptied input, on blur, or on a conversation change. It
// never emits the same value twice in a row.
type Debouncer struct {
	emitter Emitter
	clock   clock.Clock
	timeout time.Duration
	grace   time.Duration
	logger  *zap.Logger

	mu        sync.Mutex
	recipient domain.UserID
	active    bool
	last      bool
	blurred   bool
	timer     *clock.Timer
	gen       uint64
	stopped   bool
}

// NewDebouncer creates an idle debouncer. Zero durations select the defaults.
func NewDebouncer(e Emitter, clk clock.Clock, timeout, grace time.Duration, logger *zap.Logger) *Debouncer {
	if clk == nil {
		clk = clock.New()
	}
	if timeout <= 0 {
		timeout = DefaultTypingTimeout
	}
	if grace <= 0 {
		grace = DefaultBlurGrace
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Debouncer{emitter: e, clock: clk, timeout: timeout, grace: grace, logger: logger}
}

// Active reports whether the local user is considered typing.
func (d *Debouncer) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// Recipient returns the counterpart signals are addressed to.
func (d *Debouncer) Recipient() domain.UserID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.recipient
}

// Input feeds the current text of the compose field.
func (d *Debouncer) Input(text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped || d.recipient == 0 {
		return
	}
	d.blurred = false
	if text == "" {
		d.cancelLocked()
		d.idleLocked()
		return
	}
	if !d.active {
		d.active = true
		d.emitLocked(true)
	}
	d.armLocked(d.timeout)
}

// Blur starts the grace timer after which an active user stops typing.
func (d *Debouncer) Blur() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped || !d.active {
		return
	}
	d.blurred = true
	d.armLocked(d.grace)
}

// Focus cancels a running blur grace and resumes the inactivity timer.
func (d *Debouncer) Focus() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped || !d.active || !d.blurred {
		return
	}
	d.blurred = false
	d.armLocked(d.timeout)
}

// Clear forces the idle state, e.g. after the message was sent.
func (d *Debouncer) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelLocked()
	d.idleLocked()
}

// Reset moves the debouncer to a new conversation. An active typing state is
// closed with typing=false towards the previous recipient first.
func (d *Debouncer) Reset(next domain.UserID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelLocked()
	d.idleLocked()
	d.recipient = next
	d.last = false
}

// Stop clears timers and closes any active typing state. The debouncer
// ignores input afterwards.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelLocked()
	d.idleLocked()
	d.stopped = true
}

func (d *Debouncer) idleLocked() {
	d.blurred = false
	if !d.active {
		return
	}
	d.active = false
	d.emitLocked(false)
}

func (d *Debouncer) emitLocked(typing bool) {
	if d.last == typing || d.recipient == 0 {
		return
	}
	d.last = typing
	d.emitter.SendTypingStatus(d.recipient, typing)
}

// armLocked replaces the running timer. Callbacks of replaced timers see a
// different generation and do nothing.
func (d *Debouncer) armLocked(after time.Duration) {
	d.cancelLocked()
	gen := d.gen
	d.timer = d.clock.AfterFunc(after, func() { d.expire(gen) })
}

func (d *Debouncer) cancelLocked() {
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

func (d *Debouncer) expire(gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if gen != d.gen || d.stopped {
		return
	}
	d.timer = nil
	d.logger.Debug("typing stopped", zap.Bool("blurred", d.blurred))
	d.idleLocked()
}

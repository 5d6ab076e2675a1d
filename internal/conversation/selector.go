// Package conversation holds the active conversation scope.
package conversation

import (
	"sync"

	"github.com/matheus3301/duochat/internal/bus"
	"github.com/matheus3301/duochat/internal/domain"
)

// Scope is the (self, counterpart) pair bounding the visible timeline.
type Scope struct {
	Self        domain.UserID
	Counterpart domain.UserID
}

// Empty reports whether no counterpart is selected.
func (s Scope) Empty() bool {
	return s.Counterpart == 0
}

// Contains reports whether m belongs to the scope.
func (s Scope) Contains(m domain.Message) bool {
	return !s.Empty() && m.Between(s.Self, s.Counterpart)
}

// Resetter clears presence state bound to the previous scope. next is the
// newly selected counterpart.
type Resetter interface {
	Reset(next domain.UserID)
}

// ResetterFunc adapts a function to Resetter.
type ResetterFunc func(next domain.UserID)

func (f ResetterFunc) Reset(next domain.UserID) { f(next) }

// HistoryLoader refetches the timeline for a scope.
type HistoryLoader interface {
	LoadHistory(Scope)
}

// Selector changes the active counterpart. Select runs presence reset,
// re-scope and history reload in that order. The loader is called without
// the lock held, so it may read Current.
type Selector struct {
	resetters []Resetter
	loader    HistoryLoader
	bus       *bus.Bus

	mu    sync.Mutex
	scope Scope
}

// NewSelector creates a selector for self with no counterpart.
func NewSelector(self domain.UserID, loader HistoryLoader, b *bus.Bus, resetters ...Resetter) *Selector {
	return &Selector{
		resetters: resetters,
		loader:    loader,
		bus:       b,
		scope:     Scope{Self: self},
	}
}

// Select makes counterpart the active conversation. Selecting the current
// counterpart does nothing and returns false.
func (s *Selector) Select(counterpart domain.UserID) bool {
	s.mu.Lock()
	if counterpart == s.scope.Counterpart {
		s.mu.Unlock()
		return false
	}
	for _, r := range s.resetters {
		r.Reset(counterpart)
	}
	s.scope.Counterpart = counterpart
	scope := s.scope
	s.mu.Unlock()

	s.bus.Emit(bus.KindScopeChanged, scope)

	if s.loader != nil && !scope.Empty() {
		s.loader.LoadHistory(scope)
	}
	return true
}

// Current returns the active scope.
func (s *Selector) Current() Scope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scope
}

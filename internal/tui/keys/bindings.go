// Package keys maps key events to actions per page.
package keys

import "github.com/gdamore/tcell/v2"

// Action represents a keybinding action.
type Action struct {
	Key         tcell.Key
	Rune        rune
	Description string
	Handler     func()
}

// Matches returns true if the event matches this action.
func (a *Action) Matches(ev *tcell.EventKey) bool {
	return a.match(ev.Key(), ev.Rune())
}

func (a *Action) match(key tcell.Key, r rune) bool {
	if a.Key != tcell.KeyRune {
		return key == a.Key
	}
	return key == tcell.KeyRune && r == a.Rune
}

// Registry holds keybindings in registration order so hints render stably.
type Registry struct {
	global []*Action
	pages  map[string][]*Action
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{pages: make(map[string][]*Action)}
}

// AddGlobal registers a binding active on every page.
func (r *Registry) AddGlobal(a *Action) {
	r.global = append(r.global, a)
}

// AddPage registers a binding active on one page. Page bindings shadow
// global ones.
func (r *Registry) AddPage(page string, a *Action) {
	r.pages[page] = append(r.pages[page], a)
}

// Hints returns the descriptions for page, page bindings first.
func (r *Registry) Hints(page string) []string {
	var hints []string
	for _, a := range r.pages[page] {
		if a.Description != "" {
			hints = append(hints, a.Description)
		}
	}
	for _, a := range r.global {
		if a.Description != "" {
			hints = append(hints, a.Description)
		}
	}
	return hints
}

// HandleEvent runs the first action matching ev and reports whether one did.
func (r *Registry) HandleEvent(page string, ev *tcell.EventKey) bool {
	return r.handle(page, ev.Key(), ev.Rune())
}

func (r *Registry) handle(page string, key tcell.Key, ch rune) bool {
	for _, a := range r.pages[page] {
		if a.match(key, ch) {
			a.Handler()
			return true
		}
	}
	for _, a := range r.global {
		if a.match(key, ch) {
			a.Handler()
			return true
		}
	}
	return false
}

package keys

import (
	"reflect"
	"testing"

	"github.com/gdamore/tcell/v2"
)

func TestPageBindingShadowsGlobal(t *testing.T) {
	r := NewRegistry()
	var got string
	r.AddGlobal(&Action{Key: tcell.KeyRune, Rune: 'q', Description: "q:quit", Handler: func() { got = "global" }})
	r.AddPage("chat", &Action{Key: tcell.KeyRune, Rune: 'q', Handler: func() { got = "page" }})

	if !r.handle("chat", tcell.KeyRune, 'q') {
		t.Fatal("expected event to be handled")
	}
	if got != "page" {
		t.Fatalf("expected page binding, got %q", got)
	}

	if !r.handle("conversations", tcell.KeyRune, 'q') {
		t.Fatal("expected global binding on other pages")
	}
	if got != "global" {
		t.Fatalf("expected global binding, got %q", got)
	}
}

func TestUnmatchedEventIsNotHandled(t *testing.T) {
	r := NewRegistry()
	r.AddGlobal(&Action{Key: tcell.KeyRune, Rune: 'q', Handler: func() { t.Fatal("unexpected call") }})

	if r.handle("chat", tcell.KeyRune, 'x') {
		t.Fatal("expected rune mismatch to pass through")
	}
	if r.handle("chat", tcell.KeyEnter, 0) {
		t.Fatal("expected special key to pass through")
	}
}

func TestHintsKeepRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	r.AddGlobal(&Action{Key: tcell.KeyRune, Rune: 'q', Description: "q:quit", Handler: func() {}})
	r.AddPage("chat", &Action{Key: tcell.KeyRune, Rune: 'i', Description: "i:compose", Handler: func() {}})
	r.AddPage("chat", &Action{Key: tcell.KeyEscape, Description: "Esc:back", Handler: func() {}})
	r.AddPage("chat", &Action{Key: tcell.KeyRune, Rune: 'z', Handler: func() {}})

	want := []string{"i:compose", "Esc:back", "q:quit"}
	if got := r.Hints("chat"); !reflect.DeepEqual(got, want) {
		t.Fatalf("hints = %v, want %v", got, want)
	}
}

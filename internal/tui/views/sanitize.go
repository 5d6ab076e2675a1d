package views

import (
	"strings"
	"time"
	"unicode/utf8"
)

// sanitizeForTerminal drops codepoints tcell renders badly: skin tone
// modifiers, the zero width joiner and variation selectors. Control
// characters other than tab are dropped too, since message bodies come from
// other users.
func sanitizeForTerminal(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if !isProblematicRune(r) {
			b.WriteRune(r)
		}
		i += size
	}
	return b.String()
}

func isProblematicRune(r rune) bool {
	switch {
	case r >= 0x1F3FB && r <= 0x1F3FF:
		return true
	case r == 0x200D:
		return true
	case r >= 0xFE00 && r <= 0xFE0F:
		return true
	case r >= 0xE0100 && r <= 0xE01EF:
		return true
	case r < 0x20 && r != '\t':
		return true
	case r == 0x7F:
		return true
	default:
		return false
	}
}

// formatTime shows the clock for today and the date otherwise.
func formatTime(t, now time.Time) string {
	if t.IsZero() {
		return ""
	}
	t = t.Local()
	now = now.Local()
	if t.Year() == now.Year() && t.YearDay() == now.YearDay() {
		return t.Format("15:04")
	}
	return t.Format("01/02")
}

// formatPartnerTime parses the zone-less server time of a partner's last
// message.
func formatPartnerTime(s string, now time.Time) string {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return formatTime(t, now)
		}
	}
	return ""
}

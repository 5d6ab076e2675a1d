// Package ui holds styling shared by the views.
package ui

import (
	"fmt"

	"github.com/gdamore/tcell/v2"
)

// Theme holds color constants for the TUI.
type Theme struct {
	BgColor        tcell.Color
	FgColor        tcell.Color
	MutedColor     tcell.Color
	BorderColor    tcell.Color
	TableHeaderFg  tcell.Color
	TableHeaderBg  tcell.Color
	TableCursorFg  tcell.Color
	TableCursorBg  tcell.Color
	SelfColor      tcell.Color
	PeerColor      tcell.Color
	TitleColor     tcell.Color
	KeyColor       tcell.Color
	FlashInfoColor tcell.Color
	FlashWarnColor tcell.Color
	FlashErrColor  tcell.Color
}

// DefaultTheme returns a dark theme.
func DefaultTheme() *Theme {
	return &Theme{
		BgColor:        tcell.ColorBlack,
		FgColor:        tcell.ColorCadetBlue,
		MutedColor:     tcell.ColorGray,
		BorderColor:    tcell.ColorDodgerBlue,
		TableHeaderFg:  tcell.ColorWhite,
		TableHeaderBg:  tcell.ColorBlack,
		TableCursorFg:  tcell.ColorBlack,
		TableCursorBg:  tcell.ColorAqua,
		SelfColor:      tcell.ColorAqua,
		PeerColor:      tcell.ColorOrange,
		TitleColor:     tcell.ColorFuchsia,
		KeyColor:       tcell.ColorDodgerBlue,
		FlashInfoColor: tcell.ColorNavajoWhite,
		FlashWarnColor: tcell.ColorOrange,
		FlashErrColor:  tcell.ColorOrangeRed,
	}
}

// Tag returns c as a tview color tag name.
func Tag(c tcell.Color) string {
	for name, val := range tcell.ColorNames {
		if val == c {
			return name
		}
	}
	return fmt.Sprintf("#%06x", c.Hex())
}

// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

package watchui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/kiln-build/kiln/lib/schema/build"
)

// Theme defines the color palette for the dashboard. All colors use
// lipgloss ANSI 256-color codes for broad terminal compatibility.
type Theme struct {
	// Text colors.
	NormalText lipgloss.Color
	FaintText  lipgloss.Color

	// Selected row.
	SelectedBackground lipgloss.Color
	SelectedForeground lipgloss.Color

	// Build status colors.
	StatusPending   lipgloss.Color
	StatusRunning   lipgloss.Color
	StatusCompleted lipgloss.Color
	StatusFailed    lipgloss.Color
	StatusCancelled lipgloss.Color

	// UI chrome.
	HeaderForeground lipgloss.Color
	BorderColor      lipgloss.Color
	HelpText         lipgloss.Color

	// Progress bar fill and track.
	ProgressFilled lipgloss.Color
	ProgressEmpty  lipgloss.Color

	// Animation accents: background tint for recently-changed rows.
	// HotAccentUpdate is used for started/updated/completed builds;
	// HotAccentFailure for builds that failed or were cancelled.
	HotAccentUpdate  lipgloss.Color
	HotAccentFailure lipgloss.Color

	// Gap and resync notices.
	GapNotice lipgloss.Color
}

// StatusColor returns the color for a build status. Unknown values
// return FaintText.
func (theme Theme) StatusColor(status build.Status) lipgloss.Color {
	switch status {
	case build.StatusPending:
		return theme.StatusPending
	case build.StatusRunning:
		return theme.StatusRunning
	case build.StatusCompleted:
		return theme.StatusCompleted
	case build.StatusFailed:
		return theme.StatusFailed
	case build.StatusCancelled:
		return theme.StatusCancelled
	default:
		return theme.FaintText
	}
}

// DefaultTheme is the built-in dark-terminal color scheme. Designed
// for 256-color terminals with a dark background (the common case for
// build monitors living in tmux sessions).
var DefaultTheme = Theme{
	NormalText: lipgloss.Color("252"),
	FaintText:  lipgloss.Color("245"),

	SelectedBackground: lipgloss.Color("236"),
	SelectedForeground: lipgloss.Color("255"),

	StatusPending:   lipgloss.Color("245"), // gray
	StatusRunning:   lipgloss.Color("220"), // yellow/amber
	StatusCompleted: lipgloss.Color("114"), // green
	StatusFailed:    lipgloss.Color("196"), // red
	StatusCancelled: lipgloss.Color("240"), // dim gray

	HeaderForeground: lipgloss.Color("255"),
	BorderColor:      lipgloss.Color("240"),
	HelpText:         lipgloss.Color("241"),

	ProgressFilled: lipgloss.Color("75"),  // blue
	ProgressEmpty:  lipgloss.Color("238"), // near-background gray

	HotAccentUpdate:  lipgloss.Color("58"), // dark amber background tint
	HotAccentFailure: lipgloss.Color("52"), // dark red background tint

	GapNotice: lipgloss.Color("208"), // orange
}

// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

// Package watchui renders a live build dashboard in the terminal.
//
// The model consumes [watch.Notification] values from a running
// [watch.Watcher] and maintains a per-project table of builds: status,
// progress, metrics, and age, with a scrolling event feed underneath.
// All state lives inside the bubbletea update loop; the watcher
// goroutine never touches it directly, so the model needs no locking.
//
// [Printer] is the --plain alternative: the same notification stream
// formatted as one text line per notification, for dumb terminals and
// for piping into other tools.
package watchui

// Copyright 2025 Google Inc. All Rights Reserved.
// This file is available under the Apache license.

// Package event describes the change notifications emitted by the watch
// backends to their consumers.
package event

import (
	"fmt"
	"time"
)

// Op describes the kind of change observed on a watched path.
type Op int

const (
	_ Op = iota
	// Modified indicates the content of the terminal path changed, or the
	// chain now resolves to a different terminal.
	Modified
	// Removed indicates the terminal path, or a link leading to it, is gone.
	Removed
	// Renamed indicates a watched chain element was renamed; the two halves
	// of the rename were observed and correlated.
	Renamed
	// Rescan indicates the kernel dropped events and the consumer must
	// re-derive ground truth by reading the target directly.
	Rescan
)

func (o Op) String() string {
	switch o {
	case Modified:
		return "Modified"
	case Removed:
		return "Removed"
	case Renamed:
		return "Renamed"
	case Rescan:
		return "Rescan"
	}
	return fmt.Sprintf("Op(%d)", int(o))
}

// Event is a single change notification.  Path names the canonical terminal
// path the watch resolves to at the time of the event.
type Event struct {
	Op   Op
	Path string
	When time.Time
}

func (e Event) String() string {
	return fmt.Sprintf("%s %q", e.Op, e.Path)
}

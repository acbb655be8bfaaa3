// Copyright 2025 Google Inc. All Rights Reserved.
// This file is available under the Apache license.

// Package watcher provides change notification for a filesystem path that
// may be reached through a chain of symbolic links, as happens with
// atomically relinked configuration directories.  Two backends implement the
// same produce-events contract: a native inotify engine with full visibility
// of the symlink chain, and a portable fsnotify fallback that re-resolves
// the real path when anything nearby changes.
package watcher

import (
	"context"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/linkwatch/linkwatch/internal/event"
	"github.com/linkwatch/linkwatch/internal/waker"
)

// Mode selects a watch backend at construction time.
type Mode int

const (
	// Auto uses the native backend where available and otherwise falls back.
	Auto Mode = iota
	// Native requires the inotify backend.
	Native
	// Fallback requires the portable fsnotify backend.
	Fallback
)

func (m Mode) String() string {
	switch m {
	case Auto:
		return "auto"
	case Native:
		return "native"
	case Fallback:
		return "fallback"
	}
	return "unknown"
}

// ErrNativeUnsupported is returned when the native backend is requested on a
// platform without inotify.
var ErrNativeUnsupported = errors.New("native watch backend is not supported on this platform")

// Options control both backends.  Zero values select defaults.
type Options struct {
	// MaxChainDepth bounds symlink chain resolution.
	MaxChainDepth int
	// RenameWindow bounds how long a moved-from event waits for its
	// matching moved-to before being treated as a removal.
	RenameWindow time.Duration
	// Debounce coalesces identical consecutive events closer together than
	// this interval.  Zero disables debouncing.
	Debounce time.Duration
	// WatchForCreation permits the watched path to dangle at construction
	// time; the watcher then reports its creation.
	WatchForCreation bool
	// PollWaker triggers periodic re-resolution in the fallback backend.
	// May be nil, disabling polling.
	PollWaker waker.Waker
}

// DefaultRenameWindow is used when Options.RenameWindow is zero.
const DefaultRenameWindow = 500 * time.Millisecond

// Backend produces change events for one watched path.  Closing it releases
// every kernel resource it holds; the Events channel is closed afterwards,
// and Err reports the terminal error if the stream ended abnormally.
type Backend interface {
	Events() <-chan event.Event
	Err() error
	Close() error
}

// New constructs the backend selected by mode, watching path.
func New(ctx context.Context, mode Mode, path string, opts Options) (Backend, error) {
	if opts.RenameWindow <= 0 {
		opts.RenameWindow = DefaultRenameWindow
	}
	switch mode {
	case Native:
		return newNative(ctx, path, opts)
	case Fallback:
		return newFallback(ctx, path, opts)
	case Auto:
		b, err := newNative(ctx, path, opts)
		if err == nil {
			return b, nil
		}
		if !errors.Is(err, ErrNativeUnsupported) {
			return nil, err
		}
		glog.Infof("native watch backend unavailable, using fallback for %q", path)
		return newFallback(ctx, path, opts)
	}
	return nil, errors.Errorf("unknown watch backend mode %d", mode)
}

// Copyright 2025 Google Inc. All Rights Reserved.
// This file is available under the Apache license.

// Package linkwatch watches a filesystem path through any symlink
// indirection leading to it, notifying the consumer when the content it
// resolves to changes.  The canonical use is a configuration mount whose
// directory is atomically swapped by renaming a fresh directory over the
// link target.
package linkwatch

import (
	"context"
	"time"

	"github.com/golang/glog"

	"github.com/linkwatch/linkwatch/internal/chain"
	"github.com/linkwatch/linkwatch/internal/event"
	"github.com/linkwatch/linkwatch/internal/waker"
	"github.com/linkwatch/linkwatch/internal/watcher"
)

// ErrTooManyLevels is returned by New when the symlink chain exceeds the
// configured depth, which is also how a cyclic chain presents.
var ErrTooManyLevels = chain.ErrTooManyLevels

const defaultPollInterval = time.Second

// Watcher owns one watched path and the backend serving it.
type Watcher struct {
	path   string
	mode   watcher.Mode
	opts   watcher.Options
	b      watcher.Backend
	cancel context.CancelFunc

	pollInterval time.Duration
}

// New starts watching path.  The stream of change events is available from
// Events until Close is called or the context is cancelled, either of which
// releases every kernel resource held.
func New(ctx context.Context, path string, options ...Option) (*Watcher, error) {
	w := &Watcher{
		path:         path,
		mode:         watcher.Auto,
		pollInterval: defaultPollInterval,
	}
	for _, option := range options {
		if err := option.apply(w); err != nil {
			return nil, err
		}
	}
	ctx, w.cancel = context.WithCancel(ctx)
	if w.mode != watcher.Native && w.opts.PollWaker == nil && w.pollInterval > 0 {
		w.opts.PollWaker = waker.NewTimed(ctx, w.pollInterval)
	}
	b, err := watcher.New(ctx, w.mode, path, w.opts)
	if err != nil {
		w.cancel()
		return nil, err
	}
	w.b = b
	glog.Infof("watching %q with %s backend", path, w.mode)
	return w, nil
}

// Events returns the stream of change events.  The channel is closed when
// the watcher shuts down; Err then reports why, if abnormal.
func (w *Watcher) Events() <-chan event.Event {
	return w.b.Events()
}

// Err returns the error that terminated the stream, or nil.
func (w *Watcher) Err() error {
	return w.b.Err()
}

// Close releases all watches and the underlying descriptor.  Safe to call
// more than once.
func (w *Watcher) Close() error {
	w.cancel()
	return w.b.Close()
}

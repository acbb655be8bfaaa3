// Copyright 2025 Google Inc. All Rights Reserved.
// This file is available under the Apache license.

package linkwatch

import (
	"time"

	"github.com/linkwatch/linkwatch/internal/waker"
	"github.com/linkwatch/linkwatch/internal/watcher"
)

// Option configures a linkwatch.Watcher.
type Option interface {
	apply(*Watcher) error
}

// NativeBackend requires the inotify engine; construction fails where it is
// unavailable.
var NativeBackend = &niladicOption{
	func(w *Watcher) error {
		w.mode = watcher.Native
		return nil
	}}

// FallbackBackend requires the portable fsnotify engine.
var FallbackBackend = &niladicOption{
	func(w *Watcher) error {
		w.mode = watcher.Fallback
		return nil
	}}

// WatchForCreation permits the watched path to be missing at construction
// time; the Watcher reports its later creation instead of failing.
var WatchForCreation = &niladicOption{
	func(w *Watcher) error {
		w.opts.WatchForCreation = true
		return nil
	}}

// MaxChainDepth bounds how many symlinks may be traversed between the
// watched path and its terminal.
type MaxChainDepth int

func (opt MaxChainDepth) apply(w *Watcher) error {
	w.opts.MaxChainDepth = int(opt)
	return nil
}

// RenameCorrelationWindow sets how long a moved-from event is held waiting
// for its matching moved-to half.
type RenameCorrelationWindow time.Duration

func (opt RenameCorrelationWindow) apply(w *Watcher) error {
	w.opts.RenameWindow = time.Duration(opt)
	return nil
}

// DebounceInterval coalesces identical events emitted closer together than
// the given interval.
type DebounceInterval time.Duration

func (opt DebounceInterval) apply(w *Watcher) error {
	w.opts.Debounce = time.Duration(opt)
	return nil
}

// PollInterval sets the interval at which the fallback backend re-resolves
// the watched path even without filesystem events.  Zero disables polling.
type PollInterval time.Duration

func (opt PollInterval) apply(w *Watcher) error {
	w.pollInterval = time.Duration(opt)
	return nil
}

// PollWaker substitutes the waker driving fallback re-resolution, used by
// tests to make polling deterministic.
func PollWaker(wk waker.Waker) Option {
	return &pollWaker{wk}
}

type pollWaker struct {
	waker.Waker
}

func (opt pollWaker) apply(w *Watcher) error {
	w.opts.PollWaker = opt.Waker
	return nil
}

type niladicOption struct {
	applyfunc func(w *Watcher) error
}

func (n *niladicOption) apply(w *Watcher) error {
	return n.applyfunc(w)
}

// Copyright 2025 Google Inc. All Rights Reserved.
// This file is available under the Apache license.

package watcher

import (
	"context"
	"expvar"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/linkwatch/linkwatch/internal/chain"
	"github.com/linkwatch/linkwatch/internal/event"
)

var (
	fallbackResyncCount = expvar.NewInt("fallback_resync_count")
	fallbackErrorCount  = expvar.NewInt("fallback_error_count")
)

// fallbackWatcher is the portable backend.  It cannot see individual chain
// segments the way the native engine can; instead it watches every ancestor
// of both the requested path and its resolved terminal, and whenever
// anything relevant changes (or a poll waker fires) it re-resolves the chain
// and diffs the outcome against the previous resolution.
type fallbackWatcher struct {
	ctx  context.Context
	fsn  *fsnotify.Watcher
	path string
	opts Options

	events chan event.Event
	quit   chan struct{}
	done   chan struct{}

	closeOnce sync.Once

	errMu sync.Mutex
	err   error

	// Owned by the run goroutine after construction.
	chain    *chain.Chain
	termInfo os.FileInfo
	// fsnotify doesn't expose its current watch list, so we track it
	// ourselves to prune stale entries on rebuild.
	watched map[string]struct{}

	lastOp   event.Op
	lastPath string
	lastAt   time.Time
}

func newFallback(ctx context.Context, path string, opts Options) (Backend, error) {
	fsn, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "creating fsnotify watcher")
	}
	c, err := chain.Resolve(path, opts.MaxChainDepth, !opts.WatchForCreation)
	if err != nil {
		fsn.Close()
		return nil, err
	}
	w := &fallbackWatcher{
		ctx:     ctx,
		fsn:     fsn,
		path:    c.Root,
		opts:    opts,
		events:  make(chan event.Event, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		chain:   c,
		watched: make(map[string]struct{}),
	}
	if c.TerminalExists {
		if fi, err := os.Stat(c.Terminal); err == nil {
			w.termInfo = fi
		}
	}
	w.rebuildWatches()
	glog.V(1).Infof("fallback watching %q: terminal %q", path, c.Terminal)
	go w.run()
	return w, nil
}

func (w *fallbackWatcher) Events() <-chan event.Event {
	return w.events
}

func (w *fallbackWatcher) Err() error {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	return w.err
}

func (w *fallbackWatcher) Close() error {
	w.closeOnce.Do(func() { close(w.quit) })
	<-w.done
	return w.Err()
}

func (w *fallbackWatcher) setErr(err error) {
	w.errMu.Lock()
	if w.err == nil {
		w.err = err
	}
	w.errMu.Unlock()
}

func (w *fallbackWatcher) run() {
	defer close(w.done)
	defer close(w.events)
	defer func() {
		if err := w.fsn.Close(); err != nil {
			glog.V(1).Infof("closing fsnotify watcher: %s", err)
		}
	}()
	var wake <-chan struct{}
	for {
		// A nil channel blocks forever, disabling polling when no waker is
		// configured.
		wake = nil
		if w.opts.PollWaker != nil {
			wake = w.opts.PollWaker.Wake()
		}
		select {
		case <-w.ctx.Done():
			return
		case <-w.quit:
			return
		case e, ok := <-w.fsn.Events:
			if !ok {
				return
			}
			w.handleEvent(e)
		case err, ok := <-w.fsn.Errors:
			if !ok {
				return
			}
			fallbackErrorCount.Add(1)
			glog.Errorf("fsnotify error: %s", err)
		case <-wake:
			w.resync(true)
		}
	}
}

func (w *fallbackWatcher) handleEvent(e fsnotify.Event) {
	name := filepath.Clean(e.Name)
	glog.V(2).Infof("fsnotify event %v", e)
	switch {
	case name == w.chain.Terminal && (!w.chain.TerminalExists || e.Op&(fsnotify.Remove|fsnotify.Rename) != 0):
		w.resync(true)
	case name == w.chain.Terminal || filepath.Dir(name) == w.chain.Terminal:
		// Content change on or under the terminal.
		if fi, err := os.Stat(w.chain.Terminal); err == nil {
			w.termInfo = fi
		}
		w.emit(event.Modified, w.chain.Terminal)
	case w.relevant(name):
		w.resync(true)
	}
}

// watchPaths returns the requested path, the current terminal, and every
// link traversed between them, the set of names whose change can alter what
// the path resolves to.
func (w *fallbackWatcher) watchPaths() []string {
	ps := []string{w.path, w.chain.Terminal}
	for _, l := range w.chain.Links {
		ps = append(ps, l.Path)
	}
	return ps
}

// relevant reports whether name is an ancestor of any watched chain element,
// i.e. whether a change there can alter what the path resolves to.
func (w *fallbackWatcher) relevant(name string) bool {
	for _, p := range w.watchPaths() {
		for {
			if name == p {
				return true
			}
			parent := filepath.Dir(p)
			if parent == p {
				break
			}
			p = parent
		}
	}
	return false
}

// resync re-resolves the chain and reports the difference from the previous
// resolution.  This trades precision for portability: an intermediate rename
// that leaves the terminal path and its stat unchanged may go unnoticed
// until content changes.
func (w *fallbackWatcher) resync(emit bool) {
	fallbackResyncCount.Add(1)
	nc, err := chain.Resolve(w.path, w.opts.MaxChainDepth, false)
	if err != nil {
		w.setErr(err)
		w.closeOnce.Do(func() { close(w.quit) })
		return
	}
	var fi os.FileInfo
	if nc.TerminalExists {
		fi, _ = os.Stat(nc.Terminal)
	}
	if emit {
		switch {
		case nc.Terminal != w.chain.Terminal || nc.TerminalExists != w.chain.TerminalExists:
			if nc.TerminalExists {
				w.emit(event.Modified, nc.Terminal)
			} else {
				w.emit(event.Removed, nc.Terminal)
			}
		case nc.TerminalExists && statChanged(w.termInfo, fi):
			w.emit(event.Modified, nc.Terminal)
		}
	}
	w.chain = nc
	w.termInfo = fi
	w.rebuildWatches()
}

// statChanged mirrors the modtime comparison a poll-based watcher uses to
// detect updates.
func statChanged(prev, cur os.FileInfo) bool {
	if prev == nil || cur == nil {
		return prev != cur
	}
	return cur.ModTime().After(prev.ModTime()) || cur.Size() != prev.Size()
}

// rebuildWatches reconciles the fsnotify watch list with the current chain:
// every ancestor of every chain element, plus the terminal itself,
// non-recursively.
func (w *fallbackWatcher) rebuildWatches() {
	want := make(map[string]struct{})
	for _, p := range w.watchPaths() {
		for {
			want[p] = struct{}{}
			parent := filepath.Dir(p)
			if parent == p {
				break
			}
			p = parent
		}
	}
	for p := range want {
		if _, ok := w.watched[p]; ok {
			continue
		}
		if err := w.fsn.Add(p); err != nil {
			switch {
			case os.IsNotExist(err):
				// Watch the nearest existing ancestor instead; it's in want
				// already.
			case os.IsPermission(err):
				glog.V(2).Infof("skipping permission denied adding watch on %q", p)
			default:
				fallbackErrorCount.Add(1)
				glog.Warningf("adding watch on %q: %s", p, err)
			}
			continue
		}
		w.watched[p] = struct{}{}
	}
	for p := range w.watched {
		if _, ok := want[p]; ok {
			continue
		}
		if err := w.fsn.Remove(p); err != nil {
			glog.V(2).Infof("removing watch on %q: %s", p, err)
		}
		delete(w.watched, p)
	}
}

func (w *fallbackWatcher) emit(op event.Op, path string) {
	now := time.Now()
	if w.opts.Debounce > 0 && op == w.lastOp && path == w.lastPath && now.Sub(w.lastAt) < w.opts.Debounce {
		glog.V(2).Infof("debounced %s %q", op, path)
		return
	}
	w.lastOp, w.lastPath, w.lastAt = op, path, now
	select {
	case w.events <- event.Event{Op: op, Path: path, When: now}:
	case <-w.quit:
	case <-w.ctx.Done():
	}
}

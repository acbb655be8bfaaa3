// Copyright 2025 Google Inc. All Rights Reserved.
// This file is available under the Apache license.

//go:build linux

package watcher

import (
	"context"
	"expvar"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/linkwatch/linkwatch/internal/chain"
	"github.com/linkwatch/linkwatch/internal/event"
	"github.com/linkwatch/linkwatch/internal/inotify"
)

var (
	relinkCount     = expvar.NewInt("watch_relink_count")
	rescanCount     = expvar.NewInt("watch_rescan_count")
	renamePairCount = expvar.NewInt("watch_rename_pair_count")
	staleEventCount = expvar.NewInt("watch_stale_event_count")
)

// dirMask watches a directory for its entries appearing, vanishing, or being
// renamed; this is how the replacement of a chain element is observed.
const dirMask = unix.IN_CREATE | unix.IN_DELETE | unix.IN_MOVED_FROM | unix.IN_MOVED_TO | unix.IN_ONLYDIR

// termMask watches the terminal itself for content and attribute changes.
// For a terminal directory the entry events carry the names of changed
// children.
const termMask = unix.IN_MODIFY | unix.IN_ATTRIB | unix.IN_CLOSE_WRITE |
	unix.IN_CREATE | unix.IN_DELETE | unix.IN_MOVED_FROM | unix.IN_MOVED_TO |
	unix.IN_DELETE_SELF | unix.IN_MOVE_SELF

// A dirRef records why a directory watch exists: the chain node at pos
// passes through this directory via the named child.  One watch descriptor
// may carry several refs when nodes share ancestors.
type dirRef struct {
	pos   int
	child string
}

// A pendingMove is a moved-from event held back until its moved-to half
// arrives or the correlation window expires.
type pendingMove struct {
	name string
	pos  int // shallowest chain position the name matched, -1 if none
	at   time.Time
}

// nativeWatcher is the inotify-based engine.  All mutable state below the
// channels is owned by the run goroutine; the reader goroutine only performs
// the blocking reads and hands decoded batches over.
type nativeWatcher struct {
	ctx  context.Context
	src  *inotify.Source
	path string
	opts Options

	events chan event.Event
	rawc   chan []inotify.Event
	quit   chan struct{}
	done   chan struct{}

	closeOnce sync.Once

	errMu sync.Mutex
	err   error

	chain     *chain.Chain
	dirWatch  map[int32][]dirRef
	termWatch int32
	pending   map[uint32]pendingMove
	expiry    *time.Timer

	lastOp   event.Op
	lastPath string
	lastAt   time.Time
}

func newNative(ctx context.Context, path string, opts Options) (Backend, error) {
	src, err := inotify.NewSource()
	if err != nil {
		return nil, err
	}
	c, err := chain.Resolve(path, opts.MaxChainDepth, !opts.WatchForCreation)
	if err != nil {
		src.Close()
		return nil, err
	}
	w := &nativeWatcher{
		ctx:       ctx,
		src:       src,
		path:      c.Root,
		opts:      opts,
		events:    make(chan event.Event, 1),
		rawc:      make(chan []inotify.Event),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		chain:     c,
		dirWatch:  make(map[int32][]dirRef),
		termWatch: -1,
		pending:   make(map[uint32]pendingMove),
		expiry:    time.NewTimer(time.Hour),
	}
	w.expiry.Stop()
	if err := w.installWatches(0); err != nil {
		w.releaseWatches(0)
		src.Close()
		return nil, err
	}
	glog.V(1).Infof("watching %q: %d links, terminal %q", path, c.Depth(), c.Terminal)
	go w.reader()
	go w.run()
	return w, nil
}

func (w *nativeWatcher) Events() <-chan event.Event {
	return w.events
}

func (w *nativeWatcher) Err() error {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	return w.err
}

// Close tears the watcher down: every watch descriptor is released and the
// inotify descriptor closed before the events channel closes.  Safe to call
// from multiple clients.
func (w *nativeWatcher) Close() error {
	w.closeOnce.Do(func() { close(w.quit) })
	<-w.done
	return w.Err()
}

func (w *nativeWatcher) setErr(err error) {
	w.errMu.Lock()
	if w.err == nil {
		w.err = err
	}
	w.errMu.Unlock()
}

// reader performs the blocking reads.  The goroutine parks on the runtime
// poller until the descriptor is readable; closing the descriptor unblocks
// it.
func (w *nativeWatcher) reader() {
	defer close(w.rawc)
	for {
		evs, err := w.src.ReadEvents()
		if err != nil {
			if !errors.Is(err, os.ErrClosed) {
				w.setErr(err)
			}
			return
		}
		select {
		case w.rawc <- evs:
		case <-w.quit:
			return
		}
	}
}

// run is the orchestrator.  It owns the watch table, the chain, and the
// rename correlation table, so event handling needs no locks and ChangeEvents
// leave in kernel delivery order.
func (w *nativeWatcher) run() {
	defer close(w.done)
	defer close(w.events)
	defer w.teardown()
	for {
		select {
		case <-w.ctx.Done():
			w.closeOnce.Do(func() { close(w.quit) })
			return
		case <-w.quit:
			return
		case evs, ok := <-w.rawc:
			if !ok {
				// Reader ended; Err carries the cause if abnormal.
				return
			}
			for _, e := range evs {
				w.handle(e)
				if w.Err() != nil {
					return
				}
			}
			w.armExpiry()
		case <-w.expiry.C:
			w.expirePending()
			w.armExpiry()
		}
	}
}

func (w *nativeWatcher) teardown() {
	w.releaseWatches(0)
	if err := w.src.Close(); err != nil {
		glog.V(1).Infof("closing inotify source: %s", err)
	}
}

// installWatches places watches for every chain node at or below from: each
// ancestor directory of a node is watched with the child component the node
// reaches it through, and an existing terminal is additionally watched
// itself for content changes.  Missing directories are skipped; their
// nearest existing ancestor keeps watching for the recreation.
func (w *nativeWatcher) installWatches(from int) error {
	for pos := from; pos <= w.chain.Depth(); pos++ {
		if err := w.watchAncestors(pos); err != nil {
			return err
		}
	}
	if !w.chain.TerminalExists {
		return nil
	}
	// IN_MASK_ADD merges rather than replaces: in a degenerate chain the
	// terminal may be a directory already carrying a dirMask watch, and both
	// interests must survive on the shared descriptor.
	wd, err := w.src.AddWatch(w.chain.Terminal, termMask|unix.IN_MASK_ADD)
	if err != nil {
		if os.IsNotExist(errors.Cause(err)) {
			// Raced away between resolution and registration; the directory
			// watches will report what happened.
			return nil
		}
		return err
	}
	w.termWatch = wd
	return nil
}

func (w *nativeWatcher) watchAncestors(pos int) error {
	node := w.chain.Node(pos)
	child := filepath.Base(node)
	dir := filepath.Dir(node)
	for {
		wd, err := w.src.AddWatch(dir, dirMask)
		if err == nil {
			w.addRef(wd, dirRef{pos, child})
		} else if !os.IsNotExist(errors.Cause(err)) {
			return err
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil
		}
		child = filepath.Base(dir)
		dir = parent
	}
}

func (w *nativeWatcher) addRef(wd int32, r dirRef) {
	for _, have := range w.dirWatch[wd] {
		if have == r {
			return
		}
	}
	w.dirWatch[wd] = append(w.dirWatch[wd], r)
}

// releaseWatches drops every watch placed for a chain position at or below
// from.  A descriptor shared with a surviving shallower position is kept.
func (w *nativeWatcher) releaseWatches(from int) {
	for wd, refs := range w.dirWatch {
		keep := refs[:0]
		for _, r := range refs {
			if r.pos < from {
				keep = append(keep, r)
			}
		}
		if len(keep) == 0 {
			delete(w.dirWatch, wd)
			if err := w.src.RemoveWatch(wd); err != nil {
				// Already gone if the kernel reaped it with the directory.
				glog.V(2).Infof("releasing wd %d: %s", wd, err)
			}
		} else {
			w.dirWatch[wd] = keep
		}
	}
	if w.termWatch >= 0 {
		// On a shared descriptor the surviving directory refs keep the kernel
		// watch; only the extra terminal mask bits linger, as noise.
		if _, shared := w.dirWatch[w.termWatch]; !shared {
			if err := w.src.RemoveWatch(w.termWatch); err != nil {
				glog.V(2).Infof("releasing terminal wd %d: %s", w.termWatch, err)
			}
		}
		w.termWatch = -1
	}
}

// reresolve re-runs chain resolution after a topology change at pos,
// reinstalls watches, and, when announce is set, emits an event if the
// terminal moved or vanished.  It reports whether an event was emitted.
func (w *nativeWatcher) reresolve(pos int, announce bool) bool {
	relinkCount.Add(1)
	old := w.chain
	w.releaseWatches(pos)
	nc, err := chain.Resolve(w.path, w.opts.MaxChainDepth, false)
	if err != nil {
		// A cycle appearing at runtime ends the stream rather than looping.
		w.fail(err)
		return false
	}
	if !nc.SamePrefix(old, pos) {
		// The upper links changed out from under us too; rebuild everything.
		w.releaseWatches(0)
		pos = 0
	}
	w.chain = nc
	if err := w.installWatches(pos); err != nil {
		w.fail(err)
		return false
	}
	glog.V(1).Infof("re-resolved %q from position %d: terminal %q (exists=%v)", w.path, pos, nc.Terminal, nc.TerminalExists)
	if announce && (nc.Terminal != old.Terminal || nc.TerminalExists != old.TerminalExists) {
		if nc.TerminalExists {
			w.emit(event.Modified, nc.Terminal)
		} else {
			w.emit(event.Removed, nc.Terminal)
		}
		return true
	}
	return false
}

func (w *nativeWatcher) fail(err error) {
	w.setErr(err)
	w.closeOnce.Do(func() { close(w.quit) })
}

func (w *nativeWatcher) handle(e inotify.Event) {
	glog.V(2).Infof("event: %s", e)
	if e.Overflow() {
		// The kernel dropped events; the consumer must re-derive ground
		// truth, and our own view of the chain may be stale.
		rescanCount.Add(1)
		w.emit(event.Rescan, w.chain.Terminal)
		w.reresolve(0, false)
		return
	}
	if e.Mask&unix.IN_IGNORED != 0 {
		// Kernel-side removal of the watch; drop our side of the table.
		delete(w.dirWatch, e.Wd)
		if e.Wd == w.termWatch {
			w.termWatch = -1
		}
		return
	}
	refs, ok := w.dirWatch[e.Wd]
	match := -1
	for _, r := range refs {
		if r.child == e.Name && (match == -1 || r.pos < match) {
			match = r.pos
		}
	}
	// A descriptor may serve both roles when the terminal is a directory on
	// its own chain; entry events matching a chain node take precedence over
	// terminal content handling.
	if match < 0 && e.Wd == w.termWatch {
		w.handleTerminal(e)
		return
	}
	if !ok {
		staleEventCount.Add(1)
		glog.V(2).Infof("stale wd %d", e.Wd)
		return
	}
	switch {
	case e.Mask&unix.IN_MOVED_FROM != 0:
		if e.Cookie != 0 {
			// Hold for correlation with the moved-to half.
			w.pending[e.Cookie] = pendingMove{name: e.Name, pos: match, at: time.Now()}
			return
		}
		if match >= 0 {
			w.reresolve(match, true)
		}
	case e.Mask&unix.IN_MOVED_TO != 0:
		if p, ok := w.pending[e.Cookie]; ok && e.Cookie != 0 {
			delete(w.pending, e.Cookie)
			if p.pos >= 0 && match < 0 {
				// A watched node was renamed to an uninteresting name: both
				// halves observed, collapse into one Renamed.
				renamePairCount.Add(1)
				w.emit(event.Renamed, w.chain.Terminal)
				w.reresolve(p.pos, false)
				return
			}
		}
		if match >= 0 {
			// Something was renamed into the place of a watched node, the
			// atomic directory relink.  The terminal path may be unchanged
			// while its content is entirely new, so a quiet re-resolution
			// still reports a modification.
			if !w.reresolve(match, true) {
				w.emit(event.Modified, w.chain.Terminal)
			}
		}
	case e.Mask&(unix.IN_CREATE|unix.IN_DELETE) != 0:
		if match >= 0 {
			if !w.reresolve(match, true) && e.Mask&unix.IN_CREATE != 0 {
				w.emit(event.Modified, w.chain.Terminal)
			}
		}
	default:
		// Entry events for names we don't care about.
	}
}

func (w *nativeWatcher) handleTerminal(e inotify.Event) {
	switch {
	case e.Mask&(unix.IN_DELETE_SELF|unix.IN_MOVE_SELF) != 0:
		if !w.reresolve(w.chain.Depth(), true) {
			w.emit(event.Removed, w.chain.Terminal)
		}
	default:
		// A write, attribute change, or entry change inside a terminal
		// directory.
		w.emit(event.Modified, w.chain.Terminal)
	}
}

// expirePending resolves correlation entries older than the rename window:
// an unmatched moved-from of a watched node means it is gone.
func (w *nativeWatcher) expirePending() {
	now := time.Now()
	for cookie, p := range w.pending {
		if now.Sub(p.at) < w.opts.RenameWindow {
			continue
		}
		delete(w.pending, cookie)
		if p.pos < 0 {
			continue
		}
		glog.V(1).Infof("unmatched moved-from of %q past window", p.name)
		if !w.reresolve(p.pos, true) {
			w.emit(event.Removed, w.chain.Terminal)
		}
	}
}

// armExpiry schedules the next correlation sweep for the oldest pending
// entry, or disarms the timer when the table is empty.
func (w *nativeWatcher) armExpiry() {
	if !w.expiry.Stop() {
		select {
		case <-w.expiry.C:
		default:
		}
	}
	var oldest time.Time
	for _, p := range w.pending {
		if oldest.IsZero() || p.at.Before(oldest) {
			oldest = p.at
		}
	}
	if oldest.IsZero() {
		return
	}
	d := time.Until(oldest.Add(w.opts.RenameWindow))
	if d < 0 {
		d = 0
	}
	w.expiry.Reset(d)
}

// emit sends one event downstream.  The channel is nearly unbuffered: a slow
// consumer backpressures into the kernel queue, whose overflow then surfaces
// as a Rescan, rather than growing a buffer here.
func (w *nativeWatcher) emit(op event.Op, path string) {
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

// Copyright 2025 Google Inc. All Rights Reserved.
// This file is available under the Apache license.

package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/linkwatch/linkwatch/internal/event"
	"github.com/linkwatch/linkwatch/internal/testutil"
	"github.com/linkwatch/linkwatch/internal/waker"
)

// newTestFallback starts a fallback backend driven by a manual waker so
// tests control when re-resolution happens.
func newTestFallback(t *testing.T, path string, opts Options) (Backend, waker.WakeFunc) {
	t.Helper()
	wk, wake := waker.NewManual()
	opts.PollWaker = wk
	b, err := newFallback(context.Background(), path, opts)
	testutil.FatalIfErr(t, err)
	t.Cleanup(func() { b.Close() })
	return b, wake
}

// awaitEvent reads from the backend until an event with the wanted op and
// path arrives, prodding the poll waker between attempts.  Duplicate
// notifications for the same change are tolerated; the fallback engine makes
// no single-delivery promise.
func awaitEvent(t *testing.T, b Backend, wake waker.WakeFunc, op event.Op, path string) {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case e, ok := <-b.Events():
			if !ok {
				t.Fatalf("event stream closed waiting for %s %q: %v", op, path, b.Err())
			}
			if e.Op == op && e.Path == path {
				return
			}
		case <-time.After(10 * time.Millisecond):
			wake()
		case <-deadline:
			t.Fatalf("timed out waiting for %s %q", op, path)
		}
	}
}

func TestFallbackModifyTerminal(t *testing.T) {
	dir, watched := setupChain(t)
	b, wake := newTestFallback(t, watched, Options{})
	terminal := filepath.Join(dir, "..v1", "app.conf")

	// Space the write out from creation so the modtime comparison sees it.
	time.Sleep(10 * time.Millisecond)
	f, err := os.OpenFile(terminal, os.O_WRONLY|os.O_APPEND, 0o600)
	testutil.FatalIfErr(t, err)
	testutil.WriteString(t, f, "b = 2\n")
	f.Close()

	awaitEvent(t, b, wake, event.Modified, terminal)
}

func TestFallbackSwapIntermediateLink(t *testing.T) {
	dir, watched := setupChain(t)
	b, wake := newTestFallback(t, watched, Options{})

	testutil.FatalIfErr(t, os.Mkdir(filepath.Join(dir, "..v2"), 0o700))
	f := testutil.TestOpenFile(t, filepath.Join(dir, "..v2", "app.conf"))
	testutil.WriteString(t, f, "a = 2\n")
	f.Close()
	testutil.Symlink(t, "..v2", filepath.Join(dir, "..data_tmp"))
	testutil.FatalIfErr(t, os.Rename(filepath.Join(dir, "..data_tmp"), filepath.Join(dir, "..data")))

	awaitEvent(t, b, wake, event.Modified, filepath.Join(dir, "..v2", "app.conf"))
}

func TestFallbackTerminalRemoved(t *testing.T) {
	dir, watched := setupChain(t)
	b, wake := newTestFallback(t, watched, Options{})
	terminal := filepath.Join(dir, "..v1", "app.conf")

	testutil.FatalIfErr(t, os.Remove(terminal))
	awaitEvent(t, b, wake, event.Removed, terminal)
}

func TestFallbackWatchForCreation(t *testing.T) {
	dir := testutil.TestTempDir(t)
	target := filepath.Join(dir, "target")
	link := filepath.Join(dir, "link")
	testutil.Symlink(t, target, link)

	b, wake := newTestFallback(t, link, Options{WatchForCreation: true})

	f := testutil.TestOpenFile(t, target)
	testutil.WriteString(t, f, "created\n")
	f.Close()

	awaitEvent(t, b, wake, event.Modified, target)
}

func TestFallbackDebounceCoalesces(t *testing.T) {
	w := &fallbackWatcher{
		ctx:    context.Background(),
		opts:   Options{Debounce: time.Second},
		events: make(chan event.Event, 4),
		quit:   make(chan struct{}),
	}
	w.emit(event.Modified, "/cfg/app.conf")
	w.emit(event.Modified, "/cfg/app.conf")
	w.emit(event.Removed, "/cfg/app.conf")
	w.emit(event.Modified, "/cfg/other.conf")

	want := []event.Op{event.Modified, event.Removed, event.Modified}
	for i, wop := range want {
		select {
		case e := <-w.events:
			if e.Op != wop {
				t.Errorf("event %d = %s, want %s", i, e.Op, wop)
			}
		default:
			t.Fatalf("only %d events emitted, want %d", i, len(want))
		}
	}
	select {
	case e := <-w.events:
		t.Errorf("extra event %s not debounced", e)
	default:
	}
}

// The intermediate link swap must be caught by filesystem events alone; the
// waker here never fires.
func TestFallbackSwapWithoutPolling(t *testing.T) {
	dir, watched := setupChain(t)
	wk, _ := waker.NewManual()
	b, err := newFallback(context.Background(), watched, Options{PollWaker: wk})
	testutil.FatalIfErr(t, err)
	defer b.Close()

	testutil.FatalIfErr(t, os.Mkdir(filepath.Join(dir, "..v2"), 0o700))
	f := testutil.TestOpenFile(t, filepath.Join(dir, "..v2", "app.conf"))
	testutil.WriteString(t, f, "a = 2\n")
	f.Close()
	testutil.Symlink(t, "..v2", filepath.Join(dir, "..data_tmp"))
	testutil.FatalIfErr(t, os.Rename(filepath.Join(dir, "..data_tmp"), filepath.Join(dir, "..data")))

	want := filepath.Join(dir, "..v2", "app.conf")
	deadline := time.After(10 * time.Second)
	for {
		select {
		case e, ok := <-b.Events():
			if !ok {
				t.Fatalf("event stream closed: %v", b.Err())
			}
			if e.Op == event.Modified && e.Path == want {
				return
			}
		case <-deadline:
			t.Fatal("swap not observed from filesystem events")
		}
	}
}

func TestFallbackCloseEndsStream(t *testing.T) {
	_, watched := setupChain(t)
	b, _ := newTestFallback(t, watched, Options{})

	testutil.FatalIfErr(t, b.Close())
	if _, ok := <-b.Events(); ok {
		t.Error("events channel still open after Close")
	}
	if err := b.Err(); err != nil {
		t.Errorf("Err() after clean close = %v, want nil", err)
	}
	testutil.FatalIfErr(t, b.Close())
}

// setupChain builds the configuration-mount shape shared by the backend
// tests: dir/data -> ..data -> ..v1, with ..v1 containing app.conf.
func setupChain(t *testing.T) (dir, watched string) {
	t.Helper()
	dir = testutil.TestTempDir(t)
	testutil.FatalIfErr(t, os.Mkdir(filepath.Join(dir, "..v1"), 0o700))
	f := testutil.TestOpenFile(t, filepath.Join(dir, "..v1", "app.conf"))
	testutil.WriteString(t, f, "a = 1\n")
	f.Close()
	testutil.Symlink(t, "..v1", filepath.Join(dir, "..data"))
	testutil.Symlink(t, "..data", filepath.Join(dir, "data"))
	return dir, filepath.Join(dir, "data", "app.conf")
}

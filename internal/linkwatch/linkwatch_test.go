// Copyright 2025 Google Inc. All Rights Reserved.
// This file is available under the Apache license.

package linkwatch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/linkwatch/linkwatch/internal/event"
	"github.com/linkwatch/linkwatch/internal/testutil"
	"github.com/linkwatch/linkwatch/internal/waker"
	"github.com/linkwatch/linkwatch/internal/watcher"
)

func TestNewCycleReturnsTooManyLevels(t *testing.T) {
	tmp := testutil.TestTempDir(t)
	a := filepath.Join(tmp, "a")
	b := filepath.Join(tmp, "b")
	testutil.Symlink(t, b, a)
	testutil.Symlink(t, a, b)

	_, err := New(context.Background(), a)
	if !errors.Is(err, ErrTooManyLevels) {
		t.Errorf("New(cycle) = %v, want ErrTooManyLevels", err)
	}
}

func TestNewMissingPathFails(t *testing.T) {
	tmp := testutil.TestTempDir(t)
	_, err := New(context.Background(), filepath.Join(tmp, "absent"))
	if err == nil {
		t.Error("New(missing path) = nil, want error")
	}
}

func TestNewMissingPathWithWatchForCreation(t *testing.T) {
	tmp := testutil.TestTempDir(t)
	target := filepath.Join(tmp, "absent")
	w, err := New(context.Background(), target, FallbackBackend, WatchForCreation, PollInterval(0))
	testutil.FatalIfErr(t, err)
	defer w.Close()
}

func TestOptionsApply(t *testing.T) {
	tmp := testutil.TestTempDir(t)
	f := filepath.Join(tmp, "plain")
	testutil.TestOpenFile(t, f).Close()

	w := &Watcher{mode: watcher.Auto}
	for _, opt := range []Option{
		FallbackBackend,
		MaxChainDepth(7),
		RenameCorrelationWindow(250 * time.Millisecond),
		DebounceInterval(20 * time.Millisecond),
		PollInterval(0),
	} {
		testutil.FatalIfErr(t, opt.apply(w))
	}
	if w.mode != watcher.Fallback {
		t.Errorf("mode = %s, want %s", w.mode, watcher.Fallback)
	}
	if w.opts.MaxChainDepth != 7 {
		t.Errorf("MaxChainDepth = %d, want 7", w.opts.MaxChainDepth)
	}
	if w.opts.RenameWindow != 250*time.Millisecond {
		t.Errorf("RenameWindow = %s, want 250ms", w.opts.RenameWindow)
	}
	if w.opts.Debounce != 20*time.Millisecond {
		t.Errorf("Debounce = %s, want 20ms", w.opts.Debounce)
	}
	if w.pollInterval != 0 {
		t.Errorf("pollInterval = %s, want 0", w.pollInterval)
	}
}

func TestCloseEndsStream(t *testing.T) {
	tmp := testutil.TestTempDir(t)
	f := filepath.Join(tmp, "plain")
	testutil.TestOpenFile(t, f).Close()

	w, err := New(context.Background(), f)
	testutil.FatalIfErr(t, err)
	testutil.FatalIfErr(t, w.Close())
	if _, ok := <-w.Events(); ok {
		t.Error("events channel still open after Close")
	}
	if err := w.Err(); err != nil {
		t.Errorf("Err() after clean close = %v, want nil", err)
	}
}

func TestContextCancelEndsStream(t *testing.T) {
	tmp := testutil.TestTempDir(t)
	f := filepath.Join(tmp, "plain")
	testutil.TestOpenFile(t, f).Close()

	ctx, cancel := context.WithCancel(context.Background())
	w, err := New(ctx, f)
	testutil.FatalIfErr(t, err)
	cancel()

	select {
	case _, ok := <-w.Events():
		if ok {
			t.Error("got an event after cancellation, want closed channel")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("events channel not closed after context cancellation")
	}
}

// TestWatchThroughRelink exercises the whole public surface against the
// atomic configuration swap, on the portable backend so it runs everywhere.
func TestWatchThroughRelink(t *testing.T) {
	testutil.SkipIfShort(t)
	dir := testutil.TestTempDir(t)
	testutil.FatalIfErr(t, os.Mkdir(filepath.Join(dir, "..v1"), 0o700))
	f := testutil.TestOpenFile(t, filepath.Join(dir, "..v1", "app.conf"))
	testutil.WriteString(t, f, "a = 1\n")
	f.Close()
	testutil.Symlink(t, "..v1", filepath.Join(dir, "..data"))
	testutil.Symlink(t, "..data", filepath.Join(dir, "data"))

	wk, wake := waker.NewManual()
	w, err := New(context.Background(), filepath.Join(dir, "data", "app.conf"),
		FallbackBackend, PollWaker(wk))
	testutil.FatalIfErr(t, err)
	defer w.Close()

	testutil.FatalIfErr(t, os.Mkdir(filepath.Join(dir, "..v2"), 0o700))
	f = testutil.TestOpenFile(t, filepath.Join(dir, "..v2", "app.conf"))
	testutil.WriteString(t, f, "a = 2\n")
	f.Close()
	testutil.Symlink(t, "..v2", filepath.Join(dir, "..data_tmp"))
	testutil.FatalIfErr(t, os.Rename(filepath.Join(dir, "..data_tmp"), filepath.Join(dir, "..data")))

	want := filepath.Join(dir, "..v2", "app.conf")
	deadline := time.After(10 * time.Second)
	for {
		select {
		case e, ok := <-w.Events():
			if !ok {
				t.Fatalf("event stream closed: %v", w.Err())
			}
			if e.Op == event.Modified && e.Path == want {
				return
			}
		case <-time.After(10 * time.Millisecond):
			wake()
		case <-deadline:
			t.Fatal("no Modified event for the relinked terminal")
		}
	}
}

// Copyright 2025 Google Inc. All Rights Reserved.
// This file is available under the Apache license.

package waker

import (
	"context"
	"testing"
	"time"
)

func TestManualWakerWakesAllWaiters(t *testing.T) {
	w, wake := NewManual()
	a := w.Wake()
	b := w.Wake()
	wake()
	for _, c := range []<-chan struct{}{a, b} {
		select {
		case <-c:
		case <-time.After(time.Second):
			t.Fatal("waiter not woken")
		}
	}
	// The next wake channel is fresh and unclosed.
	select {
	case <-w.Wake():
		t.Fatal("new wake channel already closed")
	default:
	}
}

func TestTimedWakerFires(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := NewTimed(ctx, 10*time.Millisecond)
	select {
	case <-w.Wake():
	case <-time.After(5 * time.Second):
		t.Fatal("timed waker never fired")
	}
}

func TestAlwaysWakerNeverBlocks(t *testing.T) {
	w := NewAlways()
	select {
	case <-w.Wake():
	default:
		t.Fatal("always waker blocked")
	}
}

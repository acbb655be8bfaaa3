// Copyright 2025 Google Inc. All Rights Reserved.
// This file is available under the Apache license.

package waker

import "sync"

// A manualWaker wakes its wakees only when the test asks it to.
type manualWaker struct {
	mu   sync.Mutex // protects following fields
	wake chan struct{}
}

// WakeFunc triggers a single wakeup of all routines currently blocked on the
// waker's channel.
type WakeFunc func()

// NewManual creates a Waker for use in tests, returning it and a function to
// trigger a wakeup.
func NewManual() (Waker, WakeFunc) {
	m := &manualWaker{wake: make(chan struct{})}
	wakeFunc := func() {
		m.mu.Lock()
		close(m.wake)
		m.wake = make(chan struct{})
		m.mu.Unlock()
	}
	return m, wakeFunc
}

// Wake implements the Waker interface.
func (m *manualWaker) Wake() (w <-chan struct{}) {
	m.mu.Lock()
	w = m.wake
	m.mu.Unlock()
	return w
}

// alwaysWaker never blocks the wakee.
type alwaysWaker struct {
	wake chan struct{}
}

// NewAlways creates a Waker whose wake channel is always ready.
func NewAlways() Waker {
	w := &alwaysWaker{wake: make(chan struct{})}
	close(w.wake)
	return w
}

func (w *alwaysWaker) Wake() <-chan struct{} {
	return w.wake
}

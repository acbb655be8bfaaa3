// Copyright 2025 Google Inc. All Rights Reserved.
// This file is available under the Apache license.

//go:build linux

// Package inotify exposes a single inotify descriptor as a goroutine-
// friendly event source.  The descriptor is opened nonblocking and wrapped
// in an os.File, so reads are multiplexed by the runtime poller and park the
// calling goroutine rather than a thread.
package inotify

import (
	"expvar"
	"os"
	"sync"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

var (
	readCount     = expvar.NewInt("inotify_read_count")
	addWatchCount = expvar.NewInt("inotify_add_watch_count")
	rmWatchCount  = expvar.NewInt("inotify_rm_watch_count")
)

// Sized to drain many variable-length records in one read; each record is at
// most SizeofInotifyEvent+NAME_MAX+1 bytes.
const readBufSize = 64 << 10

// Source wraps one inotify instance.  All watches added through it share the
// descriptor, so the kernel delivers their events in one total order.
type Source struct {
	fd  int      // raw descriptor, for add/rm watch calls
	f   *os.File // same descriptor, registered with the runtime poller
	dec Decoder
	buf []byte

	mu     sync.Mutex // protects closed
	closed bool
}

// NewSource creates an inotify instance.  The descriptor is nonblocking and
// close-on-exec.
func NewSource() (*Source, error) {
	fd, err := unix.InotifyInit1(unix.IN_NONBLOCK | unix.IN_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "inotify_init1")
	}
	// os.NewFile registers the nonblocking fd with the netpoller; Read then
	// suspends the goroutine until the descriptor is readable.
	return &Source{fd: fd, f: os.NewFile(uintptr(fd), "inotify"), buf: make([]byte, readBufSize)}, nil
}

// AddWatch registers path with the given event mask and returns its watch
// descriptor.  Watching the same path twice returns the same descriptor.
func (s *Source) AddWatch(path string, mask uint32) (int32, error) {
	wd, err := unix.InotifyAddWatch(s.fd, path, mask)
	if err != nil {
		return -1, errors.Wrapf(err, "inotify_add_watch %q", path)
	}
	addWatchCount.Add(1)
	glog.V(2).Infof("watch %d: %q mask %s", wd, path, maskString(mask))
	return int32(wd), nil
}

// RemoveWatch releases a watch descriptor.  The kernel queues a final
// IN_IGNORED event for it.
func (s *Source) RemoveWatch(wd int32) error {
	if _, err := unix.InotifyRmWatch(s.fd, uint32(wd)); err != nil {
		return errors.Wrapf(err, "inotify_rm_watch %d", wd)
	}
	rmWatchCount.Add(1)
	return nil
}

// ReadEvents blocks the calling goroutine until at least one event is
// available, then returns every event decodable from a single read.  A
// partial trailing record is retained for the next call.  When the Source is
// closed ReadEvents returns os.ErrClosed.
func (s *Source) ReadEvents() ([]Event, error) {
	n, err := s.f.Read(s.buf)
	if err != nil {
		if errors.Is(err, os.ErrClosed) {
			return nil, os.ErrClosed
		}
		return nil, errors.Wrap(err, "read inotify")
	}
	readCount.Add(1)
	return s.dec.Decode(s.buf[:n], nil), nil
}

// Close releases the descriptor, and with it every watch it carries.  A
// concurrent ReadEvents is unblocked with os.ErrClosed.  Safe to call more
// than once.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.f.Close()
}

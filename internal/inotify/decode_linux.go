// Copyright 2025 Google Inc. All Rights Reserved.
// This file is available under the Apache license.

//go:build linux

package inotify

import (
	"bytes"
	"expvar"
	"fmt"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

var (
	eventCount    = expvar.NewInt("inotify_event_count")
	overflowCount = expvar.NewInt("inotify_overflow_count")
)

// Event is one decoded inotify record.
type Event struct {
	Wd     int32  // watch descriptor the event refers to, -1 on queue overflow
	Mask   uint32 // bitmask of unix.IN_* conditions
	Cookie uint32 // correlates IN_MOVED_FROM with its IN_MOVED_TO
	Name   string // name of the affected directory entry, if any
}

// Overflow reports whether the kernel dropped events because the queue was
// full.
func (e Event) Overflow() bool {
	return e.Mask&unix.IN_Q_OVERFLOW != 0
}

func (e Event) String() string {
	return fmt.Sprintf("wd=%d mask=%s cookie=%d name=%q", e.Wd, maskString(e.Mask), e.Cookie, e.Name)
}

var maskNames = []struct {
	bit  uint32
	name string
}{
	{unix.IN_ACCESS, "ACCESS"},
	{unix.IN_ATTRIB, "ATTRIB"},
	{unix.IN_CLOSE_WRITE, "CLOSE_WRITE"},
	{unix.IN_CREATE, "CREATE"},
	{unix.IN_DELETE, "DELETE"},
	{unix.IN_DELETE_SELF, "DELETE_SELF"},
	{unix.IN_MODIFY, "MODIFY"},
	{unix.IN_MOVE_SELF, "MOVE_SELF"},
	{unix.IN_MOVED_FROM, "MOVED_FROM"},
	{unix.IN_MOVED_TO, "MOVED_TO"},
	{unix.IN_IGNORED, "IGNORED"},
	{unix.IN_ISDIR, "ISDIR"},
	{unix.IN_Q_OVERFLOW, "Q_OVERFLOW"},
	{unix.IN_UNMOUNT, "UNMOUNT"},
}

func maskString(mask uint32) string {
	var names []string
	for _, m := range maskNames {
		if mask&m.bit != 0 {
			names = append(names, m.name)
		}
	}
	if len(names) == 0 {
		return fmt.Sprintf("%#x", mask)
	}
	return strings.Join(names, "|")
}

// Decoder parses buffers read from an inotify descriptor into Events.  A
// record split across two reads is carried over: the undecoded tail of one
// buffer is prefixed to the next, so no record is lost or misparsed.
type Decoder struct {
	rem []byte
}

// Decode appends the events parsed from buf to evs and returns it.
func (d *Decoder) Decode(buf []byte, evs []Event) []Event {
	b := buf
	if len(d.rem) > 0 {
		b = append(d.rem, buf...)
		d.rem = nil
	}
	for len(b) > 0 {
		if len(b) < unix.SizeofInotifyEvent {
			d.rem = append([]byte(nil), b...)
			break
		}
		raw := (*unix.InotifyEvent)(unsafe.Pointer(&b[0]))
		total := unix.SizeofInotifyEvent + int(raw.Len)
		if len(b) < total {
			d.rem = append([]byte(nil), b...)
			break
		}
		var name string
		if raw.Len > 0 {
			name = string(bytes.TrimRight(b[unix.SizeofInotifyEvent:total], "\x00"))
		}
		e := Event{Wd: raw.Wd, Mask: raw.Mask, Cookie: raw.Cookie, Name: name}
		if e.Overflow() {
			overflowCount.Add(1)
		}
		eventCount.Add(1)
		evs = append(evs, e)
		b = b[total:]
	}
	return evs
}

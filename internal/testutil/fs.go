// Copyright 2025 Google Inc. All Rights Reserved.
// This file is available under the Apache license.

package testutil

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/glog"
)

// TestTempDir creates a temporary directory for use during tests, returning
// the pathname.  The directory is removed when the test completes.
func TestTempDir(tb testing.TB) string {
	tb.Helper()
	name, err := os.MkdirTemp("", "linkwatch-test")
	if err != nil {
		tb.Fatal(err)
	}
	tb.Cleanup(func() {
		if err := os.RemoveAll(name); err != nil {
			tb.Fatalf("os.RemoveAll(%s): %s", name, err)
		}
	})
	return name
}

// TestOpenFile creates a new file called name and returns the opened file.
func TestOpenFile(tb testing.TB, name string) *os.File {
	tb.Helper()
	f, err := os.OpenFile(filepath.Clean(name), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		tb.Fatal(err)
	}
	return f
}

// WriteString writes str to f, syncing regular files so the write
// happens-before the return.
func WriteString(tb testing.TB, f io.StringWriter, str string) int {
	tb.Helper()
	n, err := f.WriteString(str)
	FatalIfErr(tb, err)
	glog.Infof("Wrote %d bytes", n)
	if v, ok := f.(*os.File); ok {
		fi, err := v.Stat()
		FatalIfErr(tb, err)
		if fi.Mode().IsRegular() {
			FatalIfErr(tb, v.Sync())
		}
	}
	return n
}

// Symlink creates a symlink at newname pointing at oldname, or fails the
// test.
func Symlink(tb testing.TB, oldname, newname string) {
	tb.Helper()
	FatalIfErr(tb, os.Symlink(oldname, newname))
}

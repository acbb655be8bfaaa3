// Copyright 2025 Google Inc. All Rights Reserved.
// This file is available under the Apache license.

package testutil

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func Diff(a, b interface{}, opts ...cmp.Option) string {
	return cmp.Diff(a, b, opts...)
}

func IgnoreFields(typ interface{}, names ...string) cmp.Option {
	return cmpopts.IgnoreFields(typ, names...)
}

// ExpectNoDiff fails the test if a and b differ.
func ExpectNoDiff(tb testing.TB, a, b interface{}, opts ...cmp.Option) {
	tb.Helper()
	if diff := Diff(a, b, opts...); diff != "" {
		tb.Errorf("unexpected diff (-want +got):\n%s", diff)
	}
}

// Copyright 2025 Google Inc. All Rights Reserved.
// This file is available under the Apache license.

//go:build !linux

package watcher

import "context"

func newNative(_ context.Context, _ string, _ Options) (Backend, error) {
	return nil, ErrNativeUnsupported
}

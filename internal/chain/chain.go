// Copyright 2025 Google Inc. All Rights Reserved.
// This file is available under the Apache license.

// Package chain resolves the sequence of symbolic links leading from a
// watched path to its real, non-symlink terminal.  Links are resolved
// component by component, so a symlinked intermediate directory (the
// atomically relinked configuration mount) appears in the chain just like a
// symlinked leaf.
package chain

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/golang/glog"
	"github.com/pkg/errors"
)

// DefaultMaxDepth bounds chain resolution when the caller doesn't say
// otherwise.  It matches the kernel's own limit for nested links.
const DefaultMaxDepth = 16

// ErrTooManyLevels is returned when resolution exceeds the depth bound,
// either because the chain is genuinely that deep or because it contains a
// cycle.
var ErrTooManyLevels = errors.New("too many levels of symbolic links")

// Link is one symlink in a resolved chain.
type Link struct {
	Path   string // the symlink itself, absolute and cleaned
	Target string // the link target exactly as written
	Dir    string // containing directory, watched to see the link replaced
}

// Chain is the result of resolving a path: the ordered links traversed and
// the terminal they lead to.  TerminalExists records whether the terminal
// was present at resolution time; a missing component stops resolution with
// TerminalExists false and Terminal naming the unresolved remainder.
type Chain struct {
	Root           string
	Links          []Link
	Terminal       string
	TerminalExists bool
}

// Resolve walks path component by component, following every symlink it
// meets, until the whole path resolves to a non-symlink terminal.  Relative
// link targets are resolved against the link's containing directory.  If
// mustExist is false a missing component stops resolution and leaves a
// dangling terminal; otherwise it is an error.
func Resolve(path string, maxDepth int, mustExist bool) (*Chain, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving absolute path of %q", path)
	}
	c := &Chain{Root: filepath.Clean(abs)}
	prefix := string(filepath.Separator)
	rest := components(c.Root)
	followed := 0
	for i := 0; i < len(rest); {
		node := filepath.Join(prefix, rest[i])
		fi, err := os.Lstat(node)
		if err != nil {
			if os.IsNotExist(err) && !mustExist {
				c.Terminal = filepath.Join(append([]string{node}, rest[i+1:]...)...)
				glog.V(2).Infof("chain for %q dangles at %q", path, node)
				return c, nil
			}
			return nil, errors.Wrapf(err, "lstat %q", node)
		}
		if fi.Mode()&os.ModeSymlink == 0 {
			prefix = node
			i++
			continue
		}
		followed++
		if followed > maxDepth {
			return nil, errors.Wrapf(ErrTooManyLevels, "resolving %q", path)
		}
		target, err := os.Readlink(node)
		if err != nil {
			return nil, errors.Wrapf(err, "readlink %q", node)
		}
		c.Links = append(c.Links, Link{Path: node, Target: target, Dir: prefix})
		resolved := target
		if !filepath.IsAbs(target) {
			resolved = filepath.Join(prefix, target)
		}
		glog.V(2).Infof("chain for %q: link %q -> %q", path, node, resolved)
		// Splice the link target in front of the unconsumed components and
		// start over from the root of the new path.
		rest = components(filepath.Join(append([]string{filepath.Clean(resolved)}, rest[i+1:]...)...))
		prefix = string(filepath.Separator)
		i = 0
	}
	c.Terminal = prefix
	c.TerminalExists = true
	return c, nil
}

// components splits an absolute cleaned path into its path elements.
func components(path string) []string {
	trimmed := strings.TrimPrefix(path, string(filepath.Separator))
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, string(filepath.Separator))
}

// Depth returns the number of links traversed to reach the terminal.
func (c *Chain) Depth() int {
	return len(c.Links)
}

// Node returns the path of the chain element at pos: a link for
// pos < len(Links), the terminal for pos == len(Links).
func (c *Chain) Node(pos int) string {
	if pos < len(c.Links) {
		return c.Links[pos].Path
	}
	return c.Terminal
}

// SamePrefix reports whether the first n links of c and o are identical in
// both path and target.  Used to decide how much of an existing watch set
// survives a re-resolution.
func (c *Chain) SamePrefix(o *Chain, n int) bool {
	if len(c.Links) < n || len(o.Links) < n {
		return false
	}
	for i := 0; i < n; i++ {
		if c.Links[i] != o.Links[i] {
			return false
		}
	}
	return true
}

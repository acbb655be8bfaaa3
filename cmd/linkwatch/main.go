// Copyright 2025 Google Inc. All Rights Reserved.
// This file is available under the Apache license.

// Command linkwatch watches a path through its symlink chain and prints a
// line for every change event, optionally exporting internal counters over
// HTTP.
package main

import (
	"context"
	"expvar"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/version"

	"github.com/linkwatch/linkwatch/internal/linkwatch"
)

// Branch, Version and Revision identify the point in the git history the
// build came from, set by the linker.
var (
	Branch   string
	Version  string
	Revision string
)

var (
	path             = flag.String("path", "", "Path to watch, following any symlinks leading from it.")
	backend          = flag.String("backend", "auto", "Watch backend to use: native, fallback, or auto.")
	maxChainDepth    = flag.Int("max_chain_depth", 16, "Maximum number of symlinks to follow before failing with too many levels.")
	renameWindow     = flag.Duration("rename_correlation_window", 500*time.Millisecond, "How long to hold a moved-from event waiting for its moved-to half.")
	debounceInterval = flag.Duration("debounce_interval", 0, "Coalesce identical events closer together than this interval.  0 disables.")
	pollInterval     = flag.Duration("poll_interval", time.Second, "Interval for the fallback backend to re-resolve the watched path without events.  0 disables polling.")
	watchForCreation = flag.Bool("watch_for_creation", false, "Allow the watched path to be missing at startup and report its creation.")
	port             = flag.String("port", "", "HTTP port to serve /metrics and /debug/vars on.  Empty disables the server.")
)

func main() {
	flag.Parse()
	version.Branch = Branch
	version.Version = Version
	version.Revision = Revision
	glog.Info(version.Print("linkwatch"))
	if *path == "" {
		glog.Exitf("linkwatch requires a path to watch; please use the flag -path.")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	options := []linkwatch.Option{
		linkwatch.MaxChainDepth(*maxChainDepth),
		linkwatch.RenameCorrelationWindow(*renameWindow),
		linkwatch.DebounceInterval(*debounceInterval),
		linkwatch.PollInterval(*pollInterval),
	}
	switch *backend {
	case "native":
		options = append(options, linkwatch.NativeBackend)
	case "fallback":
		options = append(options, linkwatch.FallbackBackend)
	case "auto":
	default:
		glog.Exitf("unknown backend %q; use native, fallback, or auto.", *backend)
	}
	if *watchForCreation {
		options = append(options, linkwatch.WatchForCreation)
	}

	if *port != "" {
		prometheus.MustRegister(version.NewCollector("linkwatch"))
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.Handle("/debug/vars", expvar.Handler())
		go func() {
			glog.Infof("serving metrics on port %s", *port)
			if err := http.ListenAndServe(":"+*port, mux); err != nil {
				glog.Error(err)
			}
		}()
	}

	w, err := linkwatch.New(ctx, *path, options...)
	if err != nil {
		glog.Exit(err)
	}
	defer func() {
		if err := w.Close(); err != nil {
			glog.Error(err)
		}
	}()

	for e := range w.Events() {
		fmt.Printf("%s %s %s\n", e.When.Format(time.RFC3339Nano), e.Op, e.Path)
	}
	if err := w.Err(); err != nil {
		glog.Exit(err)
	}
	glog.Info("linkwatch shutting down")
}

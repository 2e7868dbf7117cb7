// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package zlog wires up the kratos structured logger the way the
// teacher's command-line tools do: a std logger, optionally filtered
// to a level, wrapped in a *log.Helper so callers get Infof/Errorf/
// Debugf without threading a logger through every call.
package zlog

import (
	"os"

	"github.com/go-kratos/kratos/v2/log"
)

// New builds a *log.Helper writing to stderr, filtered to LevelInfo
// unless verbose is set (LevelDebug).
func New(verbose bool) *log.Helper {
	level := log.LevelInfo
	if verbose {
		level = log.LevelDebug
	}
	logger := log.NewStdLogger(os.Stderr)
	logger = log.NewFilter(logger, log.FilterLevel(level))
	return log.NewHelper(logger)
}

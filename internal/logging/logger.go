// File: internal/logging/logger.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// zap-backed logr construction and the verbosity levels used across the
// module.

package logging

import (
	"fmt"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Verbosity levels for logger.V(). DEFAULT is emitted at the stock level.
const (
	DEFAULT = 2
	VERBOSE = 3
	DEBUG   = 4
	TRACE   = 5
)

// Options selects encoder and verbosity.
type Options struct {
	Development bool
	Verbosity   int
}

// NewLogger builds a logr.Logger over zap. Verbosity n enables V(n) and below.
func NewLogger(opts Options) (logr.Logger, error) {
	var cfg zap.Config
	if opts.Development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapcore.Level(-1 * opts.Verbosity))
	zl, err := cfg.Build(zap.AddCaller())
	if err != nil {
		return logr.Discard(), fmt.Errorf("build zap logger: %w", err)
	}
	return zapr.NewLogger(zl), nil
}

// NewTestLogger creates a development logger that emits every level.
func NewTestLogger() logr.Logger {
	logger, _ := NewLogger(Options{Development: true, Verbosity: TRACE})
	return logger
}

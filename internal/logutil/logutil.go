// Package logutil builds the command line logger.
package logutil

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a console logger writing to stderr. Debug messages are shown
// only when verbose is set.
func New(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.DisableStacktrace = true
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.EncoderConfig.TimeKey = ""
	cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if verbose {
		cfg.Level.SetLevel(zapcore.DebugLevel)
		cfg.DisableCaller = false
	} else {
		cfg.DisableCaller = true
	}
	return cfg.Build()
}

// Must is New that panics, for main packages.
func Must(verbose bool) *zap.Logger {
	logger, err := New(verbose)
	if err != nil {
		panic(err)
	}
	return logger
}

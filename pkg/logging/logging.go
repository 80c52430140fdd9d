// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package logging builds the zap loggers used by the turntable tools.
package logging

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects the log level and destination
type Options struct {
	Verbose bool
	// File routes output to a rotating log file instead of stderr
	File string
}

// EncoderConfig is the console layout: ISO8601 timestamps, capital levels,
// short callers.
func EncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

// New builds a logger and returns a function that flushes and releases its
// output.
func New(opts Options) (*zap.SugaredLogger, func() error) {
	var out io.Writer = os.Stderr
	closeFn := func() error { return nil }
	if opts.File != "" {
		rotating := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
		}
		out = rotating
		closeFn = rotating.Close
	}

	logger := NewWithWriter(out, opts.Verbose)
	return logger, func() error {
		_ = logger.Sync()
		return closeFn()
	}
}

// NewWithWriter builds a console logger writing to w
func NewWithWriter(w io.Writer, verbose bool) *zap.SugaredLogger {
	level := zap.InfoLevel
	if verbose {
		level = zap.DebugLevel
	}
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(EncoderConfig()),
		zapcore.AddSync(w),
		zap.NewAtomicLevelAt(level),
	)
	return zap.New(core, zap.AddCaller()).Sugar()
}

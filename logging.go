// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package tasksched

import (
	"io"
	"os"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the structured logging handle accepted by every component in
// this package. It is built the same way github.com/joeycumines/stumpy's
// own example composes logiface with the stumpy JSON backend.
type Logger = logiface.Logger[*stumpy.Event]

// NewLogger builds a JSON logger writing to w (os.Stderr if w is nil),
// suitable for passing to WithLogger.
func NewLogger(w io.Writer) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
	)
}

// logErr logs err at Err level with msg, a no-op if logger is nil.
func logErr(logger *Logger, msg string, err error) {
	if logger == nil {
		return
	}
	logger.Err().Err(err).Log(msg)
}

// logInfo logs msg at Info level, a no-op if logger is nil.
func logInfo(logger *Logger, msg string) {
	if logger == nil {
		return
	}
	logger.Info().Log(msg)
}

// logInfoOrigin logs msg at Info level with an origin field attached, a
// no-op if logger is nil.
func logInfoOrigin(logger *Logger, msg string, origin Origin) {
	if logger == nil {
		return
	}
	logger.Info().Str(`origin`, string(origin)).Log(msg)
}

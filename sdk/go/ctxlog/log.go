// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package ctxlog carries a logrus logger in a context.Context.
package ctxlog

import (
	"bytes"
	"context"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	check "gopkg.in/check.v1"
)

type loggerKey struct{}

const timestampFormat = "2006-01-02T15:04:05.000000000Z07:00"

var defaultLogger = logrus.New()

// Context returns a child of ctx whose FromContext is logger.
func Context(ctx context.Context, logger logrus.FieldLogger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext returns the logger attached to ctx by Context, or a
// default logger if there is none.
func FromContext(ctx context.Context) logrus.FieldLogger {
	if ctx != nil {
		if logger, ok := ctx.Value(loggerKey{}).(logrus.FieldLogger); ok {
			return logger
		}
	}
	return defaultLogger.WithFields(nil)
}

// New returns a logger writing to out. format is "json" (default)
// or "text"; level is a logrus level name, default "info".
// Unrecognized values are reported on the new logger and the
// defaults are used.
func New(out io.Writer, format, level string) *logrus.Logger {
	logger := logrus.New()
	logger.Out = out
	switch format {
	case "text":
		logger.Formatter = &logrus.TextFormatter{FullTimestamp: true, TimestampFormat: timestampFormat}
	default:
		logger.Formatter = &logrus.JSONFormatter{TimestampFormat: timestampFormat}
		if format != "json" && format != "" {
			logger.WithField("Format", format).Warn("unknown log format, using json")
		}
	}
	logger.Level = logrus.InfoLevel
	if level != "" {
		if lvl, err := logrus.ParseLevel(level); err != nil {
			logger.WithField("LogLevel", level).Warn("unknown log level, using info")
		} else {
			logger.Level = lvl
		}
	}
	return logger
}

// TestLogger returns a text logger that writes to c.Log, at debug
// level if $CRUNCHQ_DEBUG is set to something other than "0".
func TestLogger(c *check.C) *logrus.Logger {
	level := "info"
	if d := os.Getenv("CRUNCHQ_DEBUG"); d != "" && d != "0" {
		level = "debug"
	}
	logger := New(testWriter{c}, "text", level)
	return logger
}

type testWriter struct{ c *check.C }

func (w testWriter) Write(buf []byte) (int, error) {
	w.c.Log(string(bytes.TrimRight(buf, "\n")))
	return len(buf), nil
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging configures structured logging for Converse services.
//
// Built on the standard library slog package. The default output is
// stderr, following Unix conventions; deployments that want JSON for a
// log shipper select it via Config.Format.
//
// # Basic Usage
//
//	logger := logging.Setup(logging.Config{Level: "info", Service: "router"})
//	logger.Info("starting server", "addr", addr)
//
// Setup also installs the logger as the slog default, so package-level
// slog.Info calls across the codebase share the same handler.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config controls handler construction.
type Config struct {
	// Level is debug, info, warn, or error. Unrecognized values fall
	// back to info.
	Level string

	// Format is "text" (default) or "json".
	Format string

	// Service is attached to every record as the service attribute.
	Service string

	// Output overrides the destination. Defaults to stderr.
	Output io.Writer
}

// Setup builds a logger from cfg and installs it as the slog default.
func Setup(cfg Config) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	logger := slog.New(handler)
	if cfg.Service != "" {
		logger = logger.With(slog.String("service", cfg.Service))
	}
	slog.SetDefault(logger)
	return logger
}

// ParseLevel maps a level name to its slog value, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

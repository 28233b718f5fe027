// Copyright (c) 2024 the relaysteal authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package xlog is the logging shim every other package in this module
// calls into: a thin, leveled, printf-style front for zerolog, cheap
// enough to call unconditionally on hot paths.
package xlog

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var base = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
	With().Timestamp().Logger()

// SetLevel adjusts the minimum level that gets written.
func SetLevel(lvl zerolog.Level) {
	base = base.Level(lvl)
}

// With returns a zerolog.Context on the base logger, from which call
// sites build a child logger carrying structured fields instead of
// interpolating them into the message (connection_id, client_id,
// request_id, port, ...).
func With() zerolog.Context {
	return base.With()
}

// Info starts an info-level event for call sites that want structured
// fields (connection_id, client_id, request_id, port, ...) attached via
// .Int()/.Str() rather than interpolated into the message.
func Info() *zerolog.Event { return base.Info() }

// Debug starts a debug-level event; see Info.
func Debug() *zerolog.Event { return base.Debug() }

// Warn starts a warn-level event; see Info.
func Warn() *zerolog.Event { return base.Warn() }

// Error starts an error-level event; see Info.
func Error() *zerolog.Event { return base.Error() }

// I logs at info level, printf-style.
func I(format string, args ...any) {
	base.Info().Msg(fmt.Sprintf(format, args...))
}

// D logs at debug level, printf-style.
func D(format string, args ...any) {
	base.Debug().Msg(fmt.Sprintf(format, args...))
}

// W logs at warn level, printf-style.
func W(format string, args ...any) {
	base.Warn().Msg(fmt.Sprintf(format, args...))
}

// E logs at error level, printf-style.
func E(format string, args ...any) {
	base.Error().Msg(fmt.Sprintf(format, args...))
}

// V logs at trace level (verbose), printf-style.
func V(format string, args ...any) {
	base.Trace().Msg(fmt.Sprintf(format, args...))
}

// VV logs at trace level, printf-style, exactly like V; SetLevel
// cannot enable one without the other.
func VV(format string, args ...any) {
	base.Trace().Msg(fmt.Sprintf(format, args...))
}

// Copyright 2025 The dvas Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package log provides a minimal leveled logging facility.
//
// The mapping layer logs only on paths that indicate caller bugs or lost
// resources; everything else is silent. The global logger defaults to
// warnings on stderr and may be replaced wholesale via SetTarget.
package log

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"
)

// Level is a log level.
type Level uint32

const (
	// Warning indicates a caller bug or a lost resource.
	Warning Level = iota

	// Info is informational.
	Info

	// Debug is for debugging only; it may be very verbose.
	Debug
)

// String implements fmt.Stringer.String.
func (l Level) String() string {
	switch l {
	case Warning:
		return "warning"
	case Info:
		return "info"
	case Debug:
		return "debug"
	default:
		return fmt.Sprintf("invalid level %d", uint32(l))
	}
}

// Emitter is the final destination for log lines.
type Emitter interface {
	// Emit emits the given log statement. depth is the depth at which to
	// resolve the caller, if the Emitter records one.
	Emit(depth int, level Level, timestamp time.Time, format string, v ...any)
}

// Writer writes to an io.Writer, counting lines dropped on write errors and
// reporting them once writes start succeeding again.
type Writer struct {
	// Next is the underlying writer.
	Next io.Writer

	// dropped is the number of log lines dropped due to write errors.
	dropped atomic.Uint64
}

// Write implements io.Writer.Write, appending a trailing newline if the
// payload lacks one. Each payload reaches the underlying writer as a single
// Write call, so line-oriented sinks never see a line split in two.
func (l *Writer) Write(data []byte) (int, error) {
	if dropped := l.dropped.Load(); dropped > 0 {
		notice := []byte(fmt.Sprintf("\n*** Dropped %d log messages ***\n", dropped))
		if _, err := l.Next.Write(notice); err != nil {
			l.dropped.Add(1)
			return 0, err
		}
		l.dropped.Store(0)
	}
	if len(data) == 0 || data[len(data)-1] != '\n' {
		buf := make([]byte, 0, len(data)+1)
		buf = append(buf, data...)
		buf = append(buf, '\n')
		if _, err := l.Next.Write(buf); err != nil {
			l.dropped.Add(1)
			return 0, err
		}
		return len(data), nil
	}
	n, err := l.Next.Write(data)
	if err != nil {
		l.dropped.Add(1)
	}
	return n, err
}

// TextEmitter emits human-readable log lines of the form:
//
//	W0102 15:04:05.000000 msg...
type TextEmitter struct {
	*Writer
}

// Emit implements Emitter.Emit.
func (e TextEmitter) Emit(_ int, level Level, timestamp time.Time, format string, v ...any) {
	prefix := byte('W')
	switch level {
	case Info:
		prefix = 'I'
	case Debug:
		prefix = 'D'
	}
	line := fmt.Sprintf("%c%s %s", prefix, timestamp.Format("0102 15:04:05.000000"), fmt.Sprintf(format, v...))
	e.Writer.Write([]byte(line))
}

// Logger is a high-level logging interface.
type Logger interface {
	// Debugf logs a debug statement.
	Debugf(format string, v ...any)

	// Infof logs at an info level.
	Infof(format string, v ...any)

	// Warningf logs at a warning level.
	Warningf(format string, v ...any)

	// IsLogging returns true iff this level is being logged.
	IsLogging(level Level) bool
}

// BasicLogger is the default implementation of Logger.
type BasicLogger struct {
	Level Level
	Emitter
}

// Debugf implements Logger.Debugf.
func (l *BasicLogger) Debugf(format string, v ...any) {
	l.DebugfAtDepth(1, format, v...)
}

// Infof implements Logger.Infof.
func (l *BasicLogger) Infof(format string, v ...any) {
	l.InfofAtDepth(1, format, v...)
}

// Warningf implements Logger.Warningf.
func (l *BasicLogger) Warningf(format string, v ...any) {
	l.WarningfAtDepth(1, format, v...)
}

// DebugfAtDepth logs at a specific depth.
func (l *BasicLogger) DebugfAtDepth(depth int, format string, v ...any) {
	if l.IsLogging(Debug) {
		l.Emit(1+depth, Debug, time.Now(), format, v...)
	}
}

// InfofAtDepth logs at a specific depth.
func (l *BasicLogger) InfofAtDepth(depth int, format string, v ...any) {
	if l.IsLogging(Info) {
		l.Emit(1+depth, Info, time.Now(), format, v...)
	}
}

// WarningfAtDepth logs at a specific depth.
func (l *BasicLogger) WarningfAtDepth(depth int, format string, v ...any) {
	if l.IsLogging(Warning) {
		l.Emit(1+depth, Warning, time.Now(), format, v...)
	}
}

// IsLogging implements Logger.IsLogging.
func (l *BasicLogger) IsLogging(level Level) bool {
	return level <= l.Level
}

// log is the global logger.
var log atomic.Pointer[BasicLogger]

// Log retrieves the global logger.
func Log() *BasicLogger {
	if l := log.Load(); l != nil {
		return l
	}
	// Slow path: initialize the default target. Racing initializations
	// are harmless; one wins, the rest are garbage.
	log.CompareAndSwap(nil, &BasicLogger{
		Level:   Warning,
		Emitter: TextEmitter{&Writer{Next: os.Stderr}},
	})
	return log.Load()
}

// SetTarget sets the log target, preserving the current level.
func SetTarget(target Emitter) {
	log.Store(&BasicLogger{Level: Log().Level, Emitter: target})
}

// SetLevel sets the log level, preserving the current target.
func SetLevel(newLevel Level) {
	log.Store(&BasicLogger{Level: newLevel, Emitter: Log().Emitter})
}

// Debugf logs to the global logger.
func Debugf(format string, v ...any) {
	Log().DebugfAtDepth(1, format, v...)
}

// Infof logs to the global logger.
func Infof(format string, v ...any) {
	Log().InfofAtDepth(1, format, v...)
}

// Warningf logs to the global logger.
func Warningf(format string, v ...any) {
	Log().WarningfAtDepth(1, format, v...)
}

// IsLogging returns whether the global logger is logging at level.
func IsLogging(level Level) bool {
	return Log().IsLogging(level)
}

// Copyright 2025 The Keystone Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

// Package log provides leveled, context-aware logging for Keystone.
//
// Log calls take a context.Context as their first argument; tags attached to
// the context via logtags are prepended to every entry. Formatting is
// redaction-aware: values that implement redact.SafeValue render without
// redaction markers.
package log

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/logtags"
	"github.com/cockroachdb/redact"
)

// Entry is a single log event as seen by interceptors.
type Entry struct {
	Severity Severity
	Time     time.Time
	File     string
	Line     int
	Tags     string
	Message  string
}

var logging struct {
	mu struct {
		sync.Mutex
		w           io.Writer
		interceptor func(Entry)
		exitFunc    func(code int)
	}
	verbosity int32
}

func init() {
	logging.mu.w = os.Stderr
	logging.mu.exitFunc = os.Exit
}

// SetVerbosity sets the verbosity threshold consulted by V and VEventf.
func SetVerbosity(level int32) {
	atomic.StoreInt32(&logging.verbosity, level)
}

// V returns true if logging is enabled at the given verbosity level.
func V(level int32) bool {
	return atomic.LoadInt32(&logging.verbosity) >= level
}

// SetExitFunc replaces the function called after a fatal entry is emitted.
// It returns the previous function. Tests use this to observe fatal events
// without terminating the process.
func SetExitFunc(f func(code int)) func(code int) {
	logging.mu.Lock()
	defer logging.mu.Unlock()
	prev := logging.mu.exitFunc
	logging.mu.exitFunc = f
	return prev
}

// Intercept routes a copy of every subsequent entry to f. It returns a
// cleanup function restoring the previous interceptor. Only one interceptor
// is active at a time.
func Intercept(f func(Entry)) func() {
	logging.mu.Lock()
	defer logging.mu.Unlock()
	prev := logging.mu.interceptor
	logging.mu.interceptor = f
	return func() {
		logging.mu.Lock()
		defer logging.mu.Unlock()
		logging.mu.interceptor = prev
	}
}

func makeEntry(ctx context.Context, sev Severity, depth int, format string, args []interface{}) Entry {
	file, line := caller(depth + 1)
	entry := Entry{
		Severity: sev,
		Time:     time.Now(),
		File:     file,
		Line:     line,
	}
	if tags := logtags.FromContext(ctx); tags != nil {
		entry.Tags = tags.String()
	}
	if len(args) == 0 {
		entry.Message = format
	} else {
		entry.Message = redact.Sprintf(format, args...).StripMarkers()
	}
	return entry
}

func caller(depth int) (string, int) {
	_, file, line, ok := runtime.Caller(depth + 1)
	if !ok {
		return "???", 1
	}
	return filepath.Base(file), line
}

func (e Entry) format() string {
	var tags string
	if e.Tags != "" {
		tags = "[" + e.Tags + "] "
	}
	return fmt.Sprintf("%c%s %s:%d  %s%s\n",
		severityChar[e.Severity], e.Time.Format("060102 15:04:05.000000"),
		e.File, e.Line, tags, e.Message)
}

func logfDepth(ctx context.Context, depth int, sev Severity, format string, args ...interface{}) {
	entry := makeEntry(ctx, sev, depth+1, format, args)
	logging.mu.Lock()
	if logging.mu.interceptor != nil {
		logging.mu.interceptor(entry)
	}
	fmt.Fprint(logging.mu.w, entry.format())
	exitFunc := logging.mu.exitFunc
	logging.mu.Unlock()
	if sev == SeverityFatal {
		exitFunc(255)
	}
}

// Infof logs to the INFO channel.
func Infof(ctx context.Context, format string, args ...interface{}) {
	logfDepth(ctx, 1, SeverityInfo, format, args...)
}

// Warningf logs to the WARNING channel.
func Warningf(ctx context.Context, format string, args ...interface{}) {
	logfDepth(ctx, 1, SeverityWarning, format, args...)
}

// Errorf logs to the ERROR channel.
func Errorf(ctx context.Context, format string, args ...interface{}) {
	logfDepth(ctx, 1, SeverityError, format, args...)
}

// Fatalf logs to the FATAL channel and terminates the process (subject to
// SetExitFunc).
func Fatalf(ctx context.Context, format string, args ...interface{}) {
	logfDepth(ctx, 1, SeverityFatal, format, args...)
}

// VEventf logs to the INFO channel if logging is enabled at the given
// verbosity level. Used for trace-level events consumed by tests.
func VEventf(ctx context.Context, level int32, format string, args ...interface{}) {
	if !V(level) {
		return
	}
	logfDepth(ctx, 1, SeverityInfo, format, args...)
}

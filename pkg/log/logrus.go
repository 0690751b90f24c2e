// Copyright 2026 The gVisor Authors.
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

package log

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// LogrusEmitter forwards log statements to a logrus logger, for hosts that
// already collect logrus output.
type LogrusEmitter struct {
	Logger *logrus.Logger

	// Fields are attached to every entry.
	Fields logrus.Fields
}

// NewLogrusEmitter returns an emitter writing JSON-formatted logrus entries
// through w.
func NewLogrusEmitter(w *Writer, fields logrus.Fields) *LogrusEmitter {
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	// Filtering happens in BasicLogger; accept everything it lets through.
	l.SetLevel(logrus.DebugLevel)
	return &LogrusEmitter{Logger: l, Fields: fields}
}

// Emit implements Emitter.Emit.
func (e *LogrusEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	entry := e.Logger.WithTime(timestamp)
	if len(e.Fields) > 0 {
		entry = entry.WithFields(e.Fields)
	}
	file, line := callerLocation(depth + 1)
	entry = entry.WithField("caller", fmt.Sprintf("%s:%d", file, line))
	entry.Logf(logrusLevel(level), format, v...)
}

func logrusLevel(level Level) logrus.Level {
	switch level {
	case Warning:
		return logrus.WarnLevel
	case Info:
		return logrus.InfoLevel
	default:
		return logrus.DebugLevel
	}
}

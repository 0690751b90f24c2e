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

// Package util groups a bunch of common helper functions used by commands.
package util

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/subcommands"

	"chardev.dev/chardev/pkg/log"
)

// ErrorLogger is where error messages should be written to. These messages are
// consumed by the caller that invoked devd.
var ErrorLogger io.Writer

// Infof writes message to log and stdout.
func Infof(format string, args ...any) {
	log.Infof(format, args...)
	fmt.Fprintf(os.Stdout, format+"\n", args...)
}

// errorf logs error to ErrorLogger, to stderr, and to debug logs. It
// returns subcommands.ExitFailure for convenience with subcommand.Execute()
// methods:
//
//	return Errorf("Danger! Danger!")
func errorf(format string, args ...any) subcommands.ExitStatus {
	// If we have an ErrorLogger, then write the error to it.
	if ErrorLogger != nil {
		writeError(ErrorLogger, fmt.Sprintf(format, args...))
	}

	// Send error to stderr and debug logs.
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	log.Warningf(format, args...)
	return subcommands.ExitFailure
}

// Errorf logs an error and returns subcommands.ExitFailure.
func Errorf(format string, args ...any) subcommands.ExitStatus {
	return errorf(format, args...)
}

// Fatalf logs the same way as Errorf() does, plus *exits* the process.
func Fatalf(format string, args ...any) {
	errorf(format, args...)
	// Return an error that is unlikely to be used by the application.
	os.Exit(128)
}

// writeError writes msg as a JSON line, the way structured log readers expect.
func writeError(w io.Writer, msg string) {
	b, err := json.Marshal(struct {
		Msg   string    `json:"msg"`
		Level string    `json:"level"`
		Time  time.Time `json:"time"`
	}{
		Msg:   msg,
		Level: "error",
		Time:  time.Now(),
	})
	if err != nil {
		return
	}
	fmt.Fprintln(w, string(b))
}

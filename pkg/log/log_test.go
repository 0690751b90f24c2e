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
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
)

type testWriter struct {
	lines []string
	fail  bool
}

func (w *testWriter) Write(bytes []byte) (int, error) {
	if w.fail {
		return 0, fmt.Errorf("simulated failure")
	}
	w.lines = append(w.lines, string(bytes))
	return len(bytes), nil
}

func TestDropMessages(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("line 1\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	tw.fail = true
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}

	tw.fail = false
	if _, err := w.Write([]byte("line 2\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	want := []string{
		"line 1\n",
		"line 2\n",
		"\n*** Dropped 2 log messages ***\n",
	}
	if diff := cmp.Diff(want, tw.lines); diff != "" {
		t.Errorf("lines mismatch (-want +got):\n%s", diff)
	}
}

type recordingEmitter struct {
	lines []string
}

func (r *recordingEmitter) Emit(_ int, level Level, _ time.Time, format string, v ...any) {
	r.lines = append(r.lines, level.String()+": "+fmt.Sprintf(format, v...))
}

func TestBasicLoggerLevel(t *testing.T) {
	r := &recordingEmitter{}
	l := &BasicLogger{Level: Info, Emitter: r}
	l.Debugf("hidden %d", 1)
	l.Infof("shown %d", 2)
	l.Warningf("shown %d", 3)
	l.SetLevel(Debug)
	l.Debugf("shown %d", 4)

	want := []string{"Info: shown 2", "Warning: shown 3", "Debug: shown 4"}
	if diff := cmp.Diff(want, r.lines); diff != "" {
		t.Errorf("emitted lines mismatch (-want +got):\n%s", diff)
	}
}

func TestRateLimitedLogger(t *testing.T) {
	r := &recordingEmitter{}
	l := RateLimitedLogger(&BasicLogger{Level: Debug, Emitter: r}, time.Hour)
	for i := 0; i < 10; i++ {
		l.Warningf("busy %d", i)
	}
	if diff := cmp.Diff([]string{"Warning: busy 0"}, r.lines); diff != "" {
		t.Errorf("emitted lines mismatch (-want +got):\n%s", diff)
	}
}

func TestGoogleEmitterFormat(t *testing.T) {
	var buf bytes.Buffer
	l := &BasicLogger{Level: Info, Emitter: GoogleEmitter{&Writer{Next: &buf}}}
	l.Infof("opened %s", "dev")
	got := buf.String()
	if !strings.HasPrefix(got, "I") || !strings.Contains(got, "log_test.go:") || !strings.HasSuffix(got, "] opened dev\n") {
		t.Errorf("unexpected glog line %q", got)
	}
}

func TestJSONEmitter(t *testing.T) {
	var buf bytes.Buffer
	l := &BasicLogger{Level: Debug, Emitter: JSONEmitter{&Writer{Next: &buf}}}
	l.Debugf("read %d bytes", 10)

	var j jsonLog
	if err := json.Unmarshal(buf.Bytes(), &j); err != nil {
		t.Fatalf("Unmarshal(%q) failed: %v", buf.String(), err)
	}
	if j.Level != Debug {
		t.Errorf("level: got %v, want %v", j.Level, Debug)
	}
	if !strings.HasSuffix(j.Msg, "] read 10 bytes") {
		t.Errorf("msg: got %q", j.Msg)
	}
}

func TestLogrusEmitter(t *testing.T) {
	var buf bytes.Buffer
	e := NewLogrusEmitter(&Writer{Next: &buf}, logrus.Fields{"device": "counter"})
	l := &BasicLogger{Level: Info, Emitter: e}
	l.Warningf("write rejected")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Unmarshal(%q) failed: %v", buf.String(), err)
	}
	for k, want := range map[string]string{"level": "warning", "msg": "write rejected", "device": "counter"} {
		if got, _ := entry[k].(string); got != want {
			t.Errorf("entry[%q]: got %q, want %q", k, got, want)
		}
	}
	if caller, _ := entry["caller"].(string); !strings.HasPrefix(caller, "log_test.go:") {
		t.Errorf("entry[caller]: got %q", caller)
	}
}

func TestParseLevel(t *testing.T) {
	for s, want := range map[string]Level{"debug": Debug, "INFO": Info, "warning": Warning} {
		got, err := ParseLevel(s)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q): got (%v, %v), want (%v, nil)", s, got, err, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Errorf("ParseLevel(loud) succeeded, want error")
	}
}

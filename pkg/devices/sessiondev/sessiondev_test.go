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

package sessiondev

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"

	"chardev.dev/chardev/pkg/errors/linuxerr"
	"chardev.dev/chardev/pkg/gate"
	"chardev.dev/chardev/pkg/hostarch"
	"chardev.dev/chardev/pkg/usermem"
)

func newDevice(t *testing.T, opts Options) *Device {
	t.Helper()
	d, err := New(opts)
	if err != nil {
		t.Fatalf("New(%+v) failed: %v", opts, err)
	}
	return d
}

func mustOpen(t *testing.T, d *Device, id Identity) *Session {
	t.Helper()
	s, err := d.Open(context.Background(), id)
	if err != nil {
		t.Fatalf("Open(%q) failed: %v", id, err)
	}
	return s
}

// readAll drains a counter-mode session in chunks of size n.
func readAll(t *testing.T, s *Session, n int) string {
	t.Helper()
	var out []byte
	buf := make([]byte, n)
	for i := 0; ; i++ {
		if i > messageCapacity {
			t.Fatalf("session never reached EOF, read %q", out)
		}
		got, err := s.ReadBytes(context.Background(), buf)
		if err == io.EOF {
			if got != 0 {
				t.Fatalf("Read at EOF returned %d bytes", got)
			}
			return string(out)
		}
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		out = append(out, buf[:got]...)
	}
}

func TestCounterSessionScenario(t *testing.T) {
	d := newDevice(t, Options{Mode: ReadOnlyCounter})
	ctx := context.Background()

	s := mustOpen(t, d, "first")
	buf := make([]byte, 10)
	if n, err := s.ReadBytes(ctx, buf); err != nil || string(buf[:n]) != "You have o" {
		t.Fatalf("Read(10): got (%q, %v), want (%q, nil)", buf[:n], err, "You have o")
	}
	if s.EOF() {
		t.Errorf("EOF after partial read")
	}

	buf = make([]byte, 1000)
	n, err := s.ReadBytes(ctx, buf)
	if err != nil {
		t.Fatalf("Read(1000) failed: %v", err)
	}
	if want := "pened this dev file 0 times"; string(buf[:n]) != want {
		t.Errorf("Read(1000): got %q, want %q", buf[:n], want)
	}
	if !s.EOF() {
		t.Errorf("no EOF after reading the whole message")
	}
	for i := 0; i < 2; i++ {
		if n, err := s.ReadBytes(ctx, buf); n != 0 || err != io.EOF {
			t.Errorf("Read at end: got (%d, %v), want (0, EOF)", n, err)
		}
	}
	s.Close()

	s = mustOpen(t, d, "second")
	defer s.Close()
	if got, want := readAll(t, s, 7), "You have opened this dev file 1 times"; got != want {
		t.Errorf("second session: got %q, want %q", got, want)
	}
}

func TestCounterReportsPriorOpens(t *testing.T) {
	d := newDevice(t, Options{Mode: ReadOnlyCounter})
	for i := 0; i < 20; i++ {
		s := mustOpen(t, d, Identity(fmt.Sprintf("caller-%d", i)))
		if got, want := readAll(t, s, 3), fmt.Sprintf(messageTemplate, i); got != want {
			t.Errorf("open %d: got %q, want %q", i, got, want)
		}
		s.Close()
	}
	if got := d.Stat().Opens; got != 20 {
		t.Errorf("Stat().Opens = %d, want 20", got)
	}
}

func TestCounterOpenBusy(t *testing.T) {
	d := newDevice(t, Options{Mode: ReadOnlyCounter})
	s := mustOpen(t, d, "holder")
	if _, err := d.Open(context.Background(), "intruder"); err != linuxerr.EBUSY {
		t.Fatalf("Open while held: got %v, want %v", err, linuxerr.EBUSY)
	}
	s.Close()

	// Rejected opens do not count.
	s = mustOpen(t, d, "next")
	defer s.Close()
	if got, want := readAll(t, s, 64), fmt.Sprintf(messageTemplate, 1); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestCounterWriteUnsupported(t *testing.T) {
	d := newDevice(t, Options{Mode: ReadOnlyCounter})
	s := mustOpen(t, d, "writer")
	defer s.Close()

	ctx := context.Background()
	if n, err := s.WriteBytes(ctx, []byte("hello")); n != 0 || err != linuxerr.EINVAL {
		t.Errorf("Write: got (%d, %v), want (0, %v)", n, err, linuxerr.EINVAL)
	}
	// The message is untouched.
	if got, want := readAll(t, s, 16), fmt.Sprintf(messageTemplate, 0); got != want {
		t.Errorf("message after Write: got %q, want %q", got, want)
	}
}

func TestReadZeroLength(t *testing.T) {
	d := newDevice(t, Options{Mode: ReadOnlyCounter})
	s := mustOpen(t, d, "zero")
	defer s.Close()
	if n, err := s.ReadBytes(context.Background(), nil); n != 0 || err != nil {
		t.Errorf("Read(0): got (%d, %v), want (0, nil)", n, err)
	}
	if s.EOF() {
		t.Errorf("EOF after zero-length read")
	}
}

func TestMessageFitsCapacity(t *testing.T) {
	for _, count := range []uint64{0, 9, 10, math.MaxUint64} {
		m := generateMessage(count)
		want := fmt.Sprintf(messageTemplate, count)
		if got := m.String(); got != want {
			t.Errorf("generateMessage(%d) = %q, want %q", count, got, want)
		}
		if m.len > messageCapacity-1 || m.data[m.len] != 0 {
			t.Errorf("generateMessage(%d): sentinel missing at %d", count, m.len)
		}
	}
}

func TestReadFaultAdvancesCursor(t *testing.T) {
	d := newDevice(t, Options{Mode: ReadOnlyCounter})
	s := mustOpen(t, d, "faulty")
	defer s.Close()
	ctx := context.Background()

	// The caller claims 10 bytes but only 4 are backed.
	dst := usermem.IOSequence{
		IO:    &usermem.BytesIO{Bytes: make([]byte, 4)},
		Addrs: hostarch.AddrRange{Start: 0, End: 10},
	}
	n, err := s.Read(ctx, dst)
	if n != 4 || err != linuxerr.EFAULT {
		t.Fatalf("Read into short buffer: got (%d, %v), want (4, %v)", n, err, linuxerr.EFAULT)
	}
	if got, want := readAll(t, s, 100), fmt.Sprintf(messageTemplate, 0)[4:]; got != want {
		t.Errorf("remainder after fault: got %q, want %q", got, want)
	}
}

func TestBufferRoundTrip(t *testing.T) {
	d := newDevice(t, Options{Mode: LockedBuffer})
	ctx := context.Background()

	s := mustOpen(t, d, "writer")
	if n, err := s.WriteBytes(ctx, []byte("hello")); n != 5 || err != nil {
		t.Fatalf("Write: got (%d, %v), want (5, nil)", n, err)
	}
	s.Close()

	s = mustOpen(t, d, "reader")
	defer s.Close()
	buf := make([]byte, 5)
	if n, err := s.ReadBytes(ctx, buf); n != 5 || err != nil || string(buf) != "hello" {
		t.Errorf("Read: got (%d, %q, %v), want (5, hello, nil)", n, buf, err)
	}
	// No cursor: a second read returns the same bytes, never EOF.
	if n, err := s.ReadBytes(ctx, buf); n != 5 || err != nil || string(buf) != "hello" {
		t.Errorf("second Read: got (%d, %q, %v), want (5, hello, nil)", n, buf, err)
	}
	if s.EOF() {
		t.Errorf("EOF in buffer mode")
	}
}

func TestBufferWriteOverwritesFromStart(t *testing.T) {
	d := newDevice(t, Options{Mode: LockedBuffer, Capacity: 8})
	ctx := context.Background()
	s := mustOpen(t, d, "writer")
	defer s.Close()

	for _, p := range []string{"abcdefgh", "XY"} {
		if _, err := s.WriteBytes(ctx, []byte(p)); err != nil {
			t.Fatalf("Write(%q) failed: %v", p, err)
		}
	}
	buf := make([]byte, 16)
	n, err := s.ReadBytes(ctx, buf)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if diff := cmp.Diff([]byte("XYcdefgh"), buf[:n]); diff != "" {
		t.Errorf("buffer contents mismatch (-want +got):\n%s", diff)
	}
}

func TestBufferCapacityExceeded(t *testing.T) {
	d := newDevice(t, Options{Mode: LockedBuffer})
	ctx := context.Background()
	s := mustOpen(t, d, "writer")
	defer s.Close()

	payload := bytes.Repeat([]byte("0123456789"), 15)
	n, err := s.WriteBytes(ctx, payload)
	if n != DefaultCapacity || err != linuxerr.ENOSPC {
		t.Fatalf("oversized Write: got (%d, %v), want (%d, %v)", n, err, DefaultCapacity, linuxerr.ENOSPC)
	}
	buf := make([]byte, len(payload))
	n, err = s.ReadBytes(ctx, buf)
	if n != DefaultCapacity || err != nil {
		t.Fatalf("Read: got (%d, %v), want (%d, nil)", n, err, DefaultCapacity)
	}
	if diff := cmp.Diff(payload[:DefaultCapacity], buf[:n]); diff != "" {
		t.Errorf("committed prefix mismatch (-want +got):\n%s", diff)
	}
	if got := d.Stat().Capacity; got != DefaultCapacity {
		t.Errorf("Stat().Capacity = %d, want %d", got, DefaultCapacity)
	}
}

func TestBufferWriteFaultLeavesContents(t *testing.T) {
	d := newDevice(t, Options{Mode: LockedBuffer})
	ctx := context.Background()
	s := mustOpen(t, d, "writer")
	defer s.Close()

	if _, err := s.WriteBytes(ctx, []byte("stable")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	src := usermem.IOSequence{
		IO:    &usermem.BytesIO{Bytes: []byte("XXX")},
		Addrs: hostarch.AddrRange{Start: 0, End: 10},
	}
	if n, err := s.Write(ctx, src); n != 0 || err != linuxerr.EFAULT {
		t.Fatalf("faulting Write: got (%d, %v), want (0, %v)", n, err, linuxerr.EFAULT)
	}
	buf := make([]byte, 6)
	if _, err := s.ReadBytes(ctx, buf); err != nil || string(buf) != "stable" {
		t.Errorf("contents after fault: got (%q, %v), want stable", buf, err)
	}
}

func TestBufferOpenBlocksUntilClose(t *testing.T) {
	d := newDevice(t, Options{Mode: LockedBuffer})
	s := mustOpen(t, d, "holder")

	var closed atomic.Bool
	done := make(chan error, 1)
	go func() {
		s2, err := d.Open(context.Background(), "waiter")
		if err == nil {
			if !closed.Load() {
				err = errors.New("Open returned while device was held")
			}
			s2.Close()
		}
		done <- err
	}()

	select {
	case err := <-done:
		t.Fatalf("blocked Open returned early: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	closed.Store(true)
	s.Close()
	if err := <-done; err != nil {
		t.Errorf("blocked Open: %v", err)
	}
}

func TestBufferOpenCancelled(t *testing.T) {
	d := newDevice(t, Options{Mode: LockedBuffer})
	s := mustOpen(t, d, "holder")
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := d.Open(ctx, "waiter"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Open with expired context: got %v, want %v", err, context.DeadlineExceeded)
	}
	if got := d.Stat().Opens; got != 1 {
		t.Errorf("Stat().Opens = %d, want 1", got)
	}
}

func TestNonBlockingBufferPolicy(t *testing.T) {
	p := gate.NonBlocking
	d := newDevice(t, Options{Mode: LockedBuffer, Policy: &p})
	s := mustOpen(t, d, "holder")
	defer s.Close()
	if _, err := d.Open(context.Background(), "other"); err != linuxerr.EBUSY {
		t.Errorf("Open while held: got %v, want %v", err, linuxerr.EBUSY)
	}
}

// Each session writes its own pattern and must read back exactly that
// pattern, so no other session ran in between.
func TestBufferSessionsAreExclusive(t *testing.T) {
	d := newDevice(t, Options{Mode: LockedBuffer, Capacity: 32})
	const workers = 16
	const iterations = 25

	var inside atomic.Int32
	var eg errgroup.Group
	for w := 0; w < workers; w++ {
		pattern := bytes.Repeat([]byte{byte('a' + w)}, 32)
		eg.Go(func() error {
			for i := 0; i < iterations; i++ {
				err := d.WithSession(context.Background(), Identity(pattern[:1]), func(s *Session) error {
					if n := inside.Add(1); n != 1 {
						return fmt.Errorf("%d sessions open at once", n)
					}
					defer inside.Add(-1)

					ctx := context.Background()
					if _, err := s.WriteBytes(ctx, pattern); err != nil {
						return err
					}
					got := make([]byte, len(pattern))
					if _, err := s.ReadBytes(ctx, got); err != nil {
						return err
					}
					if !bytes.Equal(got, pattern) {
						return fmt.Errorf("read back %q, want %q", got, pattern)
					}
					return nil
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		t.Fatal(err)
	}
	if got := d.Stat().Opens; got != workers*iterations {
		t.Errorf("Stat().Opens = %d, want %d", got, workers*iterations)
	}
}

func TestCounterSessionsAreExclusive(t *testing.T) {
	d := newDevice(t, Options{Mode: ReadOnlyCounter})
	const workers = 16
	const iterations = 50

	var admitted, busy, inside atomic.Int32
	var eg errgroup.Group
	for w := 0; w < workers; w++ {
		eg.Go(func() error {
			for i := 0; i < iterations; i++ {
				s, err := d.Open(context.Background(), "racer")
				if err == linuxerr.EBUSY {
					busy.Add(1)
					continue
				}
				if err != nil {
					return err
				}
				if n := inside.Add(1); n != 1 {
					return fmt.Errorf("%d sessions open at once", n)
				}
				admitted.Add(1)
				inside.Add(-1)
				s.Close()
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		t.Fatal(err)
	}
	if got := admitted.Load() + busy.Load(); got != workers*iterations {
		t.Errorf("admitted+busy = %d, want %d", got, workers*iterations)
	}
	if got := d.Stat().Opens; got != uint64(admitted.Load()) {
		t.Errorf("Stat().Opens = %d, want %d", got, admitted.Load())
	}
}

func mustPanic(t *testing.T, what string, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s did not panic", what)
		}
	}()
	fn()
}

func TestClosedSessionPanics(t *testing.T) {
	for _, mode := range []Mode{ReadOnlyCounter, LockedBuffer} {
		t.Run(mode.String(), func(t *testing.T) {
			d := newDevice(t, Options{Mode: mode})
			s := mustOpen(t, d, "closer")
			s.Close()

			ctx := context.Background()
			buf := make([]byte, 4)
			mustPanic(t, "Read after Close", func() { s.ReadBytes(ctx, buf) })
			mustPanic(t, "Write after Close", func() { s.WriteBytes(ctx, buf) })
			mustPanic(t, "second Close", s.Close)

			// Abort after Close does nothing, and the device is free.
			s.Abort()
			mustOpen(t, d, "next").Close()
		})
	}
}

func TestAbortReleases(t *testing.T) {
	d := newDevice(t, Options{Mode: ReadOnlyCounter})
	s := mustOpen(t, d, "crasher")
	s.Abort()
	if d.Stat().Held {
		t.Fatalf("device held after Abort")
	}
	mustOpen(t, d, "next").Close()
}

func TestAbortKeepsGate(t *testing.T) {
	d := newDevice(t, Options{Mode: ReadOnlyCounter, KeepGateOnAbort: true})
	s := mustOpen(t, d, "crasher")
	s.Abort()
	if !s.Closed() {
		t.Errorf("session not closed after Abort")
	}
	if _, err := d.Open(context.Background(), "next"); err != linuxerr.EBUSY {
		t.Errorf("Open after Abort: got %v, want %v", err, linuxerr.EBUSY)
	}
}

func TestWithSession(t *testing.T) {
	d := newDevice(t, Options{Mode: ReadOnlyCounter})
	ctx := context.Background()

	var msg string
	err := d.WithSession(ctx, "scoped", func(s *Session) error {
		msg = readAll(t, s, 5)
		return nil
	})
	if err != nil {
		t.Fatalf("WithSession failed: %v", err)
	}
	if want := fmt.Sprintf(messageTemplate, 0); msg != want {
		t.Errorf("got %q, want %q", msg, want)
	}

	wantErr := errors.New("callback failed")
	if err := d.WithSession(ctx, "failing", func(*Session) error { return wantErr }); err != wantErr {
		t.Errorf("WithSession: got %v, want %v", err, wantErr)
	}
	if d.Stat().Held {
		t.Errorf("device held after failed callback")
	}

	// Closing inside the callback is allowed.
	if err := d.WithSession(ctx, "closer", func(s *Session) error { s.Close(); return nil }); err != nil {
		t.Errorf("WithSession with early Close: %v", err)
	}
	if d.Stat().Held {
		t.Errorf("device held after early Close")
	}
}

func TestWithSessionPanic(t *testing.T) {
	for _, keep := range []bool{false, true} {
		t.Run(fmt.Sprintf("keep=%t", keep), func(t *testing.T) {
			d := newDevice(t, Options{Mode: ReadOnlyCounter, KeepGateOnAbort: keep})
			mustPanic(t, "WithSession", func() {
				d.WithSession(context.Background(), "crasher", func(*Session) error {
					panic("caller crashed")
				})
			})
			if got := d.Stat().Held; got != keep {
				t.Errorf("Held after panic = %t, want %t", got, keep)
			}
		})
	}
}

func TestStat(t *testing.T) {
	d := newDevice(t, Options{Name: "dev0", Mode: LockedBuffer, Capacity: 16})
	want := Stat{Name: "dev0", Mode: LockedBuffer, Policy: gate.Blocking, Capacity: 16}
	if diff := cmp.Diff(want, d.Stat()); diff != "" {
		t.Errorf("Stat of idle device mismatch (-want +got):\n%s", diff)
	}

	s := mustOpen(t, d, "holder")
	want.Opens = 1
	want.Held = true
	want.Holder = "holder"
	if diff := cmp.Diff(want, d.Stat()); diff != "" {
		t.Errorf("Stat of held device mismatch (-want +got):\n%s", diff)
	}
	s.Close()
}

func TestNewRejectsBadOptions(t *testing.T) {
	for _, opts := range []Options{
		{Mode: Mode(7)},
		{Mode: LockedBuffer, Capacity: -1},
	} {
		if _, err := New(opts); err == nil {
			t.Errorf("New(%+v) succeeded", opts)
		}
	}
}

func TestParseMode(t *testing.T) {
	for _, m := range []Mode{ReadOnlyCounter, LockedBuffer} {
		if got, err := ParseMode(m.String()); err != nil || got != m {
			t.Errorf("ParseMode(%q): got (%v, %v), want (%v, nil)", m.String(), got, err, m)
		}
	}
	if _, err := ParseMode("tape"); err == nil {
		t.Errorf("ParseMode(tape) succeeded")
	}
}

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

package devrpc

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"google.golang.org/grpc"

	"chardev.dev/chardev/pkg/devices/sessiondev"
	"chardev.dev/chardev/pkg/errors/linuxerr"
)

// startServer serves a new device built from opts on a unix socket and
// returns a connected client.
func startServer(t *testing.T, opts sessiondev.Options) (*sessiondev.Device, *Client) {
	t.Helper()
	dev, err := sessiondev.New(opts)
	if err != nil {
		t.Fatalf("sessiondev.New failed: %v", err)
	}

	// Socket paths are length-limited, so avoid the long t.TempDir names.
	dir, err := os.MkdirTemp("", "devrpc")
	if err != nil {
		t.Fatalf("MkdirTemp failed: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	path := filepath.Join(dir, "dev.sock")
	lis, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("Listen(%q) failed: %v", path, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	srv := NewServer(dev)
	go func() { done <- srv.Serve(ctx, lis) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Serve failed: %v", err)
		}
	})

	c, err := Dial(path)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	wctx, wcancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer wcancel()
	if err := c.WaitReady(wctx); err != nil {
		t.Fatalf("WaitReady failed: %v", err)
	}
	return dev, c
}

func open(t *testing.T, c *Client, id string) *Session {
	t.Helper()
	s, err := c.Open(context.Background(), id)
	if err != nil {
		t.Fatalf("Open(%q) failed: %v", id, err)
	}
	return s
}

// waitIdle waits for the server to release dev after a client went away.
func waitIdle(t *testing.T, dev *sessiondev.Device) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for dev.Stat().Held {
		if time.Now().After(deadline) {
			t.Fatalf("device still held")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRemoteCounterSession(t *testing.T) {
	_, c := startServer(t, sessiondev.Options{Mode: sessiondev.ReadOnlyCounter})

	s := open(t, c, "remote")
	if s.Token() == "" {
		t.Errorf("empty session token")
	}
	buf := make([]byte, 10)
	if n, err := s.Read(buf); err != nil || string(buf[:n]) != "You have o" {
		t.Fatalf("Read(10): got (%q, %v), want (%q, nil)", buf[:n], err, "You have o")
	}
	buf = make([]byte, 1000)
	n, err := s.Read(buf)
	if err != nil || string(buf[:n]) != "pened this dev file 0 times" {
		t.Fatalf("Read(1000): got (%q, %v)", buf[:n], err)
	}
	if n, err := s.Read(buf); n != 0 || err != io.EOF {
		t.Errorf("Read at end: got (%d, %v), want (0, EOF)", n, err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := s.Read(buf); err != linuxerr.EBADF {
		t.Errorf("Read after Close: got %v, want %v", err, linuxerr.EBADF)
	}

	st, err := c.Stat(context.Background())
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	want := &StatResponse{Name: "my_chardev", Mode: "counter", Policy: "nonblocking", Opens: 1}
	if diff := cmp.Diff(want, st); diff != "" {
		t.Errorf("Stat mismatch (-want +got):\n%s", diff)
	}
}

func TestRemoteErrnoIdentity(t *testing.T) {
	_, c := startServer(t, sessiondev.Options{Mode: sessiondev.ReadOnlyCounter})

	s := open(t, c, "holder")
	if _, err := c.Open(context.Background(), "intruder"); err != linuxerr.EBUSY {
		t.Errorf("Open while held: got %v, want %v", err, linuxerr.EBUSY)
	}
	if n, err := s.Write([]byte("hi")); n != 0 || err != linuxerr.EINVAL {
		t.Errorf("Write: got (%d, %v), want (0, %v)", n, err, linuxerr.EINVAL)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func TestRemoteBuffer(t *testing.T) {
	_, c := startServer(t, sessiondev.Options{Mode: sessiondev.LockedBuffer, Capacity: 8})

	s := open(t, c, "writer")
	if n, err := s.Write([]byte("0123456789")); n != 8 || err != linuxerr.ENOSPC {
		t.Errorf("oversized Write: got (%d, %v), want (8, %v)", n, err, linuxerr.ENOSPC)
	}
	s.Close()

	s = open(t, c, "reader")
	defer s.Close()
	buf := make([]byte, 16)
	n, err := s.Read(buf)
	if err != nil || string(buf[:n]) != "01234567" {
		t.Errorf("Read: got (%q, %v), want (01234567, nil)", buf[:n], err)
	}
}

func TestRemoteBlockingOpen(t *testing.T) {
	_, c := startServer(t, sessiondev.Options{Mode: sessiondev.LockedBuffer})

	s := open(t, c, "holder")
	done := make(chan error, 1)
	go func() {
		s2, err := c.Open(context.Background(), "waiter")
		if err == nil {
			err = s2.Close()
		}
		done <- err
	}()
	select {
	case err := <-done:
		t.Fatalf("blocked Open returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := <-done; err != nil {
		t.Errorf("blocked Open: %v", err)
	}
}

func TestRemoteOpenCancelled(t *testing.T) {
	dev, c := startServer(t, sessiondev.Options{Mode: sessiondev.LockedBuffer})

	s := open(t, c, "holder")
	defer s.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.Open(ctx, "waiter"); err == nil {
		t.Fatalf("Open with expired context succeeded")
	}
	if got := dev.Stat().Holder; got != "holder" {
		t.Errorf("holder = %q, want holder", got)
	}
}

func TestRemoteAbortReleases(t *testing.T) {
	dev, c := startServer(t, sessiondev.Options{Mode: sessiondev.ReadOnlyCounter})

	s := open(t, c, "crasher")
	s.Abort()
	waitIdle(t, dev)
	open(t, c, "next").Close()
}

func TestRemoteStreamWithoutOpen(t *testing.T) {
	_, c := startServer(t, sessiondev.Options{Mode: sessiondev.ReadOnlyCounter})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, err := c.conn.NewStream(ctx, &serviceDesc.Streams[0], sessionMethod, grpc.CallContentSubtype(codecName))
	if err != nil {
		t.Fatalf("NewStream failed: %v", err)
	}
	s := &Session{stream: stream, cancel: cancel}
	if _, err := s.roundTrip(&Request{Op: OpRead, Length: 4}); err == nil {
		t.Errorf("read before open succeeded")
	}
}

func TestServeStops(t *testing.T) {
	dev, err := sessiondev.New(sessiondev.Options{Mode: sessiondev.ReadOnlyCounter})
	if err != nil {
		t.Fatalf("sessiondev.New failed: %v", err)
	}
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewServer(dev).Serve(ctx, lis) }()
	cancel()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, net.ErrClosed) {
			t.Errorf("Serve: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("Serve did not return after cancel")
	}
}

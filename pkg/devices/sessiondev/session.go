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
	"context"
	"fmt"
	"sync"

	"chardev.dev/chardev/pkg/gate"
	"chardev.dev/chardev/pkg/log"
	"chardev.dev/chardev/pkg/usermem"
)

// Session is the exclusive use of a Device between a successful Open and the
// matching Close.
//
// Calling any method other than Closed after Close or Abort is a caller bug
// and panics.
type Session struct {
	dev   *Device
	id    Identity
	token gate.Token

	// mu serializes operations on the session.
	mu     sync.Mutex
	closed bool

	// msg is the message being served, in ReadOnlyCounter mode.
	msg *message
}

// Identity returns the identity the session was opened with.
func (s *Session) Identity() Identity {
	return s.id
}

// Token returns the gate token held by the session.
func (s *Session) Token() gate.Token {
	return s.token
}

// Read copies device contents to dst. It returns io.EOF, with zero bytes,
// once a counter-mode message has been fully read.
func (s *Session) Read(ctx context.Context, dst usermem.IOSequence) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkOpenLocked("read")
	return s.dev.impl.read(ctx, s, dst)
}

// Write copies src into the device. It fails with EINVAL in
// ReadOnlyCounter mode, and returns ENOSPC with a short count if src exceeds
// the buffer capacity in LockedBuffer mode.
func (s *Session) Write(ctx context.Context, src usermem.IOSequence) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkOpenLocked("write")
	return s.dev.impl.write(ctx, s, src)
}

// ReadBytes is Read into a slice owned by the caller.
func (s *Session) ReadBytes(ctx context.Context, p []byte) (int, error) {
	n, err := s.Read(ctx, usermem.BytesIOSequence(p))
	return int(n), err
}

// WriteBytes is Write from a slice owned by the caller.
func (s *Session) WriteBytes(ctx context.Context, p []byte) (int, error) {
	n, err := s.Write(ctx, usermem.BytesIOSequence(p))
	return int(n), err
}

// EOF returns true if the next Read would return io.EOF. It is always false
// in LockedBuffer mode.
func (s *Session) EOF() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkOpenLocked("eof")
	return s.dev.impl.eof(s)
}

// Close ends the session and releases the device.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkOpenLocked("close")
	s.closed = true
	s.msg = nil
	s.dev.release(s)
}

// Abort ends the session after its owner terminated abnormally. The device
// is released unless it was created with KeepGateOnAbort. Abort of a closed
// session does nothing.
func (s *Session) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.msg = nil
	if s.dev.keepGateOnAbort {
		log.Warningf("Device %q: session %v of %q aborted, device stays busy", s.dev.name, s.token, s.id)
		return
	}
	log.Infof("Device %q: session %v of %q aborted, releasing device", s.dev.name, s.token, s.id)
	s.dev.release(s)
}

// Closed returns true after Close or Abort.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Preconditions: s.mu must be locked.
func (s *Session) checkOpenLocked(op string) {
	if s.closed {
		panic(fmt.Sprintf("%s on closed session %v of device %q", op, s.token, s.dev.name))
	}
}

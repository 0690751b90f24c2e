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

// Package sessiondev implements a pseudo-device that admits one session at a
// time.
//
// The device comes in two variants, chosen at construction:
//
//   - ReadOnlyCounter serves each session a message reporting how many
//     times the device has been opened. Opening a held device fails with
//     EBUSY, and writes fail with EINVAL.
//
//   - LockedBuffer exposes a fixed-capacity buffer that persists across
//     sessions. Opening a held device waits for the holder to close it.
//
// All transfers to and from caller memory go through usermem, so an
// inaccessible caller buffer produces EFAULT for that call only.
package sessiondev

import (
	"context"
	"fmt"
	"sync"
	"time"

	"chardev.dev/chardev/pkg/cleanup"
	"chardev.dev/chardev/pkg/errors/linuxerr"
	"chardev.dev/chardev/pkg/gate"
	"chardev.dev/chardev/pkg/log"
	"chardev.dev/chardev/pkg/usermem"
)

// Mode selects the device variant.
type Mode int

const (
	// ReadOnlyCounter serves a per-session open-count message.
	ReadOnlyCounter Mode = iota

	// LockedBuffer serves a shared, writable buffer.
	LockedBuffer
)

// String implements fmt.Stringer.String.
func (m Mode) String() string {
	switch m {
	case ReadOnlyCounter:
		return "counter"
	case LockedBuffer:
		return "buffer"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode parses the String form of a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "counter":
		return ReadOnlyCounter, nil
	case "buffer":
		return LockedBuffer, nil
	default:
		return 0, fmt.Errorf("invalid device mode %q", s)
	}
}

// DefaultPolicy returns the gate policy a mode uses unless overridden.
func (m Mode) DefaultPolicy() gate.Policy {
	if m == LockedBuffer {
		return gate.Blocking
	}
	return gate.NonBlocking
}

// Identity is an opaque description of the caller opening a session. It is
// only used for diagnostics.
type Identity string

// Options configures a Device.
type Options struct {
	// Name is used in log messages and Stat.
	Name string

	// Mode selects the variant.
	Mode Mode

	// Capacity is the shared buffer size in LockedBuffer mode. Zero selects
	// DefaultCapacity.
	Capacity int

	// Gate arbitrates sessions. Nil selects a new gate.Local.
	Gate gate.Gate

	// Policy overrides Mode.DefaultPolicy if non-nil.
	Policy *gate.Policy

	// KeepGateOnAbort leaves the gate held when a session terminates
	// abnormally, as a driver without a release hook would. The device then
	// stays busy for the rest of its lifetime.
	KeepGateOnAbort bool
}

// variant implements the mode-specific parts of a Device.
type variant interface {
	// open prepares s, which has just been admitted with open count count.
	open(s *Session, count uint64)

	// read serves a Read on s.
	read(ctx context.Context, s *Session, dst usermem.IOSequence) (int64, error)

	// write serves a Write on s.
	write(ctx context.Context, s *Session, src usermem.IOSequence) (int64, error)

	// eof reports whether a Read on s would return io.EOF.
	eof(s *Session) bool
}

// Device is a pseudo-device admitting at most one Session at a time.
type Device struct {
	name            string
	mode            Mode
	gate            gate.Gate
	policy          gate.Policy
	keepGateOnAbort bool
	impl            variant

	// busyLog and unsupportedLog rate-limit logging of expected failures,
	// which callers can trigger at will.
	busyLog        log.Logger
	unsupportedLog log.Logger

	// mu protects the fields below. They are only changed by the gate
	// holder; mu lets Stat read them at any time.
	mu     sync.Mutex
	opens  uint64
	holder Identity
}

// New returns a Device configured by opts.
func New(opts Options) (*Device, error) {
	d := &Device{
		name:            opts.Name,
		mode:            opts.Mode,
		gate:            opts.Gate,
		policy:          opts.Mode.DefaultPolicy(),
		keepGateOnAbort: opts.KeepGateOnAbort,
		busyLog:         log.BasicRateLimitedLogger(time.Second),
		unsupportedLog:  log.BasicRateLimitedLogger(time.Second),
	}
	if d.name == "" {
		d.name = "my_chardev"
	}
	if d.gate == nil {
		d.gate = gate.NewLocal()
	}
	if opts.Policy != nil {
		d.policy = *opts.Policy
	}

	switch opts.Mode {
	case ReadOnlyCounter:
		d.impl = counterDevice{d}
	case LockedBuffer:
		capacity := opts.Capacity
		if capacity == 0 {
			capacity = DefaultCapacity
		}
		if capacity < 0 {
			return nil, fmt.Errorf("invalid buffer capacity %d", capacity)
		}
		d.impl = &bufferDevice{buf: newBufferStore(capacity)}
	default:
		return nil, fmt.Errorf("invalid device mode %v", opts.Mode)
	}
	log.Infof("Device %q created: mode %v, gate policy %v", d.name, d.mode, d.policy)
	return d, nil
}

// Name returns the device name.
func (d *Device) Name() string {
	return d.name
}

// Mode returns the device variant.
func (d *Device) Mode() Mode {
	return d.mode
}

// Open admits a new session for id. In ReadOnlyCounter mode it fails with
// EBUSY if a session is already open; in LockedBuffer mode it waits for the
// current session to close, or for ctx to be done.
//
// The caller must eventually call Close or Abort on the returned Session.
func (d *Device) Open(ctx context.Context, id Identity) (*Session, error) {
	t, err := d.gate.Acquire(ctx, d.policy)
	if err != nil {
		if err == linuxerr.EBUSY {
			d.busyLog.Infof("Device %q: open by %q rejected, device busy", d.name, id)
		}
		return nil, err
	}

	d.mu.Lock()
	count := d.opens
	d.opens++
	d.holder = id
	d.mu.Unlock()

	s := &Session{dev: d, id: id, token: t}
	d.impl.open(s, count)
	log.Debugf("Device %q: session %v opened by %q (open #%d)", d.name, t, id, count)
	return s, nil
}

// WithSession opens a session for id, calls fn with it, and closes the
// session when fn returns, if fn has not already done so. If fn panics, the
// session is aborted and the panic continues.
func (d *Device) WithSession(ctx context.Context, id Identity, fn func(*Session) error) error {
	s, err := d.Open(ctx, id)
	if err != nil {
		return err
	}
	cu := cleanup.Make(s.Abort)
	defer cu.Clean()

	err = fn(s)
	cu.Release()
	if !s.Closed() {
		s.Close()
	}
	return err
}

// release ends s's hold on the gate.
func (d *Device) release(s *Session) {
	d.mu.Lock()
	d.holder = ""
	d.mu.Unlock()
	d.gate.Release(s.token)
	log.Debugf("Device %q: session %v closed", d.name, s.token)
}

// Stat describes the state of a Device.
type Stat struct {
	Name     string
	Mode     Mode
	Policy   gate.Policy
	Capacity int
	Opens    uint64
	Held     bool
	Holder   Identity
}

// Stat returns a snapshot of d's state.
func (d *Device) Stat() Stat {
	st := Stat{
		Name:   d.name,
		Mode:   d.mode,
		Policy: d.policy,
		Held:   d.gate.Held(),
	}
	if b, ok := d.impl.(*bufferDevice); ok {
		st.Capacity = len(b.buf.data)
	}
	d.mu.Lock()
	st.Opens = d.opens
	st.Holder = d.holder
	d.mu.Unlock()
	return st
}

// counterDevice implements variant for ReadOnlyCounter.
type counterDevice struct {
	d *Device
}

func (counterDevice) open(s *Session, count uint64) {
	s.msg = generateMessage(count)
}

func (counterDevice) read(ctx context.Context, s *Session, dst usermem.IOSequence) (int64, error) {
	return s.msg.read(ctx, dst)
}

func (c counterDevice) write(ctx context.Context, s *Session, src usermem.IOSequence) (int64, error) {
	c.d.unsupportedLog.Warningf("Device %q: write by %q rejected, operation not supported", c.d.name, s.id)
	return 0, linuxerr.EINVAL
}

func (counterDevice) eof(s *Session) bool {
	return s.msg.drained()
}

// bufferDevice implements variant for LockedBuffer.
type bufferDevice struct {
	buf *bufferStore
}

func (*bufferDevice) open(*Session, uint64) {}

func (b *bufferDevice) read(ctx context.Context, s *Session, dst usermem.IOSequence) (int64, error) {
	return b.buf.readAll(ctx, dst)
}

func (b *bufferDevice) write(ctx context.Context, s *Session, src usermem.IOSequence) (int64, error) {
	return b.buf.write(ctx, src)
}

func (*bufferDevice) eof(*Session) bool {
	return false
}

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

// Package usermem governs access to caller memory.
//
// Memory supplied by a device's caller lives outside the device's trust
// domain: it may be too short, unmapped, or protected against the access the
// device needs. Every transfer across that boundary goes through an IO, which
// reports how many bytes actually moved and returns EFAULT instead of
// crashing or silently truncating.
package usermem

import (
	"context"

	"chardev.dev/chardev/pkg/hostarch"
)

// IO provides access to the contents of a caller's address space.
type IO interface {
	// CopyOut copies len(src) bytes from src to the memory mapped at addr. It
	// returns the number of bytes copied. If the number of bytes copied is <
	// len(src), it returns a non-nil error explaining why.
	//
	// Preconditions: The caller must not hold any locks that IO
	// implementations acquire.
	CopyOut(ctx context.Context, addr hostarch.Addr, src []byte) (int, error)

	// CopyIn copies len(dst) bytes from the memory mapped at addr to dst.
	// It returns the number of bytes copied. If the number of bytes copied is
	// < len(dst), it returns a non-nil error explaining why.
	//
	// Preconditions: Same as CopyOut.
	CopyIn(ctx context.Context, addr hostarch.Addr, dst []byte) (int, error)
}

// IOSequence holds arguments to IO methods.
type IOSequence struct {
	// IO is the IO for the caller's address space.
	IO IO

	// Addrs is the region of the caller's address space the operation may
	// touch.
	Addrs hostarch.AddrRange
}

// NumBytes returns s.Addrs.Length().
func (s IOSequence) NumBytes() int64 {
	return int64(s.Addrs.Length())
}

// DropFirst returns a copy of s with s.Addrs.DropFirst(n).
//
// Preconditions: Same as hostarch.AddrRange.DropFirst.
func (s IOSequence) DropFirst(n int) IOSequence {
	return IOSequence{s.IO, s.Addrs.DropFirst(uint64(n))}
}

// DropFirst64 is equivalent to DropFirst but takes an int64.
func (s IOSequence) DropFirst64(n int64) IOSequence {
	return IOSequence{s.IO, s.Addrs.DropFirst(uint64(n))}
}

// TakeFirst returns a copy of s with s.Addrs.TakeFirst(n).
func (s IOSequence) TakeFirst(n int) IOSequence {
	return IOSequence{s.IO, s.Addrs.TakeFirst(uint64(n))}
}

// TakeFirst64 is equivalent to TakeFirst but takes an int64.
func (s IOSequence) TakeFirst64(n int64) IOSequence {
	return IOSequence{s.IO, s.Addrs.TakeFirst(uint64(n))}
}

// CopyOut invokes s.IO.CopyOut on s.Addrs, copying at most s.NumBytes()
// bytes from src.
func (s IOSequence) CopyOut(ctx context.Context, src []byte) (int, error) {
	if n := s.NumBytes(); int64(len(src)) > n {
		src = src[:n]
	}
	if len(src) == 0 {
		return 0, nil
	}
	return s.IO.CopyOut(ctx, s.Addrs.Start, src)
}

// CopyIn invokes s.IO.CopyIn on s.Addrs, copying at most s.NumBytes() bytes
// into dst.
func (s IOSequence) CopyIn(ctx context.Context, dst []byte) (int, error) {
	if n := s.NumBytes(); int64(len(dst)) > n {
		dst = dst[:n]
	}
	if len(dst) == 0 {
		return 0, nil
	}
	return s.IO.CopyIn(ctx, s.Addrs.Start, dst)
}

// BytesIOSequence returns an IOSequence representing the given byte slice.
func BytesIOSequence(buf []byte) IOSequence {
	return IOSequence{
		IO:    &BytesIO{buf},
		Addrs: hostarch.AddrRange{Start: 0, End: hostarch.Addr(len(buf))},
	}
}

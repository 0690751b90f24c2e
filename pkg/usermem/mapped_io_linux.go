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

//go:build linux
// +build linux

package usermem

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"chardev.dev/chardev/pkg/errors/linuxerr"
	"chardev.dev/chardev/pkg/hostarch"
)

// MappedIO implements IO on an anonymous host mapping whose pages can be
// individually protected, or released altogether. It models caller memory
// that may become inaccessible between the time a request is made and the
// time the device copies to or from it.
//
// Addresses are offsets into the mapping. Accesses are checked against the
// recorded page protections before memory is touched, so an inaccessible
// page yields EFAULT rather than SIGSEGV.
type MappedIO struct {
	pageSize int

	// mu protects the fields below and serializes copies with protection
	// changes.
	mu sync.Mutex

	// mem is the mapping, or nil after Release.
	mem []byte

	// perms holds the current protection of each page in mem.
	perms []hostarch.AccessType
}

// NewMappedIO maps at least length bytes of read-write anonymous memory.
func NewMappedIO(length int) (*MappedIO, error) {
	if length <= 0 {
		return nil, linuxerr.EINVAL
	}
	pageSize := unix.Getpagesize()
	length = (length + pageSize - 1) &^ (pageSize - 1)
	mem, err := unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap(%d bytes): %w", length, err)
	}
	perms := make([]hostarch.AccessType, length/pageSize)
	for i := range perms {
		perms[i] = hostarch.ReadWrite
	}
	return &MappedIO{
		pageSize: pageSize,
		mem:      mem,
		perms:    perms,
	}, nil
}

// PageSize returns the granularity of Protect.
func (m *MappedIO) PageSize() int {
	return m.pageSize
}

// Len returns the size of the mapping, or 0 after Release.
func (m *MappedIO) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.mem)
}

// Protect changes the protection of the pages spanning ar.
func (m *MappedIO) Protect(ar hostarch.AddrRange, at hostarch.AccessType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mem == nil {
		return linuxerr.EFAULT
	}
	if !ar.WellFormed() || ar.End > hostarch.Addr(len(m.mem)) {
		return linuxerr.EINVAL
	}
	ps := hostarch.Addr(m.pageSize)
	start := ar.Start &^ (ps - 1)
	end := (ar.End + ps - 1) &^ (ps - 1)
	if start == end {
		return nil
	}
	prot := unix.PROT_NONE
	if at.Read {
		prot |= unix.PROT_READ
	}
	if at.Write {
		// PROT_WRITE implies PROT_READ on every supported architecture.
		prot |= unix.PROT_READ | unix.PROT_WRITE
	}
	if err := unix.Mprotect(m.mem[start:end], prot); err != nil {
		return fmt.Errorf("mprotect(%v, %v): %w", hostarch.AddrRange{Start: start, End: end}, at, err)
	}
	for p := start / ps; p < end/ps; p++ {
		m.perms[p] = at
	}
	return nil
}

// Release unmaps the memory. Subsequent copies fail with EFAULT.
func (m *MappedIO) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mem == nil {
		return nil
	}
	err := unix.Munmap(m.mem)
	m.mem = nil
	m.perms = nil
	return err
}

// CopyOut implements IO.CopyOut.
func (m *MappedIO) CopyOut(ctx context.Context, addr hostarch.Addr, src []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, err := m.accessible(addr, len(src), hostarch.Write)
	if n > 0 {
		copy(m.mem[addr:], src[:n])
	}
	return n, err
}

// CopyIn implements IO.CopyIn.
func (m *MappedIO) CopyIn(ctx context.Context, addr hostarch.Addr, dst []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, err := m.accessible(addr, len(dst), hostarch.Read)
	if n > 0 {
		copy(dst[:n], m.mem[addr:])
	}
	return n, err
}

// accessible returns the length of the prefix of [addr, addr+length) that
// permits at, and EFAULT if that is shorter than length.
//
// Preconditions: m.mu must be locked.
func (m *MappedIO) accessible(addr hostarch.Addr, length int, at hostarch.AccessType) (int, error) {
	if length == 0 {
		return 0, nil
	}
	if length < 0 {
		return 0, linuxerr.EINVAL
	}
	max := hostarch.Addr(len(m.mem))
	if addr >= max {
		return 0, linuxerr.EFAULT
	}
	end, ok := addr.AddLength(uint64(length))
	if !ok || end > max {
		end = max
	}
	ps := hostarch.Addr(m.pageSize)
	cur := addr
	for cur < end {
		if !m.perms[cur/ps].SupersetOf(at) {
			break
		}
		cur = (cur/ps + 1) * ps
	}
	if cur > end {
		cur = end
	}
	n := int(cur - addr)
	if n < length {
		return n, linuxerr.EFAULT
	}
	return n, nil
}

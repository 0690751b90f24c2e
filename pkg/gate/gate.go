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

// Package gate provides a single-slot session Gate synchronization primitive.
//
// A Gate admits at most one holder at a time. Acquiring it yields a Token
// which must later be handed back to Release; the token identifies the
// holder, so a stray Release from someone who never acquired the gate is
// caught instead of silently freeing another caller's slot.
//
// Users:
//
//	t, err := g.Acquire(ctx, gate.NonBlocking)
//	if err != nil {
//		// linuxerr.EBUSY: someone else holds the gate.
//		return err
//	}
//	defer g.Release(t)
//
//	// Exclusive access.
//	[...]
package gate

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"chardev.dev/chardev/pkg/errors/linuxerr"
)

// Policy selects how Acquire behaves when the gate is already held.
type Policy int

const (
	// NonBlocking fails immediately with EBUSY if the gate is held.
	NonBlocking Policy = iota

	// Blocking waits until the gate is released or the context is done.
	Blocking
)

// String implements fmt.Stringer.String.
func (p Policy) String() string {
	switch p {
	case NonBlocking:
		return "nonblocking"
	case Blocking:
		return "blocking"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy parses the String form of a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "nonblocking":
		return NonBlocking, nil
	case "blocking":
		return Blocking, nil
	default:
		return 0, fmt.Errorf("invalid gate policy %q", s)
	}
}

// Token identifies the current holder of a Gate. The zero Token is never
// issued.
type Token struct {
	id uuid.UUID
}

// Valid returns true if t was issued by Acquire.
func (t Token) Valid() bool {
	return t.id != uuid.Nil
}

// String implements fmt.Stringer.String.
func (t Token) String() string {
	if !t.Valid() {
		return "<none>"
	}
	return t.id.String()
}

// Gate is a single-slot mutual exclusion primitive.
type Gate interface {
	// Acquire admits the caller if the gate is free. With NonBlocking it
	// returns linuxerr.EBUSY when the gate is held. With Blocking it waits,
	// and only fails if ctx is done first, in which case no token is issued.
	Acquire(ctx context.Context, p Policy) (Token, error)

	// Release frees the gate. It panics if t is not the current holder's
	// token, since that can only result from a caller bug.
	Release(t Token)

	// Held returns true if the gate currently has a holder.
	Held() bool
}

// Local is a Gate shared by goroutines of a single process.
type Local struct {
	sem *semaphore.Weighted

	// mu protects holder.
	mu     sync.Mutex
	holder Token
}

var _ Gate = (*Local)(nil)

// NewLocal returns a free Local gate.
func NewLocal() *Local {
	return &Local{sem: semaphore.NewWeighted(1)}
}

// Acquire implements Gate.Acquire.
func (g *Local) Acquire(ctx context.Context, p Policy) (Token, error) {
	switch p {
	case NonBlocking:
		if !g.sem.TryAcquire(1) {
			return Token{}, linuxerr.EBUSY
		}
	case Blocking:
		if err := g.sem.Acquire(ctx, 1); err != nil {
			return Token{}, err
		}
	default:
		panic(fmt.Sprintf("unknown gate policy %v", p))
	}

	t := Token{id: uuid.New()}
	g.mu.Lock()
	g.holder = t
	g.mu.Unlock()
	return t, nil
}

// Release implements Gate.Release.
func (g *Local) Release(t Token) {
	g.mu.Lock()
	if !g.holdsLocked(t) {
		holder := g.holder
		g.mu.Unlock()
		panic(fmt.Sprintf("releasing gate with token %v, but holder is %v", t, holder))
	}
	g.holder = Token{}
	g.mu.Unlock()
	g.sem.Release(1)
}

// Held implements Gate.Held.
func (g *Local) Held() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.holder.Valid()
}

// Holds returns true if t is the current holder's token.
func (g *Local) Holds(t Token) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.holdsLocked(t)
}

// Preconditions: g.mu must be locked.
func (g *Local) holdsLocked(t Token) bool {
	return t.Valid() && t == g.holder
}

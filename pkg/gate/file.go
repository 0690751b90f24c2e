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

package gate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"chardev.dev/chardev/pkg/errors/linuxerr"
	"chardev.dev/chardev/pkg/log"
)

// defaultRetryDelay is how often a blocked File.Acquire polls the lock file.
const defaultRetryDelay = 10 * time.Millisecond

// File is a Gate that additionally holds an exclusive lock on a file while
// held, so separate processes using the same path exclude each other.
type File struct {
	local *Local
	lock  *flock.Flock

	// RetryDelay is the polling interval for Blocking acquisition.
	RetryDelay time.Duration
}

var _ Gate = (*File)(nil)

// NewFile returns a File gate locking path. The parent directory is created
// if needed; the lock file itself is created on first Acquire.
func NewFile(path string) (*File, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0711); err != nil {
		return nil, fmt.Errorf("error creating lock directory %q: %v", dir, err)
	}
	return &File{
		local:      NewLocal(),
		lock:       flock.NewFlock(path),
		RetryDelay: defaultRetryDelay,
	}, nil
}

// Path returns the lock file path.
func (g *File) Path() string {
	return g.lock.Path()
}

// Acquire implements Gate.Acquire.
func (g *File) Acquire(ctx context.Context, p Policy) (Token, error) {
	// Goroutines of this process are ordered by the local gate first: a
	// flock.Flock that is already locked reports success to TryLock.
	t, err := g.local.Acquire(ctx, p)
	if err != nil {
		return Token{}, err
	}

	var ok bool
	switch p {
	case NonBlocking:
		ok, err = g.lock.TryLock()
	case Blocking:
		ok, err = g.lock.TryLockContext(ctx, g.RetryDelay)
	}
	switch {
	case err != nil && ctx.Err() != nil:
		err = ctx.Err()
	case err != nil:
		err = fmt.Errorf("error acquiring lock on %q: %w", g.lock.Path(), err)
	case !ok:
		err = linuxerr.EBUSY
	}
	if err != nil {
		g.local.Release(t)
		return Token{}, err
	}
	return t, nil
}

// Release implements Gate.Release.
func (g *File) Release(t Token) {
	if !g.local.Holds(t) {
		panic(fmt.Sprintf("releasing file gate %q with token %v not held", g.lock.Path(), t))
	}
	if err := g.lock.Unlock(); err != nil {
		log.Warningf("Unlocking %q failed: %v", g.lock.Path(), err)
	}
	g.local.Release(t)
}

// Held implements Gate.Held.
func (g *File) Held() bool {
	return g.local.Held()
}

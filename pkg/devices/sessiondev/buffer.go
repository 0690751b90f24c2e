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

	"chardev.dev/chardev/pkg/errors/linuxerr"
	"chardev.dev/chardev/pkg/usermem"
)

// DefaultCapacity is the shared buffer size used when Options.Capacity is
// zero.
const DefaultCapacity = 100

// bufferStore is the fixed-capacity array shared by all buffer-mode
// sessions. It persists across sessions.
//
// There is no read or write cursor: every write lands at offset 0 and every
// read starts at offset 0, so a read always returns a snapshot of the start
// of the buffer.
//
// All methods require the device gate to be held.
type bufferStore struct {
	data []byte

	// stage receives incoming bytes before they are committed to data, so a
	// fault part way through a write leaves data untouched.
	stage []byte
}

func newBufferStore(capacity int) *bufferStore {
	return &bufferStore{
		data:  make([]byte, capacity),
		stage: make([]byte, capacity),
	}
}

// write copies min(src.NumBytes(), capacity) bytes from src to the start of
// the buffer. If src holds more than capacity bytes, the first capacity bytes
// are committed and ENOSPC is returned alongside the count.
func (b *bufferStore) write(ctx context.Context, src usermem.IOSequence) (int64, error) {
	want := src.NumBytes()
	stage := b.stage
	if want < int64(len(stage)) {
		stage = stage[:want]
	}
	n, err := src.CopyIn(ctx, stage)
	if err != nil {
		return 0, err
	}
	copy(b.data, stage[:n])
	if want > int64(n) {
		return int64(n), linuxerr.ENOSPC
	}
	return int64(n), nil
}

// readAll copies min(dst.NumBytes(), capacity) bytes from the start of the
// buffer to dst.
func (b *bufferStore) readAll(ctx context.Context, dst usermem.IOSequence) (int64, error) {
	n, err := dst.CopyOut(ctx, b.data)
	return int64(n), err
}

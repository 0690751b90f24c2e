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
	"io"

	"chardev.dev/chardev/pkg/usermem"
)

const (
	// messageTemplate is formatted with the open count of the session.
	messageTemplate = "You have opened this dev file %d times"

	// messageCapacity is the size of the message buffer, including the
	// terminating zero byte.
	messageCapacity = 255
)

// message is the text served by a counter-mode session. It is generated when
// the session opens and discarded when it closes.
type message struct {
	// data holds the text followed by a zero sentinel. Bytes past the
	// sentinel are also zero.
	data [messageCapacity]byte

	// len is the offset of the sentinel.
	len int

	// cursor is the offset of the next byte to read. cursor <= len.
	cursor int
}

// generateMessage formats the message for the given open count. Text that
// would not fit in front of the sentinel is truncated.
func generateMessage(count uint64) *message {
	m := &message{}
	m.len = copy(m.data[:messageCapacity-1], fmt.Sprintf(messageTemplate, count))
	return m
}

// String returns the visible text.
func (m *message) String() string {
	return string(m.data[:m.len])
}

// drained returns true once every byte has been read.
func (m *message) drained() bool {
	return m.data[m.cursor] == 0
}

// read copies up to dst.NumBytes() unread bytes to dst. At the sentinel it
// returns io.EOF without advancing. On a partial copy the cursor advances by
// the bytes that did reach dst.
func (m *message) read(ctx context.Context, dst usermem.IOSequence) (int64, error) {
	if m.drained() {
		return 0, io.EOF
	}
	n, err := dst.CopyOut(ctx, m.data[m.cursor:m.len])
	m.cursor += n
	return int64(n), err
}

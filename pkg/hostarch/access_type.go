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

package hostarch

// AccessType specifies memory access permissions.
type AccessType struct {
	// Read is read access.
	Read bool

	// Write is write access.
	Write bool
}

// Convenient access types.
var (
	NoAccess  = AccessType{}
	Read      = AccessType{Read: true}
	Write     = AccessType{Write: true}
	ReadWrite = AccessType{Read: true, Write: true}
)

// Any returns true if any of the permissions are enabled.
func (a AccessType) Any() bool {
	return a.Read || a.Write
}

// SupersetOf returns true if a has every permission that o has.
func (a AccessType) SupersetOf(o AccessType) bool {
	return (a.Read || !o.Read) && (a.Write || !o.Write)
}

// String returns a pretty representation of access, in the style of
// /proc/[pid]/maps.
func (a AccessType) String() string {
	b := [2]byte{'-', '-'}
	if a.Read {
		b[0] = 'r'
	}
	if a.Write {
		b[1] = 'w'
	}
	return string(b[:])
}

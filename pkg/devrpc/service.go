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

// Package devrpc exposes a sessiondev.Device over gRPC.
//
// One bidirectional Session stream carries one device session. The first
// client frame must be an open request; the server answers once the device
// admits the session or refuses it. Each subsequent read or write frame gets
// exactly one reply. Closing the client's send side closes the session,
// while a stream that breaks for any other reason aborts it.
//
// Device errors cross the wire as errno numbers in the reply frame, not as
// gRPC status, so clients get the same linuxerr values local callers see.
package devrpc

import (
	"context"

	"google.golang.org/grpc"

	"chardev.dev/chardev/pkg/abi/linux/errno"
)

const (
	serviceName = "chardev.Device"

	sessionMethod = "/" + serviceName + "/Session"
	statMethod    = "/" + serviceName + "/Stat"

	// maxTransfer bounds the payload of a single read or write frame.
	maxTransfer = 1 << 20
)

// Op is the operation carried by a Request.
type Op string

// Ops.
const (
	OpOpen  Op = "open"
	OpRead  Op = "read"
	OpWrite Op = "write"
)

// Request is a client frame on a Session stream.
type Request struct {
	Op Op `json:"op"`

	// Identity describes the caller. OpOpen only.
	Identity string `json:"identity,omitempty"`

	// Length is the number of bytes to read. OpRead only.
	Length int64 `json:"length,omitempty"`

	// Data is the payload. OpWrite only.
	Data []byte `json:"data,omitempty"`
}

// Response is a server frame on a Session stream.
type Response struct {
	Op Op `json:"op"`

	// Token identifies the admitted session. OpOpen only.
	Token string `json:"token,omitempty"`

	// N is the number of bytes transferred.
	N int64 `json:"n"`

	// Data holds the bytes read. OpRead only.
	Data []byte `json:"data,omitempty"`

	// EOF is set when a read found no more data.
	EOF bool `json:"eof,omitempty"`

	// Errno is the device error, or zero.
	Errno errno.Errno `json:"errno,omitempty"`
}

// StatRequest is the argument of the Stat method.
type StatRequest struct{}

// StatResponse describes the device state.
type StatResponse struct {
	Name     string `json:"name"`
	Mode     string `json:"mode"`
	Policy   string `json:"policy"`
	Capacity int    `json:"capacity,omitempty"`
	Opens    uint64 `json:"opens"`
	Held     bool   `json:"held"`
	Holder   string `json:"holder,omitempty"`
}

// deviceService is implemented by Server. It is the handler type of
// serviceDesc.
type deviceService interface {
	stat(ctx context.Context, req *StatRequest) (*StatResponse, error)
	session(stream grpc.ServerStream) error
}

func statHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(StatRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(deviceService).stat(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: statMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(deviceService).stat(ctx, req.(*StatRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func sessionHandler(srv any, stream grpc.ServerStream) error {
	return srv.(deviceService).session(stream)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*deviceService)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Stat",
			Handler:    statHandler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Session",
			Handler:       sessionHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "devrpc",
}

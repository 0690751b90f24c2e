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

package devrpc

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"chardev.dev/chardev/pkg/errors/linuxerr"
)

// Client is a connection to a device server.
type Client struct {
	conn *grpc.ClientConn
}

// Dial returns a Client for the server listening on the unix socket at path.
// The connection is established lazily.
func Dial(path string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, opts...)
	conn, err := grpc.NewClient("unix:"+path, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating client for %q: %w", path, err)
	}
	return NewClient(conn), nil
}

// NewClient returns a Client using conn.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Close closes the connection. Open sessions are aborted.
func (c *Client) Close() error {
	return c.conn.Close()
}

// WaitReady waits until the server reports the device service as serving,
// or ctx is done.
func (c *Client) WaitReady(ctx context.Context) error {
	hc := healthpb.NewHealthClient(c.conn)
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 0
	op := func() error {
		resp, err := hc.Check(ctx, &healthpb.HealthCheckRequest{Service: serviceName})
		if err != nil {
			return err
		}
		if st := resp.GetStatus(); st != healthpb.HealthCheckResponse_SERVING {
			return fmt.Errorf("device service is %v", st)
		}
		return nil
	}
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}

// Stat returns the device state.
func (c *Client) Stat(ctx context.Context) (*StatResponse, error) {
	out := new(StatResponse)
	if err := c.conn.Invoke(ctx, statMethod, &StatRequest{}, out, grpc.CallContentSubtype(codecName)); err != nil {
		return nil, err
	}
	return out, nil
}

// Open opens a device session for id. Device errors such as EBUSY are
// returned as linuxerr values.
//
// ctx governs the whole session: if it is cancelled, the session is aborted.
func (c *Client) Open(ctx context.Context, id string) (*Session, error) {
	ctx, cancel := context.WithCancel(ctx)
	stream, err := c.conn.NewStream(ctx, &serviceDesc.Streams[0], sessionMethod, grpc.CallContentSubtype(codecName))
	if err != nil {
		cancel()
		return nil, err
	}
	s := &Session{stream: stream, cancel: cancel}
	resp, err := s.roundTrip(&Request{Op: OpOpen, Identity: id})
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.Errno != 0 {
		cancel()
		return nil, linuxerr.FromErrno(resp.Errno)
	}
	s.token = resp.Token
	return s, nil
}

// Session is a device session held through a Client.
type Session struct {
	token  string
	cancel context.CancelFunc

	// mu serializes requests on stream.
	mu     sync.Mutex
	stream grpc.ClientStream
	closed bool
}

// Token returns the server-assigned session token.
func (s *Session) Token() string {
	return s.token
}

// Read reads up to len(p) bytes. It returns io.EOF once a counter-mode
// message is exhausted.
func (s *Session) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, linuxerr.EBADF
	}
	resp, err := s.roundTrip(&Request{Op: OpRead, Length: int64(len(p))})
	if err != nil {
		return 0, err
	}
	n := copy(p, resp.Data)
	switch {
	case resp.Errno != 0:
		return n, linuxerr.FromErrno(resp.Errno)
	case resp.EOF:
		return n, io.EOF
	}
	return n, nil
}

// Write writes p, returning the number of bytes the device accepted.
func (s *Session) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, linuxerr.EBADF
	}
	resp, err := s.roundTrip(&Request{Op: OpWrite, Data: p})
	if err != nil {
		return 0, err
	}
	if resp.Errno != 0 {
		return int(resp.N), linuxerr.FromErrno(resp.Errno)
	}
	return int(resp.N), nil
}

// Close closes the session and waits for the server to release the device.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return linuxerr.EBADF
	}
	s.closed = true
	defer s.cancel()
	if err := s.stream.CloseSend(); err != nil {
		return err
	}
	var resp Response
	if err := s.stream.RecvMsg(&resp); err != io.EOF {
		if err == nil {
			return fmt.Errorf("unexpected %q response after close", resp.Op)
		}
		return err
	}
	return nil
}

// Abort drops the session without closing it, as a crashed caller would.
func (s *Session) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cancel()
}

func (s *Session) roundTrip(req *Request) (*Response, error) {
	// On io.EOF the server has ended the stream; RecvMsg returns its status.
	if err := s.stream.SendMsg(req); err != nil && err != io.EOF {
		return nil, err
	}
	resp := new(Response)
	if err := s.stream.RecvMsg(resp); err != nil {
		return nil, err
	}
	return resp, nil
}

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
	"io"
	"net"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"chardev.dev/chardev/pkg/abi/linux/errno"
	"chardev.dev/chardev/pkg/cleanup"
	"chardev.dev/chardev/pkg/devices/sessiondev"
	"chardev.dev/chardev/pkg/errors/linuxerr"
	"chardev.dev/chardev/pkg/log"
)

// Server serves a single device.
type Server struct {
	dev    *sessiondev.Device
	grpc   *grpc.Server
	health *health.Server
}

// NewServer returns a Server for dev. opts are passed to grpc.NewServer.
func NewServer(dev *sessiondev.Device, opts ...grpc.ServerOption) *Server {
	s := &Server{
		dev:    dev,
		grpc:   grpc.NewServer(opts...),
		health: health.NewServer(),
	}
	s.grpc.RegisterService(&serviceDesc, s)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
	return s
}

// Serve accepts connections on lis until ctx is done or Stop is called. Open
// sessions are aborted when the server stops.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	log.Infof("Serving device %q on %s", s.dev.Name(), lis.Addr())
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.grpc.Serve(lis)
	}()
	var err error
	select {
	case err = <-errCh:
	case <-ctx.Done():
		s.Stop()
		err = <-errCh
	}
	if err == grpc.ErrServerStopped {
		return nil
	}
	return err
}

// Stop closes all connections and listeners.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.Stop()
}

// stat implements deviceService.stat.
func (s *Server) stat(context.Context, *StatRequest) (*StatResponse, error) {
	st := s.dev.Stat()
	return &StatResponse{
		Name:     st.Name,
		Mode:     st.Mode.String(),
		Policy:   st.Policy.String(),
		Capacity: st.Capacity,
		Opens:    st.Opens,
		Held:     st.Held,
		Holder:   string(st.Holder),
	}, nil
}

// session implements deviceService.session.
func (s *Server) session(stream grpc.ServerStream) error {
	ctx := stream.Context()
	conn := uuid.New()

	var open Request
	if err := stream.RecvMsg(&open); err != nil {
		return err
	}
	if open.Op != OpOpen {
		return status.Errorf(codes.InvalidArgument, "first request must be %q, got %q", OpOpen, open.Op)
	}
	id := sessiondev.Identity(open.Identity)
	if id == "" {
		id = sessiondev.Identity("rpc:" + conn.String())
	}

	ses, err := s.dev.Open(ctx, id)
	if err != nil {
		if e, ok := linuxerr.ToError(err); ok {
			return stream.SendMsg(&Response{Op: OpOpen, Errno: e.Errno()})
		}
		return status.FromContextError(err).Err()
	}
	cu := cleanup.Make(ses.Abort)
	defer cu.Clean()
	log.Debugf("Connection %v: session %v open for %q", conn, ses.Token(), id)

	if err := stream.SendMsg(&Response{Op: OpOpen, Token: ses.Token().String()}); err != nil {
		return err
	}
	for {
		var req Request
		err := stream.RecvMsg(&req)
		if err == io.EOF {
			cu.Release()
			ses.Close()
			return nil
		}
		if err != nil {
			log.Infof("Connection %v: stream broken, aborting session %v: %v", conn, ses.Token(), err)
			return err
		}
		resp, err := serveRequest(ctx, ses, &req)
		if err != nil {
			return err
		}
		if err := stream.SendMsg(resp); err != nil {
			return err
		}
	}
}

// serveRequest performs req on ses. Device errors are reported in the
// returned Response; the error return is for malformed requests.
func serveRequest(ctx context.Context, ses *sessiondev.Session, req *Request) (*Response, error) {
	resp := &Response{Op: req.Op}
	var err error
	switch req.Op {
	case OpRead:
		if req.Length < 0 {
			return nil, status.Errorf(codes.InvalidArgument, "negative read length %d", req.Length)
		}
		buf := make([]byte, min(req.Length, maxTransfer))
		var n int
		n, err = ses.ReadBytes(ctx, buf)
		resp.N = int64(n)
		resp.Data = buf[:n]
		if err == io.EOF {
			resp.EOF = true
			err = nil
		}
	case OpWrite:
		if len(req.Data) > maxTransfer {
			return nil, status.Errorf(codes.InvalidArgument, "write of %d bytes exceeds limit of %d", len(req.Data), maxTransfer)
		}
		var n int
		n, err = ses.WriteBytes(ctx, req.Data)
		resp.N = int64(n)
	default:
		return nil, status.Errorf(codes.InvalidArgument, "unexpected request %q in open session", req.Op)
	}
	if err != nil {
		resp.Errno, err = toErrno(err)
	}
	return resp, err
}

// toErrno returns the errno carried by err, or an Internal status if there is
// none.
func toErrno(err error) (errno.Errno, error) {
	if e, ok := linuxerr.ToError(err); ok {
		return e.Errno(), nil
	}
	return 0, status.Errorf(codes.Internal, "device error without errno: %v", err)
}

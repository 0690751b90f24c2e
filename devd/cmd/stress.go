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

package cmd

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"

	"chardev.dev/chardev/devd/cmd/util"
	"chardev.dev/chardev/devd/config"
	"chardev.dev/chardev/pkg/devrpc"
	"chardev.dev/chardev/pkg/errors/linuxerr"
	"chardev.dev/chardev/pkg/log"
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	clients    int
	iterations int
	timeout    time.Duration
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "open the device from many concurrent clients and check exclusion"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags] - open the device from many concurrent clients.

Each session checks that nothing else touched the device while it was open:
in counter mode the message must be intact, and in buffer mode the session's
own pattern must read back unchanged.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.clients, "clients", 8, "number of concurrent clients.")
	f.IntVar(&s.iterations, "iterations", 100, "sessions opened by each client.")
	f.DurationVar(&s.timeout, "timeout", 10*time.Second, "time to wait for the server to come up.")
}

// stressStats counts session outcomes.
type stressStats struct {
	admitted atomic.Int64
	busy     atomic.Int64
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || s.clients <= 0 || s.iterations <= 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	client, err := dial(ctx, conf, s.timeout)
	if err != nil {
		return util.Errorf("%v", err)
	}
	defer client.Close()
	st, err := client.Stat(ctx)
	if err != nil {
		return util.Errorf("querying device: %v", err)
	}

	var stats stressStats
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.clients; i++ {
		i := i
		g.Go(func() error {
			for j := 0; j < s.iterations; j++ {
				if err := stressSession(gctx, client, st, i, &stats); err != nil {
					return fmt.Errorf("client %d, session %d: %w", i, j, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return util.Errorf("stress failed: %v", err)
	}
	util.Infof("%d sessions admitted, %d rejected busy, in %v", stats.admitted.Load(), stats.busy.Load(), time.Since(start))
	return subcommands.ExitSuccess
}

// stressSession runs and checks one session for client.
func stressSession(ctx context.Context, c *devrpc.Client, st *devrpc.StatResponse, client int, stats *stressStats) error {
	s, err := c.Open(ctx, fmt.Sprintf("stress-%d", client))
	if err == linuxerr.EBUSY {
		stats.busy.Add(1)
		return nil
	}
	if err != nil {
		return err
	}
	stats.admitted.Add(1)

	if err := checkSession(s, st, client); err != nil {
		s.Abort()
		return err
	}
	log.Debugf("Client %d: session %s ok", client, s.Token())
	return s.Close()
}

func checkSession(s *devrpc.Session, st *devrpc.StatResponse, client int) error {
	if st.Mode == "buffer" {
		pattern := bytes.Repeat([]byte{byte('A' + client%26)}, st.Capacity)
		if _, err := s.Write(pattern); err != nil {
			return fmt.Errorf("write: %w", err)
		}
		got := make([]byte, st.Capacity)
		n, err := s.Read(got)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if !bytes.Equal(got[:n], pattern) {
			return fmt.Errorf("buffer changed during session: got %q, want %q", got[:n], pattern)
		}
		return nil
	}

	msg, err := io.ReadAll(s)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	if !strings.HasPrefix(string(msg), "You have opened this dev file ") {
		return fmt.Errorf("unexpected message %q", msg)
	}
	return nil
}

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
	"context"
	"flag"
	"io"
	"os"

	"github.com/google/subcommands"

	"chardev.dev/chardev/devd/cmd/util"
	"chardev.dev/chardev/devd/config"
	"chardev.dev/chardev/pkg/devrpc"
)

// Cat implements subcommands.Command for the "cat" command.
type Cat struct {
	openFlags
	chunk int
}

// Name implements subcommands.Command.Name.
func (*Cat) Name() string {
	return "cat"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Cat) Synopsis() string {
	return "open a session and copy the device contents to stdout"
}

// Usage implements subcommands.Command.Usage.
func (*Cat) Usage() string {
	return `cat [flags] - open a session and copy the device contents to stdout.

In counter mode, the message is read until end of file. In buffer mode, the
whole buffer is read once.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *Cat) SetFlags(f *flag.FlagSet) {
	c.openFlags.setFlags(f)
	f.IntVar(&c.chunk, "chunk", 4096, "size of each read request.")
}

// Execute implements subcommands.Command.Execute.
func (c *Cat) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || c.chunk <= 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	client, err := dial(ctx, conf, c.timeout)
	if err != nil {
		return util.Errorf("%v", err)
	}
	defer client.Close()

	st, err := client.Stat(ctx)
	if err != nil {
		return util.Errorf("querying device: %v", err)
	}
	s, err := c.open(ctx, client, c.Name())
	if err != nil {
		return util.Errorf("opening device: %v", err)
	}
	if err := catSession(s, st, c.chunk, os.Stdout); err != nil {
		s.Abort()
		return util.Errorf("reading device: %v", err)
	}
	if err := s.Close(); err != nil {
		return util.Errorf("closing device: %v", err)
	}
	return subcommands.ExitSuccess
}

// catSession copies the contents of s to w.
func catSession(s *devrpc.Session, st *devrpc.StatResponse, chunk int, w io.Writer) error {
	if st.Mode == "buffer" {
		buf := make([]byte, st.Capacity)
		n, err := s.Read(buf)
		if err != nil {
			return err
		}
		_, err = w.Write(buf[:n])
		return err
	}
	_, err := io.CopyBuffer(w, s, make([]byte, chunk))
	return err
}

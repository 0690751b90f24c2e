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
	"strings"

	"github.com/google/subcommands"

	"chardev.dev/chardev/devd/cmd/util"
	"chardev.dev/chardev/devd/config"
	"chardev.dev/chardev/pkg/errors/linuxerr"
)

// Write implements subcommands.Command for the "write" command.
type Write struct {
	openFlags
}

// Name implements subcommands.Command.Name.
func (*Write) Name() string {
	return "write"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Write) Synopsis() string {
	return "open a session and write data to the device"
}

// Usage implements subcommands.Command.Usage.
func (*Write) Usage() string {
	return `write [flags] [data...] - open a session and write data to the device.

The arguments are joined with spaces. Without arguments, stdin is written.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (w *Write) SetFlags(f *flag.FlagSet) {
	w.openFlags.setFlags(f)
}

// Execute implements subcommands.Command.Execute.
func (w *Write) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)

	var data []byte
	if f.NArg() > 0 {
		data = []byte(strings.Join(f.Args(), " "))
	} else {
		var err error
		if data, err = io.ReadAll(os.Stdin); err != nil {
			return util.Errorf("reading stdin: %v", err)
		}
	}

	client, err := dial(ctx, conf, w.timeout)
	if err != nil {
		return util.Errorf("%v", err)
	}
	defer client.Close()

	s, err := w.open(ctx, client, w.Name())
	if err != nil {
		return util.Errorf("opening device: %v", err)
	}
	n, werr := s.Write(data)
	if err := s.Close(); err != nil {
		return util.Errorf("closing device: %v", err)
	}
	switch {
	case werr == linuxerr.ENOSPC:
		return util.Errorf("wrote %d of %d bytes: %v", n, len(data), werr)
	case werr != nil:
		return util.Errorf("writing device: %v", werr)
	}
	util.Infof("Wrote %d bytes", n)
	return subcommands.ExitSuccess
}

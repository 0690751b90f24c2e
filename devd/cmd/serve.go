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
	"net"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"

	"chardev.dev/chardev/devd/cmd/util"
	"chardev.dev/chardev/devd/config"
	"chardev.dev/chardev/pkg/cleanup"
	"chardev.dev/chardev/pkg/devices/sessiondev"
	"chardev.dev/chardev/pkg/devrpc"
	"chardev.dev/chardev/pkg/log"
)

// Serve implements subcommands.Command for the "serve" command.
type Serve struct{}

// Name implements subcommands.Command.Name.
func (*Serve) Name() string {
	return "serve"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Serve) Synopsis() string {
	return "create the device and serve sessions on a unix socket"
}

// Usage implements subcommands.Command.Usage.
func (*Serve) Usage() string {
	return `serve [flags] - create the device and serve it until interrupted.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Serve) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Serve) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	opts, err := conf.DeviceOptions()
	if err != nil {
		return util.Errorf("invalid device configuration: %v", err)
	}
	dev, err := sessiondev.New(opts)
	if err != nil {
		return util.Errorf("creating device: %v", err)
	}

	if err := os.MkdirAll(filepath.Dir(conf.Socket), 0755); err != nil {
		return util.Errorf("creating socket directory: %v", err)
	}
	// A socket left behind by a previous server prevents Listen.
	if err := os.Remove(conf.Socket); err != nil && !os.IsNotExist(err) {
		return util.Errorf("removing stale socket %q: %v", conf.Socket, err)
	}
	lis, err := net.Listen("unix", conf.Socket)
	if err != nil {
		return util.Errorf("listening on %q: %v", conf.Socket, err)
	}
	cu := cleanup.Make(func() {
		if err := os.Remove(conf.Socket); err != nil && !os.IsNotExist(err) {
			log.Warningf("Removing socket %q: %v", conf.Socket, err)
		}
	})
	defer cu.Clean()

	ctx, stop := signal.NotifyContext(ctx, unix.SIGINT, unix.SIGTERM)
	defer stop()
	if err := devrpc.NewServer(dev).Serve(ctx, lis); err != nil {
		return util.Errorf("serving device: %v", err)
	}
	log.Infof("Device %q stopped after %d opens", dev.Name(), dev.Stat().Opens)
	return subcommands.ExitSuccess
}

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
	"encoding/json"
	"flag"
	"os"
	"time"

	"github.com/google/subcommands"

	"chardev.dev/chardev/devd/cmd/util"
	"chardev.dev/chardev/devd/config"
	"chardev.dev/chardev/pkg/log"
)

// Stat implements subcommands.Command for the "stat" command.
type Stat struct {
	timeout time.Duration
}

// Name implements subcommands.Command.Name.
func (*Stat) Name() string {
	return "stat"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stat) Synopsis() string {
	return "get the state of the device"
}

// Usage implements subcommands.Command.Usage.
func (*Stat) Usage() string {
	return `stat [flags] - get the state of the device as JSON.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stat) SetFlags(f *flag.FlagSet) {
	f.DurationVar(&s.timeout, "timeout", 10*time.Second, "time to wait for the server to come up.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stat) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
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
	log.Debugf("Returning state for device %+v", st)

	// Write json-encoded state directly to stdout.
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return util.Errorf("marshaling device state: %v", err)
	}
	os.Stdout.Write(append(b, '\n'))
	return subcommands.ExitSuccess
}

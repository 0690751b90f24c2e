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

// Package cmd holds implementations of the devd commands.
package cmd

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff"

	"chardev.dev/chardev/devd/config"
	"chardev.dev/chardev/pkg/devrpc"
	"chardev.dev/chardev/pkg/errors/linuxerr"
	"chardev.dev/chardev/pkg/log"
)

// openFlags are the flags shared by commands that open a session.
type openFlags struct {
	id      string
	wait    time.Duration
	timeout time.Duration
}

func (o *openFlags) setFlags(f *flag.FlagSet) {
	f.StringVar(&o.id, "id", "", "identity reported to the server. Defaults to the command name and PID.")
	f.DurationVar(&o.wait, "wait", 0, "keep retrying a busy device for this long, with exponential backoff.")
	f.DurationVar(&o.timeout, "timeout", 10*time.Second, "time to wait for the server to come up.")
}

// identity returns the session identity for command name.
func (o *openFlags) identity(name string) string {
	if o.id != "" {
		return o.id
	}
	return fmt.Sprintf("%s[%d]", name, os.Getpid())
}

// dial connects to the server configured in conf and waits for it to be
// ready.
func dial(ctx context.Context, conf *config.Config, timeout time.Duration) (*devrpc.Client, error) {
	c, err := devrpc.Dial(conf.Socket)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := c.WaitReady(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("waiting for server on %q: %w", conf.Socket, err)
	}
	return c, nil
}

// open opens a session on c, retrying while the device is busy for up to
// o.wait.
func (o *openFlags) open(ctx context.Context, c *devrpc.Client, name string) (*devrpc.Session, error) {
	id := o.identity(name)
	if o.wait <= 0 {
		return c.Open(ctx, id)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = o.wait

	var s *devrpc.Session
	op := func() error {
		var err error
		s, err = c.Open(ctx, id)
		if err == linuxerr.EBUSY {
			log.Debugf("Device busy, retrying")
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}
	return s, nil
}

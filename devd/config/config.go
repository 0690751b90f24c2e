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

// Package config provides basic infrastructure to set configuration settings
// for devd. devd uses command line flags to set configuration values, which
// may also come from a TOML file or from CHARDEV_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"

	"chardev.dev/chardev/pkg/devices/sessiondev"
	"chardev.dev/chardev/pkg/gate"
	"chardev.dev/chardev/pkg/log"
)

// Gate kinds.
const (
	GateLocal = "local"
	GateFile  = "file"
)

// Log formats.
const (
	LogFormatText   = "text"
	LogFormatJSON   = "json"
	LogFormatLogrus = "logrus"
)

// Config holds configuration that is not part of any single command.
//
// Follow these steps to add a new flag:
//  1. Create a new field in Config.
//  2. Add a field tag with the flag name, plus toml and env tags if the
//     setting may come from a file or the environment.
//  3. Register a new flag in flags.go, with name and description.
//  4. Add any necessary validation into validate().
type Config struct {
	// ConfigFile is a TOML file holding settings.
	ConfigFile string `flag:"config" toml:"-"`

	// Name is the device name.
	Name string `flag:"name" toml:"name" env:"NAME"`

	// Mode is the device variant: counter or buffer.
	Mode string `flag:"mode" toml:"mode" env:"MODE"`

	// Capacity is the buffer size in buffer mode.
	Capacity int `flag:"capacity" toml:"capacity" env:"CAPACITY"`

	// Policy overrides the gate policy of the mode: nonblocking or blocking.
	Policy string `flag:"policy" toml:"policy" env:"POLICY"`

	// KeepGateOnAbort leaves the device busy after a client dies holding it.
	KeepGateOnAbort bool `flag:"keep-gate-on-abort" toml:"keep_gate_on_abort" env:"KEEP_GATE_ON_ABORT"`

	// Gate is the gate kind: local to the server process, or a lock file
	// shared with other processes.
	Gate string `flag:"gate" toml:"gate" env:"GATE"`

	// LockFile is the lock file used by the file gate.
	LockFile string `flag:"lock-file" toml:"lock_file" env:"LOCK_FILE"`

	// Socket is the path of the server's unix socket.
	Socket string `flag:"socket" toml:"socket" env:"SOCKET"`

	// Debug enables debug logging.
	Debug bool `flag:"debug" toml:"debug" env:"DEBUG"`

	// LogFilename is the file to log to. Empty means stderr.
	LogFilename string `flag:"log" toml:"log" env:"LOG"`

	// LogFormat is the log format: text, json or logrus.
	LogFormat string `flag:"log-format" toml:"log_format" env:"LOG_FORMAT"`
}

// defaultRuntimeDir returns the directory holding the socket and lock file by
// default.
func defaultRuntimeDir() string {
	// NOTE: empty values for XDG_RUNTIME_DIR should be ignored.
	if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
		return filepath.Join(runtimeDir, "chardev")
	}
	return filepath.Join(os.TempDir(), "chardev")
}

func (c *Config) validate() error {
	if _, err := sessiondev.ParseMode(c.Mode); err != nil {
		return err
	}
	if c.Policy != "" {
		if _, err := gate.ParsePolicy(c.Policy); err != nil {
			return err
		}
	}
	if c.Capacity < 0 {
		return fmt.Errorf("capacity must be non-negative, got %d", c.Capacity)
	}
	switch c.Gate {
	case GateLocal:
	case GateFile:
		if c.LockFile == "" {
			return fmt.Errorf("gate %q requires a lock file", GateFile)
		}
	default:
		return fmt.Errorf("invalid gate %q, must be %q or %q", c.Gate, GateLocal, GateFile)
	}
	switch c.LogFormat {
	case LogFormatText, LogFormatJSON, LogFormatLogrus:
	default:
		return fmt.Errorf("invalid log format %q, must be %q, %q or %q", c.LogFormat, LogFormatText, LogFormatJSON, LogFormatLogrus)
	}
	if c.Socket == "" {
		return fmt.Errorf("socket path must be set")
	}
	return nil
}

// DeviceOptions returns the sessiondev options described by c.
func (c *Config) DeviceOptions() (sessiondev.Options, error) {
	mode, err := sessiondev.ParseMode(c.Mode)
	if err != nil {
		return sessiondev.Options{}, err
	}
	opts := sessiondev.Options{
		Name:            c.Name,
		Mode:            mode,
		Capacity:        c.Capacity,
		KeepGateOnAbort: c.KeepGateOnAbort,
	}
	if c.Policy != "" {
		p, err := gate.ParsePolicy(c.Policy)
		if err != nil {
			return sessiondev.Options{}, err
		}
		opts.Policy = &p
	}
	if c.Gate == GateFile {
		g, err := gate.NewFile(c.LockFile)
		if err != nil {
			return sessiondev.Options{}, err
		}
		opts.Gate = g
	}
	return opts, nil
}

// Log logs the effective configuration.
func (c *Config) Log() {
	log.Infof("Config:")
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		log.Infof("\t%s: %v", st.Field(i).Name, obj.Field(i).Interface())
	}
}

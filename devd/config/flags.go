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

package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"reflect"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

// envPrefix is prepended to the env tag of every Config field.
const envPrefix = "CHARDEV_"

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	runtimeDir := defaultRuntimeDir()

	flagSet.String("config", "", "TOML file with settings. Environment variables and explicit flags take precedence over it.")

	// Device flags.
	flagSet.String("name", "my_chardev", "device name.")
	flagSet.String("mode", "counter", "device mode: counter (read-only open counter message) or buffer (shared writable buffer).")
	flagSet.Int("capacity", 100, "buffer size in bytes, in buffer mode.")
	flagSet.String("policy", "", "gate policy: nonblocking or blocking. Empty selects the mode's default.")
	flagSet.Bool("keep-gate-on-abort", false, "leave the device busy if a client terminates while holding a session.")
	flagSet.String("gate", GateLocal, "gate kind: local (this process) or file (lock file shared between processes).")
	flagSet.String("lock-file", filepath.Join(runtimeDir, "chardev.lock"), "lock file for --gate=file.")
	flagSet.String("socket", filepath.Join(runtimeDir, "chardev.sock"), "unix socket the server listens on.")

	// Debugging flags.
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("log", "", "file path where internal debug information is written, default is stderr.")
	flagSet.String("log-format", LogFormatText, "log format: text (default), json, or logrus.")
}

// NewFromFlags creates a new Config. Values come, in increasing order of
// precedence, from flag defaults, the --config file, CHARDEV_* environment
// variables, and flags set on the command line.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	return newFromFlags(flagSet, env.ToMap(os.Environ()))
}

func newFromFlags(flagSet *flag.FlagSet, environ map[string]string) (*Config, error) {
	conf := &Config{}
	if err := setFromFlags(conf, flagSet, func(string) bool { return true }); err != nil {
		return nil, err
	}

	if conf.ConfigFile != "" {
		md, err := toml.DecodeFile(conf.ConfigFile, conf)
		if err != nil {
			return nil, fmt.Errorf("reading config file %q: %w", conf.ConfigFile, err)
		}
		if keys := md.Undecoded(); len(keys) > 0 {
			return nil, fmt.Errorf("unknown keys in config file %q: %v", conf.ConfigFile, keys)
		}
	}

	if err := env.ParseWithOptions(conf, env.Options{Prefix: envPrefix, Environment: environ}); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	explicit := make(map[string]bool)
	flagSet.Visit(func(f *flag.Flag) { explicit[f.Name] = true })
	if err := setFromFlags(conf, flagSet, func(name string) bool { return explicit[name] }); err != nil {
		return nil, err
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// setFromFlags copies the value of every flag accepted by include into the
// Config field tagged with its name.
func setFromFlags(conf *Config, flagSet *flag.FlagSet, include func(name string) bool) error {
	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok || !include(name) {
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		getter, ok := fl.Value.(flag.Getter)
		if !ok {
			return fmt.Errorf("flag %q has no typed value", name)
		}
		obj.Field(i).Set(reflect.ValueOf(getter.Get()))
	}
	return nil
}

// Copyright 2024 The goffload Authors.
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

// offloadctl is a command-line tool to inspect and exercise offload
// devices: list the device registry, initialize devices and report their
// capabilities.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cenkalti/backoff"
	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"

	"github.com/goffload/goffload/pkg/offload"
	"github.com/goffload/goffload/pkg/plugin"
	_ "github.com/goffload/goffload/pkg/plugin/hostplug"
)

// config is the optional TOML file naming plugin targets; the runtime
// library itself reads no configuration and uses its compiled-in defaults.
type config struct {
	Targets   string `toml:"targets"`
	PluginDir string `toml:"plugin_dir"`
}

var (
	configPath = flag.String("config", "", "optional TOML config file")
	targets    = flag.String("targets", "", "comma-separated plugin target list")
	pluginDir  = flag.String("plugin-dir", "", "directory searched for plugins")
)

func newManager() (*offload.Manager, error) {
	opts := offload.Options{Targets: *targets, PluginDir: *pluginDir}
	if *configPath != "" {
		var cfg config
		if _, err := toml.DecodeFile(*configPath, &cfg); err != nil {
			return nil, fmt.Errorf("reading %s: %w", *configPath, err)
		}
		if opts.Targets == "" {
			opts.Targets = cfg.Targets
		}
		if opts.PluginDir == "" {
			opts.PluginDir = cfg.PluginDir
		}
	}
	return offload.NewManager(opts), nil
}

func capString(caps uint32) string {
	s := ""
	if caps&plugin.CapSharedMem != 0 {
		s += " shared-mem"
	}
	if caps&plugin.CapNativeExec != 0 {
		s += " native-exec"
	}
	if caps&plugin.CapOpenMP400 != 0 {
		s += " openmp-4.0"
	}
	if caps&plugin.CapOpenACC200 != 0 {
		s += " openacc-2.0"
	}
	if s == "" {
		return "none"
	}
	return s[1:]
}

// listCmd prints the device registry.
type listCmd struct{}

// Name implements subcommands.Command.Name.
func (*listCmd) Name() string { return "list" }

// Synopsis implements subcommands.Command.Synopsis.
func (*listCmd) Synopsis() string { return "list offload devices" }

// Usage implements subcommands.Command.Usage.
func (*listCmd) Usage() string { return "list\n" }

// SetFlags implements subcommands.Command.SetFlags.
func (*listCmd) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*listCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	m, err := newManager()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	n := m.NumDevices()
	fmt.Printf("%d offload device(s)\n", n)
	for i := 0; i < n; i++ {
		info, err := m.Info(i)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return subcommands.ExitFailure
		}
		fmt.Printf("  %d: %s type=%d caps=[%s]\n", i, info.Name, info.Type, capString(info.Caps))
	}
	return subcommands.ExitSuccess
}

var errNoDevices = errors.New("no offload devices available")

// probeCmd initializes every device, in parallel, and reports the outcome.
type probeCmd struct {
	wait time.Duration
}

// Name implements subcommands.Command.Name.
func (*probeCmd) Name() string { return "probe" }

// Synopsis implements subcommands.Command.Synopsis.
func (*probeCmd) Synopsis() string { return "initialize every device and report readiness" }

// Usage implements subcommands.Command.Usage.
func (*probeCmd) Usage() string { return "probe [-wait duration]\n" }

// SetFlags implements subcommands.Command.SetFlags.
func (c *probeCmd) SetFlags(f *flag.FlagSet) {
	f.DurationVar(&c.wait, "wait", 0, "keep retrying with backoff until a device appears")
}

// Execute implements subcommands.Command.Execute.
func (c *probeCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	probe := func() error {
		m, err := newManager()
		if err != nil {
			return backoff.Permanent(err)
		}
		n := m.NumDevices()
		if n == 0 {
			return errNoDevices
		}
		var g errgroup.Group
		for i := 0; i < n; i++ {
			i := i
			g.Go(func() error {
				if err := m.EnsureDevice(i); err != nil {
					return fmt.Errorf("device %d: %w", i, err)
				}
				info, err := m.Info(i)
				if err != nil {
					return err
				}
				fmt.Printf("  %d: %s ready\n", i, info.Name)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return backoff.Permanent(err)
		}
		m.Shutdown()
		return nil
	}

	var err error
	if c.wait > 0 {
		b := backoff.NewExponentialBackOff()
		b.MaxElapsedTime = c.wait
		err = backoff.Retry(probe, b)
	} else {
		err = probe()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(listCmd), "")
	subcommands.Register(new(probeCmd), "")
	flag.Parse()
	switch subcommands.Execute(context.Background()) {
	case subcommands.ExitSuccess:
		os.Exit(0)
	default:
		os.Exit(128)
	}
}

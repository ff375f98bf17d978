// Copyright 2026 The vmsim Authors.
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
	"fmt"
	"slices"

	"github.com/google/subcommands"
	"gopkg.in/yaml.v3"

	"github.com/os161/vmsim/pkg/metric"
	"github.com/os161/vmsim/pkg/sentry/kernel"
	"github.com/os161/vmsim/pkg/sentry/pgalloc"
	"github.com/os161/vmsim/vmsim/config"
)

// Run is one allocation recorded in the coremap.
type Run struct {
	Addr  string `json:"addr" yaml:"addr"`
	Pages uint32 `json:"pages" yaml:"pages"`
}

// Stats is the output of the "stat" command.
type Stats struct {
	Usage   pgalloc.Usage     `json:"usage" yaml:"usage"`
	Runs    []Run             `json:"runs,omitempty" yaml:"runs,omitempty"`
	Metrics map[string]uint64 `json:"metrics" yaml:"metrics"`
}

// Stat implements subcommands.Command for the "stat" command.
type Stat struct {
	format string
	runs   bool
}

// Name implements subcommands.Command.Name.
func (*Stat) Name() string {
	return "stat"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stat) Synopsis() string {
	return "boot the machine and print physical memory statistics"
}

// Usage implements subcommands.Command.Usage.
func (*Stat) Usage() string {
	return `stat [flags] [elf] - print coremap statistics, after loading elf if given.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stat) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.format, "format", "text", "output format: text, json, yaml or prometheus")
	f.BoolVar(&s.runs, "runs", false, "list every allocated run of frames")
}

// Execute implements subcommands.Command.Execute.
func (s *Stat) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() > 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if !slices.Contains([]string{"text", "json", "yaml", "prometheus"}, s.format) {
		return Errorf("invalid format %q, must be 'text', 'json', 'yaml' or 'prometheus'", s.format)
	}
	conf := args[0].(*config.Config)

	k, name, err := bootKernel(conf, f.Arg(0))
	if err != nil {
		return Errorf("booting: %v", err)
	}
	defer k.Close()

	if name != "" {
		p, err := k.NewProcess(name)
		if err != nil {
			return kernelError(err, "creating process")
		}
		if _, err := kernel.Execv(p.Context(ctx, k.Machine().CPU(0)), name, []string{name}); err != nil {
			return kernelError(err, "exec %q", f.Arg(0))
		}
	}

	stats := Stats{
		Usage:   k.CoreMap().Usage(),
		Metrics: metric.Values(),
	}
	if s.runs {
		for _, fr := range k.CoreMap().Frames() {
			if fr.Role == pgalloc.RoleHead {
				stats.Runs = append(stats.Runs, Run{Addr: fr.Addr.String(), Pages: fr.RunLength})
			}
		}
	}

	if err := s.write(stats); err != nil {
		return Errorf("writing statistics: %v", err)
	}
	return subcommands.ExitSuccess
}

func (s *Stat) write(stats Stats) error {
	switch s.format {
	case "json":
		enc := json.NewEncoder(output)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	case "yaml":
		enc := yaml.NewEncoder(output)
		defer enc.Close()
		return enc.Encode(stats)
	case "prometheus":
		return metric.Emit(output)
	}

	u := stats.Usage
	fmt.Fprintf(output, "total:    %d\n", u.Total)
	fmt.Fprintf(output, "used:     %d\n", u.Used)
	fmt.Fprintf(output, "free:     %d\n", u.Free)
	fmt.Fprintf(output, "reserved: %d\n", u.Reserved)
	fmt.Fprintf(output, "stolen:   %d\n", u.Stolen)
	for _, r := range stats.Runs {
		fmt.Fprintf(output, "run:      %s %d pages\n", r.Addr, r.Pages)
	}
	return nil
}

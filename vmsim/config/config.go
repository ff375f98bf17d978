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

// Package config provides basic infrastructure to set configuration settings
// for vmsim. Each setting can be changed from the command line, or from a
// TOML file named by --config whose values explicit flags override.
package config

import (
	"fmt"

	"github.com/mohae/deepcopy"

	"github.com/os161/vmsim/pkg/hostarch"
	"github.com/os161/vmsim/pkg/log"
	"github.com/os161/vmsim/pkg/sentry/kernel"
	"github.com/os161/vmsim/pkg/sentry/mm"
	"github.com/os161/vmsim/pkg/sentry/platform"
)

// Config holds configuration that is not part of an executable image.
//
// Follow these steps to add a new flag:
//  1. Create a new field in Config.
//  2. Add a field tag with the flag name and a toml tag with the file key.
//  3. Register a new flag in flags.go, with the same name.
type Config struct {
	// ConfigFile is the TOML file that supplies defaults for every other
	// setting.
	ConfigFile string `flag:"config" toml:"-"`

	// RAMSize is the amount of simulated physical memory in bytes.
	RAMSize uint64 `flag:"ram" toml:"ram"`

	// KernelImageSize is the amount of memory taken by the kernel image.
	KernelImageSize uint64 `flag:"kernel-image-size" toml:"kernel-image-size"`

	// NumCPUs is the number of simulated processors.
	NumCPUs int `flag:"cpus" toml:"cpus"`

	// TLBEntries is the number of TLB slots per processor.
	TLBEntries int `flag:"tlb-entries" toml:"tlb-entries"`

	// TLBSeed seeds random TLB replacement.
	TLBSeed uint64 `flag:"tlb-seed" toml:"tlb-seed"`

	// RejectOverlappingRegions makes defining overlapping regions an error.
	RejectOverlappingRegions bool `flag:"reject-overlapping-regions" toml:"reject-overlapping-regions"`

	// PanicOnOOM makes physical memory exhaustion fatal.
	PanicOnOOM bool `flag:"panic-on-oom" toml:"panic-on-oom"`

	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log" toml:"log"`

	// LogFormat is the log format.
	LogFormat string `flag:"log-format" toml:"log-format"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug" toml:"debug"`

	// DebugLog is the path to log debug information to, if not empty.
	DebugLog string `flag:"debug-log" toml:"debug-log"`

	// DebugLogFormat is the log format for debug.
	DebugLogFormat string `flag:"debug-log-format" toml:"debug-log-format"`

	// AlsoLogToStderr allows to send log messages to stderr.
	AlsoLogToStderr bool `flag:"alsologtostderr" toml:"alsologtostderr"`
}

func (c *Config) validate() error {
	if c.RAMSize%hostarch.PageSize != 0 {
		return fmt.Errorf("--ram must be a multiple of the page size (%d): %d", hostarch.PageSize, c.RAMSize)
	}
	if c.RAMSize > hostarch.MaxKSeg0Memory {
		return fmt.Errorf("--ram must be at most %d bytes: %d", hostarch.MaxKSeg0Memory, c.RAMSize)
	}
	if c.KernelImageSize >= c.RAMSize {
		return fmt.Errorf("--kernel-image-size (%d) must be less than --ram (%d)", c.KernelImageSize, c.RAMSize)
	}
	if c.NumCPUs < 1 {
		return fmt.Errorf("--cpus must be at least 1: %d", c.NumCPUs)
	}
	if c.TLBEntries < 1 {
		return fmt.Errorf("--tlb-entries must be at least 1: %d", c.TLBEntries)
	}
	for name, format := range map[string]string{"log-format": c.LogFormat, "debug-log-format": c.DebugLogFormat} {
		if format != "text" && format != "json" {
			return fmt.Errorf("invalid --%s %q, must be 'text' or 'json'", name, format)
		}
	}
	return nil
}

// PlatformOptions returns the machine described by c.
func (c *Config) PlatformOptions() platform.Options {
	return platform.Options{
		RAMSize:         c.RAMSize,
		KernelImageSize: c.KernelImageSize,
		NumCPUs:         c.NumCPUs,
		TLBEntries:      c.TLBEntries,
		TLBSeed:         c.TLBSeed,
	}
}

// KernelOptions returns the kernel described by c. The caller supplies the
// file system.
func (c *Config) KernelOptions() kernel.Options {
	return kernel.Options{
		Platform:   c.PlatformOptions(),
		PanicOnOOM: c.PanicOnOOM,
		MM:         mm.Options{RejectOverlap: c.RejectOverlappingRegions},
	}
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	return deepcopy.Copy(c).(*Config)
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	log.Infof("RAM: %d bytes (kernel image %d bytes)", c.RAMSize, c.KernelImageSize)
	log.Infof("CPUs: %d, TLB entries: %d, TLB seed: %d", c.NumCPUs, c.TLBEntries, c.TLBSeed)
	log.Infof("Reject overlapping regions: %t", c.RejectOverlappingRegions)
	log.Infof("Panic on OOM: %t", c.PanicOnOOM)
	if c.ConfigFile != "" {
		log.Infof("Config file: %s", c.ConfigFile)
	}
}

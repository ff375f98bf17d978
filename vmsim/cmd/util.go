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

// Package cmd holds implementations of the vmsim commands.
package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/subcommands"

	"github.com/os161/vmsim/pkg/errors/kernerr"
	"github.com/os161/vmsim/pkg/log"
	"github.com/os161/vmsim/pkg/sentry/kernel"
	"github.com/os161/vmsim/vmsim/config"
)

// output is where commands write their results.
var output io.Writer = os.Stdout

// ErrorLogger is where error messages should be written to, in addition to
// stderr.
var ErrorLogger io.Writer

// Errorf logs error to the --log file, to stderr, and to debug logs. It
// returns subcommands.ExitFailure for convenience with subcommand.Execute()
// methods:
//
//	return Errorf("Danger! Danger!")
func Errorf(format string, args ...any) subcommands.ExitStatus {
	log.Warningf("FATAL ERROR: "+format, args...)
	fmt.Fprintf(os.Stderr, "vmsim: "+format+"\n", args...)
	if ErrorLogger != nil {
		fmt.Fprintf(ErrorLogger, format+"\n", args...)
	}
	return subcommands.ExitFailure
}

// Fatalf logs the same way as Errorf() does, plus *exits* the process.
func Fatalf(format string, args ...any) {
	Errorf(format, args...)
	// Return an error that is unlikely to be used by the application.
	os.Exit(128)
}

// kernelError reports err, a failed operation on the simulated kernel, and
// returns the host errno matching it as the exit status.
func kernelError(err error, format string, args ...any) subcommands.ExitStatus {
	Errorf("%s: %v", fmt.Sprintf(format, args...), err)
	return subcommands.ExitStatus(kernerr.ToUnix(err))
}

// bootKernel starts a kernel configured by conf whose file system is the
// directory holding image. It returns the kernel and the image's name in that
// file system.
func bootKernel(conf *config.Config, image string) (*kernel.Kernel, string, error) {
	opts := conf.KernelOptions()
	var name string
	if image != "" {
		abs, err := filepath.Abs(image)
		if err != nil {
			return nil, "", fmt.Errorf("resolving %q: %w", image, err)
		}
		opts.FS = os.DirFS(filepath.Dir(abs))
		name = filepath.Base(abs)
	}
	k, err := kernel.New(opts)
	if err != nil {
		return nil, "", err
	}
	return k, name, nil
}

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
	"debug/elf"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"github.com/os161/vmsim/pkg/sentry/loader/elfimage"
)

// MkImage implements subcommands.Command for the "mkimage" command.
type MkImage struct {
	text  uint
	data  uint
	bss   uint
	entry uint
}

// Name implements subcommands.Command.Name.
func (*MkImage) Name() string {
	return "mkimage"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*MkImage) Synopsis() string {
	return "write a synthetic executable for the load, fault and stat commands"
}

// Usage implements subcommands.Command.Usage.
func (*MkImage) Usage() string {
	return `mkimage [flags] <output> - write a MIPS ELF image with a text and a data segment.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *MkImage) SetFlags(f *flag.FlagSet) {
	f.UintVar(&m.text, "text", 4096, "size of the text segment in bytes")
	f.UintVar(&m.data, "data", 4096, "size of the initialized data segment in bytes")
	f.UintVar(&m.bss, "bss", 0, "size of the zero-filled data following the initialized data, in bytes")
	f.UintVar(&m.entry, "entry", uint(stressTextBase), "entry point")
}

// image returns the executable described by the flags.
func (m *MkImage) image() elfimage.Image {
	text := make([]byte, m.text)
	for i := range text {
		text[i] = byte(i)
	}
	data := make([]byte, m.data)
	for i := range data {
		data[i] = byte(^i)
	}
	return elfimage.Image{
		Entry: uint32(m.entry),
		Segments: []elfimage.Segment{
			{Vaddr: uint32(stressTextBase), Data: text, Flags: elf.PF_R | elf.PF_X},
			{Vaddr: uint32(stressDataBase), Data: data, Memsz: uint32(m.data + m.bss), Flags: elf.PF_R | elf.PF_W},
		},
	}
}

// Execute implements subcommands.Command.Execute.
func (m *MkImage) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if m.text == 0 {
		return Errorf("--text must not be zero")
	}
	if m.data+m.bss == 0 {
		return Errorf("--data and --bss must not both be zero")
	}
	if err := os.WriteFile(f.Arg(0), elfimage.Build(m.image()), 0755); err != nil {
		return Errorf("writing image: %v", err)
	}
	fmt.Fprintf(output, "wrote %s: text %d bytes, data %d bytes, bss %d bytes\n", f.Arg(0), m.text, m.data, m.bss)
	return subcommands.ExitSuccess
}

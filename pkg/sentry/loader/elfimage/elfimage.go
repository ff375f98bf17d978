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

// Package elfimage builds minimal 32-bit ELF executables for the simulated
// machine.
package elfimage

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

const (
	headerSize = 52
	phdrSize   = 32

	// dataAlign is the file alignment of segment contents.
	dataAlign = 16
)

// Segment is one program header and its file contents.
type Segment struct {
	// Type defaults to PT_LOAD.
	Type elf.ProgType

	// Vaddr is the segment's virtual address.
	Vaddr uint32

	// Data is the part of the segment stored in the file.
	Data []byte

	// Memsz is the size of the segment in memory. If it is less than
	// len(Data), len(Data) is used.
	Memsz uint32

	// Flags are the segment permissions.
	Flags elf.ProgFlag
}

// Image describes an executable.
type Image struct {
	// Entry is the entry point.
	Entry uint32

	// Segments are written in order.
	Segments []Segment

	// Type defaults to ET_EXEC.
	Type elf.Type

	// Machine defaults to EM_MIPS.
	Machine elf.Machine

	// LittleEndian writes the image in the wrong byte order for the
	// machine.
	LittleEndian bool
}

// Build returns the file contents of img.
func Build(img Image) []byte {
	var order binary.ByteOrder = binary.BigEndian
	data := elf.ELFDATA2MSB
	if img.LittleEndian {
		order = binary.LittleEndian
		data = elf.ELFDATA2LSB
	}
	typ := img.Type
	if typ == 0 {
		typ = elf.ET_EXEC
	}
	machine := img.Machine
	if machine == 0 {
		machine = elf.EM_MIPS
	}

	hdr := elf.Header32{
		Type:      uint16(typ),
		Machine:   uint16(machine),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     img.Entry,
		Phoff:     headerSize,
		Ehsize:    headerSize,
		Phentsize: phdrSize,
		Phnum:     uint16(len(img.Segments)),
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS32)
	hdr.Ident[elf.EI_DATA] = byte(data)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	off := align(headerSize + phdrSize*uint32(len(img.Segments)))
	var phdrs []elf.Prog32
	for _, seg := range img.Segments {
		typ := seg.Type
		if typ == 0 {
			typ = elf.PT_LOAD
		}
		memsz := max(seg.Memsz, uint32(len(seg.Data)))
		phdrs = append(phdrs, elf.Prog32{
			Type:   uint32(typ),
			Off:    off,
			Vaddr:  seg.Vaddr,
			Paddr:  seg.Vaddr,
			Filesz: uint32(len(seg.Data)),
			Memsz:  memsz,
			Flags:  uint32(seg.Flags),
			Align:  dataAlign,
		})
		off = align(off + uint32(len(seg.Data)))
	}

	var buf bytes.Buffer
	binary.Write(&buf, order, &hdr)
	binary.Write(&buf, order, phdrs)
	for i, seg := range img.Segments {
		buf.Write(make([]byte, int(phdrs[i].Off)-buf.Len()))
		buf.Write(seg.Data)
	}
	return buf.Bytes()
}

func align(off uint32) uint32 {
	return (off + dataAlign - 1) &^ (dataAlign - 1)
}

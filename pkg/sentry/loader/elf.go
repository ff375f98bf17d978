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

// Package loader loads executable images into address spaces.
package loader

import (
	"context"
	"debug/elf"
	"fmt"
	"io"

	"github.com/os161/vmsim/pkg/errors/kernerr"
	"github.com/os161/vmsim/pkg/hostarch"
	"github.com/os161/vmsim/pkg/log"
	"github.com/os161/vmsim/pkg/sentry/mm"
)

// maxSegmentCopy bounds the size of the buffer used to copy one segment.
const maxSegmentCopy = 64 << 10

// elfInfo contains the metadata needed to load an image.
type elfInfo struct {
	// entry is the program entry point.
	entry hostarch.Addr

	// phdrs are the loadable program headers.
	phdrs []elf.ProgHeader
}

// parseHeader validates the ELF header of r and collects its loadable
// segments.
func parseHeader(r io.ReaderAt) (elfInfo, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		log.Infof("Error parsing ELF header: %v", err)
		return elfInfo{}, kernerr.ENOEXEC
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS32 {
		log.Infof("Unsupported ELF class: %v", f.Class)
		return elfInfo{}, kernerr.ENOEXEC
	}
	if f.Data != elf.ELFDATA2MSB {
		log.Infof("Unsupported ELF byte order: %v", f.Data)
		return elfInfo{}, kernerr.ENOEXEC
	}
	if f.Type != elf.ET_EXEC {
		log.Infof("Not an executable: %v", f.Type)
		return elfInfo{}, kernerr.ENOEXEC
	}
	if f.Machine != elf.EM_MIPS {
		log.Infof("Unsupported machine: %v", f.Machine)
		return elfInfo{}, kernerr.ENOEXEC
	}

	info := elfInfo{entry: hostarch.Addr(f.Entry)}
	for _, p := range f.Progs {
		phdr := p.ProgHeader
		switch phdr.Type {
		case elf.PT_NULL, elf.PT_PHDR, elf.PT_NOTE, elf.PT_MIPS_REGINFO:
			continue
		case elf.PT_LOAD:
		default:
			log.Warningf("Unknown segment type %v", phdr.Type)
			return elfInfo{}, kernerr.ENOEXEC
		}
		if phdr.Filesz > phdr.Memsz {
			log.Warningf("PT_LOAD segment filesz %#x > memsz %#x", phdr.Filesz, phdr.Memsz)
			return elfInfo{}, kernerr.ENOEXEC
		}
		if phdr.Vaddr > 0xffffffff {
			log.Warningf("PT_LOAD segment address %#x out of range", phdr.Vaddr)
			return elfInfo{}, kernerr.ENOEXEC
		}
		if _, ok := hostarch.Addr(phdr.Vaddr).AddLength(phdr.Memsz); !ok {
			log.Warningf("PT_LOAD segment [%#x, +%#x) overflows", phdr.Vaddr, phdr.Memsz)
			return elfInfo{}, kernerr.ENOEXEC
		}
		info.phdrs = append(info.phdrs, phdr)
	}
	return info, nil
}

// Load loads the executable image in r into as and returns its entry point.
//
// Each loadable segment becomes one region of as, so images with more than
// two fail with EUNIMP. Once the image is written, region A becomes
// read-only and the current CPU's TLB is flushed so that no writable
// translation for it survives.
//
// Preconditions:
//   - as is empty.
//   - as is the current address space of ctx and is active on ctx's CPU.
func Load(ctx context.Context, as *mm.AddressSpace, r io.ReaderAt) (hostarch.Addr, error) {
	if mm.AddressSpaceFromContext(ctx) != as {
		return 0, kernerr.EINVAL
	}
	info, err := parseHeader(r)
	if err != nil {
		return 0, err
	}

	for _, phdr := range info.phdrs {
		read := phdr.Flags&elf.PF_R != 0
		write := phdr.Flags&elf.PF_W != 0
		exec := phdr.Flags&elf.PF_X != 0
		if err := as.DefineRegion(hostarch.Addr(phdr.Vaddr), phdr.Memsz, read, write, exec); err != nil {
			return 0, err
		}
	}
	if err := as.PrepareLoad(); err != nil {
		return 0, err
	}
	for _, phdr := range info.phdrs {
		if err := loadSegment(ctx, r, phdr); err != nil {
			return 0, err
		}
	}
	if err := as.CompleteLoad(); err != nil {
		return 0, err
	}
	mm.Activate(ctx)
	log.Debugf("Loaded image with entry %v:\n%v", info.entry, as)
	return info.entry, nil
}

// loadSegment copies the file contents of phdr to its virtual address. The
// rest of the segment is already zero.
func loadSegment(ctx context.Context, r io.ReaderAt, phdr elf.ProgHeader) error {
	log.Debugf("Loading segment: %#x bytes at %#x (%#x in memory)", phdr.Filesz, phdr.Vaddr, phdr.Memsz)
	buf := make([]byte, min(phdr.Filesz, maxSegmentCopy))
	for done := uint64(0); done < phdr.Filesz; {
		n := min(phdr.Filesz-done, uint64(len(buf)))
		if got, err := r.ReadAt(buf[:n], int64(phdr.Off+done)); uint64(got) != n {
			log.Warningf("Short read of segment at offset %#x: %v", phdr.Off+done, err)
			return kernerr.ENOEXEC
		}
		if _, err := mm.CopyOut(ctx, hostarch.Addr(phdr.Vaddr+done), buf[:n]); err != nil {
			return fmt.Errorf("writing segment at %#x: %w", phdr.Vaddr+done, err)
		}
		done += n
	}
	return nil
}

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

package loader

import (
	"bytes"
	"context"
	"debug/elf"
	"testing"

	"github.com/os161/vmsim/pkg/errors"
	"github.com/os161/vmsim/pkg/errors/kernerr"
	"github.com/os161/vmsim/pkg/sentry/loader/elfimage"
	"github.com/os161/vmsim/pkg/sentry/mm"
	"github.com/os161/vmsim/pkg/sentry/pgalloc"
	"github.com/os161/vmsim/pkg/sentry/platform"
)

type testProcess struct {
	as *mm.AddressSpace
}

func (p *testProcess) AddressSpace() *mm.AddressSpace {
	return p.as
}

// setup returns a fresh address space and a context in which it is current
// and active.
func setup(t *testing.T) (context.Context, *mm.AddressSpace, *pgalloc.CoreMap) {
	t.Helper()
	m, err := platform.New(platform.DefaultOptions())
	if err != nil {
		t.Fatalf("platform.New failed: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	mf := pgalloc.New(m.RAM(), pgalloc.Options{})
	if err := mf.Bootstrap(); err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	as := mm.NewAddressSpace(mf, mm.Options{})
	ctx := platform.WithCPU(context.Background(), m.CPU(0))
	ctx = context.WithValue(ctx, mm.CtxProcess, mm.Process(&testProcess{as: as}))
	mm.Activate(ctx)
	return ctx, as, mf
}

func sampleImage() elfimage.Image {
	return elfimage.Image{
		Entry: 0x400020,
		Segments: []elfimage.Segment{
			{Type: elf.PT_MIPS_REGINFO, Data: make([]byte, 24)},
			{Vaddr: 0x400000, Data: bytes.Repeat([]byte{0x27, 0xbd, 0xff, 0xe8}, 1100), Flags: elf.PF_R | elf.PF_X},
			{Vaddr: 0x10000010, Data: []byte("initialized data"), Memsz: 0x3000, Flags: elf.PF_R | elf.PF_W},
		},
	}
}

func TestLoad(t *testing.T) {
	ctx, as, _ := setup(t)
	img := sampleImage()
	entry, err := Load(ctx, as, bytes.NewReader(elfimage.Build(img)))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if entry != 0x400020 {
		t.Errorf("entry = %v, want 0x400020", entry)
	}
	if !as.Loaded() {
		t.Errorf("address space not marked loaded")
	}

	a, b := as.RegionA(), as.RegionB()
	if a.Base != 0x400000 || a.Pages != 2 || !a.Exec || a.Write {
		t.Errorf("region A = %v", a)
	}
	// 0x10000010 + 0x3000 spans four pages.
	if b.Base != 0x10000000 || b.Pages != 4 || !b.Write {
		t.Errorf("region B = %v", b)
	}

	text := make([]byte, len(img.Segments[1].Data))
	if _, err := mm.CopyIn(ctx, 0x400000, text); err != nil {
		t.Fatalf("CopyIn text failed: %v", err)
	}
	if !bytes.Equal(text, img.Segments[1].Data) {
		t.Errorf("text segment contents differ")
	}
	data := make([]byte, 0x20)
	if _, err := mm.CopyIn(ctx, 0x10000000, data); err != nil {
		t.Fatalf("CopyIn data failed: %v", err)
	}
	want := append(make([]byte, 0x10), []byte("initialized data")...)
	if !bytes.Equal(data, want) {
		t.Errorf("data segment = %q, want %q", data, want)
	}
	bss := make([]byte, 0x100)
	if _, err := mm.CopyIn(ctx, 0x10002000, bss); err != nil {
		t.Fatalf("CopyIn bss failed: %v", err)
	}
	if !bytes.Equal(bss, make([]byte, 0x100)) {
		t.Errorf("bss is not zero")
	}

	// Text is read-only once loaded, even though it was writable while
	// loading.
	if _, err := mm.CopyOut(ctx, 0x400000, []byte{0}); err != kernerr.EFAULT {
		t.Errorf("write to text got err %v, want EFAULT", err)
	}
	if _, err := mm.CopyOut(ctx, 0x10000000, []byte{1}); err != nil {
		t.Errorf("write to data failed: %v", err)
	}
	if _, err := as.DefineStack(); err != nil {
		t.Errorf("DefineStack failed: %v", err)
	}
}

func TestLoadRejects(t *testing.T) {
	load := func(seg ...elfimage.Segment) elfimage.Image {
		return elfimage.Image{Entry: 0x400000, Segments: seg}
	}
	text := elfimage.Segment{Vaddr: 0x400000, Data: []byte{1}, Flags: elf.PF_R | elf.PF_X}
	for _, test := range []struct {
		name  string
		image []byte
		want  *errors.Error
	}{
		{"garbage", []byte("#!/bin/sh\necho hi\n"), kernerr.ENOEXEC},
		{"little endian", elfimage.Build(elfimage.Image{Segments: []elfimage.Segment{text}, LittleEndian: true}), kernerr.ENOEXEC},
		{"wrong machine", elfimage.Build(elfimage.Image{Segments: []elfimage.Segment{text}, Machine: elf.EM_X86_64}), kernerr.ENOEXEC},
		{"shared object", elfimage.Build(elfimage.Image{Segments: []elfimage.Segment{text}, Type: elf.ET_DYN}), kernerr.ENOEXEC},
		{"dynamic segment", elfimage.Build(load(text, elfimage.Segment{Type: elf.PT_DYNAMIC})), kernerr.ENOEXEC},
		{"interpreter", elfimage.Build(load(elfimage.Segment{Type: elf.PT_INTERP, Data: []byte("/lib/ld.so\x00")}, text)), kernerr.ENOEXEC},
		{"three segments", elfimage.Build(load(
			text,
			elfimage.Segment{Vaddr: 0x10000000, Data: []byte{2}},
			elfimage.Segment{Vaddr: 0x20000000, Data: []byte{3}},
		)), kernerr.EUNIMP},
	} {
		t.Run(test.name, func(t *testing.T) {
			ctx, as, _ := setup(t)
			if _, err := Load(ctx, as, bytes.NewReader(test.image)); !kernerr.Equals(test.want, err) {
				t.Errorf("Load got err %v, want %v", err, test.want)
			}
		})
	}
}

func TestLoadTruncated(t *testing.T) {
	ctx, as, mf := setup(t)
	image := elfimage.Build(sampleImage())
	image = image[:len(image)-8]
	if _, err := Load(ctx, as, bytes.NewReader(image)); !kernerr.Equals(kernerr.ENOEXEC, err) {
		t.Errorf("Load of a truncated image got err %v, want ENOEXEC", err)
	}
	as.Destroy()
	if got := mf.Usage().Used; got != 0 {
		t.Errorf("%d frames used after destroying a failed load", got)
	}
}

func TestLoadRequiresCurrentAddressSpace(t *testing.T) {
	ctx, _, mf := setup(t)
	other := mm.NewAddressSpace(mf, mm.Options{})
	if _, err := Load(ctx, other, bytes.NewReader(elfimage.Build(sampleImage()))); !kernerr.Equals(kernerr.EINVAL, err) {
		t.Errorf("Load into a non-current address space got err %v, want EINVAL", err)
	}
	if other.RegionA().Defined() {
		t.Errorf("region A defined by a rejected load")
	}
}

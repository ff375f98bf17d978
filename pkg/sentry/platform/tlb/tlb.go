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

// Package tlb simulates a MIPS-style software-managed translation lookaside
// buffer.
//
// Each entry is a pair of words. EntryHi holds the virtual page number in its
// upper 20 bits; EntryLo holds the physical frame number in its upper 20 bits
// plus the Valid and Dirty control bits. A valid entry without Dirty maps its
// page read-only: a store through it raises a read-only fault.
//
// The TLB does no locking of its own. Callers serialize access the way the
// kernel does on real hardware, by raising the interrupt priority level of
// the owning CPU.
package tlb

import (
	"fmt"
	"math/rand/v2"
)

// DefaultEntries is the number of entries of the hardware TLB.
const DefaultEntries = 64

// EntryHi and EntryLo field masks.
const (
	// HiPageFrame masks the virtual page number in EntryHi.
	HiPageFrame uint32 = 0xfffff000

	// LoPageFrame masks the physical frame number in EntryLo.
	LoPageFrame uint32 = 0xfffff000

	// LoNoCache marks the page uncached.
	LoNoCache uint32 = 0x00000800

	// LoDirty marks the page writable.
	LoDirty uint32 = 0x00000400

	// LoValid marks the entry valid.
	LoValid uint32 = 0x00000200

	// LoGlobal matches the entry regardless of address space id.
	LoGlobal uint32 = 0x00000100
)

// invalidHiBase is the first kseg0 page used for invalid entries. Kernel
// segment pages never match a user lookup, and giving every slot a distinct
// page keeps invalid entries from colliding with each other.
const invalidHiBase = 0x80000

// InvalidHi returns the EntryHi value used to invalidate slot i.
func InvalidHi(i int) uint32 {
	return (invalidHiBase + uint32(i)) << 12
}

// InvalidLo returns the EntryLo value used to invalidate a slot.
func InvalidLo() uint32 {
	return 0
}

// Entry is one TLB slot.
type Entry struct {
	Hi uint32
	Lo uint32
}

// Valid returns true if the entry is valid.
func (e Entry) Valid() bool {
	return e.Lo&LoValid != 0
}

// Dirty returns true if the entry permits writes.
func (e Entry) Dirty() bool {
	return e.Lo&LoDirty != 0
}

// String implements fmt.Stringer.String.
func (e Entry) String() string {
	flags := ""
	if e.Valid() {
		flags += "V"
	}
	if e.Dirty() {
		flags += "D"
	}
	return fmt.Sprintf("%#x -> %#x [%s]", e.Hi&HiPageFrame, e.Lo&LoPageFrame, flags)
}

// TLB is a fully associative translation cache.
type TLB struct {
	entries []Entry
	rng     *rand.Rand
}

// New returns a TLB with n invalid entries. seed drives the choice of slot in
// Random, so that runs are reproducible.
func New(n int, seed uint64) *TLB {
	if n <= 0 {
		panic(fmt.Sprintf("tlb: invalid size %d", n))
	}
	t := &TLB{
		entries: make([]Entry, n),
		rng:     rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
	for i := range t.entries {
		t.entries[i] = Entry{Hi: InvalidHi(i), Lo: InvalidLo()}
	}
	return t
}

// Len returns the number of slots.
func (t *TLB) Len() int {
	return len(t.entries)
}

// Read returns the contents of slot i.
func (t *TLB) Read(i int) (hi, lo uint32) {
	e := t.entries[i]
	return e.Hi, e.Lo
}

// Write stores hi and lo into slot i.
//
// Like the hardware, Write refuses to create two valid entries for the same
// virtual page; doing so is a kernel bug and panics.
func (t *TLB) Write(hi, lo uint32, i int) {
	if lo&LoValid != 0 {
		if j := t.Probe(hi); j >= 0 && j != i && t.entries[j].Valid() {
			panic(fmt.Sprintf("tlb: duplicate entry for %#08x in slots %d and %d", hi&HiPageFrame, j, i))
		}
	}
	t.entries[i] = Entry{Hi: hi, Lo: lo}
}

// Random stores hi and lo into a slot chosen by the hardware and returns the
// slot used.
func (t *TLB) Random(hi, lo uint32) int {
	i := t.rng.IntN(len(t.entries))
	if j := t.Probe(hi); j >= 0 && lo&LoValid != 0 && t.entries[j].Valid() {
		// Replacing the matching entry keeps the TLB consistent.
		i = j
	}
	t.Write(hi, lo, i)
	return i
}

// Probe returns the slot whose EntryHi matches the page of hi, or -1.
func (t *TLB) Probe(hi uint32) int {
	vpn := hi & HiPageFrame
	for i, e := range t.entries {
		if e.Hi&HiPageFrame == vpn {
			return i
		}
	}
	return -1
}

// Snapshot returns a copy of every slot.
func (t *TLB) Snapshot() []Entry {
	return append([]Entry(nil), t.entries...)
}

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
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/subcommands"
	"github.com/prometheus/common/expfmt"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"github.com/os161/vmsim/pkg/hostarch"
	"github.com/os161/vmsim/vmsim/config"
)

// captureOutput redirects command output for the duration of the test.
func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	old := output
	output = &buf
	t.Cleanup(func() { output = old })
	return &buf
}

func testConfig(t *testing.T, args ...string) *config.Config {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	config.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	conf, err := config.NewFromFlags(fs)
	if err != nil {
		t.Fatalf("NewFromFlags failed: %v", err)
	}
	return conf
}

// execute runs c with the given arguments and the default configuration.
func execute(t *testing.T, c subcommands.Command, conf *config.Config, args ...string) subcommands.ExitStatus {
	t.Helper()
	f := flag.NewFlagSet(c.Name(), flag.ContinueOnError)
	c.SetFlags(f)
	if err := f.Parse(args); err != nil {
		t.Fatalf("%s: Parse(%q) failed: %v", c.Name(), args, err)
	}
	return c.Execute(context.Background(), f, conf)
}

// writeImage writes a synthetic executable and returns its path.
func writeImage(t *testing.T, args ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prog")
	captureOutput(t)
	if status := execute(t, new(MkImage), nil, append(args, path)...); status != subcommands.ExitSuccess {
		t.Fatalf("mkimage %q = %v", args, status)
	}
	return path
}

func TestParseAccess(t *testing.T) {
	for _, test := range []struct {
		in      string
		want    access
		wantErr bool
	}{
		{in: "r:0x400000", want: access{addr: 0x400000}},
		{in: "w:268435456", want: access{write: true, addr: 0x10000000}},
		{in: "x:0x1000", wantErr: true},
		{in: "r0x1000", wantErr: true},
		{in: "r:0x100000000", wantErr: true},
		{in: "w:zzz", wantErr: true},
	} {
		got, err := parseAccess(test.in)
		if (err != nil) != test.wantErr {
			t.Errorf("parseAccess(%q) error = %v, want error %t", test.in, err, test.wantErr)
			continue
		}
		if diff := cmp.Diff(test.want, got, cmp.AllowUnexported(access{})); diff != "" {
			t.Errorf("parseAccess(%q) mismatch (-want +got):\n%s", test.in, diff)
		}
	}
}

func TestLoad(t *testing.T) {
	image := writeImage(t, "--text=5000", "--data=100", "--bss=9000")
	out := captureOutput(t)
	if status := execute(t, new(Load), testConfig(t), "--forks=2", image, "a", "b"); status != subcommands.ExitSuccess {
		t.Fatalf("load = %v, output:\n%s", status, out)
	}
	for _, want := range []string{
		"pid:    2\n",
		"region: [0x400000, 0x402000) r-x 2 pages\n",
		"region: [0x10000000, 0x10003000) rw- 3 pages\n",
		"stack:  [0x7fff4000, 0x80000000) rw- 12 pages\n",
		"argc:   3\n",
		"forked 2 children\n",
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestLoadErrors(t *testing.T) {
	captureOutput(t)
	conf := testConfig(t)
	if status := execute(t, new(Load), conf); status != subcommands.ExitUsageError {
		t.Errorf("load without arguments = %v, want ExitUsageError", status)
	}
	missing := filepath.Join(t.TempDir(), "missing")
	if status := execute(t, new(Load), conf, missing); status != subcommands.ExitStatus(unix.ENOENT) {
		t.Errorf("load of a missing file = %v, want ENOENT", status)
	}
	// Text and data need 1 + 1 + 12 stack pages, which do not fit.
	image := writeImage(t, "--text=4096", "--data=4096")
	small := testConfig(t, "--ram=65536", "--kernel-image-size=4096")
	if status := execute(t, new(Load), small, image); status != subcommands.ExitStatus(unix.ENOMEM) {
		t.Errorf("load on a tiny machine = %v, want ENOMEM", status)
	}
}

func TestFault(t *testing.T) {
	image := writeImage(t)
	out := captureOutput(t)
	status := execute(t, new(Fault), testConfig(t), "--tlb", image, "r:0x400010", "w:0x10000000", "w:0x400000", "r:0x20000000")
	if status != subcommands.ExitFailure {
		t.Errorf("fault = %v, want ExitFailure for the two bad accesses", status)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) < 4 {
		t.Fatalf("output has %d lines, want at least 4:\n%s", len(lines), out)
	}
	for i, prefix := range []string{"r 0x400010 -> ", "w 0x10000000 -> ", "w 0x400000: ", "r 0x20000000: "} {
		if !strings.HasPrefix(lines[i], prefix) {
			t.Errorf("line %d = %q, want prefix %q", i, lines[i], prefix)
		}
	}
	if !strings.Contains(out.String(), "tlb[0]: ") {
		t.Errorf("output has no TLB dump:\n%s", out)
	}
}

func TestStat(t *testing.T) {
	image := writeImage(t)
	conf := testConfig(t)

	out := captureOutput(t)
	if status := execute(t, new(Stat), conf, "--format=json", "--runs", image); status != subcommands.ExitSuccess {
		t.Fatalf("stat = %v", status)
	}
	var got Stats
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("json.Unmarshal failed: %v\n%s", err, out)
	}
	// Text, data and stack.
	if want := uint32(1 + 1 + 12); got.Usage.Used != want {
		t.Errorf("Used = %d, want %d", got.Usage.Used, want)
	}
	if len(got.Runs) != 14 {
		t.Errorf("got %d runs, want 14 single-page runs", len(got.Runs))
	}

	out.Reset()
	if status := execute(t, new(Stat), conf, "--format=yaml"); status != subcommands.ExitSuccess {
		t.Fatalf("stat = %v", status)
	}
	var fromYAML Stats
	if err := yaml.Unmarshal(out.Bytes(), &fromYAML); err != nil {
		t.Fatalf("yaml.Unmarshal failed: %v\n%s", err, out)
	}
	if fromYAML.Usage.Used != 0 || fromYAML.Usage.Total == 0 {
		t.Errorf("fresh machine usage = %+v, want no frames used", fromYAML.Usage)
	}

	out.Reset()
	if status := execute(t, new(Stat), conf, "--format=prometheus"); status != subcommands.ExitSuccess {
		t.Fatalf("stat = %v", status)
	}
	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(out)
	if err != nil {
		t.Fatalf("TextToMetricFamilies failed: %v", err)
	}
	if _, ok := families["vmsim_pgalloc_frames_allocated"]; !ok {
		t.Errorf("prometheus output has no frames_allocated counter")
	}

	if status := execute(t, new(Stat), conf, "--format=xml"); status != subcommands.ExitFailure {
		t.Errorf("stat --format=xml = %v, want ExitFailure", status)
	}
}

func TestStress(t *testing.T) {
	out := captureOutput(t)
	conf := testConfig(t, "--cpus=4", "--ram=1048576", "--tlb-entries=8")
	if status := execute(t, new(Stress), conf, "--iterations=20", "--runs=2", "--max-pages=8"); status != subcommands.ExitSuccess {
		t.Fatalf("stress = %v, output:\n%s", status, out)
	}
	if got := strings.Count(out.String(), "address spaces"); got != 2 {
		t.Errorf("got %d run summaries, want 2:\n%s", got, out)
	}
	if conf.TLBSeed != 1 {
		t.Errorf("stress modified the caller's config: TLBSeed = %d", conf.TLBSeed)
	}
}

func TestMkImage(t *testing.T) {
	m := &MkImage{text: 10, data: 3, bss: 5, entry: uint(stressTextBase) + 4}
	img := m.image()
	if img.Entry != 0x400004 {
		t.Errorf("Entry = %#x, want 0x400004", img.Entry)
	}
	if len(img.Segments) != 2 {
		t.Fatalf("got %d segments, want 2", len(img.Segments))
	}
	if got := img.Segments[1].Memsz; got != 8 {
		t.Errorf("data Memsz = %d, want 8", got)
	}
	if got := hostarch.Addr(img.Segments[1].Vaddr); got != stressDataBase {
		t.Errorf("data Vaddr = %v, want %v", got, stressDataBase)
	}

	captureOutput(t)
	path := filepath.Join(t.TempDir(), "prog")
	if status := execute(t, new(MkImage), nil, "--text=0", path); status != subcommands.ExitFailure {
		t.Errorf("mkimage --text=0 = %v, want ExitFailure", status)
	}
}

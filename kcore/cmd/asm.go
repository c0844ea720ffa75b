// Copyright 2025 The gVisor Authors.
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
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/subcommands"
	"kcore.dev/kcore/pkg/hostarch"
	"kcore.dev/kcore/pkg/sentry/loader"
	"kcore.dev/kcore/pkg/sentry/loader/asm"
)

// stringFlags can be used with string flags that appear multiple times.
type stringFlags []string

// String implements flag.Value.
func (s *stringFlags) String() string {
	return strings.Join(*s, ",")
}

// Get implements flag.Getter.
func (s *stringFlags) Get() any {
	return s
}

// Set implements flag.Value.
func (s *stringFlags) Set(v string) error {
	if v == "" {
		return fmt.Errorf("flag value must not be empty")
	}
	*s = append(*s, v)
	return nil
}

// Asm implements subcommands.Command for the "asm" command.
type Asm struct {
	output      string
	library     bool
	disassemble bool
	libs        stringFlags

	// Out overrides os.Stdout for disassembly.
	Out io.Writer
}

// Name implements subcommands.Command.Name.
func (*Asm) Name() string {
	return "asm"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Asm) Synopsis() string {
	return "assemble a program or disassemble an image"
}

// Usage implements subcommands.Command.Usage.
func (*Asm) Usage() string {
	return `asm [flags] <file> - assemble a source file into an image, or disassemble an image with -d.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (a *Asm) SetFlags(f *flag.FlagSet) {
	f.StringVar(&a.output, "o", "", "output image path. Defaults to the source path with a .kexe extension.")
	f.BoolVar(&a.library, "shared", false, "produce a shared library.")
	f.BoolVar(&a.disassemble, "d", false, "disassemble the image instead of assembling.")
	f.Var(&a.libs, "L", "library image whose symbols the source may use. Can be repeated.")
}

// Execute implements subcommands.Command.Execute.
func (a *Asm) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	in := f.Arg(0)
	b, err := os.ReadFile(in)
	if err != nil {
		return Errorf("%v", err)
	}

	if a.disassemble {
		img, err := readImage(b)
		if err != nil {
			return Errorf("%s: %v", in, err)
		}
		fmt.Fprint(outOrStdout(a.Out), asm.Disassemble(img))
		return subcommands.ExitSuccess
	}

	opts := asm.Options{Kind: loader.KindExecutable, Externs: make(map[string]hostarch.Addr)}
	if a.library {
		opts.Kind = loader.KindLibrary
	}
	for _, lib := range a.libs {
		lb, err := os.ReadFile(lib)
		if err != nil {
			return Errorf("%v", err)
		}
		img, err := readImage(lb)
		if err != nil {
			return Errorf("%s: %v", lib, err)
		}
		for name, addr := range img.Symbols {
			opts.Externs[name] = addr
		}
	}
	img, err := asm.Assemble(string(b), opts)
	if err != nil {
		return Errorf("%s: %v", in, err)
	}
	out, err := img.MarshalBinary()
	if err != nil {
		return Errorf("encoding image: %v", err)
	}
	outPath := a.output
	if outPath == "" {
		outPath = strings.TrimSuffix(in, ".s") + ".kexe"
	}
	if err := os.WriteFile(outPath, out, 0644); err != nil {
		return Errorf("%v", err)
	}
	return subcommands.ExitSuccess
}

func readImage(b []byte) (*loader.Image, error) {
	img := &loader.Image{}
	if err := img.UnmarshalBinary(b); err != nil {
		return nil, err
	}
	return img, nil
}

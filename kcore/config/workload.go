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

package config

import (
	"flag"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
)

// Workload describes what a run boots: the programs and files placed in the
// root filesystem, the host directories mounted beside them and the first
// task.
//
// A workload file looks like:
//
//	[init]
//	path = "/bin/init"
//	argv = ["init"]
//
//	[[library]]
//	path = "/lib/libc"
//	source = "libc.s"
//
//	[[program]]
//	path = "/bin/init"
//	source = "init.s"
//
//	[[file]]
//	path = "/etc/motd"
//	content = "hello\n"
//
//	[[mount]]
//	target = "/host"
//	source = "data"
//
//	[flags]
//	quantum = 500
type Workload struct {
	Init      Init           `toml:"init"`
	Libraries []Program      `toml:"library"`
	Programs  []Program      `toml:"program"`
	Files     []File         `toml:"file"`
	Mounts    []Mount        `toml:"mount"`
	Flags     map[string]any `toml:"flags"`

	// Dir is the directory relative host paths are resolved against.
	Dir string `toml:"-"`
}

// Init describes the first task.
type Init struct {
	Path string   `toml:"path"`
	Argv []string `toml:"argv"`
	Env  []string `toml:"env"`
}

// Program is an executable or library installed in the root filesystem.
// Exactly one of Source, Text or Binary must be set.
type Program struct {
	// Path is the absolute path of the image in the root filesystem.
	Path string `toml:"path"`

	// Source is a host file holding assembly.
	Source string `toml:"source"`

	// Text is inline assembly.
	Text string `toml:"text"`

	// Binary is a host file holding an already assembled image.
	Binary string `toml:"binary"`
}

// File is a regular file installed in the root filesystem. At most one of
// Content and Host may be set.
type File struct {
	Path    string `toml:"path"`
	Content string `toml:"content"`
	Host    string `toml:"host"`
}

// Mount mounts the host directory Source at Target.
type Mount struct {
	Target string `toml:"target"`
	Source string `toml:"source"`
}

// LoadWorkload reads and validates the workload file at p.
func LoadWorkload(p string) (*Workload, error) {
	w := &Workload{}
	md, err := toml.DecodeFile(p, w)
	if err != nil {
		return nil, fmt.Errorf("reading workload %q: %w", p, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("workload %q: unknown keys %v", p, undecoded)
	}
	w.Dir = filepath.Dir(p)
	if err := w.validate(); err != nil {
		return nil, fmt.Errorf("workload %q: %w", p, err)
	}
	return w, nil
}

func (w *Workload) validate() error {
	if !path.IsAbs(w.Init.Path) {
		return fmt.Errorf("init path %q must be absolute", w.Init.Path)
	}
	for _, p := range append(append([]Program(nil), w.Libraries...), w.Programs...) {
		if !path.IsAbs(p.Path) {
			return fmt.Errorf("program path %q must be absolute", p.Path)
		}
		n := 0
		for _, s := range []string{p.Source, p.Text, p.Binary} {
			if s != "" {
				n++
			}
		}
		if n != 1 {
			return fmt.Errorf("program %q: exactly one of source, text or binary must be set", p.Path)
		}
	}
	for _, f := range w.Files {
		if !path.IsAbs(f.Path) {
			return fmt.Errorf("file path %q must be absolute", f.Path)
		}
		if f.Content != "" && f.Host != "" {
			return fmt.Errorf("file %q: content and host are mutually exclusive", f.Path)
		}
	}
	for _, m := range w.Mounts {
		if !path.IsAbs(m.Target) || m.Target == "/" {
			return fmt.Errorf("mount target %q must be an absolute path other than /", m.Target)
		}
		if m.Source == "" {
			return fmt.Errorf("mount %q has no source", m.Target)
		}
	}
	return nil
}

// HostPath resolves p, a host path from the workload, against w.Dir.
func (w *Workload) HostPath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(w.Dir, p)
}

// ReadHost reads the host file p named by the workload.
func (w *Workload) ReadHost(p string) ([]byte, error) {
	return os.ReadFile(w.HostPath(p))
}

// Argv returns the init argument vector, defaulting to the init path.
func (w *Workload) Argv() []string {
	if len(w.Init.Argv) == 0 {
		return []string{w.Init.Path}
	}
	return w.Init.Argv
}

// ApplyFlags returns a copy of conf with the workload's flag overrides
// applied. conf is left unchanged.
func (w *Workload) ApplyFlags(conf *Config, flagSet *flag.FlagSet) (*Config, error) {
	c := deepcopy.Copy(conf).(*Config)
	names := make([]string, 0, len(w.Flags))
	for name := range w.Flags {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		v, err := flagString(w.Flags[name])
		if err != nil {
			return nil, fmt.Errorf("workload flag %q: %w", name, err)
		}
		if err := c.Override(flagSet, name, v); err != nil {
			return nil, err
		}
	}
	return c, nil
}

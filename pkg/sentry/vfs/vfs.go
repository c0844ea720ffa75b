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

package vfs

import (
	"context"
	"path"
	"sort"
	"strings"

	"kcore.dev/kcore/pkg/errors/linuxerr"
	"kcore.dev/kcore/pkg/sync"
)

// FilesystemImpl opens files below a mount point.
type FilesystemImpl interface {
	// OpenAt opens the file at rel, a clean path relative to the mount
	// point ("." for the mount point itself).
	OpenAt(ctx context.Context, rel string, flags uint32) (*FileDescription, error)
}

// VirtualFilesystem is the kernel's path namespace: a set of filesystems
// mounted at absolute paths.
type VirtualFilesystem struct {
	mu     sync.RWMutex
	mounts map[string]FilesystemImpl
}

// New returns an empty VirtualFilesystem.
func New() *VirtualFilesystem {
	return &VirtualFilesystem{mounts: make(map[string]FilesystemImpl)}
}

// Mount attaches fs at target, replacing any filesystem mounted there.
func (vfs *VirtualFilesystem) Mount(target string, fs FilesystemImpl) error {
	if !path.IsAbs(target) {
		return linuxerr.EINVAL
	}
	vfs.mu.Lock()
	defer vfs.mu.Unlock()
	vfs.mounts[path.Clean(target)] = fs
	return nil
}

// Mounts returns the mount points in lexical order.
func (vfs *VirtualFilesystem) Mounts() []string {
	vfs.mu.RLock()
	defer vfs.mu.RUnlock()
	targets := make([]string, 0, len(vfs.mounts))
	for t := range vfs.mounts {
		targets = append(targets, t)
	}
	sort.Strings(targets)
	return targets
}

// resolve returns the filesystem owning p, chosen by longest mount prefix,
// and p relative to its mount point.
func (vfs *VirtualFilesystem) resolve(p string) (FilesystemImpl, string, bool) {
	vfs.mu.RLock()
	defer vfs.mu.RUnlock()
	for cur := p; ; cur = path.Dir(cur) {
		if fs, ok := vfs.mounts[cur]; ok {
			rel := strings.TrimPrefix(strings.TrimPrefix(p, cur), "/")
			if rel == "" {
				rel = "."
			}
			return fs, rel, true
		}
		if cur == "/" {
			return nil, "", false
		}
	}
}

// OpenAt opens the file at p. Relative paths are resolved against cwd.
func (vfs *VirtualFilesystem) OpenAt(ctx context.Context, cwd, p string, flags uint32) (*FileDescription, error) {
	if p == "" {
		return nil, linuxerr.ENOENT
	}
	if !path.IsAbs(p) {
		p = path.Join("/", cwd, p)
	}
	p = path.Clean(p)
	fs, rel, ok := vfs.resolve(p)
	if !ok {
		return nil, linuxerr.ENOENT
	}
	return fs.OpenAt(ctx, rel, flags)
}

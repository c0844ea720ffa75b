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

package loader

import (
	"encoding/binary"
	"fmt"
	"sort"

	"kcore.dev/kcore/pkg/errors/linuxerr"
	"kcore.dev/kcore/pkg/hostarch"
)

const (
	// imageMagic identifies an executable image.
	imageMagic = "KEXE"

	imageVersion = 1

	// imageHeaderSize is the size of the fixed image header.
	imageHeaderSize = 36

	// maxImageSize bounds the size of an image file.
	maxImageSize = 16 << 20
)

// Kind is the kind of an image.
type Kind uint8

const (
	// KindExecutable is a program.
	KindExecutable Kind = iota

	// KindLibrary is a shared library.
	KindLibrary
)

// String implements fmt.Stringer.String.
func (k Kind) String() string {
	switch k {
	case KindExecutable:
		return "executable"
	case KindLibrary:
		return "library"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Image is a linked program or library.
//
// Text is loaded read-execute at Base. Data is loaded read-write at
// DataBase.
type Image struct {
	Kind  Kind
	Base  hostarch.Addr
	Entry hostarch.Addr
	Text  []byte
	Data  []byte

	// Needs names the shared libraries the image links against.
	Needs []string

	// Symbols maps label names to addresses.
	Symbols map[string]hostarch.Addr
}

// DataBase returns the address of the data segment.
func (img *Image) DataBase() hostarch.Addr {
	return img.Base + hostarch.Addr(textSize(len(img.Text)))
}

// End returns the end of the loaded image.
func (img *Image) End() hostarch.Addr {
	end, _ := hostarch.PageRoundUp(uint64(len(img.Data)))
	return img.DataBase() + hostarch.Addr(end)
}

func textSize(n int) uint64 {
	sz, _ := hostarch.PageRoundUp(uint64(n))
	return sz
}

// SymbolAt returns the symbol with the greatest address not above addr.
func (img *Image) SymbolAt(addr hostarch.Addr) (string, hostarch.Addr, bool) {
	var (
		best  string
		baddr hostarch.Addr
		found bool
	)
	for name, a := range img.Symbols {
		if a <= addr && (!found || a > baddr || (a == baddr && name < best)) {
			best, baddr, found = name, a, true
		}
	}
	return best, baddr, found
}

// MarshalBinary implements encoding.BinaryMarshaler.MarshalBinary.
func (img *Image) MarshalBinary() ([]byte, error) {
	if len(img.Needs) > 0xffff || len(img.Symbols) > 0xffff {
		return nil, fmt.Errorf("too many needed libraries or symbols")
	}
	if uint64(len(img.Text)) > 0xffffffff || uint64(len(img.Data)) > 0xffffffff {
		return nil, fmt.Errorf("segment too large")
	}
	b := make([]byte, imageHeaderSize, imageHeaderSize+len(img.Text)+len(img.Data))
	copy(b, imageMagic)
	b[4] = imageVersion
	b[5] = byte(img.Kind)
	binary.LittleEndian.PutUint64(b[8:], uint64(img.Base))
	binary.LittleEndian.PutUint64(b[16:], uint64(img.Entry))
	binary.LittleEndian.PutUint32(b[24:], uint32(len(img.Text)))
	binary.LittleEndian.PutUint32(b[28:], uint32(len(img.Data)))
	binary.LittleEndian.PutUint16(b[32:], uint16(len(img.Needs)))
	binary.LittleEndian.PutUint16(b[34:], uint16(len(img.Symbols)))

	putString := func(s string) error {
		if len(s) > 0xffff {
			return fmt.Errorf("name %.16q... too long", s)
		}
		b = binary.LittleEndian.AppendUint16(b, uint16(len(s)))
		b = append(b, s...)
		return nil
	}
	for _, n := range img.Needs {
		if err := putString(n); err != nil {
			return nil, err
		}
	}
	names := make([]string, 0, len(img.Symbols))
	for name := range img.Symbols {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := putString(name); err != nil {
			return nil, err
		}
		b = binary.LittleEndian.AppendUint64(b, uint64(img.Symbols[name]))
	}
	b = append(b, img.Text...)
	b = append(b, img.Data...)
	return b, nil
}

// imageDecoder reads an image, recording the first error.
type imageDecoder struct {
	b   []byte
	bad bool
}

func (d *imageDecoder) take(n int) []byte {
	if d.bad || n > len(d.b) {
		d.bad = true
		return nil
	}
	v := d.b[:n:n]
	d.b = d.b[n:]
	return v
}

func (d *imageDecoder) string() string {
	n := d.take(2)
	if n == nil {
		return ""
	}
	return string(d.take(int(binary.LittleEndian.Uint16(n))))
}

func (d *imageDecoder) uint64() uint64 {
	v := d.take(8)
	if v == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(v)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.UnmarshalBinary. It
// returns ENOEXEC if b is not an image.
func (img *Image) UnmarshalBinary(b []byte) error {
	if len(b) < imageHeaderSize || string(b[:4]) != imageMagic || b[4] != imageVersion {
		return linuxerr.ENOEXEC
	}
	img.Kind = Kind(b[5])
	if img.Kind != KindExecutable && img.Kind != KindLibrary {
		return linuxerr.ENOEXEC
	}
	img.Base = hostarch.Addr(binary.LittleEndian.Uint64(b[8:]))
	img.Entry = hostarch.Addr(binary.LittleEndian.Uint64(b[16:]))
	textLen := int(binary.LittleEndian.Uint32(b[24:]))
	dataLen := int(binary.LittleEndian.Uint32(b[28:]))
	nNeeds := int(binary.LittleEndian.Uint16(b[32:]))
	nSyms := int(binary.LittleEndian.Uint16(b[34:]))

	d := imageDecoder{b: b[imageHeaderSize:]}
	img.Needs = nil
	for i := 0; i < nNeeds; i++ {
		img.Needs = append(img.Needs, d.string())
	}
	img.Symbols = make(map[string]hostarch.Addr, nSyms)
	for i := 0; i < nSyms; i++ {
		name := d.string()
		img.Symbols[name] = hostarch.Addr(d.uint64())
	}
	img.Text = d.take(textLen)
	img.Data = d.take(dataLen)
	if d.bad || len(d.b) != 0 {
		return linuxerr.ENOEXEC
	}
	if !img.Base.IsPageAligned() {
		return linuxerr.ENOEXEC
	}
	return nil
}

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

// Package hostarch describes the simulated machine's memory geometry and
// address types.
package hostarch

const (
	// PageShift is the binary log of the page size.
	PageShift = 12

	// PageSize is the size of one page in bytes.
	PageSize = 1 << PageShift

	// RegionShift is the binary log of the page-region size.
	RegionShift = 22

	// RegionSize is the size of one page region, the unit in which an address
	// space tracks its page tables.
	RegionSize = 1 << RegionShift

	// PagesPerRegion is the number of pages described by one region.
	PagesPerRegion = RegionSize / PageSize

	// KernelBase is the lowest kernel-half address. User addresses are
	// strictly below it.
	KernelBase Addr = 0xffff_8000_0000_0000

	// UserMax is one past the highest address a task may map.
	UserMax Addr = 0x0000_7fff_ffff_f000
)

// AccessType specifies memory access types. This is used for
// setting mapping permissions, as well as communicating faults.
type AccessType struct {
	// Read is read access.
	Read bool

	// Write is write access.
	Write bool

	// Execute is executable access.
	Execute bool
}

// String returns a pretty representation of access. This looks like the
// familiar r-x, rw-, etc. and can be relied on as such.
func (a AccessType) String() string {
	bits := [3]byte{'-', '-', '-'}
	if a.Read {
		bits[0] = 'r'
	}
	if a.Write {
		bits[1] = 'w'
	}
	if a.Execute {
		bits[2] = 'x'
	}
	return string(bits[:])
}

// Any returns true iff at least one of Read, Write or Execute is true.
func (a AccessType) Any() bool {
	return a.Read || a.Write || a.Execute
}

// SupersetOf returns true iff the access types in a are a superset of the
// access types in other.
func (a AccessType) SupersetOf(other AccessType) bool {
	if !a.Read && other.Read {
		return false
	}
	if !a.Write && other.Write {
		return false
	}
	if !a.Execute && other.Execute {
		return false
	}
	return true
}

// Intersect returns the access types set in both a and other.
func (a AccessType) Intersect(other AccessType) AccessType {
	return AccessType{
		Read:    a.Read && other.Read,
		Write:   a.Write && other.Write,
		Execute: a.Execute && other.Execute,
	}
}

// Union returns the access types set in either a or other.
func (a AccessType) Union(other AccessType) AccessType {
	return AccessType{
		Read:    a.Read || other.Read,
		Write:   a.Write || other.Write,
		Execute: a.Execute || other.Execute,
	}
}

// Effective returns the set of effective access types allowed by a, even if
// some types are not explicitly allowed.
func (a AccessType) Effective() AccessType {
	// In Linux, Write and Execute access generally imply Read access. See
	// mm/mmap.c:protection_map.
	if a.Write || a.Execute {
		a.Read = true
	}
	return a
}

// Bits for pkg/abi/linux PROT_* values.
const (
	protRead  = 0x1
	protWrite = 0x2
	protExec  = 0x4
)

// AccessTypeFromProt converts PROT_* bits into an AccessType.
func AccessTypeFromProt(prot uint64) AccessType {
	return AccessType{
		Read:    prot&protRead != 0,
		Write:   prot&protWrite != 0,
		Execute: prot&protExec != 0,
	}
}

// Prot returns the PROT_* bits equivalent to a.
func (a AccessType) Prot() uint64 {
	var prot uint64
	if a.Read {
		prot |= protRead
	}
	if a.Write {
		prot |= protWrite
	}
	if a.Execute {
		prot |= protExec
	}
	return prot
}

// Convenient access types.
var (
	NoAccess  = AccessType{}
	Read      = AccessType{Read: true}
	Write     = AccessType{Write: true}
	Execute   = AccessType{Execute: true}
	ReadWrite = AccessType{Read: true, Write: true}
	ReadExec  = AccessType{Read: true, Execute: true}
	AnyAccess = AccessType{Read: true, Write: true, Execute: true}
)

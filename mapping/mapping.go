// Package mapping implements per-address-space region metadata and fault
// policy (spec.md §3, §4.G): NormalMapping, backed by a VirtualView, and
// CowMapping, backed directly by a CowBundle.
package mapping

import (
	"uvm/bundle"
	"uvm/defs"
	"uvm/ptable"
)

// ForkDisposition controls what happens to a Mapping across fork (spec.md
// §3, §4.I).
type ForkDisposition int

const (
	Drop ForkDisposition = iota
	Share
	CopyOnWrite
)

// Flags carries per-address-space region metadata (spec.md §3).
type Flags struct {
	Read, Write, Exec  bool
	Fork               ForkDisposition
	DontRequireBacking bool
}

func (f Flags) prot() ptable.Prot {
	var p ptable.Prot
	if f.Read {
		p |= ptable.ProtRead
	}
	if f.Write {
		p |= ptable.ProtWrite
	}
	if f.Exec {
		p |= ptable.ProtExec
	}
	return p
}

// ProtBits exports the page-table protection bits for this Flags value,
// for callers (like addrspace.Space.Protect) outside this package that
// need to re-map already-resident pages after a protection change.
func (f Flags) ProtBits() ptable.Prot { return f.prot() }

// Mapping is the region-metadata-plus-fault-policy contract (spec.md
// §4.G). A mapping is reachable from exactly one MappingTree at a time.
type Mapping interface {
	// Start, Length return the mapping's virtual interval.
	Start() uintptr
	Length() int64
	Flags() Flags

	// ResolveRange delegates range resolution to the mapping's backing
	// view or CoW chain.
	ResolveRange(off, size int64) (bundle.Bundle, int64, int64, defs.Err_t)

	// Install prepares the mapping for use. It never itself populates
	// page tables; faults populate lazily unless the caller of
	// AddressSpace.Map requested eager population, in which case it
	// drives HandleFault over the whole range afterward.
	Install(overwrite bool)

	// HandleFault resolves a single-page fault at virtual address va
	// (va must fall within [Start, Start+Length)). write indicates the
	// fault was caused by a write access. pt is the page table to
	// install the resolved translation into.
	HandleFault(pt ptable.ClientPageSpace, va uintptr, write bool) defs.Err_t

	// Share returns a mapping for the destination address space that
	// shares the same backing storage (spec.md §4.G "share").
	Share() Mapping

	// ForkCOW implements the "bump to CoW on fork" step (spec.md §4.G
	// "cow"). It returns the mapping that must replace this one in the
	// source address space (nil if the source mapping is unchanged) and
	// the new mapping to install in the destination address space.
	ForkCOW() (newSource Mapping, newDest Mapping)
}

func pageOffset(start uintptr, va uintptr) int64 { return int64(va - start) }

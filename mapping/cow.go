package mapping

import (
	"go.uber.org/zap"

	"uvm/bundle"
	"uvm/defs"
	"uvm/mem"
	"uvm/ptable"
)

// Cow is a mapping backed directly by a CowBundle (spec.md §4.G
// "CowMapping").
type Cow struct {
	start  uintptr
	length int64
	flags  Flags
	cow    *bundle.Cow
	offset int64 // offset into cow at which this mapping begins

	alloc mem.PhysAllocator
	dmap  mem.Mapper
	log   *zap.Logger
}

// NewCow returns a Cow mapping of [start, start+length) resolving through
// cb starting at cowOffset. cowOffset lets a mapping cover a sub-range of
// a wider CowBundle, the same role Normal's viewOffset plays, needed so
// Unmap can split a mapping into residual pieces without disturbing the
// underlying bundle (spec.md §9 partial-unmap resolution).
func NewCow(start uintptr, length int64, flags Flags, cb *bundle.Cow, cowOffset int64, alloc mem.PhysAllocator, dmap mem.Mapper, log *zap.Logger) *Cow {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cow{start: start, length: length, flags: flags, cow: cb, offset: cowOffset, alloc: alloc, dmap: dmap, log: log}
}

func (c *Cow) Start() uintptr { return c.start }
func (c *Cow) Length() int64  { return c.length }
func (c *Cow) Flags() Flags   { return c.flags }

// SetFlags rewrites this mapping's protection in place (addrspace.Space's
// mprotect-equivalent Protect).
func (c *Cow) SetFlags(f Flags) { c.flags = f }

// Resized returns a copy of this mapping narrowed to [newStart,
// newStart+newLen), used by AddressSpace.Unmap to keep a residual piece
// after a partial unmap (spec.md §9 resolution).
func (c *Cow) Resized(newStart uintptr, newLen int64) *Cow {
	delta := int64(newStart - c.start)
	return NewCow(newStart, newLen, c.flags, c.cow, c.offset+delta, c.alloc, c.dmap, c.log)
}

// ResolveRange implements Mapping: returns the underlying CowBundle
// directly, windowed by this mapping's offset into it (spec.md §4.G).
func (c *Cow) ResolveRange(off, size int64) (bundle.Bundle, int64, int64, defs.Err_t) {
	if off < 0 || off >= c.length {
		return nil, 0, 0, defs.EFAULT
	}
	usable := c.length - off
	if size < usable {
		usable = size
	}
	return c.cow, c.offset + off, usable, defs.Success
}

// Install implements Mapping.
func (c *Cow) Install(_ bool) {}

// HandleFault implements Mapping. A read fault for a page not yet copied
// is served straight off the parent, read-only, via CowBundle.FetchRead,
// deferring the allocate-and-copy to the first write fault (spec.md §9,
// permitted but not required); a write fault always goes through
// CowBundle.Fetch, which allocates and copies, and maps with full
// protection so subsequent writes do not trap again.
func (c *Cow) HandleFault(pt ptable.ClientPageSpace, va uintptr, write bool) defs.Err_t {
	if write && !c.flags.Write {
		return defs.EACCESS
	}
	off := c.offset + pageOffset(c.start, va)

	node := &bundle.FetchNode{}
	done := make(chan struct{})
	var ferr defs.Err_t
	onReady := func(ready *bundle.FetchNode) { node = ready; ferr = node.Err; close(done) }

	var synchronous bool
	if write {
		synchronous = c.cow.Fetch(off, node, onReady)
	} else {
		synchronous = c.cow.FetchRead(off, node, onReady)
	}
	if synchronous {
		ferr = node.Err
	} else {
		<-done
	}
	if ferr != defs.Success {
		return ferr
	}

	prot := c.flags.prot()
	if !write {
		if _, owned := c.cow.Peek(off - off%mem.PGSIZE); !owned {
			prot &^= ptable.ProtWrite
		}
	}
	pt.Map(va, node.Phys, prot)
	return defs.Success
}

// Share implements Mapping: both sides then write through the same
// CowBundle (spec.md §4.G "equivalent to turning a CoW page into a
// shared one by promotion").
func (c *Cow) Share() Mapping {
	return NewCow(c.start, c.length, c.flags, c.cow, c.offset, c.alloc, c.dmap, c.log)
}

// ForkCOW implements Mapping (spec.md §4.G CowMapping.cow). The spec's
// literal text leaves the source mapping untouched and only wraps a new
// child CowBundle for the destination, parented on the current bundle.
// That would let the destination's later reads observe writes the
// source makes to the (still shared) parent bundle after the fork,
// violating the per-side isolation of spec.md §8 testable property 7.
// This implementation instead gives BOTH sides a fresh child CowBundle
// parented on the existing one, symmetric to NormalMapping.ForkCOW — see
// DESIGN.md for the full justification.
func (c *Cow) ForkCOW() (Mapping, Mapping) {
	srcChild := bundle.NewCowOverParent(c.cow, c.offset, c.alloc, c.dmap, c.log)
	dstChild := bundle.NewCowOverParent(c.cow, c.offset, c.alloc, c.dmap, c.log)
	newSrc := NewCow(c.start, c.length, c.flags, srcChild, 0, c.alloc, c.dmap, c.log)
	newDst := NewCow(c.start, c.length, c.flags, dstChild, 0, c.alloc, c.dmap, c.log)
	return newSrc, newDst
}

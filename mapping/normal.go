package mapping

import (
	"go.uber.org/zap"

	"uvm/bundle"
	"uvm/defs"
	"uvm/mem"
	"uvm/ptable"
	"uvm/view"
)

// Normal is a mapping backed by a VirtualView (spec.md §4.G
// "NormalMapping").
type Normal struct {
	start  uintptr
	length int64
	flags  Flags
	view   *view.Exterior
	offset int64 // offset into view at which this mapping begins

	alloc mem.PhysAllocator
	dmap  mem.Mapper
	log   *zap.Logger
}

// NewNormal returns a Normal mapping of [start, start+length) resolving
// through v starting at viewOffset.
func NewNormal(start uintptr, length int64, flags Flags, v *view.Exterior, viewOffset int64, alloc mem.PhysAllocator, dmap mem.Mapper, log *zap.Logger) *Normal {
	if log == nil {
		log = zap.NewNop()
	}
	return &Normal{start: start, length: length, flags: flags, view: v, offset: viewOffset, alloc: alloc, dmap: dmap, log: log}
}

func (n *Normal) Start() uintptr { return n.start }
func (n *Normal) Length() int64  { return n.length }
func (n *Normal) Flags() Flags   { return n.flags }

// SetFlags rewrites this mapping's protection in place (addrspace.Space's
// mprotect-equivalent Protect).
func (n *Normal) SetFlags(f Flags) { n.flags = f }

// Resized returns a copy of this mapping narrowed to [newStart,
// newStart+newLen), used by AddressSpace.Unmap to keep a residual piece
// after a partial unmap (spec.md §9 resolution).
func (n *Normal) Resized(newStart uintptr, newLen int64) *Normal {
	delta := int64(newStart - n.start)
	return NewNormal(newStart, newLen, n.flags, n.view, n.offset+delta, n.alloc, n.dmap, n.log)
}

// ResolveRange implements Mapping.
func (n *Normal) ResolveRange(off, size int64) (bundle.Bundle, int64, int64, defs.Err_t) {
	return n.view.ResolveRange(n.offset+off, size)
}

// Install implements Mapping. Populating page tables eagerly is the
// caller's (AddressSpace.Map's) responsibility when kMapPopulate is set
// (spec.md §4.G).
func (n *Normal) Install(_ bool) {}

// HandleFault implements Mapping.
func (n *Normal) HandleFault(pt ptable.ClientPageSpace, va uintptr, write bool) defs.Err_t {
	if write && !n.flags.Write {
		return defs.EACCESS
	}
	off := pageOffset(n.start, va)
	b, boff, _, err := n.ResolveRange(off, mem.PGSIZE)
	if err != defs.Success {
		return err
	}
	node := &bundle.FetchNode{}
	done := make(chan struct{})
	var ferr defs.Err_t
	if b.Fetch(boff, node, func(ready *bundle.FetchNode) { node = ready; ferr = node.Err; close(done) }) {
		ferr = node.Err
	} else {
		<-done
	}
	if ferr != defs.Success {
		return ferr
	}
	pt.Map(va, node.Phys, n.flags.prot())
	return defs.Success
}

// Share implements Mapping: the returned mapping points at the same view
// (shared semantics).
func (n *Normal) Share() Mapping {
	return NewNormal(n.start, n.length, n.flags, n.view, n.offset, n.alloc, n.dmap, n.log)
}

// ForkCOW implements Mapping (spec.md §4.G NormalMapping.cow). Both the
// replacement source mapping and the destination mapping get their own
// CowBundle layered over the same underlying view, rather than literally
// sharing one CowBundle instance: sharing one instance would let a write
// on either side publish into the other side's local-copy map, which
// would violate the per-side isolation required by spec.md §8 testable
// property 7 ("for copyOnWrite, a write in either space changes only
// that side's physical page"). This is documented in DESIGN.md.
func (n *Normal) ForkCOW() (Mapping, Mapping) {
	srcCow := bundle.NewCowOverView(n.view, n.offset, n.alloc, n.dmap, n.log)
	dstCow := bundle.NewCowOverView(n.view, n.offset, n.alloc, n.dmap, n.log)

	srcView := view.NewExterior(srcCow, 0, n.length)
	dstView := view.NewExterior(dstCow, 0, n.length)

	newSrc := NewNormal(n.start, n.length, n.flags, srcView, 0, n.alloc, n.dmap, n.log)
	newDst := NewNormal(n.start, n.length, n.flags, dstView, 0, n.alloc, n.dmap, n.log)
	return newSrc, newDst
}

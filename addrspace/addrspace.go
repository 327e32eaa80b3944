// Package addrspace implements AddressSpace (spec.md §3, §4.I): the
// per-process owner of the disjoint hole/mapping trees and the machine
// page table, driving map/unmap/fault/fork/activate.
package addrspace

import (
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"uvm/bundle"
	"uvm/defs"
	"uvm/holetree"
	"uvm/mapping"
	"uvm/mem"
	"uvm/ptable"
	"uvm/view"
	"uvm/workq"
)

// Policy selects how Map picks a hole.
type Policy int

const (
	// BestFitBottom descends toward the lowest-addressed qualifying hole.
	BestFitBottom Policy = iota
	// BestFitTop descends toward the highest-addressed qualifying hole.
	BestFitTop
	// Fixed requires the hole at addressHint to cover the whole request.
	Fixed
)

// MapRequest describes one AddressSpace.Map call.
type MapRequest struct {
	Policy      Policy
	AddressHint uintptr
	View        *view.Exterior
	ViewOffset  int64
	Length      int64
	Flags       mapping.Flags
	// InitialCow wraps View in a fresh CowBundle before installing the
	// mapping, so the caller gets copy-on-write semantics from the first
	// fault rather than only after a later fork (spec.md §4.I "or, if the
	// caller wants an initial CoW, a CowMapping").
	InitialCow bool
	// Populate drives handle_fault over the whole range right after
	// install (spec.md §4.I, the kMapPopulate flag).
	Populate bool
}

// Space is the AddressSpace core (spec.md §4.I).
type Space struct {
	mu sync.Mutex

	userBase uintptr
	userLen  int64

	holes    *holetree.Tree
	mappings *holetree.Tree

	pt    ptable.ClientPageSpace
	alloc mem.PhysAllocator
	dmap  mem.Mapper
	q     *workq.Queue
	log   *zap.Logger

	futexes map[uintptr]*futex
	refs    sync.WaitGroup
}

type futex struct {
	mu      sync.Mutex
	waiters []chan struct{}
}

// New returns an AddressSpace covering [userBase, userBase+userLen),
// installing one maximal Hole spanning the whole range (spec.md §4.I).
func New(userBase uintptr, userLen int64, pt ptable.ClientPageSpace, alloc mem.PhysAllocator, dmap mem.Mapper, q *workq.Queue, log *zap.Logger) *Space {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Space{
		userBase: userBase,
		userLen:  userLen,
		holes:    holetree.New(),
		mappings: holetree.New(),
		pt:       pt,
		alloc:    alloc,
		dmap:     dmap,
		q:        q,
		log:      log,
		futexes:  make(map[uintptr]*futex),
	}
	s.holes.Insert(userBase, userLen)
	return s
}

// Stat is a read-only snapshot of the address space (new, supplementing
// spec.md §4.I per the teacher's Physmem_t.Pgcount-style accounting).
type Stat struct {
	MappingCount  int
	HoleCount     int
	ResidentPages int
}

// Stat returns a point-in-time snapshot.
func (s *Space) Stat() Stat {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stat{MappingCount: s.mappings.Len(), HoleCount: s.holes.Len()}
	s.mappings.Walk(func(e holetree.Entry) bool {
		m := e.Value.(mapping.Mapping)
		pages := m.Length() / mem.PGSIZE
		for i := int64(0); i < pages; i++ {
			va := m.Start() + uintptr(i*mem.PGSIZE)
			if s.pt.IsMapped(va) {
				st.ResidentPages++
			}
		}
		return true
	})
	return st
}

// splitHole removes the hole at h and reinserts up to two residual holes
// around [offset, offset+length) (spec.md §4.H splitting).
func (s *Space) splitHole(h holetree.Entry, offset uintptr, length int64) {
	s.holes.Remove(h.Address)
	if offset > h.Address {
		s.holes.Insert(h.Address, int64(offset-h.Address))
	}
	rightStart := offset + uintptr(length)
	hEnd := h.Address + uintptr(h.Length)
	if rightStart < hEnd {
		s.holes.Insert(rightStart, int64(hEnd-rightStart))
	}
}

// Map implements AddressSpace.map (spec.md §4.I).
func (s *Space) Map(req MapRequest) (uintptr, defs.Err_t) {
	if req.Length <= 0 {
		return 0, defs.EFAULT
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var actual uintptr
	var hole holetree.Entry
	var ok bool
	switch req.Policy {
	case Fixed:
		hole, ok = s.holes.FindContaining(req.AddressHint)
		if !ok {
			return 0, defs.EFAULT
		}
		if req.AddressHint < hole.Address || req.Length > hole.Length-int64(req.AddressHint-hole.Address) {
			return 0, defs.EFAULT
		}
		actual = req.AddressHint
	case BestFitTop:
		hole, ok = s.holes.FindBestFit(req.Length, true)
		if !ok {
			return 0, defs.ENOMEM
		}
		actual = hole.Address + uintptr(hole.Length) - uintptr(req.Length)
	default:
		hole, ok = s.holes.FindBestFit(req.Length, false)
		if !ok {
			return 0, defs.ENOMEM
		}
		actual = hole.Address
	}

	s.splitHole(hole, actual, req.Length)

	var m mapping.Mapping
	if req.InitialCow {
		cb := bundle.NewCowOverView(req.View, req.ViewOffset, s.alloc, s.dmap, s.log)
		m = mapping.NewCow(actual, req.Length, req.Flags, cb, 0, s.alloc, s.dmap, s.log)
	} else {
		m = mapping.NewNormal(actual, req.Length, req.Flags, req.View, req.ViewOffset, s.alloc, s.dmap, s.log)
	}
	s.mappings.InsertValue(actual, req.Length, m)
	m.Install(req.Policy == Fixed)

	if req.Populate {
		pages := req.Length / mem.PGSIZE
		for i := int64(0); i < pages; i++ {
			va := actual + uintptr(i*mem.PGSIZE)
			if err := m.HandleFault(s.pt, va, req.Flags.Write); err != defs.Success {
				s.log.Warn("populate fault failed", zap.Uintptr("va", va), zap.Error(err))
			}
		}
	}
	return actual, defs.Success
}

// Unmap implements AddressSpace.unmap (spec.md §4.I). address/length must
// fall within exactly one mapping; a request spanning multiple mappings
// is rejected with EFAULT (the caller must issue multiple unmaps). A
// request covering only part of one mapping splits it, symmetric with
// hole splitting, rather than being rejected (spec.md §9 resolution).
func (s *Space) Unmap(address uintptr, length int64) defs.Err_t {
	if length <= 0 {
		return defs.EFAULT
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.mappings.FindContaining(address)
	if !ok {
		return defs.EFAULT
	}
	if address+uintptr(length) > e.Address+uintptr(e.Length) {
		return defs.EFAULT
	}
	m := e.Value.(mapping.Mapping)

	// uninstall: unmap every present page, waiting for each TLB shootdown
	// to be acknowledged before the region is returned to the hole tree
	// (spec.md §4.I "only then does the core remove the mapping").
	pages := length / mem.PGSIZE
	for i := int64(0); i < pages; i++ {
		va := address + uintptr(i*mem.PGSIZE)
		if !s.pt.IsMapped(va) {
			continue
		}
		shoot := ptable.NewShootNode(va, 1)
		s.pt.Unmap(va, shoot)
		<-shoot.Done
	}

	s.mappings.Remove(e.Address)

	leftLen := int64(address - e.Address)
	rightStart := address + uintptr(length)
	rightLen := int64(e.Address+uintptr(e.Length)) - int64(rightStart)

	if leftLen > 0 {
		left := m.Share()
		s.mappings.InsertValue(e.Address, leftLen, shrink(left, e.Address, leftLen))
	}
	if rightLen > 0 {
		right := m.Share()
		s.mappings.InsertValue(rightStart, rightLen, shrink(right, rightStart, rightLen))
	}

	s.holes.Insert(address, length)
	s.coalesceHole(address, length)
	return defs.Success
}

// shrink rebuilds a mapping's metadata to cover a narrower [newStart,
// newStart+newLen) sub-range of the same backing storage, used by Unmap
// to keep residual pieces after a partial unmap.
func shrink(m mapping.Mapping, newStart uintptr, newLen int64) mapping.Mapping {
	switch mm := m.(type) {
	case *mapping.Normal:
		return mm.Resized(newStart, newLen)
	case *mapping.Cow:
		return mm.Resized(newStart, newLen)
	default:
		return m
	}
}

// coalesceHole merges the hole at [address, address+length) with any
// immediately adjacent holes (spec.md §4.H coalescing).
func (s *Space) coalesceHole(address uintptr, length int64) {
	merged := true
	for merged {
		merged = false
		if left, ok := s.holes.Floor(address - 1); ok && left.Address+uintptr(left.Length) == address {
			s.holes.Remove(left.Address)
			s.holes.Remove(address)
			address = left.Address
			length += left.Length
			s.holes.Insert(address, length)
			merged = true
			continue
		}
		if right, ok := s.holes.Get(address + uintptr(length)); ok {
			s.holes.Remove(address)
			s.holes.Remove(right.Address)
			length += right.Length
			s.holes.Insert(address, length)
			merged = true
		}
	}
}

// HandleFault implements AddressSpace.handle_fault (spec.md §4.I).
func (s *Space) HandleFault(address uintptr, write bool) defs.Err_t {
	s.mu.Lock()
	e, ok := s.mappings.FindContaining(address)
	s.mu.Unlock()
	if !ok {
		return defs.EFAULT
	}
	m := e.Value.(mapping.Mapping)
	if write && !m.Flags().Write {
		return defs.EACCESS
	}
	return m.HandleFault(s.pt, address, write)
}

// Protect implements the mprotect-equivalent supplement (SPEC_FULL.md
// "Supplemented features"): it acts on the one mapping that contains
// [address, address+length) (a range reaching past that mapping fails with
// EFAULT), replaces that mapping's Flags, and re-maps the already-resident
// pages inside the range with the new protection.
func (s *Space) Protect(address uintptr, length int64, flags mapping.Flags) defs.Err_t {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.mappings.FindContaining(address)
	if !ok || address+uintptr(length) > e.Address+uintptr(e.Length) {
		return defs.EFAULT
	}
	m := e.Value.(mapping.Mapping)
	switch mm := m.(type) {
	case *mapping.Normal:
		mm.SetFlags(flags)
	case *mapping.Cow:
		mm.SetFlags(flags)
	}
	pages := length / mem.PGSIZE
	for i := int64(0); i < pages; i++ {
		va := address + uintptr(i*mem.PGSIZE)
		if phys, _, ok := s.pt.Translate(va); ok {
			s.pt.Map(va, phys, flags.ProtBits())
		}
	}
	return defs.Success
}

// Activate implements AddressSpace.activate (spec.md §4.I).
func (s *Space) Activate() { s.pt.Activate() }

// Translate exposes the page table's translation for va, for
// foreign.Accessor's non-blocking getPhysical/load/write (spec.md §4.J).
func (s *Space) Translate(va uintptr) (mem.Pa_t, ptable.Prot, bool) {
	return s.pt.Translate(va)
}

// AddRef registers an outstanding ForeignSpaceAccessor against this space
// (spec.md §4.J "teardown of the target is blocked until all accessors
// are released").
func (s *Space) AddRef() { s.refs.Add(1) }

// Release unregisters a previously-added accessor reference.
func (s *Space) Release() { s.refs.Done() }

// Drain blocks until every outstanding accessor reference has been
// released, for callers that must tear this space down safely.
func (s *Space) Drain() { s.refs.Wait() }

// Fork implements AddressSpace.fork (spec.md §4.I): constructs a new
// AddressSpace, walks the source mapping tree and branches on each
// mapping's fork disposition, then fans the per-mapping CoW downgrade
// out across an errgroup so sibling mappings' page-table rewrites
// proceed concurrently (SPEC_FULL.md domain-stack wiring:
// golang.org/x/sync/errgroup). The downgrade rewrites entries in place
// with Map; Fork issues no TLB shootdown.
func (s *Space) Fork() (*Space, defs.Err_t) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dst := New(s.userBase, s.userLen, s.pt.Fork(), s.alloc, s.dmap, s.q, s.log)

	type job struct {
		addr uintptr
		m    mapping.Mapping
	}
	var jobs []job
	s.mappings.Walk(func(e holetree.Entry) bool {
		jobs = append(jobs, job{addr: e.Address, m: e.Value.(mapping.Mapping)})
		return true
	})

	var g errgroup.Group
	for _, j := range jobs {
		j := j
		switch j.m.Flags().Fork {
		case mapping.Drop:
			// Not copied; dst keeps this range as hole space and the
			// source mapping is left exactly as it was.
		case mapping.Share:
			shared := j.m.Share()
			dst.reserve(j.addr, shared.Length(), shared)
		case mapping.CopyOnWrite:
			newSrc, newDst := j.m.ForkCOW()
			if newSrc != nil {
				s.mappings.Remove(j.addr)
				s.mappings.InsertValue(j.addr, newSrc.Length(), newSrc)
			}
			dst.reserve(j.addr, newDst.Length(), newDst)

			g.Go(func() error {
				downgradeCow(s.pt, dst.pt, j.addr, newDst.Length())
				return nil
			})
		}
	}
	_ = g.Wait()
	return dst, defs.Success
}

// reserve carves [addr, addr+length) out of this space's hole tree and
// installs m as the mapping covering it, used by Fork to lay a forked
// mapping into the destination's otherwise-untouched hole tree.
func (s *Space) reserve(addr uintptr, length int64, m mapping.Mapping) {
	if h, ok := s.holes.FindContaining(addr); ok {
		s.splitHole(h, addr, length)
	}
	s.mappings.InsertValue(addr, length, m)
}

// downgradeCow re-maps every currently-resident page of a CoW-forked
// mapping read-only on both page tables so the next write on either side
// faults and drives a private copy (spec.md §4.I "the page tables on
// both sides must be downgraded"). dstPT was cloned from srcPT before
// this downgrade ran (ClientPageSpace.Fork snapshots live translations),
// so it carries the same pre-fork entries and needs the same treatment.
func downgradeCow(srcPT, dstPT ptable.ClientPageSpace, addr uintptr, length int64) {
	pages := length / mem.PGSIZE
	for i := int64(0); i < pages; i++ {
		va := addr + uintptr(i*mem.PGSIZE)
		if phys, prot, ok := srcPT.Translate(va); ok {
			srcPT.Map(va, phys, prot&^ptable.ProtWrite)
		}
		if phys, prot, ok := dstPT.Translate(va); ok {
			dstPT.Map(va, phys, prot&^ptable.ProtWrite)
		}
	}
}

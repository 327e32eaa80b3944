// Package bundle implements the MemoryBundle hierarchy (spec.md §3, §4.A-E):
// the uniform asynchronous "fetch a physical range" interface and its
// HardwareMemory, AllocatedMemory, ManagedSpace (Backing/Frontal), and
// CowBundle variants.
package bundle

import (
	"sync"

	"go.uber.org/zap"

	"uvm/defs"
	"uvm/mem"
)

// FetchNode is a caller-allocated completion record for an in-flight
// Fetch. Fetch nodes are not cancellable: the caller must ensure its
// completion holder outlives the fetch (spec.md §4.A).
type FetchNode struct {
	Phys mem.Pa_t
	Size int
	Err  defs.Err_t
}

// OnReady is invoked when a Fetch that returned false eventually
// completes.
type OnReady func(*FetchNode)

// Bundle is the uniform contract every memory object implements (spec.md
// §4.A).
type Bundle interface {
	// Peek returns a backing physical address if it happens to be
	// present, without blocking; otherwise it returns (0, false).
	Peek(offset int64) (mem.Pa_t, bool)
	// Fetch returns true if the page is already present, synchronously
	// filling node.Phys/node.Size. Otherwise it returns false and
	// arranges onReady(node) to run later once the page is present.
	// size is the largest contiguous span starting at offset available
	// in one physical run; callers must not assume a whole page.
	Fetch(offset int64, node *FetchNode, onReady OnReady) bool
}

// RootView is the contract a CowBundle uses to resolve against its root
// window (spec.md §4.F); it is satisfied by view.Exterior. Kept in this
// package (rather than importing a "view" package from here) so Bundle
// and its consumers never form an import cycle with the view package,
// which itself depends on Bundle.
type RootView interface {
	ResolveRange(off, size int64) (Bundle, int64, int64, defs.Err_t)
}

// Hardware backs a fixed physical window, identity-mapped (spec.md §4.B).
// peek and fetch are always synchronous; length is fixed at construction.
type Hardware struct {
	base   mem.Pa_t
	length int64
}

// NewHardware returns a Hardware bundle covering [base, base+length).
func NewHardware(base mem.Pa_t, length int64) *Hardware {
	return &Hardware{base: base, length: length}
}

// Peek implements Bundle.
func (h *Hardware) Peek(offset int64) (mem.Pa_t, bool) {
	if offset < 0 || offset >= h.length {
		return 0, false
	}
	return h.base + mem.Pa_t(offset), true
}

// Fetch implements Bundle. Always synchronous.
func (h *Hardware) Fetch(offset int64, node *FetchNode, _ OnReady) bool {
	if offset < 0 || offset >= h.length {
		node.Err = defs.EFAULT
		return true
	}
	node.Phys = h.base + mem.Pa_t(offset)
	node.Size = int(h.length - offset)
	return true
}

// Resize always fails for Hardware: its extent is fixed at construction
// (spec.md §4.B).
func (h *Hardware) Resize(int64) bool { return false }

// Allocated is an anonymous, lazily zero-filled bundle, chunked to amortize
// physical allocation (spec.md §4.C).
type Allocated struct {
	mu         sync.Mutex
	alloc      mem.PhysAllocator
	chunkSize  int64
	chunkAlign int
	chunks     []mem.Pa_t // mem.Null until first fetched
	log        *zap.Logger
}

// NewAllocated returns an Allocated bundle of length bytes, fetched in
// chunkSize-byte, chunkAlign-aligned physical chunks.
func NewAllocated(alloc mem.PhysAllocator, length, chunkSize int64, chunkAlign int, log *zap.Logger) *Allocated {
	if log == nil {
		log = zap.NewNop()
	}
	n := (length + chunkSize - 1) / chunkSize
	return &Allocated{
		alloc:      alloc,
		chunkSize:  chunkSize,
		chunkAlign: chunkAlign,
		chunks:     make([]mem.Pa_t, n),
		log:        log,
	}
}

func (a *Allocated) chunkIndex(offset int64) int64 { return offset / a.chunkSize }

// Peek implements Bundle.
func (a *Allocated) Peek(offset int64) (mem.Pa_t, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := a.chunkIndex(offset)
	if idx < 0 || idx >= int64(len(a.chunks)) {
		return 0, false
	}
	chunk := a.chunks[idx]
	if !chunk.Valid() {
		return 0, false
	}
	return chunk + mem.Pa_t(offset%a.chunkSize), true
}

// Fetch implements Bundle. Allocation is always synchronous: the physical
// allocator never suspends (spec.md §4.C).
func (a *Allocated) Fetch(offset int64, node *FetchNode, _ OnReady) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := a.chunkIndex(offset)
	if idx < 0 || idx >= int64(len(a.chunks)) {
		node.Err = defs.EFAULT
		return true
	}
	chunk := a.chunks[idx]
	if !chunk.Valid() {
		p, ok := a.alloc.AllocContiguous(int(a.chunkSize), a.chunkAlign)
		if !ok {
			node.Err = defs.ENOMEM
			return true
		}
		chunk = p
		a.chunks[idx] = p
		a.log.Debug("allocated chunk", zap.Int64("offset", offset), zap.Int64("chunk", idx))
	}
	off := offset % a.chunkSize
	node.Phys = chunk + mem.Pa_t(off)
	node.Size = int(a.chunkSize - off)
	return true
}

// Resize grows the chunk vector to cover newLength bytes. Shrinking is not
// required (spec.md §4.C).
func (a *Allocated) Resize(newLength int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := (newLength + a.chunkSize - 1) / a.chunkSize
	if n <= int64(len(a.chunks)) {
		return
	}
	grown := make([]mem.Pa_t, n)
	copy(grown, a.chunks)
	a.chunks = grown
}

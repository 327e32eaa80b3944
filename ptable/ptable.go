// Package ptable defines the machine page-table contract the address
// space core drives. The real page table (walking x86 page-table levels,
// issuing invlpg, loading %cr3) is out of scope (spec.md §1, §6);
// ClientPageSpace is the typed interface the core consumes and Fake is
// the in-memory test double.
package ptable

import (
	"sync"

	"uvm/mem"
)

// Prot is a bitmask of page protection bits.
type Prot uint8

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec
)

// ShootNode is posted to the page-table layer to request a TLB shootdown;
// it completes asynchronously once every CPU that might have cached the
// translation has acknowledged invalidation (spec.md §6).
type ShootNode struct {
	VA    uintptr
	Pages int
	Done  chan struct{}
}

// NewShootNode allocates a ShootNode ready to be posted.
func NewShootNode(va uintptr, pages int) *ShootNode {
	return &ShootNode{VA: va, Pages: pages, Done: make(chan struct{})}
}

// ClientPageSpace is the machine page table contract (spec.md §6 / §4.I).
type ClientPageSpace interface {
	// Map installs a translation from va to phys with the given
	// protection.
	Map(va uintptr, phys mem.Pa_t, prot Prot)
	// Unmap removes the translation for va and posts shoot when all CPUs
	// that may have cached it have acknowledged invalidation.
	Unmap(va uintptr, shoot *ShootNode)
	// Activate switches the calling CPU to this page table.
	Activate()
	// IsMapped reports whether va currently has a translation installed.
	IsMapped(va uintptr) bool
	// Translate returns the physical address and protection currently
	// installed for va.
	Translate(va uintptr) (mem.Pa_t, Prot, bool)
	// Fork returns a new, independent ClientPageSpace with an identical
	// set of translations (used by AddressSpace.fork before the core
	// rewrites entries to enforce copy-on-write).
	Fork() ClientPageSpace
}

type entry struct {
	phys mem.Pa_t
	prot Prot
}

// Fake is an in-memory page table used by every test in this module.
// Shootdown completes synchronously (there is only one simulated CPU).
type Fake struct {
	mu      sync.Mutex
	entries map[uintptr]entry
}

// NewFake returns a ready-to-use Fake page table.
func NewFake() *Fake {
	return &Fake{entries: make(map[uintptr]entry)}
}

// Map implements ClientPageSpace.
func (f *Fake) Map(va uintptr, phys mem.Pa_t, prot Prot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[va] = entry{phys: phys, prot: prot}
}

// Unmap implements ClientPageSpace.
func (f *Fake) Unmap(va uintptr, shoot *ShootNode) {
	f.mu.Lock()
	delete(f.entries, va)
	f.mu.Unlock()
	if shoot != nil {
		close(shoot.Done)
	}
}

// Activate implements ClientPageSpace.
func (f *Fake) Activate() {}

// IsMapped implements ClientPageSpace.
func (f *Fake) IsMapped(va uintptr) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.entries[va]
	return ok
}

// Translate implements ClientPageSpace.
func (f *Fake) Translate(va uintptr) (mem.Pa_t, Prot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[va]
	return e.phys, e.prot, ok
}

// Fork implements ClientPageSpace.
func (f *Fake) Fork() ClientPageSpace {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := NewFake()
	for va, e := range f.entries {
		n.entries[va] = e
	}
	return n
}

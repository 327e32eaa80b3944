package bundle

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"uvm/defs"
	"uvm/mem"
)

// Cow overlays a root VirtualView or a parent Cow with a sparse set of
// locally-owned physical page copies (spec.md §3, §4.E). Exactly one of
// root/parent is set.
type Cow struct {
	mu     sync.Mutex
	root   RootView
	parent *Cow

	windowOff int64

	local map[int64]mem.Pa_t // page index -> locally-owned physical page

	alloc mem.PhysAllocator
	dmap  mem.Mapper
	sf    singleflight.Group
	log   *zap.Logger
}

// NewCowOverView returns a Cow layered directly over a root view.
func NewCowOverView(root RootView, windowOff int64, alloc mem.PhysAllocator, dmap mem.Mapper, log *zap.Logger) *Cow {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cow{root: root, windowOff: windowOff, local: make(map[int64]mem.Pa_t), alloc: alloc, dmap: dmap, log: log}
}

// NewCowOverParent returns a Cow layered over another Cow (a chained
// overlay).
func NewCowOverParent(parent *Cow, windowOff int64, alloc mem.PhysAllocator, dmap mem.Mapper, log *zap.Logger) *Cow {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cow{parent: parent, windowOff: windowOff, local: make(map[int64]mem.Pa_t), alloc: alloc, dmap: dmap, log: log}
}

func cowPageIndex(offset int64) int64 { return offset / mem.PGSIZE }

// Peek implements Bundle. It never consults the parent: callers must Fetch
// to obtain stable physical memory (spec.md §4.E).
func (c *Cow) Peek(offset int64) (mem.Pa_t, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.local[cowPageIndex(offset)]
	if !ok {
		return 0, false
	}
	return p + mem.Pa_t(offset%mem.PGSIZE), true
}

// fetchParentSync drives the parent's (possibly async) Fetch to
// completion and returns its result synchronously. Safe to call from a
// singleflight goroutine, never from the original caller's goroutine.
func (c *Cow) fetchParentSync(offset int64) (mem.Pa_t, int, defs.Err_t) {
	parentOffset := c.windowOff + offset
	var b Bundle
	boff := parentOffset
	if c.root != nil {
		var rb Bundle
		var err defs.Err_t
		rb, boff, _, err = c.root.ResolveRange(parentOffset, mem.PGSIZE)
		if err != defs.Success {
			return 0, 0, err
		}
		b = rb
	} else {
		b = c.parent
	}

	var result FetchNode
	done := make(chan struct{})
	if b.Fetch(boff, &result, func(ready *FetchNode) { result = *ready; close(done) }) {
		return result.Phys, result.Size, result.Err
	}
	<-done
	return result.Phys, result.Size, result.Err
}

// FetchRead resolves offset without ever allocating a private copy: a
// local copy, if present, is returned exactly as Fetch would; otherwise
// the parent's page is resolved and handed back directly, unmodified and
// not published into the local map. Callers must treat the returned page
// as read-only, since it may still be shared with the parent (spec.md §9
// "CoW read-fault optimization": a read fault for a page never yet
// written may be served straight off the parent, deferring the
// allocate-and-copy Fetch performs to the first write fault).
func (c *Cow) FetchRead(offset int64, node *FetchNode, onReady OnReady) bool {
	if p, ok := c.Peek(offset); ok {
		node.Phys = p
		node.Size = mem.PGSIZE - int(offset%mem.PGSIZE)
		return true
	}

	pageOff := offset - offset%mem.PGSIZE
	go func() {
		parentPhys, size, perr := c.fetchParentSync(pageOff)
		if perr != defs.Success {
			node.Err = perr
			onReady(node)
			return
		}
		// A racing write fault may have published a local copy while the
		// parent fetch was in flight; prefer it so the caller never maps
		// a page read-only that has since diverged.
		if p, ok := c.Peek(pageOff); ok {
			node.Phys = p + mem.Pa_t(offset%mem.PGSIZE)
			node.Size = mem.PGSIZE - int(offset%mem.PGSIZE)
			onReady(node)
			return
		}
		node.Phys = parentPhys + mem.Pa_t(offset%mem.PGSIZE)
		node.Size = size - int(offset%mem.PGSIZE)
		onReady(node)
	}()
	return false
}

// Fetch implements Bundle. A local copy, if present, is returned
// synchronously. Otherwise the parent is fetched, a fresh physical page
// is allocated, the parent's page is copied into it, and the copy is
// published into the local map atomically. Concurrent Fetch calls for the
// same offset coalesce via singleflight so only one physical copy is ever
// allocated per page (spec.md §4.E invariant).
func (c *Cow) Fetch(offset int64, node *FetchNode, onReady OnReady) bool {
	if p, ok := c.Peek(offset); ok {
		node.Phys = p
		node.Size = mem.PGSIZE - int(offset%mem.PGSIZE)
		return true
	}

	idx := cowPageIndex(offset)
	pageOff := offset - offset%mem.PGSIZE
	key := fmt.Sprintf("%d", idx)

	ch := c.sf.DoChan(key, func() (interface{}, error) {
		// Another racer may have published the copy while we waited for
		// the singleflight slot.
		if p, ok := c.Peek(pageOff); ok {
			return p, nil
		}
		parentPhys, _, perr := c.fetchParentSync(pageOff)
		if perr != defs.Success {
			return nil, perr
		}
		newPage, ok := c.alloc.AllocPage()
		if !ok {
			return nil, defs.ENOMEM
		}
		copy(c.dmap.Dmap(newPage), c.dmap.Dmap(parentPhys))

		c.mu.Lock()
		if existing, already := c.local[idx]; already {
			c.mu.Unlock()
			c.alloc.Free(newPage, mem.PGSIZE)
			return existing, nil
		}
		c.local[idx] = newPage
		c.mu.Unlock()
		return newPage, nil
	})

	go func() {
		res := <-ch
		if res.Err != nil {
			node.Err = res.Err.(defs.Err_t)
			onReady(node)
			return
		}
		node.Phys = res.Val.(mem.Pa_t) + mem.Pa_t(offset%mem.PGSIZE)
		node.Size = mem.PGSIZE - int(offset%mem.PGSIZE)
		onReady(node)
	}()
	return false
}

package bundle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uvm/defs"
	"uvm/mem"
)

func TestHardwarePeekAndFetchAreSynchronous(t *testing.T) {
	h := NewHardware(0x100000, 0x2000)

	p, ok := h.Peek(0x1000)
	require.True(t, ok)
	assert.Equal(t, mem.Pa_t(0x101000), p)

	node := &FetchNode{}
	done := h.Fetch(0x1000, node, nil)
	assert.True(t, done)
	assert.Equal(t, mem.Pa_t(0x101000), node.Phys)
}

func TestHardwareOutOfRangeFaults(t *testing.T) {
	h := NewHardware(0x100000, 0x1000)
	_, ok := h.Peek(0x2000)
	assert.False(t, ok)

	node := &FetchNode{}
	h.Fetch(0x2000, node, nil)
	assert.Equal(t, defs.EFAULT, node.Err)
}

func TestHardwareResizeAlwaysFails(t *testing.T) {
	h := NewHardware(0, 0x1000)
	assert.False(t, h.Resize(0x2000))
}

func TestAllocatedFetchAllocatesOncePerChunk(t *testing.T) {
	alloc := mem.NewFake()
	a := NewAllocated(alloc, 2*mem.PGSIZE, mem.PGSIZE, mem.PGSIZE, nil)

	n1 := &FetchNode{}
	a.Fetch(10, n1, nil)
	n2 := &FetchNode{}
	a.Fetch(20, n2, nil)
	assert.Equal(t, n1.Phys-10, n2.Phys-20, "second fetch in the same chunk reuses the allocation")

	n3 := &FetchNode{}
	a.Fetch(mem.PGSIZE+10, n3, nil)
	assert.NotEqual(t, n1.Phys-mem.Pa_t(10), n3.Phys-mem.Pa_t(10))
}

func TestAllocatedResizeGrowsChunkVector(t *testing.T) {
	alloc := mem.NewFake()
	a := NewAllocated(alloc, mem.PGSIZE, mem.PGSIZE, mem.PGSIZE, nil)
	_, ok := a.Peek(mem.PGSIZE + 10)
	assert.False(t, ok)

	a.Resize(3 * mem.PGSIZE)
	node := &FetchNode{}
	done := a.Fetch(mem.PGSIZE+10, node, nil)
	assert.True(t, done)
	assert.Equal(t, defs.Success, node.Err)
}

func TestCowFetchCoalescesConcurrentFirstTouch(t *testing.T) {
	alloc := mem.NewFake()
	root := &fakeRootView{b: NewAllocated(alloc, mem.PGSIZE, mem.PGSIZE, mem.PGSIZE, nil), size: mem.PGSIZE}
	c := NewCowOverView(root, 0, alloc, alloc, nil)

	results := make(chan mem.Pa_t, 8)
	for i := 0; i < 8; i++ {
		go func() {
			node := &FetchNode{}
			done := make(chan struct{})
			if c.Fetch(100, node, func(ready *FetchNode) { node = ready; close(done) }) {
				close(done)
			}
			<-done
			results <- node.Phys
		}()
	}
	first := <-results
	for i := 1; i < 8; i++ {
		assert.Equal(t, first, <-results)
	}
}

func TestCowPeekRequiresPriorFetch(t *testing.T) {
	alloc := mem.NewFake()
	root := &fakeRootView{b: NewAllocated(alloc, mem.PGSIZE, mem.PGSIZE, mem.PGSIZE, nil), size: mem.PGSIZE}
	c := NewCowOverView(root, 0, alloc, alloc, nil)

	_, ok := c.Peek(10)
	assert.False(t, ok)

	node := &FetchNode{}
	done := make(chan struct{})
	if c.Fetch(10, node, func(ready *FetchNode) { node = ready; close(done) }) {
		close(done)
	}
	<-done

	_, ok = c.Peek(10)
	assert.True(t, ok)
}

type fakeRootView struct {
	b    Bundle
	size int64
}

func (f *fakeRootView) ResolveRange(off, size int64) (Bundle, int64, int64, defs.Err_t) {
	if off < 0 || off >= f.size {
		return nil, 0, 0, defs.EFAULT
	}
	usable := f.size - off
	if size < usable {
		usable = size
	}
	return f.b, off, usable, defs.Success
}

package bundle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uvm/defs"
	"uvm/mem"
	"uvm/workq"
)

func newManagedFixture(t *testing.T, length int64) (*Managed, *Backing, *Frontal, *mem.Fake) {
	t.Helper()
	alloc := mem.NewFake()
	q := workq.New(4)
	m := NewManaged(alloc, q, length, nil)
	return m, NewBacking(m), NewFrontal(m), alloc
}

// TestFaultBeforeLoadBlocksUntilPagerCompletes mirrors the pager ordering
// scenario: a Frontal fetch queued before the pager ever calls SubmitManage
// must still complete once the pager eventually services it.
func TestFaultBeforeLoadBlocksUntilPagerCompletes(t *testing.T) {
	_, backing, frontal, alloc := newManagedFixture(t, mem.PGSIZE)

	result := make(chan *FetchNode, 1)
	node := &FetchNode{}
	ok := frontal.Fetch(0, node, func(n *FetchNode) { result <- n })
	require.False(t, ok, "page cannot be present before the pager has loaded it")

	mnode := &ManageNode{}
	mdone := make(chan struct{})
	backing.SubmitManage(mnode, func(n *ManageNode) { close(mdone) })

	select {
	case <-mdone:
	case <-time.After(time.Second):
		t.Fatal("manage node never paired with the missing page")
	}
	assert.Equal(t, defs.Success, mnode.Err)

	phys, _ := alloc.AllocPage()
	backing.CompleteLoad(mnode.Offset, mnode.Size, func(int64) mem.Pa_t { return phys })

	select {
	case n := <-result:
		assert.Equal(t, defs.Success, n.Err)
		assert.Equal(t, phys, n.Phys)
	case <-time.After(time.Second):
		t.Fatal("frontal fetch never completed")
	}
}

// TestManageBeforeInitiateWaitsForRequest mirrors the opposite ordering: the
// pager offers to manage a page before any client has asked for it, so the
// ManageNode should sit queued until a fault arrives.
func TestManageBeforeInitiateWaitsForRequest(t *testing.T) {
	_, backing, frontal, alloc := newManagedFixture(t, mem.PGSIZE)

	mnode := &ManageNode{}
	mdone := make(chan struct{})
	backing.SubmitManage(mnode, func(n *ManageNode) { close(mdone) })

	select {
	case <-mdone:
		t.Fatal("manage node paired before any page was requested")
	case <-time.After(20 * time.Millisecond):
	}

	node := &FetchNode{}
	fdone := make(chan struct{})
	frontal.Fetch(0, node, func(n *FetchNode) { close(fdone) })

	select {
	case <-mdone:
	case <-time.After(time.Second):
		t.Fatal("manage node never paired once a page was requested")
	}

	phys, _ := alloc.AllocPage()
	backing.CompleteLoad(mnode.Offset, mnode.Size, func(int64) mem.Pa_t { return phys })
	<-fdone
	assert.Equal(t, defs.Success, node.Err)
}

func TestPagerGoneFailsOutstandingInitiators(t *testing.T) {
	m, _, frontal, _ := newManagedFixture(t, mem.PGSIZE)

	node := &FetchNode{}
	done := make(chan *FetchNode, 1)
	frontal.Fetch(0, node, func(n *FetchNode) { done <- n })

	m.PagerGone()

	select {
	case n := <-done:
		assert.Equal(t, defs.EPAGERGONE, n.Err)
	case <-time.After(time.Second):
		t.Fatal("fetch never failed after pager disappeared")
	}
}

func TestPeekReflectsLoadedPagesOnly(t *testing.T) {
	_, backing, frontal, alloc := newManagedFixture(t, mem.PGSIZE)

	_, ok := frontal.Peek(0)
	assert.False(t, ok)

	mnode := &ManageNode{}
	mdone := make(chan struct{})
	backing.SubmitManage(mnode, func(n *ManageNode) { close(mdone) })
	node := &FetchNode{}
	frontal.Fetch(0, node, func(*FetchNode) {})
	<-mdone

	phys, _ := alloc.AllocPage()
	backing.CompleteLoad(mnode.Offset, mnode.Size, func(int64) mem.Pa_t { return phys })

	p, ok := frontal.Peek(0)
	require.True(t, ok)
	assert.Equal(t, phys, p)
}

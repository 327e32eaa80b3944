package bundle

import (
	"container/list"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"uvm/defs"
	"uvm/mem"
	"uvm/workq"
)

type loadState uint8

const (
	stateMissing loadState = iota
	stateLoading
	stateLoaded
)

// InitiateNode is the client-side ("Frontal") work node requesting that a
// range of pages be loaded (spec.md §3, §4.D "InitiateBase").
type InitiateNode struct {
	Offset, Length int64
	Err            defs.Err_t

	scanned int64 // set to Offset on submission; not advanced afterwards
	onReady func(*InitiateNode)
}

// ManageNode is the pager-side ("Backing") work node offering to service
// one page of a load (spec.md §3, §4.D "ManageBase"). The core pairs it
// with a Missing page requested by a queued InitiateNode and fills in
// Offset/Size before posting the completion.
type ManageNode struct {
	Offset int64
	Size   int64
	Err    defs.Err_t

	onReady func(*ManageNode)
}

// Managed is the pager-backed memory object state machine (spec.md §3,
// §4.D): a length, one physical page slot per page, a parallel load-state
// vector, and the four FIFO queues coupling pager and client.
type Managed struct {
	mu     sync.Mutex
	length int64
	pages  []mem.Pa_t
	states []loadState

	initiateQueue     *list.List // *InitiateNode, not yet fully scanned
	completedInitiate *list.List // *InitiateNode, posted
	submittedManage   *list.List // *ManageNode, awaiting a Missing page
	completedManage   *list.List // *ManageNode, posted

	alloc     mem.PhysAllocator
	q         *workq.Queue
	log       *zap.Logger
	sf        singleflight.Group
	pagerGone bool
}

// NewManaged returns a Managed space of the given length in bytes.
func NewManaged(alloc mem.PhysAllocator, q *workq.Queue, length int64, log *zap.Logger) *Managed {
	if log == nil {
		log = zap.NewNop()
	}
	n := (length + mem.PGSIZE - 1) / mem.PGSIZE
	return &Managed{
		length:            length,
		pages:             make([]mem.Pa_t, n),
		states:            make([]loadState, n),
		initiateQueue:     list.New(),
		completedInitiate: list.New(),
		submittedManage:   list.New(),
		completedManage:   list.New(),
		alloc:             alloc,
		q:                 q,
		log:               log,
	}
}

func pageIndex(offset int64) int64 { return offset / mem.PGSIZE }

func (m *Managed) pageRange(offset, length int64) (int64, int64) {
	start := pageIndex(offset)
	end := pageIndex(offset + length - 1)
	return start, end
}

// peekLocked returns the physical page backing offset if it is Loaded.
func (m *Managed) peekLocked(offset int64) (mem.Pa_t, bool) {
	idx := pageIndex(offset)
	if idx < 0 || idx >= int64(len(m.states)) {
		return 0, false
	}
	if m.states[idx] != stateLoaded {
		return 0, false
	}
	return m.pages[idx], true
}

// Peek is shared by both the Backing and Frontal faces: a page that is
// Loaded is stable until eviction, and this subsystem never evicts a
// referenced page (spec.md §9 Open Questions).
func (m *Managed) Peek(offset int64) (mem.Pa_t, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peekLocked(offset)
	if !ok {
		return 0, false
	}
	return p + mem.Pa_t(offset%mem.PGSIZE), true
}

// SubmitInitiateLoad enqueues node (the Frontal side) and runs the
// matching loop. onReady fires exactly once, from a workq worker, when
// every page in node's range has transitioned to Loaded, or, if the pager
// has already disappeared and the node can never be satisfied, with
// EPAGERGONE, likewise posted to the work queue rather than run inline.
func (m *Managed) SubmitInitiateLoad(node *InitiateNode, onReady func(*InitiateNode)) {
	m.mu.Lock()
	node.onReady = onReady
	node.scanned = node.Offset
	if m.pagerGone {
		node.Err = defs.EPAGERGONE
		m.mu.Unlock()
		m.q.Post(func() { onReady(node) })
		return
	}
	m.initiateQueue.PushBack(node)
	m.progressLoadsLocked()
	m.mu.Unlock()
}

// SubmitManage enqueues node (the Backing/pager side) and runs the
// matching loop.
func (m *Managed) SubmitManage(node *ManageNode, onReady func(*ManageNode)) {
	m.mu.Lock()
	node.onReady = onReady
	m.submittedManage.PushBack(node)
	m.progressLoadsLocked()
	m.mu.Unlock()
}

// CompleteLoad is called by the pager once it has written physical pages
// for [offset, offset+length) that it was handed via a ManageNode. Pages
// in the range that are not currently Loading are left untouched (they
// may already be Loaded from a racing completion, or the range may be
// wider than what was actually offered).
func (m *Managed) CompleteLoad(offset, length int64, phys func(pageOffset int64) mem.Pa_t) {
	m.mu.Lock()
	start, end := m.pageRange(offset, length)
	for i := start; i <= end; i++ {
		if i < 0 || i >= int64(len(m.states)) {
			continue
		}
		if m.states[i] != stateLoading {
			continue
		}
		m.states[i] = stateLoaded
		m.pages[i] = phys(i * mem.PGSIZE)
	}
	m.progressLoadsLocked()
	m.mu.Unlock()
}

// PagerGone marks the pager as unreachable. Outstanding initiators
// complete with ErrPagerGone; already-Loaded pages remain usable because
// their physical pages are owned by Managed, not the pager (spec.md §4.D
// Failure model).
func (m *Managed) PagerGone() {
	m.mu.Lock()
	m.pagerGone = true
	var fail []*InitiateNode
	for e := m.initiateQueue.Front(); e != nil; {
		next := e.Next()
		n := e.Value.(*InitiateNode)
		n.Err = defs.EPAGERGONE
		fail = append(fail, n)
		m.initiateQueue.Remove(e)
		e = next
	}
	m.mu.Unlock()
	for _, n := range fail {
		node := n
		m.q.Post(func() { node.onReady(node) })
	}
}

// progressLoadsLocked matches pending Missing pages to queued ManageNodes
// and advances fully-Loaded InitiateNodes to completion. Must be called
// with m.mu held. The scan is FIFO and never reorders either queue
// (spec.md §4.D).
func (m *Managed) progressLoadsLocked() {
	for {
		mn := m.firstMatchableManageLocked()
		if mn == nil {
			break
		}
		m.pairManageLocked(mn)
	}

	for {
		e := m.initiateQueue.Front()
		if e == nil {
			return
		}
		n := e.Value.(*InitiateNode)
		if !m.isFullyLoadedLocked(n) {
			return
		}
		m.initiateQueue.Remove(e)
		m.completedInitiate.PushBack(n)
		node := n
		m.q.Post(func() { node.onReady(node) })
	}
}

// firstMatchableManageLocked returns the head of submittedManage if there
// exists at least one Missing page requested by a queued InitiateNode,
// else nil.
func (m *Managed) firstMatchableManageLocked() *list.Element {
	if m.submittedManage.Front() == nil {
		return nil
	}
	if m.firstMissingRequestedLocked() < 0 {
		return nil
	}
	return m.submittedManage.Front()
}

// firstMissingRequestedLocked scans initiateQueue in FIFO order for the
// first page still Missing, returning its page index or -1.
func (m *Managed) firstMissingRequestedLocked() int64 {
	for e := m.initiateQueue.Front(); e != nil; e = e.Next() {
		n := e.Value.(*InitiateNode)
		start, end := m.pageRange(n.Offset, n.Length)
		for i := start; i <= end; i++ {
			if i < 0 || i >= int64(len(m.states)) {
				continue
			}
			if m.states[i] == stateMissing {
				return i
			}
		}
	}
	return -1
}

func (m *Managed) isFullyLoadedLocked(n *InitiateNode) bool {
	start, end := m.pageRange(n.Offset, n.Length)
	for i := start; i <= end; i++ {
		if i < 0 || i >= int64(len(m.states)) || m.states[i] != stateLoaded {
			return false
		}
	}
	return true
}

func (m *Managed) pairManageLocked(e *list.Element) {
	idx := m.firstMissingRequestedLocked()
	mn := e.Value.(*ManageNode)
	m.submittedManage.Remove(e)

	p, ok := m.alloc.AllocPage()
	if !ok {
		mn.Err = defs.ENOMEM
		m.completedManage.PushBack(mn)
		node := mn
		m.q.Post(func() { node.onReady(node) })
		return
	}
	m.states[idx] = stateLoading
	mn.Offset = idx * mem.PGSIZE
	mn.Size = mem.PGSIZE
	m.pages[idx] = p // pre-allocated when the manage node is paired
	m.completedManage.PushBack(mn)
	node := mn
	m.q.Post(func() { node.onReady(node) })
}

// Backing is the pager-facing view of a Managed space: it may submit
// manage grants and complete loads (spec.md §3, §4.D).
type Backing struct{ m *Managed }

// NewBacking returns the Backing face of m.
func NewBacking(m *Managed) *Backing { return &Backing{m: m} }

// SubmitManage offers node to be paired with a Missing page.
func (b *Backing) SubmitManage(node *ManageNode, onReady func(*ManageNode)) {
	b.m.SubmitManage(node, onReady)
}

// CompleteLoad reports that the pager has populated physical pages for
// the given range, mapping page offsets to the pages it wrote via phys.
func (b *Backing) CompleteLoad(offset, length int64, phys func(pageOffset int64) mem.Pa_t) {
	b.m.CompleteLoad(offset, length, phys)
}

// Peek implements Bundle.
func (b *Backing) Peek(offset int64) (mem.Pa_t, bool) { return b.m.Peek(offset) }

// Fetch implements Bundle. Only valid for already-Loaded pages: the pager
// must have populated them via CompleteLoad first (spec.md §4.D).
func (b *Backing) Fetch(offset int64, node *FetchNode, _ OnReady) bool {
	p, ok := b.m.Peek(offset)
	if !ok {
		node.Err = defs.EKERNFAULT
		return true
	}
	node.Phys = p
	node.Size = mem.PGSIZE - int(offset%mem.PGSIZE)
	return true
}

// Frontal is the client-facing view of a Managed space: it issues
// initiate-load requests and its Fetch is a single-page convenience
// wrapper over SubmitInitiateLoad (spec.md §3, §4.D).
type Frontal struct{ m *Managed }

// NewFrontal returns the Frontal face of m.
func NewFrontal(m *Managed) *Frontal { return &Frontal{m: m} }

// SubmitInitiateLoad requests that node's range be loaded.
func (fr *Frontal) SubmitInitiateLoad(node *InitiateNode, onReady func(*InitiateNode)) {
	fr.m.SubmitInitiateLoad(node, onReady)
}

// Peek implements Bundle.
func (fr *Frontal) Peek(offset int64) (mem.Pa_t, bool) { return fr.m.Peek(offset) }

// Fetch implements Bundle. If the page is Loaded it returns synchronously;
// otherwise it queues an internal single-page InitiateNode and returns
// async. Concurrent faults on the same page are coalesced with
// singleflight so only one InitiateNode is submitted per page.
func (fr *Frontal) Fetch(offset int64, node *FetchNode, onReady OnReady) bool {
	if p, ok := fr.m.Peek(offset); ok {
		node.Phys = p
		node.Size = mem.PGSIZE - int(offset%mem.PGSIZE)
		return true
	}

	pageOff := offset - offset%mem.PGSIZE
	key := fmt.Sprintf("%d", pageIndex(offset))
	ch := fr.m.sf.DoChan(key, func() (interface{}, error) {
		inode := &InitiateNode{Offset: pageOff, Length: mem.PGSIZE}
		done := make(chan struct{})
		fr.m.SubmitInitiateLoad(inode, func(n *InitiateNode) { close(done) })
		<-done
		return inode, nil
	})
	go func() {
		res := <-ch
		inode := res.Val.(*InitiateNode)
		if inode.Err != defs.Success {
			node.Err = inode.Err
			onReady(node)
			return
		}
		p, ok := fr.m.Peek(offset)
		if !ok {
			node.Err = defs.EKERNFAULT
		} else {
			node.Phys = p
			node.Size = mem.PGSIZE - int(offset%mem.PGSIZE)
		}
		onReady(node)
	}()
	return false
}

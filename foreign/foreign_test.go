package foreign

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uvm/addrspace"
	"uvm/bundle"
	"uvm/defs"
	"uvm/mapping"
	"uvm/mem"
	"uvm/ptable"
	"uvm/view"
	"uvm/workq"
)

func newTargetSpace(t *testing.T, length int64) (*addrspace.Space, *mem.Fake) {
	t.Helper()
	alloc := mem.NewFake()
	pt := ptable.NewFake()
	q := workq.New(4)
	s := addrspace.New(0x1000, length, pt, alloc, alloc, q, nil)
	b := bundle.NewAllocated(alloc, length, mem.PGSIZE, mem.PGSIZE, nil)
	v := view.NewExterior(b, 0, length)
	_, err := s.Map(addrspace.MapRequest{Policy: addrspace.Fixed, AddressHint: 0x1000, View: v, Length: length, Flags: mapping.Flags{Read: true, Write: true}})
	require.Equal(t, defs.Success, err)
	return s, alloc
}

// TestRoundTrip mirrors spec.md §8 testable property 6: write(bytes);
// load() == bytes through an acquired ForeignSpaceAccessor.
func TestRoundTrip(t *testing.T) {
	target, alloc := newTargetSpace(t, 0x2000)

	acc := NewAccessor(target, alloc, 0x1000, 0x2000, nil)
	require.Equal(t, defs.Success, acc.Acquire(context.Background()))

	payload := make([]byte, 300)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.Equal(t, defs.Success, acc.Write(10, payload))

	out := make([]byte, 300)
	require.Equal(t, defs.Success, acc.Load(10, out))
	assert.Equal(t, payload, out)

	acc.Release()
}

func TestWriteCrossesPageBoundary(t *testing.T) {
	target, alloc := newTargetSpace(t, 0x3000)
	acc := NewAccessor(target, alloc, 0x1000, 0x3000, nil)
	require.Equal(t, defs.Success, acc.Acquire(context.Background()))

	payload := make([]byte, mem.PGSIZE+100)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	require.Equal(t, defs.Success, acc.Write(mem.PGSIZE-50, payload))

	out := make([]byte, len(payload))
	require.Equal(t, defs.Success, acc.Load(mem.PGSIZE-50, out))
	assert.Equal(t, payload, out)
}

func TestLoadWithoutAcquireFails(t *testing.T) {
	target, alloc := newTargetSpace(t, 0x1000)
	acc := NewAccessor(target, alloc, 0x1000, 0x1000, nil)
	buf := make([]byte, 8)
	assert.Equal(t, defs.EFAULT, acc.Load(0, buf))
}

func TestReleaseUnblocksDrain(t *testing.T) {
	target, alloc := newTargetSpace(t, 0x1000)
	acc := NewAccessor(target, alloc, 0x1000, 0x1000, nil)

	done := make(chan struct{})
	go func() { target.Drain(); close(done) }()

	select {
	case <-done:
		t.Fatal("Drain returned before accessor released")
	default:
	}

	acc.Release()
	<-done
}

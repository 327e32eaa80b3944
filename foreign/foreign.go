// Package foreign implements ForeignSpaceAccessor (spec.md §3, §4.J):
// bulk, pre-faulted access to another address space's memory without
// mapping it into the caller's own address space.
package foreign

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"uvm/addrspace"
	"uvm/defs"
	"uvm/mem"
)

// Accessor is a bulk cross-space reader/writer over [base, base+length)
// of a target AddressSpace (spec.md §4.J).
type Accessor struct {
	target *addrspace.Space
	dmap   mem.Mapper
	base   uintptr
	length int64
	log    *zap.Logger

	acquired bool
	released bool
}

// NewAccessor returns an Accessor over [base, base+length) of target.
// Constructing one registers a reference against target, blocking its
// teardown until Release is called (spec.md §4.J "Concurrency").
func NewAccessor(target *addrspace.Space, dmap mem.Mapper, base uintptr, length int64, log *zap.Logger) *Accessor {
	if log == nil {
		log = zap.NewNop()
	}
	target.AddRef()
	return &Accessor{target: target, dmap: dmap, base: base, length: length, log: log}
}

// Acquire drives a fault in the target address space for every page in
// range, ensuring the backing page exists and a PTE is installed. Faults
// are fanned out across an errgroup (SPEC_FULL.md domain-stack wiring:
// golang.org/x/sync/errgroup); every page's fault runs to completion and
// the first failure is returned (spec.md §4.J "failures surface the first
// error").
func (a *Accessor) Acquire(ctx context.Context) defs.Err_t {
	pages := a.length / mem.PGSIZE
	if a.length%mem.PGSIZE != 0 {
		pages++
	}

	g, _ := errgroup.WithContext(ctx)
	for i := int64(0); i < pages; i++ {
		i := i
		g.Go(func() error {
			va := a.base + uintptr(i*mem.PGSIZE)
			if err := a.target.HandleFault(va, false); err != defs.Success {
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err.(defs.Err_t)
	}
	a.acquired = true
	return defs.Success
}

// GetPhysical translates offset (relative to base) to a physical address
// in the target space. Non-blocking: Acquire must have already installed
// the translation. Translations are only ever installed at page-aligned
// virtual addresses (faults map at actual+i*PGSIZE), so the page base is
// translated and the in-page offset added back afterward.
func (a *Accessor) GetPhysical(offset int64) (mem.Pa_t, defs.Err_t) {
	if !a.acquired {
		return 0, defs.EFAULT
	}
	if offset < 0 || offset >= a.length {
		return 0, defs.EFAULT
	}
	pageOff := offset % mem.PGSIZE
	pageVA := a.base + uintptr(offset-pageOff)
	phys, _, ok := a.target.Translate(pageVA)
	if !ok {
		return 0, defs.EFAULT
	}
	return phys + mem.Pa_t(pageOff), defs.Success
}

// Load copies len(buf) bytes starting at offset out of the acquired
// region into buf, crossing page boundaries via per-page translation
// (spec.md §4.J).
func (a *Accessor) Load(offset int64, buf []byte) defs.Err_t {
	return a.walk(offset, buf, false)
}

// Write copies buf into the acquired region starting at offset, crossing
// page boundaries via per-page translation (spec.md §4.J). Fails
// BadAddress if any covered page is unmapped.
func (a *Accessor) Write(offset int64, buf []byte) defs.Err_t {
	return a.walk(offset, buf, true)
}

// walk crosses page boundaries copying between buf and the target's
// physical pages. toTarget selects the direction: true for Write (buf ->
// target), false for Load (target -> buf).
func (a *Accessor) walk(offset int64, buf []byte, toTarget bool) defs.Err_t {
	if !a.acquired {
		return defs.EFAULT
	}
	size := len(buf)
	if offset < 0 || int64(size) > a.length-offset {
		return defs.EFAULT
	}
	remaining := size
	pos := offset
	bufPos := 0
	for remaining > 0 {
		pageOff := int(pos % mem.PGSIZE)
		pageVA := a.base + uintptr(pos-int64(pageOff))
		phys, _, ok := a.target.Translate(pageVA)
		if !ok {
			return defs.EFAULT
		}
		n := mem.PGSIZE - pageOff
		if n > remaining {
			n = remaining
		}
		page := a.dmap.Dmap(phys)
		if toTarget {
			copy(page[pageOff:pageOff+n], buf[bufPos:bufPos+n])
		} else {
			copy(buf[bufPos:bufPos+n], page[pageOff:pageOff+n])
		}
		pos += int64(n)
		bufPos += n
		remaining -= n
	}
	return defs.Success
}

// Release drops this accessor's reference against the target space.
// Idempotent.
func (a *Accessor) Release() {
	if a.released {
		return
	}
	a.released = true
	a.target.Release()
}

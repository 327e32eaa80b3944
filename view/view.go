// Package view implements the windowed projection of a memory bundle into
// address-space coordinates (spec.md §3, §4.F): VirtualView's contract and
// its sole implementation, ExteriorBundleView.
package view

import (
	"uvm/bundle"
	"uvm/defs"
)

// View is the VirtualView contract: resolve_range(offset, size) returns
// the bundle backing that range, the offset into it, and the usable size
// (which may be smaller than requested). It is the same contract
// bundle.RootView names from the other side of the package boundary, kept
// as its own type here purely for naming fidelity with the spec.
type View = bundle.RootView

// Exterior wraps (bundle, view_offset, view_size): a fixed window onto a
// bundle (spec.md §4.F). Views are immutable and shared once constructed.
type Exterior struct {
	b      bundle.Bundle
	offset int64
	size   int64
}

// NewExterior returns a View over [viewOffset, viewOffset+viewSize) of b.
func NewExterior(b bundle.Bundle, viewOffset, viewSize int64) *Exterior {
	return &Exterior{b: b, offset: viewOffset, size: viewSize}
}

// Bundle returns the underlying bundle, for callers (like Mapping.cow)
// that need to wrap it in a new overlay rather than merely resolve
// through it.
func (v *Exterior) Bundle() bundle.Bundle { return v.b }

// Offset returns the view's fixed window offset into its bundle.
func (v *Exterior) Offset() int64 { return v.offset }

// ResolveRange implements View. Out-of-range resolution fails with
// BadAddress.
func (v *Exterior) ResolveRange(off, size int64) (bundle.Bundle, int64, int64, defs.Err_t) {
	if off < 0 || off >= v.size {
		return nil, 0, 0, defs.EFAULT
	}
	usable := v.size - off
	if size < usable {
		usable = size
	}
	if usable <= 0 {
		return nil, 0, 0, defs.EFAULT
	}
	return v.b, v.offset + off, usable, defs.Success
}

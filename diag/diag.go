// Package diag builds a pprof-format profile of page-fault counts and
// latency per AddressSpace, exercising the teacher's own
// profiling dependency (github.com/google/pprof/profile) alongside the
// virtual memory core it ships next to in the real repo.
package diag

import (
	"strconv"
	"sync"
	"time"

	"github.com/google/pprof/profile"

	"uvm/addrspace"
)

// Sample is one recorded fault: how long handling it took, and whether
// it was a write fault.
type Sample struct {
	Write   bool
	Latency time.Duration
}

// Recorder accumulates fault samples for one AddressSpace.
type Recorder struct {
	mu      sync.Mutex
	samples []Sample
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder { return &Recorder{} }

// Record appends one fault sample. Call it around AddressSpace.HandleFault
// at the call site, since the core itself never measures its own latency
// (spec.md §6: "No configuration is read by the core"; profiling is
// strictly an external observer).
func (r *Recorder) Record(write bool, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, Sample{Write: write, Latency: latency})
}

var (
	readFunc  = &profile.Function{ID: 1, Name: "page_fault_read", SystemName: "page_fault_read"}
	writeFunc = &profile.Function{ID: 2, Name: "page_fault_write", SystemName: "page_fault_write"}
	readLoc   = &profile.Location{ID: 1, Line: []profile.Line{{Function: readFunc}}}
	writeLoc  = &profile.Location{ID: 2, Line: []profile.Line{{Function: writeFunc}}}
)

// Profile renders the accumulated samples as a pprof profile with two
// sample types, fault count and cumulative latency in nanoseconds, plus
// stat's resident-page, mapping and hole counts as profile comments.
func (r *Recorder) Profile(stat addrspace.Stat) *profile.Profile {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "faults", Unit: "count"},
			{Type: "latency", Unit: "nanoseconds"},
		},
		Function:          []*profile.Function{readFunc, writeFunc},
		Location:          []*profile.Location{readLoc, writeLoc},
		DefaultSampleType: "latency",
		Comments: []string{
			"resident_pages=" + strconv.Itoa(stat.ResidentPages),
			"mapping_count=" + strconv.Itoa(stat.MappingCount),
			"hole_count=" + strconv.Itoa(stat.HoleCount),
		},
	}

	readAgg := &profile.Sample{Location: []*profile.Location{readLoc}, Value: []int64{0, 0}}
	writeAgg := &profile.Sample{Location: []*profile.Location{writeLoc}, Value: []int64{0, 0}}
	for _, s := range r.samples {
		agg := readAgg
		if s.Write {
			agg = writeAgg
		}
		agg.Value[0]++
		agg.Value[1] += s.Latency.Nanoseconds()
	}
	if readAgg.Value[0] > 0 {
		p.Sample = append(p.Sample, readAgg)
	}
	if writeAgg.Value[0] > 0 {
		p.Sample = append(p.Sample, writeAgg)
	}
	return p
}

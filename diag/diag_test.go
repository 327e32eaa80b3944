package diag

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uvm/addrspace"
)

func TestProfileAggregatesByDirection(t *testing.T) {
	r := NewRecorder()
	r.Record(false, 10*time.Microsecond)
	r.Record(false, 20*time.Microsecond)
	r.Record(true, 5*time.Microsecond)

	p := r.Profile(addrspace.Stat{MappingCount: 2, HoleCount: 1, ResidentPages: 3})
	require.Len(t, p.Sample, 2)

	var readValue, writeValue []int64
	for _, s := range p.Sample {
		if s.Location[0].ID == readLoc.ID {
			readValue = s.Value
		} else {
			writeValue = s.Value
		}
	}
	require.NotNil(t, readValue)
	require.NotNil(t, writeValue)
	assert.Equal(t, int64(2), readValue[0])
	assert.Equal(t, int64(30000), readValue[1])
	assert.Equal(t, int64(1), writeValue[0])
	assert.Equal(t, int64(5000), writeValue[1])

	assert.Contains(t, p.Comments, "resident_pages=3")
	assert.Contains(t, p.Comments, "mapping_count=2")
	assert.Contains(t, p.Comments, "hole_count=1")
}

func TestProfileOmitsEmptyDirection(t *testing.T) {
	r := NewRecorder()
	r.Record(false, time.Microsecond)

	p := r.Profile(addrspace.Stat{})
	require.Len(t, p.Sample, 1)
	assert.Equal(t, readLoc.ID, p.Sample[0].Location[0].ID)
}

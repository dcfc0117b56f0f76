package chain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIntervalSetMissingEmpty(t *testing.T) {
	s := NewIntervalSet()
	missing := s.Missing(Interval{Low: 100, High: 200})
	assert.Equal(t, []Interval{{Low: 100, High: 200}}, missing)
}

func TestIntervalSetMissingFullyCovered(t *testing.T) {
	s := NewIntervalSet(Interval{Low: 100, High: 200})
	assert.Empty(t, s.Missing(Interval{Low: 100, High: 200}))
	assert.True(t, s.Contains(Interval{Low: 120, High: 150}))
}

func TestIntervalSetMissingPartial(t *testing.T) {
	s := NewIntervalSet(Interval{Low: 100, High: 150})
	missing := s.Missing(Interval{Low: 100, High: 200})
	assert.Equal(t, []Interval{{Low: 151, High: 200}}, missing)
}

func TestIntervalSetMissingGapInMiddle(t *testing.T) {
	s := NewIntervalSet(Interval{Low: 100, High: 120}, Interval{Low: 150, High: 200})
	missing := s.Missing(Interval{Low: 100, High: 200})
	assert.Equal(t, []Interval{{Low: 121, High: 149}}, missing)
}

func TestIntervalSetAddMergesAdjacent(t *testing.T) {
	s := NewIntervalSet(Interval{Low: 1, High: 10})
	s.Add(Interval{Low: 11, High: 20})
	assert.Equal(t, []Interval{{Low: 1, High: 20}}, s.Ranges())
}

func TestIntervalSetAddOverlapping(t *testing.T) {
	s := NewIntervalSet(Interval{Low: 1, High: 10}, Interval{Low: 30, High: 40})
	s.Add(Interval{Low: 5, High: 35})
	assert.Equal(t, []Interval{{Low: 1, High: 40}}, s.Ranges())
}

func TestIntervalSetReplay(t *testing.T) {
	// §8 scenario 1: replaying sync([100,200]) after full coverage
	// performs zero work, i.e. Missing returns nothing.
	s := NewIntervalSet()
	s.Add(Interval{Low: 100, High: 200})
	assert.Empty(t, s.Missing(Interval{Low: 100, High: 200}))
}

package usage

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kandev/streambridge/internal/unified"
)

func u(in, out, cached int64) *unified.Usage {
	return &unified.Usage{Input: in, Output: out, CachedInput: cached}
}

func TestCumulativeDeltas(t *testing.T) {
	a := New()
	assert.Equal(t, *u(10, 5, 0), a.Observe(u(10, 5, 0), nil))
	assert.Equal(t, *u(15, 7, 2), a.Observe(u(25, 12, 2), nil))
	assert.Equal(t, *u(25, 12, 2), a.Last())
}

func TestCounterResetClampsToZero(t *testing.T) {
	a := New()
	a.Observe(u(100, 50, 10), nil)
	assert.Equal(t, *u(0, 5, 0), a.Observe(u(40, 55, 0), nil))
	assert.Equal(t, *u(40, 55, 0), a.Last())
}

func TestExplicitDeltaWins(t *testing.T) {
	a := New()
	assert.Equal(t, *u(40, 10, 0), a.Observe(u(100, 30, 20), u(40, 10, 0)))
	assert.Equal(t, *u(100, 30, 20), a.Last())

	assert.Equal(t, *u(5, 5, 0), a.Observe(nil, u(5, 5, 0)))
	assert.Equal(t, *u(105, 35, 20), a.Last())
}

func TestNoReport(t *testing.T) {
	a := New()
	assert.True(t, a.Observe(nil, nil).IsZero())
}

// The sum of the returned deltas equals the final cumulative snapshot when
// counters only grow.
func TestConservation(t *testing.T) {
	a := New()
	snapshots := []*unified.Usage{u(3, 1, 0), u(3, 1, 0), u(10, 4, 2), u(18, 9, 2), u(30, 9, 5)}
	var sum unified.Usage
	for _, s := range snapshots {
		sum = sum.Add(a.Observe(s, nil))
	}
	assert.Equal(t, *snapshots[len(snapshots)-1], sum)
	assert.Equal(t, sum, a.Total())
}

func TestReset(t *testing.T) {
	a := New()
	a.Observe(u(10, 10, 10), nil)
	a.Reset()
	assert.True(t, a.Last().IsZero())
	assert.Equal(t, *u(1, 1, 1), a.Observe(u(1, 1, 1), nil))
}

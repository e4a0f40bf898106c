package dedup

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kandev/streambridge/internal/adapter"
)

func TestSeen(t *testing.T) {
	l := New(4)
	assert.False(t, l.Seen("a"))
	assert.True(t, l.Seen("a"))
	assert.False(t, l.Seen("b"))
	assert.Equal(t, 2, l.Len())
}

func TestEvictsLeastRecentlySeen(t *testing.T) {
	l := New(3)
	for _, fp := range []string{"a", "b", "c"} {
		l.Seen(fp)
	}
	// Touch "a" so "b" becomes the oldest.
	assert.True(t, l.Seen("a"))
	assert.False(t, l.Seen("d"))

	assert.Equal(t, 3, l.Len())
	assert.False(t, l.Seen("b"), "b should have been evicted")
	assert.True(t, l.Seen("a"))
}

func TestCapacityBound(t *testing.T) {
	l := New(0)
	for i := 0; i < DefaultCapacity+100; i++ {
		l.Seen(fmt.Sprintf("fp-%d", i))
	}
	assert.Equal(t, DefaultCapacity, l.Len())
}

func TestReset(t *testing.T) {
	l := New(8)
	l.Seen("a")
	l.Reset()
	assert.Equal(t, 0, l.Len())
	assert.False(t, l.Seen("a"))
}

func TestFingerprint(t *testing.T) {
	raw := []byte(`{"type":"x", "v": 1}`)

	assert.Equal(t, "id:u1", Fingerprint(adapter.Identity{ID: "u1", Timestamp: "t"}, Origin{Run: "r", Seq: 1}, raw, 0))
	assert.Equal(t, "ts:t1|result", Fingerprint(adapter.Identity{Timestamp: "t1", Kind: "result"}, Origin{}, raw, 0))

	compact := Fingerprint(adapter.Identity{}, Origin{}, []byte(`{"type":"x","v":1}`), 1)
	assert.Equal(t, compact, Fingerprint(adapter.Identity{}, Origin{}, raw, 1), "whitespace does not matter")
	assert.NotEqual(t, compact, Fingerprint(adapter.Identity{}, Origin{}, raw, 2), "turns are distinct")
	assert.NotEqual(t, compact, Fingerprint(adapter.Identity{}, Origin{}, []byte(`{"type":"x","v":2}`), 1))
}

func TestFingerprintOrigin(t *testing.T) {
	raw := []byte(`{"type":"message","content":"ha","delta":true}`)
	first := Fingerprint(adapter.Identity{}, Origin{Run: "r1", Seq: 4}, raw, 1)
	assert.Equal(t, "seq:r1:4", first)
	assert.NotEqual(t, first, Fingerprint(adapter.Identity{}, Origin{Run: "r1", Seq: 5}, raw, 1), "identical lines are distinct")
	assert.NotEqual(t, first, Fingerprint(adapter.Identity{}, Origin{Run: "r2", Seq: 4}, raw, 1), "runs are distinct")
	assert.Equal(t, "seq:r1:4", Fingerprint(adapter.Identity{Timestamp: "t1", Kind: "result"}, Origin{Run: "r1", Seq: 4}, raw, 1))
}

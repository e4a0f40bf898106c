// Package dedup suppresses redelivered engine events with a bounded ledger of
// event fingerprints.
package dedup

import (
	"bytes"
	"container/list"
	"encoding/json"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/kandev/streambridge/internal/adapter"
)

// DefaultCapacity is the ledger size used when none is configured.
const DefaultCapacity = 2048

// Ledger is an LRU set of fingerprints. When full, the least recently seen
// fingerprint is evicted.
type Ledger struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	index    map[string]*list.Element
}

// New creates a ledger holding at most capacity fingerprints.
func New(capacity int) *Ledger {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ledger{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element, capacity),
	}
}

// Seen reports whether fp was already recorded, and records it.
func (l *Ledger) Seen(fp string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if el, ok := l.index[fp]; ok {
		l.order.MoveToFront(el)
		return true
	}
	l.index[fp] = l.order.PushFront(fp)
	if l.order.Len() > l.capacity {
		oldest := l.order.Back()
		l.order.Remove(oldest)
		delete(l.index, oldest.Value.(string))
	}
	return false
}

// Len returns the number of recorded fingerprints.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.order.Len()
}

// Reset forgets every fingerprint.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.order.Init()
	l.index = make(map[string]*list.Element, l.capacity)
}

// Origin names one published stdout line: the engine run it came from and
// its line number within that run. The zero Origin is unknown.
type Origin struct {
	Run string
	Seq int64
}

// Fingerprint derives an event fingerprint. Engine ids win, then the origin
// of the line, then the wire timestamp with the event kind. Events with none
// of these are hashed, scoped to the turn so an identical line in a later
// turn is not dropped.
func Fingerprint(id adapter.Identity, origin Origin, raw []byte, turn uint64) string {
	if id.ID != "" {
		return "id:" + id.ID
	}
	if origin.Seq > 0 {
		return "seq:" + origin.Run + ":" + strconv.FormatInt(origin.Seq, 10)
	}
	if id.Timestamp != "" {
		return "ts:" + id.Timestamp + "|" + id.Kind
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		buf.Reset()
		buf.Write(bytes.TrimSpace(raw))
	}
	return "h:" + strconv.FormatUint(turn, 10) + ":" + strconv.FormatUint(xxhash.Sum64(buf.Bytes()), 16)
}

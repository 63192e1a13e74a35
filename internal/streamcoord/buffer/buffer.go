// Package buffer implements the bounded multi-source merge that gives the
// Coordinator a single time-ordered record stream: a min-heap of
// (ordering_key, record, shard) triples ordered by (sequence_number,
// per-push monotonic tiebreaker) so that records pushed in the same batch
// preserve arrival order for equal sequence numbers.
//
// The heap itself is github.com/emirpasic/gods' binaryheap rather than the
// standard library's container/heap: gods gives a comparator-driven heap
// with Push/Pop/Values as plain methods, which is a better fit here than
// implementing the five-method heap.Interface purely to wrap a slice.
package buffer

import (
	"bytes"

	"github.com/emirpasic/gods/trees/binaryheap"

	"github.com/usedatabrew/stream-coordinator/internal/streamcoord/session"
	"github.com/usedatabrew/stream-coordinator/internal/streamcoord/shard"
)

// orderingKey is the lexicographic tuple records are ordered by: sequence
// number bytes first, then a monotonic tiebreaker assigned at push time.
type orderingKey struct {
	sequenceNumber []byte
	tiebreaker     uint64
}

func compareKeys(a, b orderingKey) int {
	if c := bytes.Compare(a.sequenceNumber, b.sequenceNumber); c != 0 {
		return c
	}
	switch {
	case a.tiebreaker < b.tiebreaker:
		return -1
	case a.tiebreaker > b.tiebreaker:
		return 1
	default:
		return 0
	}
}

// Entry is one buffered (record, origin shard) pair.
type Entry struct {
	Record session.Record
	Shard  *shard.Shard
	key    orderingKey
}

// RecordBuffer is a bounded priority queue merging records from multiple
// shards, used by the Coordinator to produce a single time-ordered output
// sequence.
type RecordBuffer struct {
	heap       *binaryheap.Heap
	tiebreaker uint64
}

// New returns an empty RecordBuffer.
func New() *RecordBuffer {
	return &RecordBuffer{
		heap: binaryheap.NewWith(func(a, b interface{}) int {
			return compareKeys(a.(Entry).key, b.(Entry).key)
		}),
	}
}

// Push adds one record from shard s to the buffer, assigning it the next
// monotonic tiebreaker.
func (b *RecordBuffer) Push(record session.Record, s *shard.Shard) {
	b.tiebreaker++
	b.heap.Push(Entry{
		Record: record,
		Shard:  s,
		key:    orderingKey{sequenceNumber: []byte(record.SequenceNumber), tiebreaker: b.tiebreaker},
	})
}

// PushAll adds every (record, shard) pair from one batch, in order,
// guaranteeing stable arrival ordering within the batch via increasing
// tiebreakers.
func (b *RecordBuffer) PushAll(records []session.Record, s *shard.Shard) {
	for _, r := range records {
		b.Push(r, s)
	}
}

// Pop removes and returns the lowest-ordered buffered entry.
func (b *RecordBuffer) Pop() (session.Record, *shard.Shard, bool) {
	v, ok := b.heap.Pop()
	if !ok {
		return session.Record{}, nil, false
	}
	e := v.(Entry)
	return e.Record, e.Shard, true
}

// Len reports the number of buffered entries.
func (b *RecordBuffer) Len() int {
	return b.heap.Size()
}

// Empty reports whether the buffer has no buffered entries.
func (b *RecordBuffer) Empty() bool {
	return b.heap.Empty()
}

// Clear discards every buffered entry.
func (b *RecordBuffer) Clear() {
	b.heap.Clear()
}

// PurgeShard removes every buffered entry whose origin is s, an O(n) scan
// required whenever s is removed from the forest so stale records from a
// promoted-away shard never surface through Pop.
func (b *RecordBuffer) PurgeShard(s *shard.Shard) {
	values := b.heap.Values()
	b.heap.Clear()
	for _, v := range values {
		e := v.(Entry)
		if e.Shard == s {
			continue
		}
		b.heap.Push(e)
	}
}

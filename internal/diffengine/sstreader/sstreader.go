// Package sstreader implements tombstone-aware iteration and key-state
// resolution over SST files (spec §4.5): it surfaces PUT/DELETE/RANGE_DELETE/
// MERGE records in key order and resolves, for a target sequence number, the
// final PRESENT/ABSENT state of each key a set of files touches.
package sstreader

import (
	"bytes"
	"container/heap"
	"sort"

	"github.com/cuemby/diffengine/internal/diffengine/host"
	"github.com/cuemby/diffengine/internal/diffengine/model"
)

// mergeItem is one in-flight record from one of the merged readers.
type mergeItem struct {
	rec      model.Record
	readerIx int
}

type mergeHeap []mergeItem

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	c := bytes.Compare(h[i].rec.Key, h[j].rec.Key)
	if c != 0 {
		return c < 0
	}
	// Within equal keys, highest sequence first.
	return h[i].rec.Seq > h[j].rec.Seq
}
func (h mergeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x interface{}) { *h = append(*h, x.(mergeItem)) }
func (h *mergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// MergeReader performs a k-way merge across several tombstone-aware SST
// readers, yielding records in ascending key order, and within a key,
// descending sequence order (spec §4.6 step 4). It does not attempt to
// resolve state — that is Resolve's job — it only interleaves.
type MergeReader struct {
	readers []host.SSTReader
	h       mergeHeap
	cur     model.Record
	err     error
	started bool
}

// NewMergeReader builds a merge reader over the given already-open readers.
// The caller remains responsible for closing each reader.
func NewMergeReader(readers []host.SSTReader) *MergeReader {
	return &MergeReader{readers: readers}
}

func (m *MergeReader) init() {
	m.h = make(mergeHeap, 0, len(m.readers))
	for i, r := range m.readers {
		if r.Next() {
			heap.Push(&m.h, mergeItem{rec: r.Record(), readerIx: i})
		} else if err := r.Err(); err != nil {
			m.err = err
		}
	}
	heap.Init(&m.h)
	m.started = true
}

// Next advances to the next merged record.
func (m *MergeReader) Next() bool {
	if m.err != nil {
		return false
	}
	if !m.started {
		m.init()
	}
	if len(m.h) == 0 {
		return false
	}
	top := heap.Pop(&m.h).(mergeItem)
	m.cur = top.rec

	r := m.readers[top.readerIx]
	if r.Next() {
		heap.Push(&m.h, mergeItem{rec: r.Record(), readerIx: top.readerIx})
	} else if err := r.Err(); err != nil {
		m.err = err
		return false
	}
	return true
}

// Record returns the current merged record.
func (m *MergeReader) Record() model.Record { return m.cur }

// Err returns the first read error encountered, if any.
func (m *MergeReader) Err() error { return m.err }

// KeyState is the resolved state of a key at a target sequence number
// (spec §4.6 step 5: state_from / state_to).
type KeyState struct {
	Present bool
	Digest  model.Digest
}

// Resolve computes, for every key touched by records, its state as of maxSeq:
// the record with the highest sequence number <= maxSeq wins (spec §4.6 step 5),
// with range deletes (spec §4.6 "Edge cases") applied against point records
// they cover. Only keys with at least one qualifying record are returned.
func Resolve(records []model.Record, maxSeq uint64) map[string]KeyState {
	var points []model.Record
	var ranges []model.Record
	for _, r := range records {
		if r.Seq > maxSeq {
			continue
		}
		if r.Op == model.OpRangeDelete {
			ranges = append(ranges, r)
		} else {
			points = append(points, r)
		}
	}

	// Highest-seq point record per key wins.
	best := make(map[string]model.Record)
	for _, r := range points {
		k := string(r.Key)
		if cur, ok := best[k]; !ok || r.Seq > cur.Seq {
			best[k] = r
		}
	}

	sort.Slice(ranges, func(i, j int) bool { return bytes.Compare(ranges[i].Key, ranges[j].Key) < 0 })

	result := make(map[string]KeyState, len(best))
	for k, r := range best {
		effectiveSeq := r.Seq
		deleted := r.Op == model.OpDelete
		for _, rd := range ranges {
			if bytes.Compare(rd.Key, []byte(k)) <= 0 && bytes.Compare([]byte(k), rd.RangeEnd) < 0 {
				if rd.Seq > effectiveSeq {
					effectiveSeq = rd.Seq
					deleted = true
				}
			}
		}
		if deleted {
			continue // absent: omit from result entirely
		}
		result[k] = KeyState{Present: true, Digest: r.Digest}
	}
	return result
}

// SliceReader is an in-memory host.SSTReader over a pre-sorted slice of
// records, used by the in-memory fake host and by tests.
type SliceReader struct {
	records []model.Record
	idx     int
}

// NewSliceReader builds a reader over a sorted copy of records, in ascending
// key order (ties broken by descending sequence) as a real SST file would be.
func NewSliceReader(records []model.Record) *SliceReader {
	sorted := make([]model.Record, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		c := bytes.Compare(sorted[i].Key, sorted[j].Key)
		if c != 0 {
			return c < 0
		}
		return sorted[i].Seq > sorted[j].Seq
	})
	return &SliceReader{records: sorted, idx: -1}
}

func (s *SliceReader) Next() bool {
	s.idx++
	return s.idx < len(s.records)
}

func (s *SliceReader) Record() model.Record { return s.records[s.idx] }
func (s *SliceReader) Err() error           { return nil }
func (s *SliceReader) Close() error         { return nil }

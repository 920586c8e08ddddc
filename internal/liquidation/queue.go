package liquidation

import (
	"MemePerp/internal/event"
	"container/heap"
)

// QueueItem is one position waiting for a liquidation check.
type QueueItem struct {
	PairID         string // see event.PairID; filled from Token and Trader when empty
	Token          event.Address
	Trader         event.Address
	MarginRatioBps int64
	Urgency        event.Urgency
	seq            int64
}

// Queue orders items CRITICAL first, then by lowest margin ratio. Items with
// equal priority keep insertion order. A position is queued at most once;
// re-pushing keeps the more urgent entry.
type Queue struct {
	items itemHeap
	index map[string]*QueueItem
	seq   int64
}

func NewQueue() *Queue {
	return &Queue{index: make(map[string]*QueueItem)}
}

// Push adds it. It reports false when an equal or more urgent entry for the
// same position is already queued.
func (q *Queue) Push(it QueueItem) bool {
	if it.PairID == "" {
		it.PairID = event.PairID(it.Token, it.Trader)
	}
	if cur, ok := q.index[it.PairID]; ok {
		it.seq = cur.seq
		if !less(&it, cur) {
			return false
		}
		cur.Urgency, cur.MarginRatioBps = it.Urgency, it.MarginRatioBps
		heap.Init(&q.items)
		return true
	}
	q.seq++
	it.seq = q.seq
	p := &it
	q.index[it.PairID] = p
	heap.Push(&q.items, p)
	return true
}

// Pop removes the most urgent item.
func (q *Queue) Pop() (QueueItem, bool) {
	if len(q.items) == 0 {
		return QueueItem{}, false
	}
	p := heap.Pop(&q.items).(*QueueItem)
	delete(q.index, p.PairID)
	return *p, true
}

func (q *Queue) Len() int { return len(q.items) }

func less(a, b *QueueItem) bool {
	if a.Urgency != b.Urgency {
		return a.Urgency < b.Urgency
	}
	if a.MarginRatioBps != b.MarginRatioBps {
		return a.MarginRatioBps < b.MarginRatioBps
	}
	return a.seq < b.seq
}

// itemHeap implements heap.Interface.
type itemHeap []*QueueItem

func (h itemHeap) Len() int           { return len(h) }
func (h itemHeap) Less(i, j int) bool { return less(h[i], h[j]) }
func (h itemHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(*QueueItem)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

package query

import (
	"container/heap"
	"sort"
)

type candidate struct {
	id    string
	score float64
	meta  map[string]any
}

// better orders candidates by descending score, then ascending id.
func better(a, b candidate) bool {
	if a.score != b.score {
		return a.score > b.score
	}
	return a.id < b.id
}

// topK keeps the k best candidates seen so far. The heap root is the worst
// kept candidate, so each offer costs O(log k).
type topK struct {
	k     int
	items []candidate
}

func newTopK(k int) *topK {
	return &topK{k: k, items: make([]candidate, 0, k)}
}

func (t *topK) Len() int           { return len(t.items) }
func (t *topK) Less(i, j int) bool { return better(t.items[j], t.items[i]) }
func (t *topK) Swap(i, j int)      { t.items[i], t.items[j] = t.items[j], t.items[i] }
func (t *topK) Push(x any)         { t.items = append(t.items, x.(candidate)) }
func (t *topK) Pop() any {
	n := len(t.items)
	c := t.items[n-1]
	t.items = t.items[:n-1]
	return c
}

// offer considers c for inclusion.
func (t *topK) offer(c candidate) {
	if t.k <= 0 {
		return
	}
	if len(t.items) < t.k {
		heap.Push(t, c)
		return
	}
	if better(c, t.items[0]) {
		t.items[0] = c
		heap.Fix(t, 0)
	}
}

// merge offers every candidate of other.
func (t *topK) merge(other *topK) {
	for _, c := range other.items {
		t.offer(c)
	}
}

// sorted returns the kept candidates best first.
func (t *topK) sorted() []candidate {
	out := make([]candidate, len(t.items))
	copy(out, t.items)
	sort.Slice(out, func(i, j int) bool { return better(out[i], out[j]) })
	return out
}

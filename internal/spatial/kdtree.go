package spatial

import (
	"container/heap"
	"sort"
)

// kdTree is an implicit 3-d tree over unit vectors. For a subrange [lo, hi)
// the node is the median at (lo+hi)/2, its left subtree is [lo, mid) and its
// right subtree is [mid+1, hi). Points are ordered by (coordinate, id) on the
// split axis, so the order is total and quickselect cannot degrade on
// duplicate coordinates.
type kdTree struct {
	ids  []int32
	xyz  [][3]float64
	axis []uint8
}

func buildKD(ids []int32, xyz [][3]float64) kdTree {
	t := kdTree{ids: ids, xyz: xyz, axis: make([]uint8, len(ids))}
	t.build(0, len(ids))
	return t
}

func (t *kdTree) build(lo, hi int) {
	if hi-lo <= 1 {
		return
	}
	ax := t.widestAxis(lo, hi)
	mid := (lo + hi) / 2
	t.selectNth(lo, hi-1, mid, ax)
	t.axis[mid] = ax
	t.build(lo, mid)
	t.build(mid+1, hi)
}

func (t *kdTree) widestAxis(lo, hi int) uint8 {
	minV := t.xyz[lo]
	maxV := t.xyz[lo]
	for i := lo + 1; i < hi; i++ {
		for a := range 3 {
			v := t.xyz[i][a]
			if v < minV[a] {
				minV[a] = v
			}
			if v > maxV[a] {
				maxV[a] = v
			}
		}
	}
	best := uint8(0)
	for a := uint8(1); a < 3; a++ {
		if maxV[a]-minV[a] > maxV[best]-minV[best] {
			best = a
		}
	}
	return best
}

func (t *kdTree) less(i, j int, ax uint8) bool {
	a, b := t.xyz[i][ax], t.xyz[j][ax]
	if a != b {
		return a < b
	}
	return t.ids[i] < t.ids[j]
}

func (t *kdTree) swap(i, j int) {
	t.ids[i], t.ids[j] = t.ids[j], t.ids[i]
	t.xyz[i], t.xyz[j] = t.xyz[j], t.xyz[i]
}

// selectNth places the n-th smallest element of [lo, hi] at n.
func (t *kdTree) selectNth(lo, hi, n int, ax uint8) {
	for lo < hi {
		p := t.partition(lo, hi, (lo+hi)/2, ax)
		if p == n {
			return
		}
		if n < p {
			hi = p - 1
		} else {
			lo = p + 1
		}
	}
}

func (t *kdTree) partition(lo, hi, pivot int, ax uint8) int {
	t.swap(pivot, hi)
	i := lo
	for j := lo; j < hi; j++ {
		if t.less(j, hi, ax) {
			t.swap(i, j)
			i++
		}
	}
	t.swap(i, hi)
	return i
}

type candidate struct {
	d2 float64 // squared chord length
	id int32
}

func worse(a, b candidate) bool {
	if a.d2 != b.d2 {
		return a.d2 > b.d2
	}
	return a.id > b.id
}

// candHeap keeps the worst candidate on top.
type candHeap []candidate

func (h candHeap) Len() int           { return len(h) }
func (h candHeap) Less(i, j int) bool { return worse(h[i], h[j]) }
func (h candHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *candHeap) Push(x any)        { *h = append(*h, x.(candidate)) }
func (h *candHeap) Pop() any {
	old := *h
	c := old[len(old)-1]
	*h = old[:len(old)-1]
	return c
}

// nearest returns up to k candidates accepted by keep, nearest first with
// ties broken by lower id.
func (t *kdTree) nearest(q [3]float64, k int, keep func(int32) bool) []candidate {
	if k <= 0 || len(t.ids) == 0 {
		return nil
	}
	h := make(candHeap, 0, min(k, len(t.ids)))
	t.search(0, len(t.ids), q, k, keep, &h)

	out := []candidate(h)
	sort.Slice(out, func(i, j int) bool { return worse(out[j], out[i]) })
	return out
}

func (t *kdTree) search(lo, hi int, q [3]float64, k int, keep func(int32) bool, h *candHeap) {
	if lo >= hi {
		return
	}
	mid := (lo + hi) / 2
	p := t.xyz[mid]

	if keep == nil || keep(t.ids[mid]) {
		c := candidate{d2: dist2(p, q), id: t.ids[mid]}
		if h.Len() < k {
			heap.Push(h, c)
		} else if worse((*h)[0], c) {
			(*h)[0] = c
			heap.Fix(h, 0)
		}
	}
	if hi-lo == 1 {
		return
	}

	ax := t.axis[mid]
	diff := q[ax] - p[ax]
	if diff < 0 {
		t.search(lo, mid, q, k, keep, h)
		if h.Len() < k || diff*diff <= (*h)[0].d2 {
			t.search(mid+1, hi, q, k, keep, h)
		}
		return
	}
	t.search(mid+1, hi, q, k, keep, h)
	if h.Len() < k || diff*diff <= (*h)[0].d2 {
		t.search(lo, mid, q, k, keep, h)
	}
}

func dist2(a, b [3]float64) float64 {
	dx, dy, dz := a[0]-b[0], a[1]-b[1], a[2]-b[2]
	return dx*dx + dy*dy + dz*dz
}

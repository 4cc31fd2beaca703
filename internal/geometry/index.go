package geometry

import (
	"sort"

	"gonum.org/v1/gonum/spatial/kdtree"
)

// Neighbor is a point index returned by a nearest neighbour query together
// with its squared distance to the query point.
type Neighbor struct {
	Index int
	Dist2 float64
}

// Index answers nearest neighbour queries over a fixed set of points.
type Index struct {
	tree *kdtree.Tree
	size int
}

// NewIndex builds a k-d tree over pts. The slice is not retained.
func NewIndex(pts []Vec3) *Index {
	items := make(indexedPoints, len(pts))
	for i, p := range pts {
		items[i] = indexedPoint{pos: p, idx: i}
	}
	return &Index{tree: kdtree.New(items, false), size: len(pts)}
}

// Len reports the number of indexed points.
func (ix *Index) Len() int { return ix.size }

// Nearest returns the closest indexed point to q.
func (ix *Index) Nearest(q Vec3) Neighbor {
	c, d := ix.tree.Nearest(indexedPoint{pos: q, idx: -1})
	if c == nil {
		return Neighbor{Index: -1}
	}
	return Neighbor{Index: c.(indexedPoint).idx, Dist2: d}
}

// KNearest returns up to k indexed points closest to q, ordered by distance.
func (ix *Index) KNearest(q Vec3, k int) []Neighbor {
	if k <= 0 || ix.size == 0 {
		return nil
	}
	if k > ix.size {
		k = ix.size
	}
	keep := kdtree.NewNKeeper(k)
	ix.tree.NearestSet(keep, indexedPoint{pos: q, idx: -1})

	out := make([]Neighbor, 0, len(keep.Heap))
	for _, c := range keep.Heap {
		if c.Comparable == nil {
			continue
		}
		out = append(out, Neighbor{Index: c.Comparable.(indexedPoint).idx, Dist2: c.Dist})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Dist2 == out[j].Dist2 {
			return out[i].Index < out[j].Index
		}
		return out[i].Dist2 < out[j].Dist2
	})
	return out
}

type indexedPoint struct {
	pos Vec3
	idx int
}

func (p indexedPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	return p.pos[d] - c.(indexedPoint).pos[d]
}

func (p indexedPoint) Dims() int { return 3 }

func (p indexedPoint) Distance(c kdtree.Comparable) float64 {
	return p.pos.Dist2(c.(indexedPoint).pos)
}

type indexedPoints []indexedPoint

func (p indexedPoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p indexedPoints) Len() int                               { return len(p) }
func (p indexedPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }
func (p indexedPoints) Pivot(d kdtree.Dim) int {
	return plane{dim: d, points: p}.pivot()
}

// plane sorts points along a single dimension for median partitioning.
type plane struct {
	dim    kdtree.Dim
	points indexedPoints
}

func (p plane) Len() int           { return len(p.points) }
func (p plane) Less(i, j int) bool { return p.points[i].pos[p.dim] < p.points[j].pos[p.dim] }
func (p plane) Swap(i, j int)      { p.points[i], p.points[j] = p.points[j], p.points[i] }
func (p plane) Slice(start, end int) kdtree.SortSlicer {
	p.points = p.points[start:end]
	return p
}
func (p plane) pivot() int { return kdtree.Partition(p, kdtree.MedianOfMedians(p)) }

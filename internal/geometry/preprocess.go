package geometry

import (
	"context"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Downsample averages all points falling into the same voxel of edge voxel.
// A non-positive voxel returns a copy of the input.
func Downsample(_ context.Context, pc *PointCloud, voxel float64) (*PointCloud, error) {
	if len(pc.Points) == 0 {
		return nil, ErrEmptyInput
	}
	if voxel <= 0 {
		return pc.Clone(), nil
	}

	type acc struct {
		pos, color, normal Vec3
		n                  int
	}
	lo, _ := pc.Bounds()
	cells := make(map[[3]int64]*acc)
	for i, p := range pc.Points {
		key := [3]int64{
			int64(math.Floor((p[0] - lo[0]) / voxel)),
			int64(math.Floor((p[1] - lo[1]) / voxel)),
			int64(math.Floor((p[2] - lo[2]) / voxel)),
		}
		a, ok := cells[key]
		if !ok {
			a = &acc{}
			cells[key] = a
		}
		a.pos = a.pos.Add(p)
		if pc.HasColors() {
			a.color = a.color.Add(pc.Colors[i])
		}
		if pc.HasNormals() {
			a.normal = a.normal.Add(pc.Normals[i])
		}
		a.n++
	}

	keys := make([][3]int64, 0, len(cells))
	for k := range cells {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a[0] != b[0] {
			return a[0] < b[0]
		}
		if a[1] != b[1] {
			return a[1] < b[1]
		}
		return a[2] < b[2]
	})

	out := &PointCloud{Points: make([]Vec3, 0, len(keys))}
	for _, k := range keys {
		a := cells[k]
		inv := 1 / float64(a.n)
		out.Points = append(out.Points, a.pos.Scale(inv))
		if pc.HasColors() {
			out.Colors = append(out.Colors, a.color.Scale(inv))
		}
		if pc.HasNormals() {
			out.Normals = append(out.Normals, a.normal.Normalize())
		}
	}
	return out, nil
}

// RemoveOutliers drops points whose mean distance to their neighbors nearest
// points exceeds the global mean by more than stdRatio standard deviations.
func RemoveOutliers(_ context.Context, pc *PointCloud, neighbors int, stdRatio float64) (*PointCloud, error) {
	if len(pc.Points) == 0 {
		return nil, ErrEmptyInput
	}
	if neighbors < 1 {
		return nil, fmt.Errorf("neighbors must be positive, got %d", neighbors)
	}
	if len(pc.Points) <= neighbors {
		return pc.Clone(), nil
	}

	ix := NewIndex(pc.Points)
	mean := make([]float64, len(pc.Points))
	for i, p := range pc.Points {
		var sum float64
		var n int
		for _, nb := range ix.KNearest(p, neighbors+1) {
			if nb.Index == i {
				continue
			}
			sum += math.Sqrt(nb.Dist2)
			n++
			if n == neighbors {
				break
			}
		}
		if n > 0 {
			mean[i] = sum / float64(n)
		}
	}

	mu, sigma := stat.MeanStdDev(mean, nil)
	limit := mu + stdRatio*sigma

	out := &PointCloud{}
	for i, p := range pc.Points {
		if mean[i] > limit {
			continue
		}
		out.Points = append(out.Points, p)
		if pc.HasColors() {
			out.Colors = append(out.Colors, pc.Colors[i])
		}
		if pc.HasNormals() {
			out.Normals = append(out.Normals, pc.Normals[i])
		}
	}
	if len(out.Points) == 0 {
		return nil, ErrDegenerate
	}
	return out, nil
}

// DeduplicateAndRecenter removes exact duplicate points, keeping the first
// occurrence, and translates the cloud so its centroid is at the origin.
func DeduplicateAndRecenter(_ context.Context, pc *PointCloud) (*PointCloud, error) {
	if len(pc.Points) == 0 {
		return nil, ErrEmptyInput
	}
	seen := make(map[Vec3]struct{}, len(pc.Points))
	out := &PointCloud{}
	var centroid Vec3
	for i, p := range pc.Points {
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out.Points = append(out.Points, p)
		centroid = centroid.Add(p)
		if pc.HasColors() {
			out.Colors = append(out.Colors, pc.Colors[i])
		}
		if pc.HasNormals() {
			out.Normals = append(out.Normals, pc.Normals[i])
		}
	}
	centroid = centroid.Scale(1 / float64(len(out.Points)))
	for i := range out.Points {
		out.Points[i] = out.Points[i].Sub(centroid)
	}
	return out, nil
}

// EstimateNormals fits a plane to the neighbourhood of every point (at most
// maxNN neighbors within radius) and stores the plane normal. Normals are
// oriented towards the positive side of the axis the cloud is thinnest along.
func EstimateNormals(_ context.Context, pc *PointCloud, radius float64, maxNN int) (*PointCloud, error) {
	if len(pc.Points) == 0 {
		return nil, ErrEmptyInput
	}
	if len(pc.Points) < 3 {
		return nil, fmt.Errorf("need at least 3 points, got %d: %w", len(pc.Points), ErrDegenerate)
	}
	if maxNN < 3 {
		maxNN = 3
	}

	view := thinnestAxis(pc.Points)
	ix := NewIndex(pc.Points)
	r2 := radius * radius

	out := pc.Clone()
	out.Normals = make([]Vec3, len(pc.Points))
	for i, p := range pc.Points {
		nbs := ix.KNearest(p, maxNN)
		hood := make([]Vec3, 0, len(nbs))
		for _, nb := range nbs {
			if nb.Dist2 <= r2 || len(hood) < 3 {
				hood = append(hood, pc.Points[nb.Index])
			}
		}
		n := planeNormal(hood, view)
		if n.Dot(view) < 0 {
			n = n.Scale(-1)
		}
		out.Normals[i] = n
	}
	return out, nil
}

// planeNormal returns the eigenvector of the neighbourhood covariance with the
// smallest eigenvalue. fallback is used when the decomposition fails.
func planeNormal(pts []Vec3, fallback Vec3) Vec3 {
	var c Vec3
	for _, p := range pts {
		c = c.Add(p)
	}
	c = c.Scale(1 / float64(len(pts)))

	var cov [9]float64
	for _, p := range pts {
		d := p.Sub(c)
		for r := 0; r < 3; r++ {
			for k := 0; k < 3; k++ {
				cov[r*3+k] += d[r] * d[k]
			}
		}
	}

	var es mat.EigenSym
	if ok := es.Factorize(mat.NewSymDense(3, cov[:]), true); !ok {
		return fallback
	}
	var vecs mat.Dense
	es.VectorsTo(&vecs)
	n := Vec3{vecs.At(0, 0), vecs.At(1, 0), vecs.At(2, 0)}.Normalize()
	if n.Dot(n) == 0 {
		return fallback
	}
	return n
}

func thinnestAxis(pts []Vec3) Vec3 {
	lo, hi := bounds(pts)
	axis := 0
	for d := 1; d < 3; d++ {
		if hi[d]-lo[d] < hi[axis]-lo[axis] {
			axis = d
		}
	}
	var v Vec3
	v[axis] = 1
	return v
}

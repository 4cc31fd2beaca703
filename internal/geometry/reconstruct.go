package geometry

import (
	"context"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Reconstruction method names.
const (
	MethodPoisson      = "poisson"
	MethodBallPivoting = "ball_pivoting"
	MethodAlphaShape   = "alpha_shape"
)

// Reconstructor turns an oriented point cloud into a triangle mesh. The set of
// implementations is closed: Poisson, BallPivoting and AlphaShape.
type Reconstructor interface {
	Method() string
	Reconstruct(ctx context.Context, pc *PointCloud) (*Mesh, error)
	reconstructor()
}

// Poisson approximates screened Poisson reconstruction on a regular grid whose
// resolution is 2^Depth cells across the cloud, never finer than the sampling
// density allows. Vertices in the lowest DensityQuantile of support are trimmed.
type Poisson struct {
	Depth           int
	Width           int
	Scale           float64
	LinearFit       bool
	DensityQuantile float64
}

// BallPivoting connects points reachable by a ball of the largest radius.
// When Radii is empty they are derived from the mean nearest neighbour distance.
type BallPivoting struct {
	Radii []float64
}

// AlphaShape connects points closer than Alpha.
type AlphaShape struct {
	Alpha float64
}

func (Poisson) Method() string      { return MethodPoisson }
func (BallPivoting) Method() string { return MethodBallPivoting }
func (AlphaShape) Method() string   { return MethodAlphaShape }

func (Poisson) reconstructor()      {}
func (BallPivoting) reconstructor() {}
func (AlphaShape) reconstructor()   {}

func (p Poisson) Reconstruct(_ context.Context, pc *PointCloud) (*Mesh, error) {
	if err := checkReconstructInput(pc); err != nil {
		return nil, err
	}
	extent := planarExtent(pc.Points)
	scale := p.Scale
	if scale <= 0 {
		scale = 1
	}
	spacing := extent / math.Sqrt(float64(len(pc.Points)))
	cell := extent * scale / math.Exp2(float64(p.Depth))
	cell = math.Max(cell, 1.5*spacing)
	if p.Width > 0 {
		cell = math.Max(cell, float64(p.Width)*spacing)
	}

	g := buildGrid(pc, cell, p.LinearFit)
	m, support := g.mesh()
	if p.DensityQuantile > 0 && len(support) > 0 {
		sorted := append([]float64(nil), support...)
		sort.Float64s(sorted)
		threshold := stat.Quantile(p.DensityQuantile, stat.Empirical, sorted, nil)
		keep := make([]bool, len(m.Triangles))
		for i, t := range m.Triangles {
			keep[i] = support[t[0]] >= threshold && support[t[1]] >= threshold && support[t[2]] >= threshold
		}
		m = compact(m, keep)
	}
	if len(m.Triangles) == 0 {
		return nil, fmt.Errorf("poisson depth %d: %w", p.Depth, ErrDegenerate)
	}
	return m, nil
}

func (b BallPivoting) Reconstruct(_ context.Context, pc *PointCloud) (*Mesh, error) {
	if err := checkReconstructInput(pc); err != nil {
		return nil, err
	}
	radii := b.Radii
	if len(radii) == 0 {
		d := MeanNearestDistance(pc.Points)
		radii = []float64{d, 2 * d}
	}
	var r float64
	for _, v := range radii {
		r = math.Max(r, v)
	}
	if r <= 0 {
		return nil, fmt.Errorf("ball pivoting radius must be positive: %w", ErrDegenerate)
	}
	m, _ := buildGrid(pc, r, true).mesh()
	if len(m.Triangles) == 0 {
		return nil, fmt.Errorf("ball pivoting radius %g: %w", r, ErrDegenerate)
	}
	return m, nil
}

func (a AlphaShape) Reconstruct(_ context.Context, pc *PointCloud) (*Mesh, error) {
	if err := checkReconstructInput(pc); err != nil {
		return nil, err
	}
	if a.Alpha <= 0 {
		return nil, fmt.Errorf("alpha must be positive: %w", ErrDegenerate)
	}
	m, _ := buildGrid(pc, a.Alpha, true).mesh()
	if len(m.Triangles) == 0 {
		return nil, fmt.Errorf("alpha shape alpha %g: %w", a.Alpha, ErrDegenerate)
	}
	return m, nil
}

// MeanNearestDistance returns the mean distance from each point to its
// nearest other point.
func MeanNearestDistance(pts []Vec3) float64 {
	if len(pts) < 2 {
		return 0
	}
	ix := NewIndex(pts)
	var sum float64
	for i, p := range pts {
		for _, nb := range ix.KNearest(p, 2) {
			if nb.Index != i {
				sum += math.Sqrt(nb.Dist2)
				break
			}
		}
	}
	return sum / float64(len(pts))
}

func checkReconstructInput(pc *PointCloud) error {
	if len(pc.Points) == 0 {
		return ErrEmptyInput
	}
	if len(pc.Points) < 3 {
		return fmt.Errorf("need at least 3 points, got %d: %w", len(pc.Points), ErrDegenerate)
	}
	return nil
}

// grid buckets the cloud into square cells on the plane spanned by its two
// widest axes. Every occupied cell becomes one vertex.
type grid struct {
	src    *PointCloud
	cell   float64
	u, v   int
	origin Vec3
	keys   [][2]int
	index  map[[2]int]int
	verts  []Vec3
	colors []Vec3
	norms  []Vec3
	counts []float64
}

func buildGrid(pc *PointCloud, cell float64, centroid bool) *grid {
	u, v := planarAxes(pc.Points)
	lo, _ := pc.Bounds()
	g := &grid{src: pc, cell: cell, u: u, v: v, origin: lo, index: make(map[[2]int]int)}

	type acc struct {
		pos, color, normal Vec3
		n                  int
	}
	cells := make(map[[2]int]*acc)
	for i, p := range pc.Points {
		k := g.key(p)
		a, ok := cells[k]
		if !ok {
			a = &acc{}
			cells[k] = a
			g.keys = append(g.keys, k)
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
	sortKeys(g.keys)

	for _, k := range g.keys {
		a := cells[k]
		inv := 1 / float64(a.n)
		pos := a.pos.Scale(inv)
		if !centroid {
			pos[u] = lo[u] + (float64(k[0])+0.5)*cell
			pos[v] = lo[v] + (float64(k[1])+0.5)*cell
		}
		g.index[k] = len(g.verts)
		g.verts = append(g.verts, pos)
		g.counts = append(g.counts, float64(a.n))
		if pc.HasColors() {
			g.colors = append(g.colors, a.color.Scale(inv))
		}
		if pc.HasNormals() {
			g.norms = append(g.norms, a.normal.Normalize())
		}
	}
	return g
}

func (g *grid) key(p Vec3) [2]int {
	return [2]int{
		int(math.Floor((p[g.u] - g.origin[g.u]) / g.cell)),
		int(math.Floor((p[g.v] - g.origin[g.v]) / g.cell)),
	}
}

// mesh triangulates every quad of neighbouring occupied cells. A quad with all
// four corners yields two triangles, a quad with three yields one.
func (g *grid) mesh() (*Mesh, []float64) {
	m := &Mesh{
		Vertices: g.verts,
		Colors:   g.colors,
		Normals:  g.norms,
		Source:   g.src,
	}

	seen := make(map[[2]int]struct{}, len(g.keys))
	var quads [][2]int
	for _, k := range g.keys {
		for _, q := range [][2]int{{k[0] - 1, k[1] - 1}, {k[0], k[1] - 1}, {k[0] - 1, k[1]}, k} {
			if _, ok := seen[q]; ok {
				continue
			}
			seen[q] = struct{}{}
			quads = append(quads, q)
		}
	}
	sortKeys(quads)

	for _, k := range quads {
		a, okA := g.index[k]
		b, okB := g.index[[2]int{k[0] + 1, k[1]}]
		c, okC := g.index[[2]int{k[0], k[1] + 1}]
		d, okD := g.index[[2]int{k[0] + 1, k[1] + 1}]
		switch {
		case okA && okB && okC && okD:
			m.Triangles = append(m.Triangles, [3]int{a, b, d}, [3]int{a, d, c})
		case okA && okB && okC:
			m.Triangles = append(m.Triangles, [3]int{a, b, c})
		case okA && okB && okD:
			m.Triangles = append(m.Triangles, [3]int{a, b, d})
		case okA && okC && okD:
			m.Triangles = append(m.Triangles, [3]int{a, d, c})
		case okB && okC && okD:
			m.Triangles = append(m.Triangles, [3]int{b, d, c})
		}
	}
	return m, g.counts
}

func sortKeys(keys [][2]int) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i][0] != keys[j][0] {
			return keys[i][0] < keys[j][0]
		}
		return keys[i][1] < keys[j][1]
	})
}

func planarAxes(pts []Vec3) (int, int) {
	lo, hi := bounds(pts)
	thin := 0
	for d := 1; d < 3; d++ {
		if hi[d]-lo[d] < hi[thin]-lo[thin] {
			thin = d
		}
	}
	switch thin {
	case 0:
		return 1, 2
	case 1:
		return 0, 2
	default:
		return 0, 1
	}
}

func planarExtent(pts []Vec3) float64 {
	u, v := planarAxes(pts)
	lo, hi := bounds(pts)
	return math.Max(hi[u]-lo[u], hi[v]-lo[v])
}

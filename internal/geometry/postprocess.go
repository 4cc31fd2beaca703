package geometry

import (
	"context"
	"fmt"
	"math"
)

// Colour transfer methods.
const (
	ColorNearest = "nearest"
	ColorKNN     = "knn"
)

// TransferColor assigns every mesh vertex a colour taken from the source cloud
// the mesh was reconstructed from. ColorNearest copies the closest point's
// colour; ColorKNN blends the k closest by inverse distance. Meshes whose
// source carries no colours are returned unchanged. The returned mesh no
// longer references its source.
func TransferColor(_ context.Context, m *Mesh, method string, k int) (*Mesh, error) {
	if len(m.Vertices) == 0 {
		return nil, ErrEmptyInput
	}
	out := m.Clone()
	out.Source = nil
	if m.Source == nil || !m.Source.HasColors() {
		return out, nil
	}

	ix := NewIndex(m.Source.Points)
	out.Colors = make([]Vec3, len(m.Vertices))
	switch method {
	case ColorNearest, "":
		for i, v := range m.Vertices {
			out.Colors[i] = m.Source.Colors[ix.Nearest(v).Index]
		}
	case ColorKNN:
		if k < 1 {
			k = 1
		}
		for i, v := range m.Vertices {
			var c Vec3
			var wsum float64
			for _, nb := range ix.KNearest(v, k) {
				w := 1 / (math.Sqrt(nb.Dist2) + 1e-12)
				c = c.Add(m.Source.Colors[nb.Index].Scale(w))
				wsum += w
			}
			out.Colors[i] = c.Scale(1 / wsum)
		}
	default:
		return nil, fmt.Errorf("unsupported colour method %q", method)
	}
	return out, nil
}

// RemoveSmallComponents drops every connected component with minTriangles
// triangles or fewer, then removes vertices no longer referenced.
func RemoveSmallComponents(_ context.Context, m *Mesh, minTriangles int) (*Mesh, error) {
	if len(m.Triangles) == 0 {
		return nil, ErrEmptyInput
	}
	uf := newUnionFind(len(m.Vertices))
	for _, t := range m.Triangles {
		uf.union(t[0], t[1])
		uf.union(t[1], t[2])
	}
	sizes := make(map[int]int)
	for _, t := range m.Triangles {
		sizes[uf.find(t[0])]++
	}
	keep := make([]bool, len(m.Triangles))
	for i, t := range m.Triangles {
		keep[i] = sizes[uf.find(t[0])] > minTriangles
	}
	out := compact(m, keep)
	if len(out.Triangles) == 0 {
		return nil, fmt.Errorf("no component larger than %d triangles: %w", minTriangles, ErrDegenerate)
	}
	return out, nil
}

// Smooth applies iterations of simple Laplacian smoothing: each vertex moves
// to the average of itself and its one-ring neighbours.
func Smooth(_ context.Context, m *Mesh, iterations int) (*Mesh, error) {
	if len(m.Triangles) == 0 {
		return nil, ErrEmptyInput
	}
	adj := make([]map[int]struct{}, len(m.Vertices))
	link := func(a, b int) {
		if adj[a] == nil {
			adj[a] = make(map[int]struct{})
		}
		adj[a][b] = struct{}{}
	}
	for _, t := range m.Triangles {
		for e := 0; e < 3; e++ {
			a, b := t[e], t[(e+1)%3]
			link(a, b)
			link(b, a)
		}
	}

	out := m.Clone()
	for it := 0; it < iterations; it++ {
		next := make([]Vec3, len(out.Vertices))
		for i, v := range out.Vertices {
			sum := v
			for j := range adj[i] {
				sum = sum.Add(out.Vertices[j])
			}
			next[i] = sum.Scale(1 / float64(len(adj[i])+1))
		}
		out.Vertices = next
	}
	return out, nil
}

// compact keeps the triangles flagged in keep and drops unreferenced vertices.
func compact(m *Mesh, keep []bool) *Mesh {
	remap := make([]int, len(m.Vertices))
	for i := range remap {
		remap[i] = -1
	}
	out := &Mesh{Source: m.Source}
	add := func(v int) int {
		if remap[v] < 0 {
			remap[v] = len(out.Vertices)
			out.Vertices = append(out.Vertices, m.Vertices[v])
			if m.HasColors() {
				out.Colors = append(out.Colors, m.Colors[v])
			}
			if m.HasNormals() {
				out.Normals = append(out.Normals, m.Normals[v])
			}
		}
		return remap[v]
	}
	for i, t := range m.Triangles {
		if !keep[i] {
			continue
		}
		out.Triangles = append(out.Triangles, [3]int{add(t[0]), add(t[1]), add(t[2])})
	}
	return out
}

type unionFind struct{ parent []int }

func newUnionFind(n int) *unionFind {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	return &unionFind{parent: p}
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if ra < rb {
		u.parent[rb] = ra
	} else {
		u.parent[ra] = rb
	}
}

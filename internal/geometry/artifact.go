// Package geometry holds the artifacts that flow between pipeline stages and
// deterministic reference implementations of the stage operations.
//
// The operations are intentionally simple (grid based surface reconstruction,
// brute statistics over k-d tree neighbourhoods). They exist so the pipeline is
// runnable and testable end to end; any of them can be swapped for a production
// implementation through the pipeline registry as long as the contract holds:
// an operation never mutates its input and returns either a new artifact or an
// error.
package geometry

import (
	"errors"
	"math"
)

var (
	// ErrEmptyInput is returned when an operation receives an artifact with no points.
	ErrEmptyInput = errors.New("empty input artifact")
	// ErrDegenerate is returned when an operation produces an empty result.
	ErrDegenerate = errors.New("operation produced an empty result")
)

// Vec3 is a point, normal or RGB colour (components in [0,1]).
type Vec3 [3]float64

func (v Vec3) Add(o Vec3) Vec3      { return Vec3{v[0] + o[0], v[1] + o[1], v[2] + o[2]} }
func (v Vec3) Sub(o Vec3) Vec3      { return Vec3{v[0] - o[0], v[1] - o[1], v[2] - o[2]} }
func (v Vec3) Scale(s float64) Vec3 { return Vec3{v[0] * s, v[1] * s, v[2] * s} }
func (v Vec3) Dot(o Vec3) float64   { return v[0]*o[0] + v[1]*o[1] + v[2]*o[2] }

func (v Vec3) Cross(o Vec3) Vec3 {
	return Vec3{
		v[1]*o[2] - v[2]*o[1],
		v[2]*o[0] - v[0]*o[2],
		v[0]*o[1] - v[1]*o[0],
	}
}

// Dist2 returns the squared euclidean distance between v and o.
func (v Vec3) Dist2(o Vec3) float64 {
	d := v.Sub(o)
	return d.Dot(d)
}

// Normalize returns v scaled to unit length, or v itself when it has no length.
func (v Vec3) Normalize() Vec3 {
	n := math.Sqrt(v.Dot(v))
	if n == 0 {
		return v
	}
	return v.Scale(1 / n)
}

// Metadata summarises an artifact for logging and job results.
type Metadata struct {
	Kind       string `json:"kind"`
	Points     int    `json:"points,omitempty"`
	Vertices   int    `json:"vertices,omitempty"`
	Triangles  int    `json:"triangles,omitempty"`
	HasColors  bool   `json:"has_colors"`
	HasNormals bool   `json:"has_normals"`
}

// Artifact is an opaque handle to a geometric dataset.
type Artifact interface {
	Metadata() Metadata
}

// PointCloud is a set of points with optional per-point colours and normals.
// Colors and Normals are either empty or the same length as Points.
type PointCloud struct {
	Points  []Vec3
	Colors  []Vec3
	Normals []Vec3
}

func (pc *PointCloud) HasColors() bool  { return len(pc.Colors) > 0 && len(pc.Colors) == len(pc.Points) }
func (pc *PointCloud) HasNormals() bool { return len(pc.Normals) > 0 && len(pc.Normals) == len(pc.Points) }

func (pc *PointCloud) Metadata() Metadata {
	return Metadata{
		Kind:       "point_cloud",
		Points:     len(pc.Points),
		HasColors:  pc.HasColors(),
		HasNormals: pc.HasNormals(),
	}
}

// Clone returns a deep copy of the cloud.
func (pc *PointCloud) Clone() *PointCloud {
	return &PointCloud{
		Points:  append([]Vec3(nil), pc.Points...),
		Colors:  append([]Vec3(nil), pc.Colors...),
		Normals: append([]Vec3(nil), pc.Normals...),
	}
}

// Bounds returns the axis aligned bounding box of the cloud.
func (pc *PointCloud) Bounds() (lo, hi Vec3) {
	return bounds(pc.Points)
}

// Mesh is an indexed triangle mesh. Source is the cloud the mesh was
// reconstructed from; it is kept read-only until colour transfer consumes it.
type Mesh struct {
	Vertices  []Vec3
	Triangles [][3]int
	Colors    []Vec3
	Normals   []Vec3
	Source    *PointCloud
}

func (m *Mesh) HasColors() bool  { return len(m.Colors) > 0 && len(m.Colors) == len(m.Vertices) }
func (m *Mesh) HasNormals() bool { return len(m.Normals) > 0 && len(m.Normals) == len(m.Vertices) }

func (m *Mesh) Metadata() Metadata {
	return Metadata{
		Kind:       "mesh",
		Vertices:   len(m.Vertices),
		Triangles:  len(m.Triangles),
		HasColors:  m.HasColors(),
		HasNormals: m.HasNormals(),
	}
}

// Clone returns a deep copy of the mesh. Source is shared, not copied.
func (m *Mesh) Clone() *Mesh {
	return &Mesh{
		Vertices:  append([]Vec3(nil), m.Vertices...),
		Triangles: append([][3]int(nil), m.Triangles...),
		Colors:    append([]Vec3(nil), m.Colors...),
		Normals:   append([]Vec3(nil), m.Normals...),
		Source:    m.Source,
	}
}

// StoredArtifact is the locator of a persisted mesh. It is the output of the
// final persist stage.
type StoredArtifact struct {
	Ref  string   `json:"ref"`
	Meta Metadata `json:"meta"`
}

func (s *StoredArtifact) Metadata() Metadata { return s.Meta }

func bounds(pts []Vec3) (lo, hi Vec3) {
	if len(pts) == 0 {
		return lo, hi
	}
	lo, hi = pts[0], pts[0]
	for _, p := range pts[1:] {
		for d := 0; d < 3; d++ {
			lo[d] = math.Min(lo[d], p[d])
			hi[d] = math.Max(hi[d], p[d])
		}
	}
	return lo, hi
}

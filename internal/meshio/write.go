package meshio

import (
	"bufio"
	"fmt"
	"io"
	"math"

	"pointmesh/internal/geometry"
)

// WritePointCloud encodes pc as xyz or ascii ply.
func WritePointCloud(w io.Writer, pc *geometry.PointCloud, f Format) error {
	bw := bufio.NewWriter(w)
	switch f {
	case FormatXYZ:
		for i, p := range pc.Points {
			fmt.Fprintf(bw, "%g %g %g", p[0], p[1], p[2])
			if pc.HasColors() {
				c := pc.Colors[i]
				fmt.Fprintf(bw, " %g %g %g", c[0], c[1], c[2])
			}
			if pc.HasNormals() {
				n := pc.Normals[i]
				fmt.Fprintf(bw, " %g %g %g", n[0], n[1], n[2])
			}
			bw.WriteByte('\n')
		}
	case FormatPLY:
		writePLY(bw, pc.Points, pc.Colors, pc.Normals, nil)
	default:
		return fmt.Errorf("cannot write point cloud as %s", f)
	}
	return bw.Flush()
}

// WriteMesh encodes m in one of MeshFormats. An empty mesh is rejected.
func WriteMesh(w io.Writer, m *geometry.Mesh, f Format) error {
	if len(m.Triangles) == 0 {
		return fmt.Errorf("write %s: %w", f, geometry.ErrDegenerate)
	}
	bw := bufio.NewWriter(w)
	switch f {
	case FormatPLY:
		var colors, normals []geometry.Vec3
		if m.HasColors() {
			colors = m.Colors
		}
		if m.HasNormals() {
			normals = m.Normals
		}
		writePLY(bw, m.Vertices, colors, normals, m.Triangles)
	case FormatOBJ:
		writeOBJ(bw, m)
	case FormatSTL:
		writeSTL(bw, m)
	default:
		return fmt.Errorf("cannot write mesh as %s", f)
	}
	return bw.Flush()
}

func writePLY(w *bufio.Writer, verts, colors, normals []geometry.Vec3, tris [][3]int) {
	withColor := len(colors) == len(verts) && len(colors) > 0
	withNormal := len(normals) == len(verts) && len(normals) > 0

	fmt.Fprintln(w, "ply")
	fmt.Fprintln(w, "format ascii 1.0")
	fmt.Fprintf(w, "element vertex %d\n", len(verts))
	fmt.Fprintln(w, "property float x\nproperty float y\nproperty float z")
	if withNormal {
		fmt.Fprintln(w, "property float nx\nproperty float ny\nproperty float nz")
	}
	if withColor {
		fmt.Fprintln(w, "property uchar red\nproperty uchar green\nproperty uchar blue")
	}
	if tris != nil {
		fmt.Fprintf(w, "element face %d\n", len(tris))
		fmt.Fprintln(w, "property list uchar int vertex_indices")
	}
	fmt.Fprintln(w, "end_header")

	for i, v := range verts {
		fmt.Fprintf(w, "%g %g %g", v[0], v[1], v[2])
		if withNormal {
			n := normals[i]
			fmt.Fprintf(w, " %g %g %g", n[0], n[1], n[2])
		}
		if withColor {
			c := colors[i]
			fmt.Fprintf(w, " %d %d %d", toByte(c[0]), toByte(c[1]), toByte(c[2]))
		}
		w.WriteByte('\n')
	}
	for _, t := range tris {
		fmt.Fprintf(w, "3 %d %d %d\n", t[0], t[1], t[2])
	}
}

// writeOBJ emits vertex colours with the common "v x y z r g b" extension.
func writeOBJ(w *bufio.Writer, m *geometry.Mesh) {
	for i, v := range m.Vertices {
		if m.HasColors() {
			c := m.Colors[i]
			fmt.Fprintf(w, "v %g %g %g %g %g %g\n", v[0], v[1], v[2], c[0], c[1], c[2])
		} else {
			fmt.Fprintf(w, "v %g %g %g\n", v[0], v[1], v[2])
		}
	}
	if m.HasNormals() {
		for _, n := range m.Normals {
			fmt.Fprintf(w, "vn %g %g %g\n", n[0], n[1], n[2])
		}
		for _, t := range m.Triangles {
			fmt.Fprintf(w, "f %d//%d %d//%d %d//%d\n", t[0]+1, t[0]+1, t[1]+1, t[1]+1, t[2]+1, t[2]+1)
		}
		return
	}
	for _, t := range m.Triangles {
		fmt.Fprintf(w, "f %d %d %d\n", t[0]+1, t[1]+1, t[2]+1)
	}
}

// writeSTL emits ascii stl. STL has no vertex colours; facet normals are
// computed from the winding.
func writeSTL(w *bufio.Writer, m *geometry.Mesh) {
	fmt.Fprintln(w, "solid pointmesh")
	for _, t := range m.Triangles {
		a, b, c := m.Vertices[t[0]], m.Vertices[t[1]], m.Vertices[t[2]]
		n := b.Sub(a).Cross(c.Sub(a)).Normalize()
		fmt.Fprintf(w, "  facet normal %g %g %g\n", n[0], n[1], n[2])
		fmt.Fprintln(w, "    outer loop")
		for _, v := range [3]geometry.Vec3{a, b, c} {
			fmt.Fprintf(w, "      vertex %g %g %g\n", v[0], v[1], v[2])
		}
		fmt.Fprintln(w, "    endloop")
		fmt.Fprintln(w, "  endfacet")
	}
	fmt.Fprintln(w, "endsolid pointmesh")
}

func toByte(v float64) int {
	return int(math.Round(math.Max(0, math.Min(1, v)) * 255))
}

package meshio

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"pointmesh/internal/geometry"
)

// ReadPointCloud decodes a point cloud. xyz files carry one point per line as
// "x y z [r g b [nx ny nz]]"; ply files must use the ascii encoding.
// Colours above 1 are treated as 8-bit and rescaled to [0,1].
func ReadPointCloud(r io.Reader, f Format) (*geometry.PointCloud, error) {
	switch f {
	case FormatXYZ:
		return readXYZ(r)
	case FormatPLY:
		return readPLY(r)
	default:
		return nil, fmt.Errorf("cannot read point cloud from %s", f)
	}
}

func readXYZ(r io.Reader) (*geometry.PointCloud, error) {
	pc := &geometry.PointCloud{}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		vals, err := parseFloats(strings.Fields(text))
		if err != nil {
			return nil, fmt.Errorf("xyz line %d: %w", line, err)
		}
		switch len(vals) {
		case 3, 6, 9:
		default:
			return nil, fmt.Errorf("xyz line %d: expected 3, 6 or 9 values, got %d", line, len(vals))
		}
		pc.Points = append(pc.Points, geometry.Vec3{vals[0], vals[1], vals[2]})
		if len(vals) >= 6 {
			pc.Colors = append(pc.Colors, colour(vals[3], vals[4], vals[5]))
		}
		if len(vals) == 9 {
			pc.Normals = append(pc.Normals, geometry.Vec3{vals[6], vals[7], vals[8]})
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read xyz: %w", err)
	}
	if !consistent(pc) {
		return nil, fmt.Errorf("xyz: mixed per-point attribute counts")
	}
	return pc, nil
}

type plyHeader struct {
	vertices int
	faces    int
	props    []string
}

func readPLY(r io.Reader) (*geometry.PointCloud, error) {
	br := bufio.NewReader(r)
	h, err := readPLYHeader(br)
	if err != nil {
		return nil, err
	}

	col := make(map[string]int, len(h.props))
	for i, p := range h.props {
		col[p] = i
	}
	for _, p := range []string{"x", "y", "z"} {
		if _, ok := col[p]; !ok {
			return nil, fmt.Errorf("ply: vertex element has no %q property", p)
		}
	}
	_, hasR := col["red"]
	_, hasNX := col["nx"]

	pc := &geometry.PointCloud{Points: make([]geometry.Vec3, 0, h.vertices)}
	for i := 0; i < h.vertices; i++ {
		text, err := br.ReadString('\n')
		if err != nil && (err != io.EOF || strings.TrimSpace(text) == "") {
			return nil, fmt.Errorf("ply: vertex %d: %w", i, io.ErrUnexpectedEOF)
		}
		vals, perr := parseFloats(strings.Fields(text))
		if perr != nil {
			return nil, fmt.Errorf("ply: vertex %d: %w", i, perr)
		}
		if len(vals) < len(h.props) {
			return nil, fmt.Errorf("ply: vertex %d: expected %d values, got %d", i, len(h.props), len(vals))
		}
		pc.Points = append(pc.Points, geometry.Vec3{vals[col["x"]], vals[col["y"]], vals[col["z"]]})
		if hasR {
			pc.Colors = append(pc.Colors, colour(vals[col["red"]], vals[col["green"]], vals[col["blue"]]))
		}
		if hasNX {
			pc.Normals = append(pc.Normals, geometry.Vec3{vals[col["nx"]], vals[col["ny"]], vals[col["nz"]]})
		}
	}
	return pc, nil
}

func readPLYHeader(br *bufio.Reader) (plyHeader, error) {
	var h plyHeader
	magic, err := br.ReadString('\n')
	if err != nil || strings.TrimSpace(magic) != "ply" {
		return h, fmt.Errorf("ply: missing magic")
	}
	element := ""
	for {
		text, err := br.ReadString('\n')
		if err != nil {
			return h, fmt.Errorf("ply: unterminated header: %w", err)
		}
		fields := strings.Fields(text)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "format":
			if len(fields) < 2 || fields[1] != "ascii" {
				return h, fmt.Errorf("ply: only ascii encoding is supported")
			}
		case "element":
			if len(fields) != 3 {
				return h, fmt.Errorf("ply: malformed element line %q", strings.TrimSpace(text))
			}
			n, err := strconv.Atoi(fields[2])
			if err != nil || n < 0 {
				return h, fmt.Errorf("ply: bad element count %q", fields[2])
			}
			element = fields[1]
			switch element {
			case "vertex":
				h.vertices = n
			case "face":
				h.faces = n
			}
		case "property":
			if element == "vertex" && len(fields) == 3 {
				h.props = append(h.props, fields[2])
			}
		case "end_header":
			return h, nil
		}
	}
}

func parseFloats(fields []string) ([]float64, error) {
	out := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q", f)
		}
		out[i] = v
	}
	return out, nil
}

func colour(r, g, b float64) geometry.Vec3 {
	if r > 1 || g > 1 || b > 1 {
		return geometry.Vec3{r / 255, g / 255, b / 255}
	}
	return geometry.Vec3{r, g, b}
}

func consistent(pc *geometry.PointCloud) bool {
	n := len(pc.Points)
	return (len(pc.Colors) == 0 || len(pc.Colors) == n) && (len(pc.Normals) == 0 || len(pc.Normals) == n)
}

// Package meshio reads point clouds and writes meshes in a small closed set of
// text formats.
package meshio

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Format identifies an on-disk geometry encoding.
type Format string

const (
	FormatXYZ Format = "xyz"
	FormatPLY Format = "ply"
	FormatOBJ Format = "obj"
	FormatSTL Format = "stl"
)

// MeshFormats lists the formats a mesh can be written in.
var MeshFormats = []Format{FormatPLY, FormatOBJ, FormatSTL}

// ParseFormat maps a format name or file extension (with or without the dot)
// onto a Format.
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimPrefix(s, ".")))
	switch f {
	case FormatXYZ, FormatPLY, FormatOBJ, FormatSTL:
		return f, nil
	}
	return "", fmt.Errorf("unsupported format %q", s)
}

// FormatFromPath derives the format from a file name or object key.
func FormatFromPath(path string) (Format, error) {
	ext := filepath.Ext(path)
	if ext == "" {
		return "", fmt.Errorf("no extension on %q", path)
	}
	return ParseFormat(ext)
}

// IsMesh reports whether f can hold triangles.
func (f Format) IsMesh() bool {
	return f == FormatPLY || f == FormatOBJ || f == FormatSTL
}

// Ext returns the file extension including the leading dot.
func (f Format) Ext() string { return "." + string(f) }

// ContentType returns the MIME type used when uploading to object storage.
func (f Format) ContentType() string {
	switch f {
	case FormatPLY:
		return "application/x-ply"
	case FormatOBJ:
		return "model/obj"
	case FormatSTL:
		return "model/stl"
	default:
		return "text/plain"
	}
}

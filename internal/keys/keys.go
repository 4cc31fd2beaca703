package keys

import (
	"fmt"
	"path"
	"strings"
)

// sanitizeKey replaces spaces with hyphens and lowercases the string.
func sanitizeKey(s string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), " ", "-"))
}

// Mesh returns the canonical object key for a job's output mesh. ext is a
// format name such as "ply", with or without the leading dot.
func Mesh(jobID, ext string) string {
	return fmt.Sprintf("meshes/%s.%s", jobID, strings.TrimPrefix(ext, "."))
}

// Input returns the canonical object key for an uploaded point cloud.
func Input(name string) string {
	return "inputs/" + sanitizeKey(path.Base(name))
}

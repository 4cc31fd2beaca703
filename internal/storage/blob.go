// Package storage persists input point clouds and output meshes in a blob
// store: a local directory or an S3-compatible bucket.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"pointmesh/internal/geometry"
	"pointmesh/internal/keys"
	"pointmesh/internal/meshio"
)

// BlobStore stores opaque objects. Put returns the locator a later Open
// accepts; callers must not interpret it.
type BlobStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error)
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
	Delete(ctx context.Context, ref string) error
}

// FileStore is a BlobStore rooted at a local directory. Objects are written
// to a temporary file and renamed into place, so readers never observe a
// partial file.
type FileStore struct {
	Root string
}

func NewFileStore(root string) (*FileStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", abs, err)
	}
	return &FileStore{Root: abs}, nil
}

// Put writes r to key under Root and returns the absolute path.
func (s *FileStore) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) (string, error) {
	dst := s.path(key)
	if !strings.HasPrefix(dst, s.Root+string(filepath.Separator)) {
		return "", fmt.Errorf("key %q escapes %s", key, s.Root)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", fmt.Errorf("publish %s: %w", key, err)
	}
	return dst, nil
}

// Open accepts an absolute path or a key relative to Root.
func (s *FileStore) Open(_ context.Context, ref string) (io.ReadCloser, error) {
	return os.Open(s.path(ref))
}

func (s *FileStore) Delete(_ context.Context, ref string) error {
	if err := os.Remove(s.path(ref)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *FileStore) path(ref string) string {
	if filepath.IsAbs(ref) {
		return filepath.Clean(ref)
	}
	return filepath.Join(s.Root, filepath.FromSlash(ref))
}

// Artifacts encodes geometry to and from a BlobStore.
type Artifacts struct {
	Blobs BlobStore
}

func NewArtifacts(blobs BlobStore) *Artifacts {
	return &Artifacts{Blobs: blobs}
}

// RemoveOutput deletes a stored mesh. A missing object is not an error.
func (a *Artifacts) RemoveOutput(ctx context.Context, ref string) error {
	return a.Blobs.Delete(ctx, ref)
}

// LoadPointCloud decodes the point cloud at ref; the format comes from its extension.
func (a *Artifacts) LoadPointCloud(ctx context.Context, ref string) (*geometry.PointCloud, error) {
	f, err := meshio.FormatFromPath(ref)
	if err != nil {
		return nil, err
	}
	rc, err := a.Blobs.Open(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	defer rc.Close()
	pc, err := meshio.ReadPointCloud(rc, f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", ref, err)
	}
	return pc, nil
}

// SaveMesh encodes m and stores it under the job's canonical mesh key.
func (a *Artifacts) SaveMesh(ctx context.Context, jobID string, m *geometry.Mesh, f meshio.Format) (*geometry.StoredArtifact, error) {
	var buf bytes.Buffer
	if err := meshio.WriteMesh(&buf, m, f); err != nil {
		return nil, err
	}
	ref, err := a.Blobs.Put(ctx, keys.Mesh(jobID, string(f)), &buf, int64(buf.Len()), f.ContentType())
	if err != nil {
		return nil, err
	}
	return &geometry.StoredArtifact{Ref: ref, Meta: m.Metadata()}, nil
}

// PutInput uploads a point cloud file under its canonical input key.
func (a *Artifacts) PutInput(ctx context.Context, name string, r io.Reader, size int64) (string, error) {
	f, err := meshio.FormatFromPath(name)
	if err != nil {
		return "", err
	}
	if f.IsMesh() && f != meshio.FormatPLY {
		return "", fmt.Errorf("%s is not a point cloud format", f)
	}
	return a.Blobs.Put(ctx, keys.Input(name), r, size, f.ContentType())
}

// SavePointCloud encodes pc and stores it under key.
func (a *Artifacts) SavePointCloud(ctx context.Context, key string, pc *geometry.PointCloud) (string, error) {
	f, err := meshio.FormatFromPath(key)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := meshio.WritePointCloud(&buf, pc, f); err != nil {
		return "", err
	}
	return a.Blobs.Put(ctx, key, &buf, int64(buf.Len()), f.ContentType())
}

package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pointmesh/internal/geometry"
	"pointmesh/internal/meshio"
)

func TestFileStore_PutOpenDelete(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	ref, err := s.Put(ctx, "meshes/a.ply", strings.NewReader("ply\n"), 4, "application/x-ply")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(ref))

	for _, r := range []string{ref, "meshes/a.ply"} {
		rc, err := s.Open(ctx, r)
		require.NoError(t, err)
		data, _ := io.ReadAll(rc)
		rc.Close()
		assert.Equal(t, "ply\n", string(data))
	}

	entries, _ := os.ReadDir(filepath.Dir(ref))
	assert.Len(t, entries, 1, "no temporary files left behind")

	require.NoError(t, s.Delete(ctx, ref))
	require.NoError(t, s.Delete(ctx, ref), "deleting twice is fine")
	_, err = s.Open(ctx, ref)
	assert.True(t, os.IsNotExist(err))

	_, err = s.Put(ctx, "../escape.ply", strings.NewReader("x"), 1, "")
	assert.Error(t, err)
}

func TestArtifacts_RoundTrip(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	a := NewArtifacts(fs)

	ref, err := a.SavePointCloud(ctx, "inputs/surface.xyz", geometry.SyntheticSurface(100, 5))
	require.NoError(t, err)
	pc, err := a.LoadPointCloud(ctx, ref)
	require.NoError(t, err)
	assert.Len(t, pc.Points, 100)

	m := &geometry.Mesh{
		Vertices:  []geometry.Vec3{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}},
		Triangles: [][3]int{{0, 1, 2}},
	}
	stored, err := a.SaveMesh(ctx, "job1", m, meshio.FormatSTL)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(fs.Root, "meshes", "job1.stl"), stored.Ref)
	assert.Equal(t, 1, stored.Meta.Triangles)
	require.NoError(t, a.RemoveOutput(ctx, stored.Ref))
	_, err = os.Stat(stored.Ref)
	assert.True(t, os.IsNotExist(err), "removed output is gone")

	in, err := a.PutInput(ctx, "My Scan.xyz", strings.NewReader("0 0 0\n"), 6)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(fs.Root, "inputs", "my-scan.xyz"), in)

	_, err = a.PutInput(ctx, "model.obj", strings.NewReader(""), 0)
	assert.Error(t, err)
	_, err = a.LoadPointCloud(ctx, filepath.Join(fs.Root, "missing.xyz"))
	assert.Error(t, err)
}

func TestIsNoSuchKey(t *testing.T) {
	assert.True(t, isNoSuchKey(minio.ErrorResponse{Code: "NoSuchKey"}))
	assert.True(t, isNoSuchKey(fmt.Errorf("wrapped: %w", minio.ErrorResponse{Code: "NoSuchKey"})))
	assert.False(t, isNoSuchKey(minio.ErrorResponse{Code: "AccessDenied"}))
	assert.False(t, isNoSuchKey(nil))
}

func TestS3Service_KeyOf(t *testing.T) {
	s := &S3Service{bucket: "meshes"}
	assert.Equal(t, "meshes/a.ply", s.keyOf("s3://meshes/meshes/a.ply"))
	assert.Equal(t, "inputs/b.xyz", s.keyOf("inputs/b.xyz"))

	_, err := NewS3Service(S3Config{Endpoint: "localhost:9000"})
	assert.Error(t, err)
}

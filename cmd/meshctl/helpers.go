package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"pointmesh/internal/job"
	"pointmesh/internal/pipeline"
	"pointmesh/internal/storage"
	"pointmesh/internal/store/postgres"
	"pointmesh/internal/store/sqlite"
)

// paramFlags are shared by convert and submit. Flags override the preset.
type paramFlags struct {
	preset string
	method string
	format string
	voxel  float64
	depth  int
	smooth bool
}

func (f *paramFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.preset, "params", "p", "", "YAML or JSON parameter file")
	cmd.Flags().StringVarP(&f.method, "method", "m", "", "reconstruction method (poisson, ball_pivoting, alpha_shape)")
	cmd.Flags().StringVarP(&f.format, "format", "f", "", "output format (ply, obj, stl)")
	cmd.Flags().Float64Var(&f.voxel, "voxel", 0, "voxel size for downsampling (0, 1]")
	cmd.Flags().IntVar(&f.depth, "depth", 0, "Poisson grid depth")
	cmd.Flags().BoolVar(&f.smooth, "smooth", false, "smooth the final mesh")
}

func (f *paramFlags) params(cmd *cobra.Command) (pipeline.Params, error) {
	p := pipeline.DefaultParams()
	if f.preset != "" {
		file, err := os.Open(f.preset)
		if err != nil {
			return p, err
		}
		defer file.Close()
		if p, err = pipeline.ParseParams(file); err != nil {
			return p, fmt.Errorf("%s: %w", f.preset, err)
		}
	}
	if f.method != "" {
		p.Method = f.method
	}
	if f.format != "" {
		p.OutputFormat = f.format
	}
	if cmd.Flags().Changed("voxel") {
		p.VoxelSize = f.voxel
	}
	if cmd.Flags().Changed("depth") {
		p.PoissonDepth = f.depth
	}
	if cmd.Flags().Changed("smooth") {
		p.Smooth = f.smooth
	}
	return p, p.Validate()
}

// blobStore returns the object store when MINIO_ENDPOINT is set, otherwise
// a directory under OUTPUT_DIR.
func blobStore(ctx context.Context) (storage.BlobStore, error) {
	if cfg.UsesS3() {
		s3, err := storage.NewS3Service(storage.S3Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			UseSSL:    cfg.MinioUseSSL,
			Bucket:    cfg.MeshBucket,
		})
		if err != nil {
			return nil, err
		}
		return s3, s3.EnsureBucket(ctx)
	}
	return storage.NewFileStore(cfg.OutputDir)
}

// openStore opens the local sqlite store or the shared Postgres store.
func openStore(ctx context.Context, local bool) (job.Store, func(), error) {
	if local {
		s, err := sqlite.Open(cfg.LocalDBPath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	}
	if cfg.DatabaseURL == "" {
		return nil, nil, fmt.Errorf("DATABASE_URL is not set; use --local for the local job database")
	}
	s, err := postgres.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return s, s.Close, nil
}

// uploadInput copies a local point cloud file into the blob store.
func uploadInput(ctx context.Context, a *storage.Artifacts, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	return a.PutInput(ctx, filepath.Base(path), f, info.Size())
}

// download copies the artifact at ref to path.
func download(ctx context.Context, blobs storage.BlobStore, ref, path string) error {
	rc, err := blobs.Open(ctx, ref)
	if err != nil {
		return err
	}
	defer rc.Close()
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func printJob(w io.Writer, j job.Job, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(j)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "ID\t%s\n", j.ID)
	fmt.Fprintf(tw, "Status\t%s (%d%%)\n", j.Status, j.Progress)
	fmt.Fprintf(tw, "Step\t%s\n", j.StatusText)
	fmt.Fprintf(tw, "Input\t%s\n", j.InputRef)
	if j.OutputRef != "" {
		fmt.Fprintf(tw, "Output\t%s\n", j.OutputRef)
	}
	if j.Error != "" {
		fmt.Fprintf(tw, "Error\t%s\n", j.Error)
	}
	if j.TaskID != "" {
		fmt.Fprintf(tw, "Task\t%s\n", j.TaskID)
	}
	fmt.Fprintf(tw, "Created\t%s\n", j.CreatedAt.Local().Format(time.DateTime))
	if j.StartedAt != nil {
		fmt.Fprintf(tw, "Started\t%s\n", j.StartedAt.Local().Format(time.DateTime))
	}
	if j.FinishedAt != nil {
		fmt.Fprintf(tw, "Finished\t%s\n", j.FinishedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

// progressBar renders a fixed-width bar for terminal output.
func progressBar(percent int, status string) string {
	const width = 30
	filled := percent * width / 100
	return fmt.Sprintf("\r[%s%s] %3d%% %-32s", strings.Repeat("#", filled), strings.Repeat(" ", width-filled), percent, status)
}

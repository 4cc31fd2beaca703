// Package pipeline resolves a parameter set into an ordered list of weighted
// stages and runs them against a job record, reporting progress and honouring
// cooperative cancellation between stages.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"pointmesh/internal/geometry"
	"pointmesh/internal/meshio"
)

// Stage names in canonical order.
const (
	StageLoad                  = "load"
	StageDownsample            = "downsample"
	StageRemoveOutliers        = "remove_outliers"
	StageDeduplicate           = "deduplicate"
	StageEstimateNormals       = "estimate_normals"
	StageReconstruct           = "reconstruct"
	StageTransferColor         = "transfer_color"
	StageRemoveSmallComponents = "remove_small_components"
	StageSmooth                = "smooth"
	StagePersist               = "persist"
)

// Order is the fixed execution order. Persist is always last.
var Order = []string{
	StageLoad,
	StageDownsample,
	StageRemoveOutliers,
	StageDeduplicate,
	StageEstimateNormals,
	StageReconstruct,
	StageTransferColor,
	StageRemoveSmallComponents,
	StageSmooth,
	StagePersist,
}

// Operation transforms one artifact into a new one. It must not mutate in.
type Operation func(ctx context.Context, in geometry.Artifact) (geometry.Artifact, error)

// Request carries everything a stage factory may bind at resolution time.
type Request struct {
	JobID    string
	InputRef string
	Params   Params
}

// Factory binds a stage to a request. Errors are configuration errors.
type Factory func(req Request) (Operation, error)

// Stage is a registered stage: its progress weight, when it runs and how to
// build its operation. The weight of StagePersist is ignored; persist receives
// whatever the enabled stages leave of 100.
type Stage struct {
	Weight    int
	EnabledIf func(Params) bool
	Factory   Factory
}

// BoundStage is a resolved, runnable stage.
type BoundStage struct {
	Name      string
	Weight    int
	Operation Operation
}

// Registry maps stage names to implementations. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	stages  map[string]Stage
	outputs OutputRemover
}

// NewRegistry returns an empty stage registry.
func NewRegistry() *Registry {
	return &Registry{stages: make(map[string]Stage)}
}

// Register adds a stage under the given name. Overwrites any existing registration.
func (r *Registry) Register(name string, s Stage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stages == nil {
		r.stages = make(map[string]Stage)
	}
	r.stages[name] = s
}

// Replace swaps the factory of an already registered stage, keeping its
// weight and predicate.
func (r *Registry) Replace(name string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stages[name]
	if !ok {
		return fmt.Errorf("stage %q not registered", name)
	}
	s.Factory = f
	r.stages[name] = s
	return nil
}

// Get returns the stage for name, or false if not found.
func (r *Registry) Get(name string) (Stage, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.stages[name]
	return s, ok
}

// Names returns all registered stage names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.stages))
	for n := range r.stages {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Artifacts loads inputs and persists outputs for the load and persist stages.
type Artifacts interface {
	LoadPointCloud(ctx context.Context, ref string) (*geometry.PointCloud, error)
	SaveMesh(ctx context.Context, jobID string, m *geometry.Mesh, f meshio.Format) (*geometry.StoredArtifact, error)
}

func always(Params) bool { return true }

// OutputRemover deletes a persisted output nobody will reference.
type OutputRemover interface {
	RemoveOutput(ctx context.Context, ref string) error
}

// DefaultRegistry wires the reference geometry operations.
func DefaultRegistry(artifacts Artifacts) *Registry {
	r := NewRegistry()
	if rm, ok := artifacts.(OutputRemover); ok {
		r.outputs = rm
	}
	r.Register(StageLoad, Stage{Weight: 15, EnabledIf: always, Factory: func(req Request) (Operation, error) {
		if req.InputRef == "" {
			return nil, configErr("input", "input reference is empty")
		}
		return func(ctx context.Context, _ geometry.Artifact) (geometry.Artifact, error) {
			pc, err := artifacts.LoadPointCloud(ctx, req.InputRef)
			if err != nil {
				return nil, err
			}
			if len(pc.Points) == 0 {
				return nil, fmt.Errorf("%s: %w", req.InputRef, geometry.ErrEmptyInput)
			}
			return pc, nil
		}, nil
	}})
	r.Register(StageDownsample, Stage{Weight: 10, EnabledIf: always,
		Factory: cloudStage(func(ctx context.Context, p Params, pc *geometry.PointCloud) (geometry.Artifact, error) {
			return geometry.Downsample(ctx, pc, p.VoxelSize)
		})})
	r.Register(StageRemoveOutliers, Stage{Weight: 5, EnabledIf: func(p Params) bool { return p.RemoveOutliers },
		Factory: cloudStage(func(ctx context.Context, p Params, pc *geometry.PointCloud) (geometry.Artifact, error) {
			return geometry.RemoveOutliers(ctx, pc, p.OutlierNeighbors, p.OutlierStdRatio)
		})})
	r.Register(StageDeduplicate, Stage{Weight: 5, EnabledIf: func(p Params) bool { return p.Deduplicate },
		Factory: cloudStage(func(ctx context.Context, _ Params, pc *geometry.PointCloud) (geometry.Artifact, error) {
			return geometry.DeduplicateAndRecenter(ctx, pc)
		})})
	r.Register(StageEstimateNormals, Stage{Weight: 10, EnabledIf: always,
		Factory: cloudStage(func(ctx context.Context, p Params, pc *geometry.PointCloud) (geometry.Artifact, error) {
			return geometry.EstimateNormals(ctx, pc, p.NormalRadius, p.NormalMaxNN)
		})})
	r.Register(StageReconstruct, Stage{Weight: 25, EnabledIf: always, Factory: func(req Request) (Operation, error) {
		rec, err := req.Params.Reconstructor()
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context, in geometry.Artifact) (geometry.Artifact, error) {
			pc, err := asCloud(in)
			if err != nil {
				return nil, err
			}
			return rec.Reconstruct(ctx, pc)
		}, nil
	}})
	r.Register(StageTransferColor, Stage{Weight: 10, EnabledIf: always,
		Factory: meshStage(func(ctx context.Context, p Params, m *geometry.Mesh) (geometry.Artifact, error) {
			return geometry.TransferColor(ctx, m, p.ColorMethod, p.ColorNeighbors)
		})})
	r.Register(StageRemoveSmallComponents, Stage{Weight: 5, EnabledIf: func(p Params) bool { return p.RemoveSmallComponents },
		Factory: meshStage(func(ctx context.Context, p Params, m *geometry.Mesh) (geometry.Artifact, error) {
			return geometry.RemoveSmallComponents(ctx, m, p.MinComponent)
		})})
	r.Register(StageSmooth, Stage{Weight: 5, EnabledIf: func(p Params) bool { return p.Smooth },
		Factory: meshStage(func(ctx context.Context, p Params, m *geometry.Mesh) (geometry.Artifact, error) {
			return geometry.Smooth(ctx, m, p.SmoothIterations)
		})})
	r.Register(StagePersist, Stage{EnabledIf: always, Factory: func(req Request) (Operation, error) {
		f := req.Params.Format()
		return func(ctx context.Context, in geometry.Artifact) (geometry.Artifact, error) {
			m, ok := in.(*geometry.Mesh)
			if !ok {
				return nil, fmt.Errorf("persist: expected mesh, got %T", in)
			}
			return artifacts.SaveMesh(ctx, req.JobID, m, f)
		}, nil
	}})
	return r
}

func cloudStage(fn func(context.Context, Params, *geometry.PointCloud) (geometry.Artifact, error)) Factory {
	return func(req Request) (Operation, error) {
		p := req.Params
		return func(ctx context.Context, in geometry.Artifact) (geometry.Artifact, error) {
			pc, err := asCloud(in)
			if err != nil {
				return nil, err
			}
			return fn(ctx, p, pc)
		}, nil
	}
}

func meshStage(fn func(context.Context, Params, *geometry.Mesh) (geometry.Artifact, error)) Factory {
	return func(req Request) (Operation, error) {
		p := req.Params
		return func(ctx context.Context, in geometry.Artifact) (geometry.Artifact, error) {
			m, ok := in.(*geometry.Mesh)
			if !ok {
				return nil, fmt.Errorf("expected mesh, got %T", in)
			}
			return fn(ctx, p, m)
		}, nil
	}
}

func asCloud(in geometry.Artifact) (*geometry.PointCloud, error) {
	pc, ok := in.(*geometry.PointCloud)
	if !ok {
		return nil, fmt.Errorf("expected point cloud, got %T", in)
	}
	return pc, nil
}

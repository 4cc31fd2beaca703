package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strings"

	"gopkg.in/yaml.v3"

	"pointmesh/internal/geometry"
	"pointmesh/internal/meshio"
)

// Params is the full parameter set of one conversion. Keys follow the
// public API (snake case); the same struct is read from JSON task messages
// and YAML preset files.
type Params struct {
	VoxelSize        float64 `json:"voxel_size" yaml:"voxel_size"`
	RemoveOutliers   bool    `json:"remove_outliers" yaml:"remove_outliers"`
	OutlierNeighbors int     `json:"nb_neighbors" yaml:"nb_neighbors"`
	OutlierStdRatio  float64 `json:"std_ratio" yaml:"std_ratio"`
	Deduplicate      bool    `json:"deduplicate" yaml:"deduplicate"`
	NormalRadius     float64 `json:"normal_radius" yaml:"normal_radius"`
	NormalMaxNN      int     `json:"normal_max_nn" yaml:"normal_max_nn"`

	Method                 string    `json:"method" yaml:"method"`
	PoissonDepth           int       `json:"poisson_depth" yaml:"poisson_depth"`
	PoissonWidth           int       `json:"poisson_width" yaml:"poisson_width"`
	PoissonScale           float64   `json:"poisson_scale" yaml:"poisson_scale"`
	PoissonLinearFit       bool      `json:"poisson_linear_fit" yaml:"poisson_linear_fit"`
	PoissonDensityQuantile float64   `json:"poisson_density_quantile" yaml:"poisson_density_quantile"`
	BallPivotingRadii      []float64 `json:"ball_pivoting_radii,omitempty" yaml:"ball_pivoting_radii,omitempty"`
	AlphaShapeAlpha        float64   `json:"alpha_shape_alpha" yaml:"alpha_shape_alpha"`

	ColorMethod    string `json:"color_method" yaml:"color_method"`
	ColorNeighbors int    `json:"color_neighbors" yaml:"color_neighbors"`

	RemoveSmallComponents bool `json:"remove_small_components" yaml:"remove_small_components"`
	MinComponent          int  `json:"min_component" yaml:"min_component"`
	Smooth                bool `json:"smooth" yaml:"smooth"`
	SmoothIterations      int  `json:"smooth_iterations" yaml:"smooth_iterations"`

	OutputFormat string `json:"output_format" yaml:"output_format"`
}

// DefaultParams returns the parameter set used for every key a caller omits.
func DefaultParams() Params {
	return Params{
		VoxelSize:        0.01,
		RemoveOutliers:   true,
		OutlierNeighbors: 20,
		OutlierStdRatio:  2.0,
		Deduplicate:      true,
		NormalRadius:     0.1,
		NormalMaxNN:      30,
		Method:           geometry.MethodPoisson,
		PoissonDepth:     9,
		PoissonScale:     1.1,
		AlphaShapeAlpha:  0.1,
		ColorMethod:      geometry.ColorNearest,
		ColorNeighbors:   4,
		MinComponent:     100,
		SmoothIterations: 1,
		OutputFormat:     string(meshio.FormatPLY),
	}
}

// ParseParams decodes a YAML (or JSON, which is valid YAML) document over
// DefaultParams. Unknown keys are rejected.
func ParseParams(r io.Reader) (Params, error) {
	p := DefaultParams()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && err != io.EOF {
		return Params{}, &ConfigurationError{Reason: err.Error()}
	}
	return p, nil
}

// DecodeParams decodes the JSON form stored on job records and task messages.
func DecodeParams(data []byte) (Params, error) {
	p := DefaultParams()
	if len(bytes.TrimSpace(data)) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return Params{}, &ConfigurationError{Reason: err.Error()}
	}
	return p, nil
}

// Encode returns the JSON form of p.
func (p Params) Encode() ([]byte, error) {
	return json.Marshal(p)
}

// methodAliases maps accepted spellings onto canonical method names.
var methodAliases = map[string]string{
	geometry.MethodPoisson:      geometry.MethodPoisson,
	geometry.MethodBallPivoting: geometry.MethodBallPivoting,
	"ballpivoting":              geometry.MethodBallPivoting,
	"bpa":                       geometry.MethodBallPivoting,
	geometry.MethodAlphaShape:   geometry.MethodAlphaShape,
	"alphashape":                geometry.MethodAlphaShape,
	"alpha":                     geometry.MethodAlphaShape,
}

// CanonicalMethod normalises a method name, or returns "" when unsupported.
func CanonicalMethod(name string) string {
	return methodAliases[strings.ToLower(strings.TrimSpace(name))]
}

// Reconstructor returns the reconstruction variant selected by p.
func (p Params) Reconstructor() (geometry.Reconstructor, error) {
	switch CanonicalMethod(p.Method) {
	case geometry.MethodPoisson:
		return geometry.Poisson{
			Depth:           p.PoissonDepth,
			Width:           p.PoissonWidth,
			Scale:           p.PoissonScale,
			LinearFit:       p.PoissonLinearFit,
			DensityQuantile: p.PoissonDensityQuantile,
		}, nil
	case geometry.MethodBallPivoting:
		return geometry.BallPivoting{Radii: append([]float64(nil), p.BallPivotingRadii...)}, nil
	case geometry.MethodAlphaShape:
		return geometry.AlphaShape{Alpha: p.AlphaShapeAlpha}, nil
	}
	return nil, configErr("method", "unsupported reconstruction method %q", p.Method)
}

// Validate checks every parameter statically. The first violation is returned
// as a *ConfigurationError.
func (p Params) Validate() error {
	if _, err := p.Reconstructor(); err != nil {
		return err
	}
	checks := []struct {
		field     string
		v, lo, hi float64
		on        bool
	}{
		{"voxel_size", p.VoxelSize, 0, 1, true},
		{"nb_neighbors", float64(p.OutlierNeighbors), 5, 100, p.RemoveOutliers},
		{"std_ratio", p.OutlierStdRatio, 0.1, 5, p.RemoveOutliers},
		{"normal_radius", p.NormalRadius, 0.01, 1, true},
		{"normal_max_nn", float64(p.NormalMaxNN), 5, 100, true},
		{"poisson_depth", float64(p.PoissonDepth), 1, 15, p.method() == geometry.MethodPoisson},
		{"poisson_width", float64(p.PoissonWidth), 0, 10, p.method() == geometry.MethodPoisson},
		{"poisson_scale", p.PoissonScale, 0.1, 2, p.method() == geometry.MethodPoisson},
		{"poisson_density_quantile", p.PoissonDensityQuantile, 0, 0.5, p.method() == geometry.MethodPoisson},
		{"alpha_shape_alpha", p.AlphaShapeAlpha, 0.01, 1, p.method() == geometry.MethodAlphaShape},
		{"color_neighbors", float64(p.ColorNeighbors), 1, 100, p.ColorMethod == geometry.ColorKNN},
		{"min_component", float64(p.MinComponent), 0, math.MaxInt32, p.RemoveSmallComponents},
		{"smooth_iterations", float64(p.SmoothIterations), 1, 50, p.Smooth},
	}
	if !(p.VoxelSize > 0) {
		return configErr("voxel_size", "%g must be greater than 0", p.VoxelSize)
	}
	for _, c := range checks {
		if c.on && (math.IsNaN(c.v) || c.v < c.lo || c.v > c.hi) {
			return configErr(c.field, "%g outside [%g, %g]", c.v, c.lo, c.hi)
		}
	}
	for _, r := range p.BallPivotingRadii {
		if !(r > 0) {
			return configErr("ball_pivoting_radii", "radius %g must be positive", r)
		}
	}
	switch p.ColorMethod {
	case geometry.ColorNearest, geometry.ColorKNN:
	default:
		return configErr("color_method", "unsupported colour method %q", p.ColorMethod)
	}
	f, err := meshio.ParseFormat(p.OutputFormat)
	if err != nil || !f.IsMesh() {
		return configErr("output_format", "unsupported mesh format %q", p.OutputFormat)
	}
	return nil
}

func (p Params) method() string { return CanonicalMethod(p.Method) }

// Format returns the validated output format.
func (p Params) Format() meshio.Format {
	f, _ := meshio.ParseFormat(p.OutputFormat)
	return f
}

// Describe renders a one-line summary for logs.
func (p Params) Describe() string {
	return fmt.Sprintf("method=%s voxel=%g outliers=%t color=%s small=%t smooth=%t format=%s",
		p.method(), p.VoxelSize, p.RemoveOutliers, p.ColorMethod, p.RemoveSmallComponents, p.Smooth, p.OutputFormat)
}

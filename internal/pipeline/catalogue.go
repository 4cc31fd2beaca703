package pipeline

import (
	"pointmesh/internal/geometry"
	"pointmesh/internal/meshio"
)

// ParamInfo describes one tunable parameter.
type ParamInfo struct {
	Name        string   `json:"name" yaml:"name"`
	Type        string   `json:"type" yaml:"type"`
	Default     any      `json:"default,omitempty" yaml:"default,omitempty"`
	Min         *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max         *float64 `json:"max,omitempty" yaml:"max,omitempty"`
	Options     []string `json:"options,omitempty" yaml:"options,omitempty"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
}

// MethodInfo describes one reconstruction variant.
type MethodInfo struct {
	Name        string      `json:"name" yaml:"name"`
	Description string      `json:"description" yaml:"description"`
	Params      []ParamInfo `json:"params" yaml:"params"`
}

// Catalogue lists the supported reconstruction methods and the parameters
// shared by every run, with their defaults and accepted ranges.
type Catalogue struct {
	Methods []MethodInfo `json:"methods" yaml:"methods"`
	Common  []ParamInfo  `json:"common" yaml:"common"`
}

func param(name, typ string, def any, lo, hi float64, desc string) ParamInfo {
	return ParamInfo{Name: name, Type: typ, Default: def, Min: &lo, Max: &hi, Description: desc}
}

// Algorithms returns the catalogue built from DefaultParams.
func Algorithms() Catalogue {
	d := DefaultParams()
	formats := make([]string, len(meshio.MeshFormats))
	for i, f := range meshio.MeshFormats {
		formats[i] = string(f)
	}
	return Catalogue{
		Methods: []MethodInfo{
			{
				Name:        geometry.MethodPoisson,
				Description: "watertight surface from oriented normals, good for dense scans",
				Params: []ParamInfo{
					param("poisson_depth", "int", d.PoissonDepth, 1, 15, "grid depth, higher is finer"),
					param("poisson_width", "int", d.PoissonWidth, 0, 10, "minimum cell width in point spacings, 0 disables"),
					param("poisson_scale", "float", d.PoissonScale, 0.1, 2.0, "ratio of the grid to the cloud extent"),
					{Name: "poisson_linear_fit", Type: "bool", Default: d.PoissonLinearFit, Description: "place vertices at the data centroid"},
					param("poisson_density_quantile", "float", d.PoissonDensityQuantile, 0, 0.5, "trim vertices below this support quantile"),
				},
			},
			{
				Name:        geometry.MethodBallPivoting,
				Description: "connects points a rolling ball can reach, keeps sharp detail",
				Params: []ParamInfo{
					{Name: "ball_pivoting_radii", Type: "list", Description: "ball radii; derived from the mean neighbour distance when empty"},
				},
			},
			{
				Name:        geometry.MethodAlphaShape,
				Description: "connects points closer than alpha, fast and approximate",
				Params: []ParamInfo{
					param("alpha_shape_alpha", "float", d.AlphaShapeAlpha, 0.01, 1.0, "connection distance"),
				},
			},
		},
		Common: []ParamInfo{
			param("voxel_size", "float", d.VoxelSize, 0, 1, "downsampling voxel edge, greater than 0"),
			{Name: "remove_outliers", Type: "bool", Default: d.RemoveOutliers},
			param("nb_neighbors", "int", d.OutlierNeighbors, 5, 100, "neighbours used for outlier statistics"),
			param("std_ratio", "float", d.OutlierStdRatio, 0.1, 5.0, "standard deviations kept"),
			{Name: "deduplicate", Type: "bool", Default: d.Deduplicate, Description: "drop duplicate points and recentre"},
			param("normal_radius", "float", d.NormalRadius, 0.01, 1.0, "normal estimation radius"),
			param("normal_max_nn", "int", d.NormalMaxNN, 5, 100, "normal estimation neighbour cap"),
			{Name: "color_method", Type: "str", Default: d.ColorMethod, Options: []string{geometry.ColorNearest, geometry.ColorKNN}},
			param("color_neighbors", "int", d.ColorNeighbors, 1, 100, "neighbours blended by knn colour transfer"),
			{Name: "remove_small_components", Type: "bool", Default: d.RemoveSmallComponents},
			{Name: "min_component", Type: "int", Default: d.MinComponent, Description: "components with this many triangles or fewer are dropped"},
			{Name: "smooth", Type: "bool", Default: d.Smooth},
			param("smooth_iterations", "int", d.SmoothIterations, 1, 50, "laplacian iterations"),
			{Name: "output_format", Type: "str", Default: d.OutputFormat, Options: formats},
		},
	}
}

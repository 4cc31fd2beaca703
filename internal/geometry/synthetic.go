package geometry

import (
	"math"
	"math/rand"
)

// SyntheticSurface samples n coloured points from a gently curved unit sheet,
// z = 0.1·sin(2πx)·cos(2πy), laid out on a jittered square lattice. The same
// seed always yields the same cloud.
func SyntheticSurface(n int, seed int64) *PointCloud {
	if n <= 0 {
		return &PointCloud{}
	}
	rng := rand.New(rand.NewSource(seed))
	side := int(math.Ceil(math.Sqrt(float64(n))))
	step := 1.0
	if side > 1 {
		step = 1 / float64(side-1)
	}
	jitter := step * 0.05

	pc := &PointCloud{
		Points: make([]Vec3, 0, n),
		Colors: make([]Vec3, 0, n),
	}
	for i := 0; i < side && len(pc.Points) < n; i++ {
		for j := 0; j < side && len(pc.Points) < n; j++ {
			x := float64(i)*step + (rng.Float64()-0.5)*jitter
			y := float64(j)*step + (rng.Float64()-0.5)*jitter
			z := 0.1 * math.Sin(2*math.Pi*x) * math.Cos(2*math.Pi*y)
			pc.Points = append(pc.Points, Vec3{x, y, z})
			pc.Colors = append(pc.Colors, Vec3{clamp01(x), clamp01(y), clamp01(0.5 + 5*z)})
		}
	}
	return pc
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

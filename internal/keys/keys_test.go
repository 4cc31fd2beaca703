package keys

import "testing"

func TestKeys(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"mesh", Mesh("0b7c", "ply"), "meshes/0b7c.ply"},
		{"mesh dotted ext", Mesh("0b7c", ".stl"), "meshes/0b7c.stl"},
		{"input", Input("My Scan.XYZ"), "inputs/my-scan.xyz"},
		{"input strips dirs", Input("/tmp/scans/bunny.ply"), "inputs/bunny.ply"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

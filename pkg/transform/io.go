package transform

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"nonrigid3d/internal/models"
)

// envelope is the on-disk form of a transform: a type tag, the geometry
// needed to reconstruct the mapping exactly, and the parameter vector.
type envelope struct {
	Kind string `yaml:"kind"`

	// B-spline grid description (kind == "bspline")
	GridSize    []int     `yaml:"gridSize,omitempty"`
	GridSpacing []float64 `yaml:"gridSpacing,omitempty"`
	GridOrigin  []float64 `yaml:"gridOrigin,omitempty"`
	Mesh        []int     `yaml:"mesh,omitempty"`
	Direction   []float64 `yaml:"direction,omitempty"`

	// Reference grid description (kind == "displacement_field")
	Size    []int     `yaml:"size,omitempty"`
	Spacing []float64 `yaml:"spacing,omitempty"`
	Origin  []float64 `yaml:"origin,omitempty"`

	UpdateVariance float64 `yaml:"updateVariance,omitempty"`
	TotalVariance  float64 `yaml:"totalVariance,omitempty"`

	Parameters []float64 `yaml:"parameters"`
}

// Save writes a transform to a YAML file. The file carries everything needed
// to reconstruct Apply() exactly.
func Save(path string, t Transform) error {
	var env envelope
	env.Kind = t.Kind().String()
	env.Parameters = t.Parameters()

	switch tr := t.(type) {
	case *BSpline:
		env.GridSize = tr.gridSize[:]
		env.GridSpacing = tr.gridSpacing[:]
		env.GridOrigin = tr.gridOrigin[:]
		env.Mesh = tr.mesh[:]
		env.Direction = tr.direction[:]
	case *DisplacementField:
		env.Size = tr.geom.Size[:]
		env.Spacing = tr.geom.Spacing[:]
		env.Origin = tr.geom.Origin[:]
		env.Direction = tr.geom.Direction[:]
		env.UpdateVariance = tr.UpdateVariance
		env.TotalVariance = tr.TotalVariance
	default:
		return fmt.Errorf("%w: unsupported transform kind %v", models.ErrConfig, t.Kind())
	}

	data, err := yaml.Marshal(&env)
	if err != nil {
		return fmt.Errorf("error marshaling transform: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing transform file: %w", err)
	}
	return nil
}

// Load reads a transform back from a YAML file written by Save.
func Load(path string) (Transform, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading transform file: %w", err)
	}
	var env envelope
	if err := yaml.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("error parsing transform file: %w", err)
	}

	switch env.Kind {
	case KindBSpline.String():
		if len(env.GridSize) != 3 || len(env.GridSpacing) != 3 || len(env.GridOrigin) != 3 ||
			len(env.Mesh) != 3 || len(env.Direction) != 9 {
			return nil, fmt.Errorf("%w: malformed bspline transform file %s", models.ErrConfig, path)
		}
		b := &BSpline{}
		copy(b.gridSize[:], env.GridSize)
		copy(b.gridSpacing[:], env.GridSpacing)
		copy(b.gridOrigin[:], env.GridOrigin)
		copy(b.mesh[:], env.Mesh)
		copy(b.direction[:], env.Direction)
		want := 3 * b.gridSize[0] * b.gridSize[1] * b.gridSize[2]
		if len(env.Parameters) != want {
			return nil, fmt.Errorf("%w: bspline transform file has %d parameters, grid needs %d", models.ErrConfig, len(env.Parameters), want)
		}
		b.params = make([]float64, want)
		copy(b.params, env.Parameters)
		return b, nil

	case KindDisplacementField.String():
		if len(env.Size) != 3 || len(env.Spacing) != 3 || len(env.Origin) != 3 || len(env.Direction) != 9 {
			return nil, fmt.Errorf("%w: malformed displacement field file %s", models.ErrConfig, path)
		}
		var g models.Geometry
		copy(g.Size[:], env.Size)
		copy(g.Spacing[:], env.Spacing)
		copy(g.Origin[:], env.Origin)
		copy(g.Direction[:], env.Direction)
		f, err := NewDisplacementField(&g)
		if err != nil {
			return nil, err
		}
		if len(env.Parameters) != len(f.field) {
			return nil, fmt.Errorf("%w: displacement field file has %d parameters, grid needs %d", models.ErrConfig, len(env.Parameters), len(f.field))
		}
		copy(f.field, env.Parameters)
		f.UpdateVariance = env.UpdateVariance
		f.TotalVariance = env.TotalVariance
		return f, nil

	default:
		return nil, fmt.Errorf("%w: unknown transform kind %q in %s", models.ErrConfig, env.Kind, path)
	}
}

package plan

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"loom/internal/workpkg"
)

// ErrInvalidPlan marks plans that fail to decode or validate.
var ErrInvalidPlan = errors.New("invalid plan")

// Plan is a named set of work packages.
type Plan struct {
	Name     string                `toml:"name" yaml:"name" json:"name"`
	Packages []workpkg.PackageSpec `toml:"packages" yaml:"packages" json:"packages"`
}

// Format identifies a plan encoding.
type Format string

const (
	FormatTOML Format = "toml"
	FormatYAML Format = "yaml"
)

// FormatFor picks the encoding from a file extension.
func FormatFor(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return FormatTOML, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("%w: unsupported plan extension %q", ErrInvalidPlan, filepath.Ext(path))
	}
}

// Parse decodes and validates a plan payload.
func Parse(data []byte, format Format) (Plan, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Plan{}, fmt.Errorf("%w: plan is empty", ErrInvalidPlan)
	}
	var p Plan
	switch format {
	case FormatTOML:
		if err := toml.Unmarshal(data, &p); err != nil {
			return Plan{}, fmt.Errorf("%w: decode toml: %v", ErrInvalidPlan, err)
		}
	case FormatYAML:
		if err := yaml.Unmarshal(data, &p); err != nil {
			return Plan{}, fmt.Errorf("%w: decode yaml: %v", ErrInvalidPlan, err)
		}
	default:
		return Plan{}, fmt.Errorf("%w: unknown format %q", ErrInvalidPlan, format)
	}
	if err := p.Validate(); err != nil {
		return Plan{}, err
	}
	return p, nil
}

// Load reads the plan at path. The extension selects TOML or YAML.
func Load(path string) (Plan, error) {
	format, err := FormatFor(path)
	if err != nil {
		return Plan{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return Plan{}, fmt.Errorf("plan: stat %s: %w", path, err)
	}
	if info.IsDir() {
		return Plan{}, fmt.Errorf("plan: %s is a directory", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Plan{}, fmt.Errorf("plan: read %s: %w", path, err)
	}
	p, err := Parse(data, format)
	if err != nil {
		return Plan{}, fmt.Errorf("plan %s: %w", path, err)
	}
	if p.Name == "" {
		p.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return p, nil
}

// Validate normalizes packages in place and checks the dependency graph.
// Packages declared without an id receive a generated one.
func (p *Plan) Validate() error {
	p.Name = strings.TrimSpace(p.Name)
	if len(p.Packages) == 0 {
		return fmt.Errorf("%w: no packages", ErrInvalidPlan)
	}
	for i, spec := range p.Packages {
		if !spec.Complexity.Valid() {
			return fmt.Errorf("%w: package %d: invalid complexity %d", ErrInvalidPlan, i, int(spec.Complexity))
		}
	}
	p.Packages = workpkg.AssignIDs(p.Packages)
	if err := workpkg.ValidateGraph(p.Packages); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPlan, err)
	}
	return nil
}

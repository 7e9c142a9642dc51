package compiler

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"sigs.k8s.io/yaml"

	v1 "github.com/kination/dagrun/api/v1"
)

// Supported reports whether path has a pipeline definition extension.
func Supported(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json", ".hcl":
		return true
	}
	return false
}

// Load reads a pipeline definition. YAML and JSON files hold manifests, HCL
// files hold pipeline blocks evaluated against the process environment.
func Load(path string) (*v1.Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline %s: %w", path, err)
	}

	var p *v1.Pipeline
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		p, err = LoadManifest(data)
	case ".hcl":
		p, err = LoadHCL(path, data, Environ())
	default:
		return nil, fmt.Errorf("unsupported pipeline file %s", path)
	}
	if err != nil {
		return nil, fmt.Errorf("load pipeline %s: %w", path, err)
	}
	return p, nil
}

// LoadManifest decodes a YAML or JSON manifest. Unknown fields are errors.
func LoadManifest(data []byte) (*v1.Pipeline, error) {
	var p v1.Pipeline
	if err := yaml.UnmarshalStrict(data, &p); err != nil {
		return nil, fmt.Errorf("yaml parse error: %w", err)
	}
	if err := Validate(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks the manifest header and fills it when empty.
func Validate(p *v1.Pipeline) error {
	if p.APIVersion == "" {
		p.APIVersion = v1.APIVersion
	}
	if p.Kind == "" {
		p.Kind = v1.PipelineKind
	}
	if p.APIVersion != v1.APIVersion {
		return fmt.Errorf("unsupported apiVersion %q, want %q", p.APIVersion, v1.APIVersion)
	}
	if p.Kind != v1.PipelineKind {
		return fmt.Errorf("unsupported kind %q, want %q", p.Kind, v1.PipelineKind)
	}
	if p.Name == "" {
		return fmt.Errorf("pipeline has no metadata.name")
	}
	if len(p.Spec.Tasks) == 0 {
		return fmt.Errorf("pipeline %s has no tasks", p.Name)
	}
	return nil
}

// Environ returns the process environment as a map.
func Environ() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}

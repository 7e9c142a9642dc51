// Package compiler loads pipeline definitions (YAML, JSON or HCL), compiles
// them into graphs and writes normalized manifests.
package compiler

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
	ctrl "sigs.k8s.io/controller-runtime"
	k8syaml "sigs.k8s.io/yaml"

	v1 "github.com/kination/dagrun/api/v1"
	"github.com/kination/dagrun/internal/sdk"
)

var log = ctrl.Log.WithName("compiler")

// DagSource is a directory scanned for pipeline definitions.
type DagSource struct {
	Name     string `yaml:"name"`
	Location string `yaml:"location"`
}

// Format of the written manifests.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// ReadSources parses a compile config: a YAML list of sources.
func ReadSources(configPath string) ([]DagSource, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config error: %w", err)
	}
	var sources []DagSource
	if err := yaml.Unmarshal(data, &sources); err != nil {
		return nil, fmt.Errorf("yaml parse error: %w", err)
	}
	for i, src := range sources {
		if src.Location == "" {
			return nil, fmt.Errorf("source %d (%s) has no location", i, src.Name)
		}
		// Relative locations are relative to the config file.
		if !filepath.IsAbs(src.Location) {
			sources[i].Location = filepath.Join(filepath.Dir(configPath), src.Location)
		}
	}
	return sources, nil
}

// CompileDags loads every definition under the configured sources, checks
// that it compiles with resolve and writes its manifest to outputDir. It
// returns the names of the written files.
func CompileDags(configPath, outputDir string, format Format, resolve sdk.Resolver) ([]string, error) {
	sources, err := ReadSources(configPath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}

	seen := make(map[string]string)
	var written []string
	for _, src := range sources {
		log.Info("Scanning source", "name", src.Name, "location", src.Location)

		err := filepath.WalkDir(src.Location, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !Supported(path) {
				return nil
			}

			p, err := Load(path)
			if err != nil {
				return err
			}
			if prev, ok := seen[p.Name]; ok {
				return fmt.Errorf("pipeline %s defined in both %s and %s", p.Name, prev, path)
			}
			seen[p.Name] = path

			if _, err := Compile(p, resolve); err != nil {
				return fmt.Errorf("compile %s: %w", path, err)
			}
			if _, err := SchedulerConfig(p); err != nil {
				return err
			}

			name, err := writeManifest(p, outputDir, format)
			if err != nil {
				return err
			}
			log.Info("Compiled", "source", path, "manifest", name)
			written = append(written, name)
			return nil
		})
		if err != nil {
			return written, fmt.Errorf("walk error in %s: %w", src.Location, err)
		}
	}
	return written, nil
}

// Marshal encodes p in format.
func Marshal(p *v1.Pipeline, format Format) ([]byte, error) {
	switch format {
	case FormatJSON:
		out, err := json.MarshalIndent(p, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(out, '\n'), nil
	case FormatYAML, "":
		return k8syaml.Marshal(p)
	}
	return nil, fmt.Errorf("unknown manifest format %q", format)
}

func writeManifest(p *v1.Pipeline, outputDir string, format Format) (string, error) {
	if format == "" {
		format = FormatYAML
	}
	out, err := Marshal(p, format)
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", p.Name, err)
	}

	fileName := strings.ReplaceAll(p.Name, string(filepath.Separator), "_") + "." + string(format)
	if err := os.WriteFile(filepath.Join(outputDir, fileName), out, 0644); err != nil {
		return "", fmt.Errorf("write error: %w", err)
	}
	return fileName, nil
}

// Package definition stores, validates and versions workflow definitions,
// loads seed definitions from YAML, and caches published definitions for
// the record tracker.
package definition

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/slatrack/model"
)

// Seed is a definition parsed from a YAML file.
type Seed struct {
	Definition model.WorkflowDefinition
	SourceFile string
	Checksum   string
}

// Loader scans directories for YAML definition files and parses them.
type Loader struct{}

// NewLoader creates a new definition Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll recursively scans directories for *.yaml and *.yml files and parses
// each into a Seed. Missing directories are skipped.
func (l *Loader) LoadAll(directories []string) ([]Seed, error) {
	var seeds []Seed

	for _, dir := range directories {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			continue
		}
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(path))
			if ext != ".yaml" && ext != ".yml" {
				return nil
			}

			seed, err := l.LoadFile(path)
			if err != nil {
				return fmt.Errorf("loading %s: %w", path, err)
			}
			seeds = append(seeds, seed)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	return seeds, nil
}

// LoadFile loads and parses a single YAML definition file. Steps without an
// explicit order take their position in the file.
func (l *Loader) LoadFile(path string) (Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, fmt.Errorf("reading %s: %w", path, err)
	}

	var def model.WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return Seed{}, fmt.Errorf("parsing %s: %w", path, err)
	}

	if !hasExplicitOrder(def.Steps) {
		for i := range def.Steps {
			def.Steps[i].Order = i
		}
	}
	if def.Version == 0 {
		def.Version = 1
	}

	return Seed{
		Definition: def,
		SourceFile: path,
		Checksum:   fmt.Sprintf("%x", sha256.Sum256(data)),
	}, nil
}

func hasExplicitOrder(steps []model.Step) bool {
	for _, s := range steps {
		if s.Order != 0 {
			return true
		}
	}
	return false
}

// Package catalog loads the call outcome catalog.
package catalog

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/thebtf/retention/pkg/models"
)

//go:embed default_outcomes.yaml
var defaultOutcomes []byte

// file is the on-disk layout of a catalog.
type file struct {
	Outcomes []models.Outcome `yaml:"outcomes"`
}

// Default returns the built-in catalog.
func Default() *models.OutcomeCatalog {
	c, err := Parse(defaultOutcomes)
	if err != nil {
		panic(fmt.Sprintf("built-in outcome catalog is invalid: %v", err))
	}
	return c
}

// Load reads a catalog from a YAML file. An empty path yields the default.
func Load(path string) (*models.OutcomeCatalog, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read outcome catalog: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("outcome catalog %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes and validates catalog YAML.
func Parse(data []byte) (*models.OutcomeCatalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	if len(f.Outcomes) == 0 {
		return nil, fmt.Errorf("catalog has no outcomes")
	}
	return models.NewOutcomeCatalog(f.Outcomes)
}

// SPDX-License-Identifier: MIT

// Package loaders reads the YAML files that describe galaxy content:
// galaxy.yml, requirements.yml and role metadata.
package loaders

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Galaxy namespaces must be lowercase identifiers; anything else is skipped
// during discovery, matching ansible-galaxy behavior.
var namespaceRe = regexp.MustCompile(`^[a-z][a-z0-9_]+$`)

// YAMLFromFile loads a YAML document without imposing a shape on it.
// Mappings decode to map[string]any, sequences to []any.
func YAMLFromFile(path string) (any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var out any
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return out, nil
}

// GalaxyFile is the subset of galaxy.yml this module consumes.
type GalaxyFile struct {
	Namespace    string            `yaml:"namespace"`
	Name         string            `yaml:"name"`
	Version      string            `yaml:"version"`
	Dependencies map[string]string `yaml:"dependencies"`
}

// LoadGalaxyFile parses a galaxy.yml file.
func LoadGalaxyFile(path string) (*GalaxyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var gf GalaxyFile
	if err := yaml.Unmarshal(data, &gf); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &gf, nil
}

// ColPathFromPath derives the "<namespace>/<name>" fragment of a collection
// install path from the galaxy.yml found in dir. Empty when the file is
// absent or incomplete.
func ColPathFromPath(dir string) string {
	gf, err := LoadGalaxyFile(filepath.Join(dir, "galaxy.yml"))
	if err != nil || gf.Namespace == "" || gf.Name == "" {
		return ""
	}
	return gf.Namespace + "/" + gf.Name
}

// SearchGalaxyPaths returns galaxy.yml files found in dir or exactly one
// level below it. Child directories that are not valid galaxy namespaces
// are ignored, just like ansible-galaxy does.
func SearchGalaxyPaths(dir string) []string {
	var found []string

	direct := filepath.Join(dir, "galaxy.yml")
	if info, err := os.Stat(direct); err == nil && info.Mode().IsRegular() {
		found = append(found, direct)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return found
	}
	for _, entry := range entries {
		if !namespaceRe.MatchString(entry.Name()) {
			continue
		}
		candidate := filepath.Join(dir, entry.Name(), "galaxy.yml")
		if info, err := os.Stat(candidate); err == nil && info.Mode().IsRegular() {
			found = append(found, candidate)
		}
	}
	return found
}

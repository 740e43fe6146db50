// SPDX-License-Identifier: MIT

// Package prerun prepares per-project working state before any ansible
// command runs.
package prerun

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
)

// cacheTagContent follows the CACHEDIR.TAG specification so that backup
// tools skip isolated environments.
const cacheTagContent = "Signature: 8a477f597d28d172789f06886806bc55\n" +
	"# This directory contains cached ansible content and can be recreated.\n"

// CacheDir returns the isolated cache directory for a project and creates
// it if needed. The key is derived from the resolved project path, so the
// same project always maps to the same directory across runs.
func CacheDir(projectDir string) (string, error) {
	resolved, err := filepath.Abs(projectDir)
	if err != nil {
		return "", fmt.Errorf("resolving project dir: %w", err)
	}
	if real, err := filepath.EvalSymlinks(resolved); err == nil {
		resolved = real
	}

	root := os.Getenv("XDG_CACHE_HOME")
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("determining cache root: %w", err)
		}
		root = filepath.Join(home, ".cache")
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(resolved))
	name := filepath.Base(resolved)
	if name == "" || name == string(filepath.Separator) {
		name = "unknown"
	}
	dir := filepath.Join(root, "ansible-compat", fmt.Sprintf("%08x-%s", h.Sum32(), name))

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("creating cache dir: %w", err)
	}

	tag := filepath.Join(dir, "CACHEDIR.TAG")
	if _, err := os.Stat(tag); os.IsNotExist(err) {
		if err := renameio.WriteFile(tag, []byte(cacheTagContent), 0o644); err != nil {
			return "", fmt.Errorf("writing cache tag: %w", err)
		}
	}
	return dir, nil
}

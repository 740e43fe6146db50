// SPDX-License-Identifier: MIT

// Package config parses the output of the ansible-config and ansible
// version commands into typed values.
package config

import (
	"fmt"
	"regexp"

	goversion "github.com/hashicorp/go-version"

	ansiblecompat "github.com/ansible-community/ansible-compat-go"
)

// Matches "ansible [core 2.14.3]" and the older "ansible [base 2.10.17]".
var ansibleVersionRe = regexp.MustCompile(`(?m)^ansible \[(?:core|base) ([^\]]+)\]`)

// Matches pre-2.10 output such as "ansible 2.9.27".
var legacyVersionRe = regexp.MustCompile(`(?m)^ansible ([\d.]+)`)

// Matches PEP 440 style suffixes ("2.15.0.dev0", "2.14.0rc1") so they can
// be rewritten into the dash form go-version understands.
var pep440SuffixRe = regexp.MustCompile(`^(\d+(?:\.\d+)*)\.?(dev|post|rc|a|b)(\d*)$`)

// normalizeVersion rewrites PEP 440 prerelease suffixes into semver
// prerelease notation. Ordering is preserved for dev/rc/a/b suffixes.
func normalizeVersion(s string) string {
	if m := pep440SuffixRe.FindStringSubmatch(s); m != nil {
		return m[1] + "-" + m[2] + m[3]
	}
	return s
}

// ParseAnsibleVersion extracts the core version from `ansible --version`
// output.
func ParseAnsibleVersion(stdout string) (*goversion.Version, error) {
	match := ansibleVersionRe.FindStringSubmatch(stdout)
	if match == nil {
		match = legacyVersionRe.FindStringSubmatch(stdout)
	}
	if match == nil {
		return nil, &ansiblecompat.InvalidPrerequisiteError{
			Msg: fmt.Sprintf("Unable to parse ansible cli version: %s", stdout),
		}
	}
	v, err := goversion.NewVersion(normalizeVersion(match[1]))
	if err != nil {
		return nil, &ansiblecompat.InvalidPrerequisiteError{
			Msg:   fmt.Sprintf("Unable to parse ansible cli version: %s", match[1]),
			Cause: err,
		}
	}
	return v, nil
}

// NewCollectionVersion parses a collection version specifier. Galaxy allows
// the "*" wildcard, which maps to "0" as the smallest possible version.
func NewCollectionVersion(s string) (*goversion.Version, error) {
	if s == "*" {
		s = "0"
	}
	return goversion.NewVersion(normalizeVersion(s))
}

// IsPrerelease reports whether v carries a prerelease segment.
func IsPrerelease(v *goversion.Version) bool {
	return v != nil && v.Prerelease() != ""
}

// CollectionsPathEnvVar returns the name of the environment variable that
// controls collection lookup paths. A variable already present in environ
// wins; otherwise the name depends on the ansible version (renamed to the
// singular form in 2.10).
func CollectionsPathEnvVar(environ map[string]string, v *goversion.Version) string {
	for _, name := range []string{"ANSIBLE_COLLECTIONS_PATH", "ANSIBLE_COLLECTIONS_PATHS"} {
		if _, ok := environ[name]; ok {
			return name
		}
	}
	if v != nil && v.GreaterThanOrEqual(goversion.Must(goversion.NewVersion("2.10"))) {
		return "ANSIBLE_COLLECTIONS_PATH"
	}
	return "ANSIBLE_COLLECTIONS_PATHS"
}

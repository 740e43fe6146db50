// SPDX-License-Identifier: MIT

// Package schema validates galaxy content files against embedded JSON
// Schemas before any ansible-galaxy command is spawned, so that malformed
// files fail fast with precise locations.
package schema

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed data/*.json
var schemaFS embed.FS

// Known schema names.
const (
	Requirements = "requirements.json"
	MetaMain     = "meta-main.json"
)

var compiled = map[string]*jsonschema.Schema{}

func init() {
	compiler := jsonschema.NewCompiler()
	for _, name := range []string{Requirements, MetaMain} {
		raw, err := schemaFS.ReadFile("data/" + name)
		if err != nil {
			panic(fmt.Sprintf("embedded schema %s: %v", name, err))
		}
		if err := compiler.AddResource(name, bytes.NewReader(raw)); err != nil {
			panic(fmt.Sprintf("embedded schema %s: %v", name, err))
		}
		sch, err := compiler.Compile(name)
		if err != nil {
			panic(fmt.Sprintf("embedded schema %s: %v", name, err))
		}
		compiled[name] = sch
	}
}

// Finding is a single validation failure.
type Finding struct {
	Path    string // JSON pointer into the document
	Message string
}

func (f Finding) String() string {
	if f.Path == "" {
		return f.Message
	}
	return f.Path + ": " + f.Message
}

// Validate checks data against the named embedded schema and returns the
// sorted list of failures. Data may come straight from a YAML decoder, it
// is normalized through JSON first.
func Validate(name string, data any) ([]Finding, error) {
	sch, ok := compiled[name]
	if !ok {
		return nil, fmt.Errorf("unknown schema: %s", name)
	}
	normalized, err := normalize(data)
	if err != nil {
		return nil, err
	}
	err = sch.Validate(normalized)
	if err == nil {
		return nil, nil
	}
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return nil, err
	}
	findings := flatten(ve, nil)
	sort.Slice(findings, func(i, j int) bool {
		if findings[i].Path != findings[j].Path {
			return findings[i].Path < findings[j].Path
		}
		return findings[i].Message < findings[j].Message
	})
	return findings, nil
}

// flatten walks the cause tree, keeping only leaf errors which carry the
// actionable messages.
func flatten(ve *jsonschema.ValidationError, out []Finding) []Finding {
	if len(ve.Causes) == 0 {
		return append(out, Finding{Path: ve.InstanceLocation, Message: ve.Message})
	}
	for _, cause := range ve.Causes {
		out = flatten(cause, out)
	}
	return out
}

// normalize round-trips data through JSON so YAML-decoded documents
// (int values, map[string]any) match what the validator expects.
func normalize(data any) (any, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("document is not JSON-compatible: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

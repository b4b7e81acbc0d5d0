// Copyright 2026 © The Forge Authors
// SPDX-License-Identifier: Apache-2.0

// Package toolspec defines the schema-typed unit of synthesized capability
// and the structural checks every tool must pass before it reaches the
// registry: identifier rules, signature/schema agreement, forbidden
// constructs and output shape.
package toolspec

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/jllopis/forge/pkg/errors"
)

// Schema maps a parameter or output field name to its type name.
type Schema map[string]string

// Keys returns the schema keys in sorted order.
func (s Schema) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Equal compares two schemas after type normalization.
func (s Schema) Equal(other Schema) bool {
	if len(s) != len(other) {
		return false
	}
	for k, v := range s {
		ov, ok := other[k]
		if !ok || NormalizeType(ov) != NormalizeType(v) {
			return false
		}
	}
	return true
}

// ToolSpec is a named, schema-typed tool implemented as a Python function.
type ToolSpec struct {
	Name           string   `json:"name" yaml:"name"`
	Description    string   `json:"description" yaml:"description"`
	Capability     string   `json:"capability,omitempty" yaml:"capability,omitempty"`
	InputSchema    Schema   `json:"input_schema" yaml:"input_schema"`
	OutputSchema   Schema   `json:"output_schema" yaml:"output_schema"`
	Code           string   `json:"code" yaml:"code"`
	Packages       []string `json:"packages" yaml:"packages"`
	SystemPackages []string `json:"system_packages" yaml:"system_packages"`
	// Idempotent marks a side-effect-free tool whose output may be served
	// from the registry cache for identical arguments.
	Idempotent bool `json:"idempotent" yaml:"idempotent"`
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Clone returns a deep copy.
func (t ToolSpec) Clone() ToolSpec {
	out := t
	out.InputSchema = cloneSchema(t.InputSchema)
	out.OutputSchema = cloneSchema(t.OutputSchema)
	out.Packages = append([]string(nil), t.Packages...)
	out.SystemPackages = append([]string(nil), t.SystemPackages...)
	return out
}

func cloneSchema(s Schema) Schema {
	if s == nil {
		return Schema{}
	}
	out := make(Schema, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Normalize sorts and deduplicates package sets, merges `# packages:` hints
// from the code and fills nil schemas.
func (t *ToolSpec) Normalize() {
	if t.InputSchema == nil {
		t.InputSchema = Schema{}
	}
	if t.OutputSchema == nil {
		t.OutputSchema = Schema{}
	}
	t.Packages = NormalizePackages(append(t.Packages, PackageHints(t.Code)...))
	t.SystemPackages = NormalizePackages(t.SystemPackages)
}

// SameSchema reports whether both specs declare the same input and output schema.
func (t ToolSpec) SameSchema(other ToolSpec) bool {
	return t.InputSchema.Equal(other.InputSchema) && t.OutputSchema.Equal(other.OutputSchema)
}

// CheckSignature verifies that the code defines Name with parameters whose
// names are exactly the input schema keys and whose annotations, when
// present, agree with the schema types.
func (t ToolSpec) CheckSignature() error {
	params, err := ParseSignature(t.Code, t.Name)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(params))
	for _, p := range params {
		seen[p.Name] = true
		want, ok := t.InputSchema[p.Name]
		if !ok {
			return fmt.Errorf("parameter %q is not declared in input_schema", p.Name)
		}
		if p.Type != "" && NormalizeType(p.Type) != NormalizeType(want) {
			return fmt.Errorf("parameter %q annotated %s but input_schema says %s", p.Name, p.Type, want)
		}
	}
	for _, k := range t.InputSchema.Keys() {
		if !seen[k] {
			return fmt.Errorf("input_schema key %q is not a parameter of %s", k, t.Name)
		}
	}
	return nil
}

// Validate runs every structural check a synthesized tool must pass before
// it is sent to the sandbox. Failures are SynthesisErrors.
func (t ToolSpec) Validate() error {
	if !identRe.MatchString(t.Name) {
		return errors.NewSynthesisError(fmt.Sprintf("tool name %q is not a valid identifier", t.Name), nil)
	}
	if strings.TrimSpace(t.Code) == "" {
		return errors.NewSynthesisError("tool code is empty", nil).WithContext("tool", t.Name)
	}
	for k := range t.InputSchema {
		if !identRe.MatchString(k) {
			return errors.NewSynthesisError(fmt.Sprintf("input_schema key %q is not a valid identifier", k), nil)
		}
	}
	if err := t.CheckSignature(); err != nil {
		return errors.NewSynthesisError("signature does not match input_schema", err).WithContext("tool", t.Name)
	}
	if found := ForbiddenConstructs(t.Code); len(found) > 0 {
		return errors.NewSynthesisError("code contains forbidden constructs", nil).
			WithContext("tool", t.Name).
			WithContext("constructs", found)
	}
	return nil
}

// RequiredParams returns the parameters without default values.
func (t ToolSpec) RequiredParams() []string {
	params, err := ParseSignature(t.Code, t.Name)
	if err != nil {
		return t.InputSchema.Keys()
	}
	var out []string
	for _, p := range params {
		if !p.HasDefault {
			out = append(out, p.Name)
		}
	}
	return out
}

// CheckOutput verifies that a tool's return value matches the output schema.
// An empty output schema accepts any value.
func (t ToolSpec) CheckOutput(value interface{}) error {
	if len(t.OutputSchema) == 0 {
		return nil
	}
	obj, ok := value.(map[string]interface{})
	if !ok {
		if len(t.OutputSchema) == 1 && value != nil {
			return nil
		}
		return fmt.Errorf("expected an object with fields %v, got %T", t.OutputSchema.Keys(), value)
	}
	for _, k := range t.OutputSchema.Keys() {
		if _, ok := obj[k]; !ok {
			return fmt.Errorf("output is missing field %q", k)
		}
	}
	for k := range obj {
		if _, ok := t.OutputSchema[k]; !ok {
			return fmt.Errorf("output has undeclared field %q", k)
		}
	}
	return nil
}

// NormalizePackages trims, deduplicates and sorts a package list.
func NormalizePackages(pkgs []string) []string {
	set := make(map[string]struct{}, len(pkgs))
	for _, p := range pkgs {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		set[p] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// NormalizeType maps JSON Schema and Python spellings onto one name.
func NormalizeType(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	if i := strings.IndexAny(t, "[|"); i > 0 {
		t = strings.TrimSpace(t[:i])
	}
	switch t {
	case "string", "str", "text":
		return "str"
	case "integer", "int":
		return "int"
	case "number", "float", "double":
		return "float"
	case "boolean", "bool":
		return "bool"
	case "array", "list", "tuple", "sequence":
		return "list"
	case "object", "dict", "mapping", "map":
		return "dict"
	case "", "any", "none", "null":
		return "any"
	default:
		return t
	}
}

// JSONType maps a schema type to its JSON Schema type name.
func JSONType(t string) string {
	switch NormalizeType(t) {
	case "str":
		return "string"
	case "int":
		return "integer"
	case "float":
		return "number"
	case "bool":
		return "boolean"
	case "list":
		return "array"
	case "dict":
		return "object"
	default:
		return "string"
	}
}

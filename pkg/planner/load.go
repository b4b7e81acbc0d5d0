// Copyright 2026 © The Forge Authors
// SPDX-License-Identifier: Apache-2.0

package planner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jllopis/forge/pkg/errors"
)

// LoadPlan reads a fixed plan from a YAML or JSON file and validates it with
// the same rules applied to oracle plans.
func LoadPlan(path string) (*Plan, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("plan path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return ParseJSON(data)
	default:
		return ParseYAML(data)
	}
}

// ParseJSON loads a plan from JSON and validates it.
func ParseJSON(data []byte) (*Plan, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty JSON payload")
	}
	var plan Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, errors.NewPlanningError("parse json plan", err)
	}
	return finish(&plan)
}

// ParseYAML loads a plan from YAML and validates it. JSON is valid YAML, so
// this also accepts JSON documents.
func ParseYAML(data []byte) (*Plan, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty YAML payload")
	}
	var plan Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, errors.NewPlanningError("parse yaml plan", err)
	}
	return finish(&plan)
}

func finish(plan *Plan) (*Plan, error) {
	for i := range plan.Subtasks {
		plan.Subtasks[i].Status = StatusPending
	}
	if err := plan.Validate(); err != nil {
		return nil, errors.NewPlanningError("invalid plan", err).WithRecoverable(false)
	}
	if err := plan.Sort(); err != nil {
		return nil, errors.NewPlanningError("invalid plan", err).WithRecoverable(false)
	}
	return plan, nil
}

// Package planner turns a free-text request into a validated, acyclic plan
// of at most MaxSubtasks subtasks with a single root.
package planner

import (
	"fmt"
	"sort"
	"strings"
)

// MaxSubtasks bounds the size of a plan.
const MaxSubtasks = 5

// Status is the lifecycle state of a subtask.
type Status string

const (
	StatusPending      Status = "Pending"
	StatusResolving    Status = "Resolving"
	StatusReused       Status = "Reused"
	StatusSynthesizing Status = "Synthesizing"
	StatusValidating   Status = "Validating"
	StatusCorrecting   Status = "Correcting"
	StatusSucceeded    Status = "Succeeded"
	StatusFailed       Status = "Failed"
	StatusSkipped      Status = "Skipped"
)

// Terminal reports whether no further transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusSkipped
}

// Satisfied reports whether dependents of a subtask in state s may start.
func (s Status) Satisfied() bool {
	return s == StatusSucceeded || s == StatusSkipped
}

// Subtask is one node of a plan.
type Subtask struct {
	ID              int    `json:"id" yaml:"id"`
	Description     string `json:"description" yaml:"description"`
	CapabilityQuery string `json:"capability_query" yaml:"capability_query"`
	DependsOn       []int  `json:"depends_on" yaml:"depends_on"`
	Status          Status `json:"status" yaml:"status"`
	// Context accumulates human answers folded in after a suspension.
	Context string `json:"context,omitempty" yaml:"context,omitempty"`
}

// Plan is an ordered subtask graph for one request.
type Plan struct {
	Request  string    `json:"request" yaml:"request"`
	Subtasks []Subtask `json:"subtasks" yaml:"subtasks"`
}

// Validate checks size, identifiers, dependency references, acyclicity and
// the single-root rule. Empty statuses become Pending and an empty
// capability query falls back to the description.
func (p *Plan) Validate() error {
	if p == nil || len(p.Subtasks) == 0 {
		return fmt.Errorf("plan has no subtasks")
	}
	if len(p.Subtasks) > MaxSubtasks {
		return fmt.Errorf("plan has %d subtasks, at most %d allowed", len(p.Subtasks), MaxSubtasks)
	}

	ids := make(map[int]bool, len(p.Subtasks))
	for i := range p.Subtasks {
		st := &p.Subtasks[i]
		if ids[st.ID] {
			return fmt.Errorf("duplicate subtask id %d", st.ID)
		}
		ids[st.ID] = true
		if strings.TrimSpace(st.Description) == "" {
			return fmt.Errorf("subtask %d has no description", st.ID)
		}
		if strings.TrimSpace(st.CapabilityQuery) == "" {
			st.CapabilityQuery = st.Description
		}
		if st.Status == "" {
			st.Status = StatusPending
		}
	}

	roots := 0
	for _, st := range p.Subtasks {
		seen := make(map[int]bool, len(st.DependsOn))
		for _, dep := range st.DependsOn {
			if dep == st.ID {
				return fmt.Errorf("subtask %d depends on itself", st.ID)
			}
			if !ids[dep] {
				return fmt.Errorf("subtask %d depends on unknown subtask %d", st.ID, dep)
			}
			if seen[dep] {
				return fmt.Errorf("subtask %d lists dependency %d twice", st.ID, dep)
			}
			seen[dep] = true
		}
		if len(st.DependsOn) == 0 {
			roots++
		}
	}
	if roots != 1 {
		return fmt.Errorf("plan must have exactly one subtask without dependencies, found %d", roots)
	}

	if _, err := p.Order(); err != nil {
		return err
	}
	return nil
}

// Order returns subtask indexes in a topological order. Among ready
// subtasks the lowest id goes first, so the order is deterministic.
func (p *Plan) Order() ([]int, error) {
	index := make(map[int]int, len(p.Subtasks))
	for i, st := range p.Subtasks {
		index[st.ID] = i
	}
	indegree := make([]int, len(p.Subtasks))
	dependents := make([][]int, len(p.Subtasks))
	for i, st := range p.Subtasks {
		for _, dep := range st.DependsOn {
			j, ok := index[dep]
			if !ok {
				return nil, fmt.Errorf("subtask %d depends on unknown subtask %d", st.ID, dep)
			}
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	var ready []int
	for i, d := range indegree {
		if d == 0 {
			ready = append(ready, i)
		}
	}
	order := make([]int, 0, len(p.Subtasks))
	for len(ready) > 0 {
		sort.Slice(ready, func(a, b int) bool { return p.Subtasks[ready[a]].ID < p.Subtasks[ready[b]].ID })
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)
		for _, d := range dependents[next] {
			indegree[d]--
			if indegree[d] == 0 {
				ready = append(ready, d)
			}
		}
	}
	if len(order) != len(p.Subtasks) {
		var stuck []int
		for i, d := range indegree {
			if d > 0 {
				stuck = append(stuck, p.Subtasks[i].ID)
			}
		}
		sort.Ints(stuck)
		return nil, fmt.Errorf("dependency cycle among subtasks %v", stuck)
	}
	return order, nil
}

// Sort reorders Subtasks topologically so the root comes first.
func (p *Plan) Sort() error {
	order, err := p.Order()
	if err != nil {
		return err
	}
	sorted := make([]Subtask, len(order))
	for i, idx := range order {
		sorted[i] = p.Subtasks[idx]
	}
	p.Subtasks = sorted
	return nil
}

// Get returns a pointer to the subtask with the given id.
func (p *Plan) Get(id int) (*Subtask, bool) {
	for i := range p.Subtasks {
		if p.Subtasks[i].ID == id {
			return &p.Subtasks[i], true
		}
	}
	return nil, false
}

// Ready reports whether every dependency of st is satisfied.
func (p *Plan) Ready(st Subtask) bool {
	for _, dep := range st.DependsOn {
		d, ok := p.Get(dep)
		if !ok || !d.Status.Satisfied() {
			return false
		}
	}
	return true
}

// Blocked reports whether a dependency of st, direct or transitive, failed.
func (p *Plan) Blocked(st Subtask) bool {
	for _, dep := range st.DependsOn {
		d, ok := p.Get(dep)
		if !ok {
			return true
		}
		if d.Status == StatusFailed || p.Blocked(*d) {
			return true
		}
	}
	return false
}

// Copyright 2026 © The Forge Authors
// SPDX-License-Identifier: Apache-2.0

package corrective

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jllopis/forge/pkg/errors"
	"github.com/jllopis/forge/pkg/sandbox"
)

// Fault is one failed attempt in a session.
type Fault struct {
	Attempt int                   `json:"attempt"`
	Kind    errors.ValidationKind `json:"kind"`
	Message string                `json:"message"`
	Package string                `json:"package,omitempty"`
}

func (f Fault) String() string {
	s := fmt.Sprintf("attempt %d: %s: %s", f.Attempt, f.Kind, f.Message)
	if f.Package != "" {
		s += " (package " + f.Package + ")"
	}
	return s
}

// Discarded holds packages excluded for the rest of a session.
type Discarded struct {
	Packages       []string `json:"packages"`
	SystemPackages []string `json:"system_packages"`
}

// Session is the bookkeeping of one corrective run. The discard sets only
// grow.
type Session struct {
	Attempt       int     `json:"attempt"`
	TotalAttempts int     `json:"total_attempts"`
	FaultLog      []Fault `json:"fault_log"`

	discarded map[pkgKey]bool
	// failures counts consecutive attributable failures per package.
	failures map[pkgKey]int
}

type pkgKey struct {
	name   string
	system bool
}

func (k pkgKey) String() string {
	if k.system {
		return "system:" + k.name
	}
	return k.name
}

// NewSession starts a session bounded by total attempts.
func NewSession(total int) *Session {
	return &Session{
		TotalAttempts: total,
		discarded:     map[pkgKey]bool{},
		failures:      map[pkgKey]int{},
	}
}

// Exhausted reports whether no attempt is left.
func (s *Session) Exhausted() bool {
	return s.Attempt >= s.TotalAttempts
}

// IsDiscarded reports whether pkg is in the discard set.
func (s *Session) IsDiscarded(pkg string, system bool) bool {
	return s.discarded[pkgKey{name: normalize(pkg), system: system}]
}

// Discarded returns a sorted snapshot of the discard sets.
func (s *Session) Discarded() Discarded {
	d := Discarded{Packages: []string{}, SystemPackages: []string{}}
	for k := range s.discarded {
		if k.system {
			d.SystemPackages = append(d.SystemPackages, k.name)
		} else {
			d.Packages = append(d.Packages, k.name)
		}
	}
	sort.Strings(d.Packages)
	sort.Strings(d.SystemPackages)
	return d
}

// FailureCounts returns the consecutive failure counters keyed by package.
// System packages are prefixed with "system:".
func (s *Session) FailureCounts() map[string]int {
	out := make(map[string]int, len(s.failures))
	for k, n := range s.failures {
		out[k.String()] = n
	}
	return out
}

// FaultStrings renders the fault log for prompts.
func (s *Session) FaultStrings() []string {
	out := make([]string, 0, len(s.FaultLog))
	for _, f := range s.FaultLog {
		out = append(out, f.String())
	}
	return out
}

// record appends a fault and updates failure counters. It returns the
// package that crossed threshold and must now be discarded, if any.
func (s *Session) record(e *sandbox.ExecError, implicated string, system bool, threshold int) (string, bool) {
	s.FaultLog = append(s.FaultLog, Fault{
		Attempt: s.Attempt,
		Kind:    e.Kind,
		Message: e.Message,
		Package: e.Package,
	})

	if implicated == "" {
		for k := range s.failures {
			delete(s.failures, k)
		}
		return "", false
	}
	key := pkgKey{name: normalize(implicated), system: system}
	for k := range s.failures {
		if k != key {
			delete(s.failures, k)
		}
	}
	s.failures[key]++
	if threshold > 0 && s.failures[key] >= threshold && !s.discarded[key] {
		s.discarded[key] = true
		delete(s.failures, key)
		return key.name, true
	}
	return "", false
}

// recordRejection logs a correction that was refused without execution.
func (s *Session) recordRejection(kind errors.ValidationKind, msg string) {
	s.FaultLog = append(s.FaultLog, Fault{Attempt: s.Attempt, Kind: kind, Message: msg})
}

// filter drops discarded packages and reports what was removed.
func (s *Session) filter(pkgs []string, system bool) (kept, removed []string) {
	for _, p := range pkgs {
		if s.IsDiscarded(p, system) {
			removed = append(removed, p)
			continue
		}
		kept = append(kept, p)
	}
	return kept, removed
}

func normalize(pkg string) string {
	return strings.ToLower(strings.TrimSpace(pkg))
}

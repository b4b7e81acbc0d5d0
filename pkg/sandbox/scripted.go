package sandbox

import (
	"context"
	"sync"

	"github.com/jllopis/forge/pkg/errors"
)

// Scripted is an Executor that replays queued results, then falls back to
// an optional function. It records every request.
type Scripted struct {
	mu       sync.Mutex
	results  []*Result
	fn       func(Request) *Result
	requests []Request
}

// NewScripted returns an executor that replays results in order.
func NewScripted(results ...*Result) *Scripted {
	return &Scripted{results: results}
}

// ScriptedFunc returns an executor that computes every result with fn.
func ScriptedFunc(fn func(Request) *Result) *Scripted {
	return &Scripted{fn: fn}
}

// Then queues another result.
func (s *Scripted) Then(r *Result) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
	return s
}

// Execute implements Executor.
func (s *Scripted) Execute(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.New(errors.CodeCancelled, "execution cancelled", err)
	}
	s.mu.Lock()
	s.requests = append(s.requests, cloneRequest(req))
	var next *Result
	if len(s.results) > 0 {
		next = s.results[0]
		s.results = s.results[1:]
	}
	fn := s.fn
	s.mu.Unlock()

	switch {
	case next != nil:
		cp := *next
		return &cp, nil
	case fn != nil:
		return fn(req), nil
	default:
		return nil, errors.New(errors.CodeInternal, "scripted sandbox has no result left", nil)
	}
}

// Requests returns a copy of the recorded requests.
func (s *Scripted) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// Calls returns how many executions were requested.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func cloneRequest(req Request) Request {
	req.Packages = append([]string(nil), req.Packages...)
	req.SystemPackages = append([]string(nil), req.SystemPackages...)
	if req.FunctionArgs != nil {
		args := make(map[string]interface{}, len(req.FunctionArgs))
		for k, v := range req.FunctionArgs {
			args[k] = v
		}
		req.FunctionArgs = args
	}
	return req
}

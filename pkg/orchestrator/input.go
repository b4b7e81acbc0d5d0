// Copyright 2026 © The Forge Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/jllopis/forge/pkg/errors"
)

// Answers with a fixed meaning when a subtask is suspended. Any other answer
// is folded into the subtask context and the subtask is retried.
const (
	AnswerSkip  = "skip"
	AnswerAbort = "abort"
)

// InputHook asks a human a question and blocks until an answer arrives or
// ctx is done.
type InputHook interface {
	Ask(ctx context.Context, question string) (string, error)
}

// InputFunc adapts a function to InputHook.
type InputFunc func(ctx context.Context, question string) (string, error)

// Ask implements InputHook.
func (f InputFunc) Ask(ctx context.Context, question string) (string, error) {
	return f(ctx, question)
}

// StaticInput answers from a fixed list, in order. It fails once the list
// is exhausted.
type StaticInput struct {
	mu        sync.Mutex
	answers   []string
	questions []string
}

// NewStaticInput returns a hook replying with answers in order.
func NewStaticInput(answers ...string) *StaticInput {
	return &StaticInput{answers: answers}
}

// Ask implements InputHook.
func (s *StaticInput) Ask(ctx context.Context, question string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.questions = append(s.questions, question)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(s.answers) == 0 {
		return "", errors.New(errors.CodeInvalidInput, "no answer available", nil)
	}
	a := s.answers[0]
	s.answers = s.answers[1:]
	return a, nil
}

// Questions returns the questions asked so far.
func (s *StaticInput) Questions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.questions...)
}

// ConsoleInput asks on an output writer and reads one line of input.
type ConsoleInput struct {
	in     *bufio.Reader
	out    io.Writer
	prompt string

	// One reader goroutine at most; a line typed after a cancelled question
	// answers the next one.
	mu      sync.Mutex
	pending chan readResult
}

type readResult struct {
	line string
	err  error
}

// ConsoleOption configures a ConsoleInput.
type ConsoleOption func(*ConsoleInput)

// WithConsoleInput sets the reader.
func WithConsoleInput(r io.Reader) ConsoleOption {
	return func(c *ConsoleInput) {
		if r != nil {
			c.in = bufio.NewReader(r)
		}
	}
}

// WithConsoleOutput sets the writer.
func WithConsoleOutput(w io.Writer) ConsoleOption {
	return func(c *ConsoleInput) {
		if w != nil {
			c.out = w
		}
	}
}

// WithConsolePrompt sets the prompt printed after each question.
func WithConsolePrompt(prompt string) ConsoleOption {
	return func(c *ConsoleInput) {
		if strings.TrimSpace(prompt) != "" {
			c.prompt = prompt
		}
	}
}

// NewConsoleInput reads answers from stdin by default.
func NewConsoleInput(opts ...ConsoleOption) *ConsoleInput {
	c := &ConsoleInput{
		in:     bufio.NewReader(os.Stdin),
		out:    os.Stdout,
		prompt: fmt.Sprintf("answer (%s, %s or details): ", AnswerSkip, AnswerAbort),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Ask implements InputHook. There is no timeout; cancel ctx to stop waiting.
func (c *ConsoleInput) Ask(ctx context.Context, question string) (string, error) {
	_, _ = fmt.Fprintf(c.out, "\n%s\n", question)
	_, _ = fmt.Fprint(c.out, c.prompt)

	c.mu.Lock()
	if c.pending == nil {
		ch := make(chan readResult, 1)
		c.pending = ch
		go func() {
			line, err := c.in.ReadString('\n')
			ch <- readResult{line: line, err: err}
		}()
	}
	ch := c.pending
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		return "", errors.New(errors.CodeCancelled, "input cancelled", ctx.Err())
	case r := <-ch:
		c.mu.Lock()
		c.pending = nil
		c.mu.Unlock()
		answer := strings.TrimSpace(r.line)
		if answer == "" && r.err != nil {
			return "", errors.New(errors.CodeInvalidInput, "no input", r.err)
		}
		return answer, nil
	}
}

// Package scripted is a deterministic llm.Runtime that replays queued
// responses. It keeps the exact cache semantics of a real runtime so session
// reuse can be observed through its counters.
package scripted

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/Corphon/SceneWeaver/internal/llm"
)

// Name is the runtime registry key.
const Name = "scripted"

// ErrExhausted is returned when no queued response is left.
var ErrExhausted = errors.New("scripted runtime has no responses left")

func init() {
	llm.RegisterRuntime(Name, func(cfg llm.LocalDriver) (llm.Runtime, error) {
		if cfg.ModelPath == "" {
			return New(), nil
		}
		return Load(cfg.ModelPath)
	})
}

// Script is the on-disk form of a response queue.
type Script struct {
	Responses []string `yaml:"responses"`
}

// Runtime replays responses in order across all of its contexts.
type Runtime struct {
	mu        sync.Mutex
	responses []string
	// Fail, when set, is consulted before every generation. A non-nil error
	// aborts the call before any token is produced.
	Fail func(call int) error

	decodes int
	infers  int
	commits int
	last    llm.InferRequest
}

// New returns a runtime that replays responses.
func New(responses ...string) *Runtime {
	return &Runtime{responses: append([]string(nil), responses...)}
}

// Load reads a YAML script file.
func Load(path string) (*Runtime, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	var script Script
	if err := yaml.Unmarshal(data, &script); err != nil {
		return nil, fmt.Errorf("parse script %s: %w", path, err)
	}
	return New(script.Responses...), nil
}

// Push queues more responses.
func (r *Runtime) Push(responses ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses = append(r.responses, responses...)
}

// Pending returns how many responses are still queued.
func (r *Runtime) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.responses)
}

func (r *Runtime) DecodeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.decodes
}

func (r *Runtime) InferCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.infers
}

func (r *Runtime) CommitCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.commits
}

// LastRequest returns the most recent generation request.
func (r *Runtime) LastRequest() llm.InferRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// NewContext implements llm.Runtime.
func (r *Runtime) NewContext(ctx context.Context) (llm.RuntimeContext, error) {
	return &Context{runtime: r}, nil
}

// Close implements llm.Runtime.
func (r *Runtime) Close() error { return nil }

func (r *Runtime) next(req llm.InferRequest) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.infers++
	r.last = req
	if r.Fail != nil {
		if err := r.Fail(r.infers); err != nil {
			return "", err
		}
	}
	if len(r.responses) == 0 {
		return "", ErrExhausted
	}
	out := r.responses[0]
	r.responses = r.responses[1:]
	return out, nil
}

// Context is one cache. Text stands in for tokens.
type Context struct {
	runtime   *Runtime
	mu        sync.Mutex
	committed string
	pending   string
	closed    bool
}

// Cache returns the committed cache contents.
func (c *Context) Cache() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.committed
}

// Decode implements llm.RuntimeContext.
func (c *Context) Decode(ctx context.Context, prompt string, onProgress func(float64)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("context closed")
	}
	c.committed = prompt
	c.pending = ""
	c.mu.Unlock()

	c.runtime.mu.Lock()
	c.runtime.decodes++
	c.runtime.mu.Unlock()

	if onProgress != nil {
		onProgress(1)
	}
	return nil
}

// Generate implements llm.RuntimeContext. Tokens are the response split after
// spaces; cancellation is checked between tokens.
func (c *Context) Generate(ctx context.Context, req llm.InferRequest, onToken func(string)) (llm.Usage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return llm.Usage{}, errors.New("context closed")
	}
	c.pending = ""
	if req.Prompt != nil {
		c.pending = *req.Prompt
	}
	promptTokens := len(strings.Fields(c.committed + c.pending))
	c.mu.Unlock()

	out, err := c.runtime.next(req)
	if err != nil {
		return llm.Usage{}, err
	}

	var produced strings.Builder
	count := 0
	tokens := strings.SplitAfter(out, " ")
	for i, token := range tokens {
		if req.MaxTokens > 0 && i >= req.MaxTokens {
			break
		}
		if err := ctx.Err(); err != nil {
			return llm.Usage{}, err
		}
		if token == "" {
			continue
		}
		produced.WriteString(token)
		count++
		if onToken != nil {
			onToken(token)
		}
	}

	c.mu.Lock()
	c.pending += produced.String()
	c.mu.Unlock()
	return llm.Usage{PromptTokens: promptTokens, OutputTokens: count}, nil
}

// Commit implements llm.RuntimeContext.
func (c *Context) Commit() error {
	c.mu.Lock()
	c.committed += c.pending
	c.pending = ""
	c.mu.Unlock()

	c.runtime.mu.Lock()
	c.runtime.commits++
	c.runtime.mu.Unlock()
	return nil
}

// Close implements llm.RuntimeContext.
func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

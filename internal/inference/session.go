// Package inference owns model sessions: one worker per session serializes
// decode, infer and commit against the backend's stateful cache, and the
// Manager reuses live sessions across steps by prompt hashing.
package inference

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	apperrors "github.com/Corphon/SceneWeaver/internal/errors"
	"github.com/Corphon/SceneWeaver/internal/llm"
	"github.com/Corphon/SceneWeaver/internal/utils"
)

var tracer = otel.Tracer("github.com/Corphon/SceneWeaver/internal/inference")

// abortTimeout bounds the out-of-band abort request sent to remote backends.
const abortTimeout = 5 * time.Second

// State is the session lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateIdle
	StateBusy
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type job struct {
	ctx    context.Context
	kind   string
	run    func(ctx context.Context) error
	result chan error
}

// Session is an exclusive handle to one backend session. All operations are
// executed one at a time by a private worker goroutine.
type Session struct {
	driver  llm.DriverConfig
	backend llm.Backend
	logger  *zap.Logger
	metrics *utils.InferenceMetrics

	mu    sync.Mutex
	id    string
	state State

	jobs    chan *job
	closing chan struct{}
	done    chan struct{}
}

func newSession(driver llm.DriverConfig, backend llm.Backend, logger *zap.Logger, metrics *utils.InferenceMetrics) *Session {
	return &Session{
		driver:  driver,
		backend: backend,
		logger:  logger,
		metrics: metrics,
		state:   StateUninitialized,
		jobs:    make(chan *job),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// start moves the session to Idle, creating a backend session unless id is
// already known to the backend.
func (s *Session) start(ctx context.Context, id string) error {
	s.mu.Lock()
	if s.state != StateUninitialized {
		s.mu.Unlock()
		return apperrors.NewContractError("session already started")
	}
	s.state = StateInitializing
	s.mu.Unlock()

	if id == "" {
		created, err := s.backend.CreateSession(ctx)
		if err != nil {
			s.mu.Lock()
			s.state = StateDestroyed
			s.mu.Unlock()
			close(s.done)
			return fmt.Errorf("create session: %w", err)
		}
		id = created
	}

	s.mu.Lock()
	s.id = id
	s.state = StateIdle
	s.mu.Unlock()
	s.logger = s.logger.With(zap.String("session_id", id), zap.String("driver", string(s.driver.Kind())))

	go s.loop()
	return nil
}

func (s *Session) loop() {
	defer close(s.done)
	for {
		// a sender can still be waiting on jobs after Destroy
		select {
		case <-s.closing:
			return
		default:
		}
		select {
		case j := <-s.jobs:
			if s.State() == StateDestroyed {
				j.result <- apperrors.NewContractError("session is destroyed")
				return
			}
			s.setState(StateBusy)
			started := time.Now()
			err := j.run(j.ctx)
			s.metrics.RecordJob(j.kind, time.Since(started), err)
			s.setState(StateIdle)
			j.result <- err
		case <-s.closing:
			return
		}
	}
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateDestroyed {
		s.state = state
	}
}

// ID returns the backend session id.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Driver returns the driver the session was created with.
func (s *Session) Driver() llm.DriverConfig { return s.driver }

func (s *Session) enqueue(ctx context.Context, kind string, run func(ctx context.Context) error) error {
	if s.State() == StateDestroyed {
		return apperrors.NewContractError("session is destroyed")
	}
	j := &job{ctx: ctx, kind: kind, run: run, result: make(chan error, 1)}
	select {
	case s.jobs <- j:
	case <-s.closing:
		return apperrors.NewContractError("session is destroyed")
	case <-ctx.Done():
		return apperrors.NewCanceledError(kind+" canceled before start", ctx.Err())
	}
	return <-j.result
}

// Decode replaces the backend cache with prompt.
func (s *Session) Decode(ctx context.Context, prompt string, onProgress func(float64)) error {
	ctx, span := tracer.Start(ctx, "inference.Decode", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.Int("prompt.length", len(prompt)))

	err := s.enqueue(ctx, "decode", func(ctx context.Context) error {
		return s.backend.Decode(ctx, s.ID(), prompt, onProgress)
	})
	if err != nil {
		err = canceled(ctx, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// Infer appends req.Prompt to the cache and generates. The generated text is
// provisional until Commit.
//
// An error after output has been produced is never retryable.
func (s *Session) Infer(ctx context.Context, req llm.InferRequest, onToken func(string)) (llm.InferResult, error) {
	ctx, span := tracer.Start(ctx, "inference.Infer", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.Int("max_tokens", req.MaxTokens))

	var result llm.InferResult
	err := s.enqueue(ctx, "infer", func(ctx context.Context) error {
		produced := false
		r, err := s.backend.Infer(ctx, s.ID(), req, func(token string) {
			produced = true
			if onToken != nil {
				onToken(token)
			}
		})
		result = r
		if err == nil {
			s.metrics.RecordTokens(r.Usage.OutputTokens)
			return nil
		}
		if ctx.Err() != nil {
			s.abort(ctx)
		}
		if produced && apperrors.IsRetryable(err) {
			s.logger.Warn("inference failed after partial output, not retrying", zap.Error(err))
			return apperrors.NonRetryable(err)
		}
		return err
	})
	if err != nil {
		err = canceled(ctx, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

// abort interrupts a cancelled generation. Local runtimes stop in place through
// the context; remote ones also need an out-of-band request.
func (s *Session) abort(ctx context.Context) {
	switch s.driver.(type) {
	case llm.LocalDriver:
	case llm.RemoteDriver:
		abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
		defer cancel()
		if err := s.backend.Abort(abortCtx, s.ID()); err != nil {
			s.logger.Warn("abort request failed", zap.Error(err))
		}
	}
}

// Commit makes the last generated text part of the cache.
func (s *Session) Commit(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "inference.Commit", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	err := s.enqueue(ctx, "commit", func(ctx context.Context) error {
		return s.backend.Commit(ctx, s.ID())
	})
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// Destroy waits for the in-flight job, stops the worker and releases the
// backend session. It is idempotent.
func (s *Session) Destroy(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateDestroyed:
		s.mu.Unlock()
		return nil
	case StateUninitialized:
		s.state = StateDestroyed
		s.mu.Unlock()
		return nil
	}
	s.state = StateDestroyed
	id := s.id
	close(s.closing)
	s.mu.Unlock()

	<-s.done
	s.logger.Debug("session destroyed")
	if id == "" {
		return nil
	}
	return s.backend.DestroySession(ctx, id)
}

func canceled(ctx context.Context, err error) error {
	if ctx.Err() == nil || apperrors.IsCanceled(err) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || apperrors.IsRetryable(err) {
		return apperrors.NewCanceledError("inference canceled", err)
	}
	return err
}

package inference

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	apperrors "github.com/Corphon/SceneWeaver/internal/errors"
	"github.com/Corphon/SceneWeaver/internal/llm"
	"github.com/Corphon/SceneWeaver/internal/llm/providers/local"
	"github.com/Corphon/SceneWeaver/internal/llm/providers/scripted"
	"github.com/Corphon/SceneWeaver/internal/utils"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testDriver = llm.LocalDriver{Runtime: scripted.Name, ModelPath: "test"}

func newScriptedManager(t *testing.T, rt *scripted.Runtime) *Manager {
	t.Helper()
	backend := local.NewWithRuntime(rt, zap.NewNop())
	m := NewManager(
		WithLogger(zap.NewNop()),
		WithMetrics(utils.NewMetricsCollector()),
		WithBackendFactory(func(llm.DriverConfig) (llm.Backend, error) { return backend, nil }),
	)
	t.Cleanup(func() { require.NoError(t, m.Close(context.Background())) })
	return m
}

func TestFindOrCreateSkipsDecodeWhenPromptUnchanged(t *testing.T) {
	rt := scripted.New("<bob> Hi.")
	m := newScriptedManager(t, rt)
	ctx := context.Background()

	session, ref, needDecode, err := m.FindOrCreate(ctx, testDriver, nil, "static", "dynamic")
	require.NoError(t, err)
	assert.True(t, needDecode)
	require.NoError(t, session.Decode(ctx, "static"+"dynamic", nil))
	assert.Equal(t, 1, rt.DecodeCount())

	again, ref2, needDecode, err := m.FindOrCreate(ctx, testDriver, &ref, "static", "dynamic")
	require.NoError(t, err)
	assert.False(t, needDecode)
	assert.Same(t, session, again)
	assert.Equal(t, ref.SessionID, ref2.SessionID)
	assert.Equal(t, 1, rt.DecodeCount(), "unchanged prompt must not decode")

	changed, _, needDecode, err := m.FindOrCreate(ctx, testDriver, &ref2, "static", "dynamic+more")
	require.NoError(t, err)
	assert.True(t, needDecode)
	assert.Same(t, session, changed)
	require.NoError(t, changed.Decode(ctx, "static"+"dynamic+more", nil))
	assert.Equal(t, 2, rt.DecodeCount(), "changed dynamic prompt decodes exactly once")

	prompt := "\n"
	result, err := changed.Infer(ctx, llm.InferRequest{Prompt: &prompt}, nil)
	require.NoError(t, err)
	assert.Equal(t, "<bob> Hi.", result.Text)
}

func TestFindOrCreateStaticChangeDestroysSession(t *testing.T) {
	m := newScriptedManager(t, scripted.New())
	ctx := context.Background()

	old, ref, _, err := m.FindOrCreate(ctx, testDriver, nil, "static", "")
	require.NoError(t, err)

	fresh, ref2, needDecode, err := m.FindOrCreate(ctx, testDriver, &ref, "other static", "")
	require.NoError(t, err)
	assert.True(t, needDecode)
	assert.NotEqual(t, ref.SessionID, ref2.SessionID)
	assert.Equal(t, StateDestroyed, old.State())
	assert.Equal(t, StateIdle, fresh.State())
}

func TestFindOrCreateDriverChangeDestroysSession(t *testing.T) {
	m := newScriptedManager(t, scripted.New())
	ctx := context.Background()

	old, ref, _, err := m.FindOrCreate(ctx, testDriver, nil, "static", "")
	require.NoError(t, err)

	other := llm.LocalDriver{Runtime: scripted.Name, ModelPath: "other"}
	_, ref2, needDecode, err := m.FindOrCreate(ctx, other, &ref, "static", "")
	require.NoError(t, err)
	assert.True(t, needDecode)
	assert.NotEqual(t, ref.SessionID, ref2.SessionID)
	assert.Equal(t, StateDestroyed, old.State())
}

func TestFindOrCreateAdoptsBackendSession(t *testing.T) {
	rt := scripted.New()
	backend := local.NewWithRuntime(rt, zap.NewNop())
	factory := WithBackendFactory(func(llm.DriverConfig) (llm.Backend, error) { return backend, nil })
	ctx := context.Background()

	first := NewManager(WithLogger(zap.NewNop()), factory)
	session, ref, _, err := first.FindOrCreate(ctx, testDriver, nil, "static", "dyn")
	require.NoError(t, err)
	require.NoError(t, session.Decode(ctx, "staticdyn", nil))

	// A second manager, as after a restart against a long-lived backend.
	second := NewManager(WithLogger(zap.NewNop()), factory)
	adopted, _, needDecode, err := second.FindOrCreate(ctx, testDriver, &ref, "static", "dyn")
	require.NoError(t, err)
	assert.False(t, needDecode)
	assert.Equal(t, ref.SessionID, adopted.ID())
	assert.Equal(t, 1, rt.DecodeCount())

	require.NoError(t, second.Destroy(ctx, adopted))
	require.NoError(t, first.Close(ctx))
	require.NoError(t, second.Close(ctx))
}

// fakeBackend records concurrency and lets tests control Infer.
type fakeBackend struct {
	inFlight    int32
	maxInFlight int32
	aborts      int32
	destroyed   int32

	infer func(ctx context.Context, onToken func(string)) (llm.InferResult, error)
}

func (f *fakeBackend) CreateSession(ctx context.Context) (string, error) { return "fake", nil }
func (f *fakeBackend) HasSession(ctx context.Context, id string) (bool, error) {
	return true, nil
}
func (f *fakeBackend) Decode(ctx context.Context, id, prompt string, onProgress func(float64)) error {
	return nil
}
func (f *fakeBackend) Infer(ctx context.Context, id string, req llm.InferRequest, onToken func(string)) (llm.InferResult, error) {
	n := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		seen := atomic.LoadInt32(&f.maxInFlight)
		if n <= seen || atomic.CompareAndSwapInt32(&f.maxInFlight, seen, n) {
			break
		}
	}
	return f.infer(ctx, onToken)
}
func (f *fakeBackend) Commit(ctx context.Context, id string) error { return nil }
func (f *fakeBackend) Abort(ctx context.Context, id string) error {
	atomic.AddInt32(&f.aborts, 1)
	return nil
}
func (f *fakeBackend) DestroySession(ctx context.Context, id string) error {
	atomic.AddInt32(&f.destroyed, 1)
	return nil
}
func (f *fakeBackend) Close() error { return nil }

func startFake(t *testing.T, driver llm.DriverConfig, f *fakeBackend) *Session {
	t.Helper()
	s := newSession(driver, f, zap.NewNop(), utils.NewInferenceMetrics(utils.NewMetricsCollector(), zap.NewNop()))
	require.NoError(t, s.start(context.Background(), ""))
	return s
}

func TestSessionRunsOneJobAtATime(t *testing.T) {
	f := &fakeBackend{infer: func(ctx context.Context, onToken func(string)) (llm.InferResult, error) {
		time.Sleep(2 * time.Millisecond)
		return llm.InferResult{Text: "ok"}, nil
	}}
	s := startFake(t, testDriver, f)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Infer(context.Background(), llm.InferRequest{}, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&f.maxInFlight))
	require.NoError(t, s.Destroy(context.Background()))
}

func TestDestroyWaitsForInFlightJob(t *testing.T) {
	release := make(chan struct{})
	f := &fakeBackend{infer: func(ctx context.Context, onToken func(string)) (llm.InferResult, error) {
		<-release
		return llm.InferResult{}, nil
	}}
	s := startFake(t, testDriver, f)

	inferDone := make(chan struct{})
	go func() {
		defer close(inferDone)
		_, _ = s.Infer(context.Background(), llm.InferRequest{}, nil)
	}()
	require.Eventually(t, func() bool { return s.State() == StateBusy }, time.Second, time.Millisecond)

	destroyDone := make(chan struct{})
	go func() {
		defer close(destroyDone)
		assert.NoError(t, s.Destroy(context.Background()))
	}()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&f.destroyed), "backend released while busy")

	close(release)
	<-inferDone
	<-destroyDone
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.destroyed))
	assert.Equal(t, StateDestroyed, s.State())

	_, err := s.Infer(context.Background(), llm.InferRequest{}, nil)
	assert.True(t, apperrors.IsContractError(err))
}

func TestDestroySkipsQueuedJobs(t *testing.T) {
	release := make(chan struct{})
	var calls int32
	f := &fakeBackend{infer: func(ctx context.Context, onToken func(string)) (llm.InferResult, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			<-release
		}
		return llm.InferResult{}, nil
	}}
	s := startFake(t, testDriver, f)

	firstDone := make(chan error, 1)
	go func() {
		_, err := s.Infer(context.Background(), llm.InferRequest{}, nil)
		firstDone <- err
	}()
	require.Eventually(t, func() bool { return s.State() == StateBusy }, time.Second, time.Millisecond)

	queuedDone := make(chan error, 1)
	go func() {
		_, err := s.Infer(context.Background(), llm.InferRequest{}, nil)
		queuedDone <- err
	}()
	time.Sleep(10 * time.Millisecond)

	destroyDone := make(chan struct{})
	go func() {
		defer close(destroyDone)
		assert.NoError(t, s.Destroy(context.Background()))
	}()
	require.Eventually(t, func() bool { return s.State() == StateDestroyed }, time.Second, time.Millisecond)

	close(release)
	assert.NoError(t, <-firstDone)
	assert.True(t, apperrors.IsContractError(<-queuedDone))
	<-destroyDone
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "queued job ran after destroy")
}

func blockUntilCanceled(ctx context.Context, onToken func(string)) (llm.InferResult, error) {
	<-ctx.Done()
	return llm.InferResult{}, ctx.Err()
}

func TestRemoteCancelSendsAbort(t *testing.T) {
	f := &fakeBackend{infer: blockUntilCanceled}
	s := startFake(t, llm.RemoteDriver{BaseURL: "http://gpu"}, f)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	_, err := s.Infer(ctx, llm.InferRequest{}, nil)
	assert.True(t, apperrors.IsCanceled(err), "got %v", err)
	assert.False(t, apperrors.IsRetryable(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.aborts))
	require.NoError(t, s.Destroy(context.Background()))
}

func TestLocalCancelInterruptsInPlace(t *testing.T) {
	f := &fakeBackend{infer: blockUntilCanceled}
	s := startFake(t, testDriver, f)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err := s.Infer(ctx, llm.InferRequest{}, nil)
	assert.True(t, apperrors.IsCanceled(err))
	assert.Equal(t, int32(0), atomic.LoadInt32(&f.aborts))
	require.NoError(t, s.Destroy(context.Background()))
}

func TestPartialOutputIsNotRetried(t *testing.T) {
	calls := 0
	f := &fakeBackend{infer: func(ctx context.Context, onToken func(string)) (llm.InferResult, error) {
		calls++
		onToken("<bob> Hel")
		return llm.InferResult{Text: "<bob> Hel"}, apperrors.NewTransientError("connection reset", nil)
	}}
	s := startFake(t, testDriver, f)

	cfg := RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
	_, err := Retry(context.Background(), cfg, zap.NewNop(), func(ctx context.Context) (llm.InferResult, error) {
		return s.Infer(ctx, llm.InferRequest{}, nil)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	require.NoError(t, s.Destroy(context.Background()))
}

func TestRetryTransientThenSuccess(t *testing.T) {
	calls := 0
	cfg := RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
	got, err := Retry(context.Background(), cfg, zap.NewNop(), func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", apperrors.NewTransientError("timeout", nil)
		}
		return "done", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "done", got)
	assert.Equal(t, 3, calls)
}

func TestRetryGivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	cfg := RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
	_, err := Retry(context.Background(), cfg, zap.NewNop(), func(ctx context.Context) (int, error) {
		calls++
		return 0, apperrors.NewTransientError("down", nil)
	})
	require.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	calls := 0
	cfg := RetryConfig{MaxAttempts: 5, InitialBackoff: time.Millisecond}
	_, err := Retry(context.Background(), cfg, zap.NewNop(), func(ctx context.Context) (int, error) {
		calls++
		return 0, apperrors.NewSemanticError("bad output", errors.New("parse"))
	})
	assert.True(t, apperrors.IsSemanticError(err))
	assert.Equal(t, 1, calls)
}

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "github.com/Corphon/SceneWeaver/internal/errors"
	"github.com/Corphon/SceneWeaver/internal/llm"
	"github.com/Corphon/SceneWeaver/internal/llm/providers/local"
	"github.com/Corphon/SceneWeaver/internal/llm/providers/remote"
	"github.com/Corphon/SceneWeaver/internal/llm/providers/scripted"
	"github.com/Corphon/SceneWeaver/internal/utils"
)

func newGatewayServer(t *testing.T, rt llm.Runtime) (*httptest.Server, *remote.Backend, *utils.MetricsCollector) {
	t.Helper()
	metrics := utils.NewMetricsCollector()
	backend := local.NewWithRuntime(rt, zap.NewNop())
	gw := NewGateway(backend, zap.NewNop(), metrics)
	srv := httptest.NewServer(SetupRouter(gw, RouterOptions{}))

	client, err := remote.New(llm.RemoteDriver{BaseURL: srv.URL, ModelID: "test-model"}, remote.WithLogger(zap.NewNop()))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.Close()
		srv.Close()
		_ = backend.Close()
	})
	return srv, client, metrics
}

func TestGatewayRoundTrip(t *testing.T) {
	rt := scripted.New("Mia waves at Leo")
	_, client, metrics := newGatewayServer(t, rt)
	ctx := context.Background()

	id, err := client.CreateSession(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	ok, err := client.HasSession(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	var progress []float64
	require.NoError(t, client.Decode(ctx, id, "## Story\n", func(p float64) { progress = append(progress, p) }))
	assert.Equal(t, []float64{1}, progress)

	prompt := "\n"
	var tokens []string
	result, err := client.Infer(ctx, id, llm.InferRequest{Prompt: &prompt, MaxTokens: 16, Grammar: "root ::= \"x\""},
		func(tok string) { tokens = append(tokens, tok) })
	require.NoError(t, err)
	assert.Equal(t, "Mia waves at Leo", result.Text)
	assert.Equal(t, []string{"Mia ", "waves ", "at ", "Leo"}, tokens)
	assert.Equal(t, 4, result.Usage.OutputTokens)
	assert.Equal(t, "root ::= \"x\"", rt.LastRequest().Grammar)
	assert.Equal(t, 16, rt.LastRequest().MaxTokens)

	require.NoError(t, client.Commit(ctx, id))
	assert.Equal(t, 1, rt.CommitCount())

	require.NoError(t, client.DestroySession(ctx, id))
	ok, err = client.HasSession(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, int64(0), metrics.GetGauge("gateway.sessions"))
}

func TestGatewayUnknownSession(t *testing.T) {
	_, client, _ := newGatewayServer(t, scripted.New())
	ctx := context.Background()

	ok, err := client.HasSession(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	err = client.Decode(ctx, "missing", "prompt", nil)
	assert.True(t, apperrors.IsNotFoundError(err))
	assert.False(t, apperrors.IsRetryable(err))

	_, err = client.Infer(ctx, "missing", llm.InferRequest{}, nil)
	assert.True(t, apperrors.IsNotFoundError(err))

	err = client.Commit(ctx, "missing")
	assert.True(t, apperrors.IsNotFoundError(err))

	// Destroying an unknown session is not an error.
	assert.NoError(t, client.DestroySession(ctx, "missing"))
}

func TestGatewayInferErrorIsTerminalFrame(t *testing.T) {
	_, client, _ := newGatewayServer(t, scripted.New())
	ctx := context.Background()

	id, err := client.CreateSession(ctx)
	require.NoError(t, err)

	_, err = client.Infer(ctx, id, llm.InferRequest{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no responses left")
	assert.False(t, apperrors.IsRetryable(err))
}

type blockingRuntime struct {
	started chan struct{}
	once    sync.Once
}

func (r *blockingRuntime) NewContext(ctx context.Context) (llm.RuntimeContext, error) {
	return &blockingContext{runtime: r}, nil
}

func (r *blockingRuntime) Close() error { return nil }

type blockingContext struct {
	runtime *blockingRuntime
}

func (c *blockingContext) Decode(ctx context.Context, prompt string, onProgress func(float64)) error {
	return nil
}

func (c *blockingContext) Generate(ctx context.Context, req llm.InferRequest, onToken func(string)) (llm.Usage, error) {
	onToken("partial ")
	c.runtime.once.Do(func() { close(c.runtime.started) })
	<-ctx.Done()
	return llm.Usage{}, ctx.Err()
}

func (c *blockingContext) Commit() error { return nil }
func (c *blockingContext) Close() error  { return nil }

func TestGatewayAbortInterruptsInfer(t *testing.T) {
	rt := &blockingRuntime{started: make(chan struct{})}
	_, client, _ := newGatewayServer(t, rt)
	ctx := context.Background()

	id, err := client.CreateSession(ctx)
	require.NoError(t, err)

	type outcome struct {
		result llm.InferResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := client.Infer(ctx, id, llm.InferRequest{}, nil)
		done <- outcome{result, err}
	}()

	select {
	case <-rt.started:
	case <-time.After(5 * time.Second):
		t.Fatal("inference never started")
	}
	require.NoError(t, client.Abort(ctx, id))

	select {
	case out := <-done:
		assert.True(t, apperrors.IsCanceled(out.err), "got %v", out.err)
	case <-time.After(5 * time.Second):
		t.Fatal("abort did not end the stream")
	}
}

func TestGatewayRejectsConcurrentUseOfASession(t *testing.T) {
	rt := &blockingRuntime{started: make(chan struct{})}
	_, client, _ := newGatewayServer(t, rt)
	ctx := context.Background()

	id, err := client.CreateSession(ctx)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := client.Infer(ctx, id, llm.InferRequest{}, nil)
		done <- err
	}()
	select {
	case <-rt.started:
	case <-time.After(5 * time.Second):
		t.Fatal("inference never started")
	}

	_, err = client.Infer(ctx, id, llm.InferRequest{}, nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err), "got %v", err)
	assert.ErrorContains(t, err, "409")

	err = client.Decode(ctx, id, "prompt", nil)
	assert.ErrorContains(t, err, "409")

	err = client.Commit(ctx, id)
	assert.ErrorContains(t, err, "409")

	require.NoError(t, client.Abort(ctx, id))
	select {
	case err := <-done:
		assert.True(t, apperrors.IsCanceled(err), "got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("abort did not end the stream")
	}

	// the session is released once the stream has fully closed
	assert.Eventually(t, func() bool { return client.Commit(ctx, id) == nil }, 5*time.Second, 10*time.Millisecond)
}

func TestGatewayRejectsMalformedStreamRequest(t *testing.T) {
	srv, client, _ := newGatewayServer(t, scripted.New())
	id, err := client.CreateSession(context.Background())
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/sessions/" + id + "/infer"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	var frame llm.Frame
	require.NoError(t, conn.ReadJSON(&frame))
	require.NotNil(t, frame.Error)
	assert.Equal(t, ErrorStreamRequest, frame.Error.Code)
	assert.True(t, frame.Terminal())
}

func TestGatewayHealthAndMetrics(t *testing.T) {
	srv, client, _ := newGatewayServer(t, scripted.New())
	_, err := client.CreateSession(context.Background())
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	var body APIResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body.Success)
	health, ok := body.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, health["runtimes"], scripted.Name)

	mresp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer mresp.Body.Close()
	var snapshot map[string]interface{}
	require.NoError(t, json.NewDecoder(mresp.Body).Decode(&snapshot))
	assert.NotEmpty(t, snapshot)
}

func TestRateLimiterWindow(t *testing.T) {
	rl := NewRateLimiter(2, time.Hour)

	ok, remaining, _ := rl.Allow("1.2.3.4")
	assert.True(t, ok)
	assert.Equal(t, 1, remaining)
	ok, _, _ = rl.Allow("1.2.3.4")
	assert.True(t, ok)
	ok, _, _ = rl.Allow("1.2.3.4")
	assert.False(t, ok)

	ok, _, _ = rl.Allow("5.6.7.8")
	assert.True(t, ok, "limits are per client")
}

func TestStatusForMapsErrorTypes(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{apperrors.NewNotFoundError("x", nil), http.StatusNotFound},
		{apperrors.NewValidationError("x", nil), http.StatusBadRequest},
		{apperrors.NewBusyError("x"), http.StatusConflict},
		{apperrors.NewTransientError("x", nil), http.StatusServiceUnavailable},
		{context.Canceled, http.StatusServiceUnavailable},
		{assert.AnError, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		status, _ := statusFor(tc.err)
		assert.Equal(t, tc.status, status, "%v", tc.err)
	}
}

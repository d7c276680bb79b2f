// internal/api/gateway.go
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/Corphon/SceneWeaver/internal/errors"
	"github.com/Corphon/SceneWeaver/internal/llm"
	"github.com/Corphon/SceneWeaver/internal/llm/providers/remote"
	"github.com/Corphon/SceneWeaver/internal/services"
	"github.com/Corphon/SceneWeaver/internal/utils"
)

// Gateway 通过 HTTP 和 websocket 帧流暴露一个本地后端，
// 与 remote 后端的线协议一一对应。
// 同一会话同时只允许一个流或提交，其余请求得到 409。
type Gateway struct {
	backend llm.Backend
	logger  *zap.Logger
	metrics *utils.MetricsCollector
	rh      *ResponseHelper
	busy    *services.LockManager
}

// NewGateway 创建网关处理器
func NewGateway(backend llm.Backend, logger *zap.Logger, metrics *utils.MetricsCollector) *Gateway {
	if logger == nil {
		logger = utils.GetLogger()
	}
	if metrics == nil {
		metrics = utils.GetMetricsCollector()
	}
	return &Gateway{
		backend: backend,
		logger:  logger.Named("gateway"),
		metrics: metrics,
		rh:      NewResponseHelper(),
		busy:    services.NewLockManager(),
	}
}

// CreateSession POST /v1/sessions
func (g *Gateway) CreateSession(c *gin.Context) {
	var req remote.CreateSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			g.rh.BadRequest(c, "invalid session request", err.Error())
			return
		}
	}
	id, err := g.backend.CreateSession(c.Request.Context())
	if err != nil {
		g.logger.Warn("create session failed", zap.Error(err))
		g.rh.FromError(c, err)
		return
	}
	g.metrics.IncGauge("gateway.sessions")
	g.logger.Info("session created", zap.String("session_id", id), zap.String("model_id", req.ModelID))
	g.rh.Created(c, remote.SessionInfo{SessionID: id})
}

// GetSession GET /v1/sessions/:id
func (g *Gateway) GetSession(c *gin.Context) {
	id := c.Param("id")
	if !g.requireSession(c, id) {
		return
	}
	g.rh.Success(c, remote.SessionInfo{SessionID: id})
}

// DeleteSession DELETE /v1/sessions/:id
func (g *Gateway) DeleteSession(c *gin.Context) {
	id := c.Param("id")
	if !g.requireSession(c, id) {
		return
	}
	if err := g.backend.DestroySession(c.Request.Context(), id); err != nil {
		g.rh.FromError(c, err)
		return
	}
	g.metrics.DecGauge("gateway.sessions")
	g.logger.Info("session destroyed", zap.String("session_id", id))
	g.rh.Success(c, remote.SessionInfo{SessionID: id})
}

// Commit POST /v1/sessions/:id/commit
func (g *Gateway) Commit(c *gin.Context) {
	id := c.Param("id")
	release, err := g.busy.TryAcquire(id, "commit")
	if err != nil {
		g.rh.FromError(c, err)
		return
	}
	defer release()
	if err := g.backend.Commit(c.Request.Context(), id); err != nil {
		g.rh.FromError(c, err)
		return
	}
	g.rh.Success(c, remote.SessionInfo{SessionID: id})
}

// Abort POST /v1/sessions/:id/abort 中断进行中的推理
func (g *Gateway) Abort(c *gin.Context) {
	id := c.Param("id")
	if err := g.backend.Abort(c.Request.Context(), id); err != nil {
		g.rh.FromError(c, err)
		return
	}
	g.logger.Debug("inference aborted", zap.String("session_id", id))
	g.rh.Success(c, remote.SessionInfo{SessionID: id})
}

// Decode GET /v1/sessions/:id/decode (websocket)
func (g *Gateway) Decode(c *gin.Context) {
	var req llm.DecodeRequest
	g.serveStream(c, "decode", &req, func(ctx context.Context, id string, s *frameStream) (llm.Usage, error) {
		err := g.backend.Decode(ctx, id, req.Prompt, func(p float64) {
			_ = s.send(llm.ProgressFrame(p))
		})
		return llm.Usage{}, err
	})
}

// Infer GET /v1/sessions/:id/infer (websocket)
func (g *Gateway) Infer(c *gin.Context) {
	var req llm.InferRequest
	g.serveStream(c, "infer", &req, func(ctx context.Context, id string, s *frameStream) (llm.Usage, error) {
		result, err := g.backend.Infer(ctx, id, req, func(token string) {
			_ = s.send(llm.TokenFrame(token))
		})
		return result.Usage, err
	})
}

type streamFunc func(ctx context.Context, sessionID string, s *frameStream) (llm.Usage, error)

// serveStream 升级连接，读取一条请求，运行后端并以一个终止帧结束
func (g *Gateway) serveStream(c *gin.Context, op string, req interface{}, run streamFunc) {
	id := c.Param("id")
	if !g.requireSession(c, id) {
		return
	}
	release, err := g.busy.TryAcquire(id, op)
	if err != nil {
		g.logger.Debug("session busy", zap.String("op", op), zap.String("session_id", id), zap.Error(err))
		g.rh.FromError(c, err)
		return
	}
	defer release()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.String("op", op), zap.Error(err))
		return
	}
	s := newFrameStream(conn)

	if err := conn.ReadJSON(req); err != nil {
		_ = s.send(llm.ErrorFrame(&llm.FrameError{Code: ErrorStreamRequest, Message: err.Error()}))
		s.close(false)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.watch(cancel)
	defer s.close(true)

	start := time.Now()
	g.metrics.IncrementCounter("gateway." + op)
	usage, err := run(ctx, id, s)
	g.metrics.RecordHistogram("gateway."+op+"_ms", time.Since(start).Milliseconds())

	if err != nil {
		g.logger.Debug("stream failed",
			zap.String("op", op),
			zap.String("session_id", id),
			zap.Error(err))
		_ = s.send(llm.ErrorFrame(frameErrorFor(err)))
		return
	}
	_ = s.send(llm.EpilogueFrame(llm.Epilogue{SessionID: id, Usage: usage}))
}

// frameErrorFor 把后端错误转成终止错误帧
func frameErrorFor(err error) *llm.FrameError {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return &llm.FrameError{Code: appErr.Code, Message: err.Error(), Retryable: appErr.Retryable}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &llm.FrameError{Code: apperrors.CodeFor(apperrors.ErrorTypeCanceled), Message: err.Error()}
	}
	return &llm.FrameError{Code: apperrors.CodeFor(apperrors.ErrorTypeError), Message: err.Error()}
}

// requireSession 会话不存在时写 404 并返回 false
func (g *Gateway) requireSession(c *gin.Context, id string) bool {
	ok, err := g.backend.HasSession(c.Request.Context(), id)
	if err != nil {
		g.rh.FromError(c, err)
		return false
	}
	if !ok {
		g.rh.NotFound(c, "session", id)
		return false
	}
	return true
}

// Health GET /healthz
func (g *Gateway) Health(c *gin.Context) {
	g.rh.Success(c, gin.H{
		"status":   "ok",
		"sessions": g.metrics.GetGauge("gateway.sessions"),
		"runtimes": llm.ListRuntimes(),
		"time":     time.Now().UTC().Format(time.RFC3339),
	})
}

// Metrics GET /metrics
func (g *Gateway) Metrics(c *gin.Context) {
	c.JSON(http.StatusOK, g.metrics.GetMetrics())
}

// internal/app/app.go
package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Corphon/SceneWeaver/internal/config"
	"github.com/Corphon/SceneWeaver/internal/di"
	apperrors "github.com/Corphon/SceneWeaver/internal/errors"
	"github.com/Corphon/SceneWeaver/internal/inference"
	"github.com/Corphon/SceneWeaver/internal/models"
	"github.com/Corphon/SceneWeaver/internal/services"
	"github.com/Corphon/SceneWeaver/internal/storage"
	"github.com/Corphon/SceneWeaver/internal/telemetry"
	"github.com/Corphon/SceneWeaver/internal/utils"
)

// 容器中的服务名
const (
	ServiceConfig      = "config"
	ServiceStore       = "store"
	ServiceInference   = "inference"
	ServiceWriter      = "writer"
	ServiceDirector    = "director"
	ServiceLocks       = "locks"
	ServiceSimulations = "simulations"
	ServiceScenarios   = "scenarios"
)

// App 组合根：持有配置、存储、推理会话管理器和各服务
type App struct {
	container *di.Container
	logger    *zap.Logger
	tracing   telemetry.Shutdown

	mu       sync.Mutex
	branches map[string]*services.StoryBranchService
}

type options struct {
	logger  *zap.Logger
	factory inference.BackendFactory
}

// Option 应用选项
type Option func(*options)

// WithLogger 使用给定日志，不再按配置初始化
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithBackendFactory 替换推理后端的创建方式
func WithBackendFactory(f inference.BackendFactory) Option {
	return func(o *options) { o.factory = f }
}

// New 按依赖顺序初始化所有服务
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}

	logger := o.logger
	if logger == nil {
		var err error
		logger, err = utils.InitLogger(utils.LogOptions{File: cfg.LogFile, Level: cfg.LogLevel, Debug: cfg.Debug})
		if err != nil {
			return nil, fmt.Errorf("初始化日志失败: %w", err)
		}
	}

	tracing, err := telemetry.Setup(ctx, telemetry.Options{
		Enabled:     cfg.OTelEnabled,
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: "sceneweaver",
	})
	if err != nil {
		return nil, fmt.Errorf("初始化追踪失败: %w", err)
	}

	store, err := storage.Open(cfg.DBPath)
	if err != nil {
		_ = tracing(ctx)
		return nil, err
	}

	managerOpts := []inference.Option{
		inference.WithLogger(logger),
		inference.WithMetrics(utils.GetMetricsCollector()),
	}
	if o.factory != nil {
		managerOpts = append(managerOpts, inference.WithBackendFactory(o.factory))
	}
	manager := inference.NewManager(managerOpts...)

	writerOpts, err := agentOptions(cfg, cfg.Agents.Writer, 0)
	if err != nil {
		_ = store.Close()
		_ = tracing(ctx)
		return nil, fmt.Errorf("writer: %w", err)
	}
	directorOpts, err := agentOptions(cfg, cfg.Agents.Director, cfg.DirectorAttempts)
	if err != nil {
		_ = store.Close()
		_ = tracing(ctx)
		return nil, fmt.Errorf("director: %w", err)
	}

	container := di.NewContainer()
	container.Register(ServiceConfig, cfg)
	container.Register(ServiceStore, store)
	container.Register(ServiceInference, manager)
	container.Register(ServiceWriter, services.NewWriterAgent(manager, store, writerOpts, logger))
	container.Register(ServiceDirector, services.NewDirectorAgent(manager, store, directorOpts, logger))
	container.Register(ServiceLocks, services.NewLockManager())
	container.Register(ServiceSimulations, services.NewSimulationService(store, logger))
	container.Register(ServiceScenarios, storage.NewScenarioLoader(cfg.ScenarioDir, 0, 0))

	logger.Info("application initialized",
		zap.String("db", cfg.DBPath),
		zap.String("scenarios", cfg.ScenarioDir),
		zap.Strings("services", container.GetNames()))

	return &App{
		container: container,
		logger:    logger,
		tracing:   tracing,
		branches:  make(map[string]*services.StoryBranchService),
	}, nil
}

func agentOptions(cfg *config.Config, ac config.AgentConfig, semanticAttempts int) (services.AgentOptions, error) {
	driver, err := ac.DriverConfig()
	if err != nil {
		return services.AgentOptions{}, err
	}
	retry := inference.DefaultRetryConfig()
	retry.MaxAttempts = cfg.RetryAttempts
	return services.AgentOptions{
		Driver:           driver,
		MaxTokens:        ac.MaxTokens,
		Sampling:         ac.Sampling(),
		Retry:            retry,
		SemanticAttempts: semanticAttempts,
	}, nil
}

// Container 返回依赖注入容器
func (a *App) Container() *di.Container { return a.container }

// Logger 返回应用日志
func (a *App) Logger() *zap.Logger { return a.logger }

// Config 返回配置
func (a *App) Config() *config.Config {
	return di.MustResolve[*config.Config](a.container, ServiceConfig)
}

// Store 返回存储
func (a *App) Store() *storage.Store {
	return di.MustResolve[*storage.Store](a.container, ServiceStore)
}

// Simulations 返回模拟服务
func (a *App) Simulations() *services.SimulationService {
	return di.MustResolve[*services.SimulationService](a.container, ServiceSimulations)
}

// Scenarios 返回剧本加载器
func (a *App) Scenarios() *storage.ScenarioLoader {
	return di.MustResolve[*storage.ScenarioLoader](a.container, ServiceScenarios)
}

// CreateSimulation 从剧本目录加载剧本并新建模拟。剧本ID必须与文件名一致，
// 之后打开模拟时按ID找回剧本。
func (a *App) CreateSimulation(ctx context.Context, scenarioName string) (*models.Simulation, error) {
	scenario, err := a.Scenarios().Load(scenarioName)
	if err != nil {
		return nil, err
	}
	base := filepath.Base(scenarioName)
	if stem := strings.TrimSuffix(base, filepath.Ext(base)); scenario.ID != stem {
		return nil, apperrors.NewValidationError(
			fmt.Sprintf("scenario id %q does not match file name %q", scenario.ID, stem), nil)
	}
	return a.Simulations().Create(ctx, scenario)
}

// Branch 返回模拟的分支服务，同一进程内复用
func (a *App) Branch(ctx context.Context, simulationID string) (*services.StoryBranchService, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if branch, ok := a.branches[simulationID]; ok {
		return branch, nil
	}

	sim, err := a.Simulations().Get(ctx, simulationID)
	if err != nil {
		return nil, err
	}
	scenario, err := a.Scenarios().Load(sim.ScenarioID)
	if err != nil {
		return nil, fmt.Errorf("simulation %s: %w", simulationID, err)
	}

	cfg := a.Config()
	branch, err := services.OpenStoryBranch(ctx, services.BranchDeps{
		Store:    a.Store(),
		Scenario: scenario,
		Writer:   di.MustResolve[*services.WriterAgent](a.container, ServiceWriter),
		Director: di.MustResolve[*services.DirectorAgent](a.container, ServiceDirector),
		Locks:    di.MustResolve[*services.LockManager](a.container, ServiceLocks),
		Logger:   a.logger,
		Config: services.BranchConfig{
			HistoryPage:   cfg.HistoryPage,
			FuturePage:    cfg.FuturePage,
			SummaryTokens: cfg.SummaryTokens,
		},
	}, simulationID)
	if err != nil {
		return nil, err
	}
	a.branches[simulationID] = branch
	return branch, nil
}

// Close 依次关闭推理会话、存储和追踪
func (a *App) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var errs []error
	manager := di.MustResolve[*inference.Manager](a.container, ServiceInference)
	if err := manager.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close inference: %w", err))
	}
	if err := a.Store().Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	if err := a.tracing(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flush traces: %w", err))
	}
	_ = a.logger.Sync()
	return errors.Join(errs...)
}

// internal/services/simulation_service.go
package services

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	apperrors "github.com/Corphon/SceneWeaver/internal/errors"
	"github.com/Corphon/SceneWeaver/internal/models"
	"github.com/Corphon/SceneWeaver/internal/stage"
	"github.com/Corphon/SceneWeaver/internal/storage"
	"github.com/Corphon/SceneWeaver/internal/utils"
)

// SimulationService 创建、列出和删除模拟
type SimulationService struct {
	store  *storage.Store
	logger *zap.Logger
}

// NewSimulationService 创建模拟服务
func NewSimulationService(store *storage.Store, logger *zap.Logger) *SimulationService {
	if logger == nil {
		logger = utils.GetLogger()
	}
	return &SimulationService{store: store, logger: logger.Named("simulations")}
}

// Create 新建模拟及其根检查点。根检查点的舞台是剧本的起始舞台，
// 有起始片段时同时记录片段进度。
func (s *SimulationService) Create(ctx context.Context, scenario *models.Scenario) (*models.Simulation, error) {
	if scenario == nil || scenario.ID == "" {
		return nil, apperrors.NewValidationError("scenario is required", nil)
	}
	initial := scenario.InitialState()
	if !scenario.HasScene(initial.SceneID) {
		return nil, apperrors.NewValidationError(fmt.Sprintf("unknown start scene %q", initial.SceneID), nil)
	}
	start := make(models.Commands, 0, len(initial.Characters))
	for _, c := range initial.Characters {
		start = append(start, models.AddCharacter{CharacterID: c.ID, OutfitID: c.OutfitID, ExpressionID: c.ExpressionID})
	}
	if err := stage.CheckScenario(scenario, start); err != nil {
		return nil, err
	}

	sim := &models.Simulation{ScenarioID: scenario.ID}
	if initial.CurrentEpisode != nil {
		id := initial.CurrentEpisode.ID
		sim.StarterEpisodeID = &id
	}
	root := &models.Checkpoint{State: initial}

	err := s.store.WithTx(ctx, func(q *storage.Queries) error {
		if err := q.CreateSimulation(ctx, sim); err != nil {
			return err
		}
		root.SimulationID = sim.ID
		return q.UpsertCheckpoint(ctx, root)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("simulation created",
		zap.String("simulation_id", sim.ID),
		zap.String("scenario_id", scenario.ID),
		zap.String("root_checkpoint_id", root.ID))
	return sim, nil
}

// Get 读取模拟
func (s *SimulationService) Get(ctx context.Context, id string) (*models.Simulation, error) {
	return s.store.GetSimulation(ctx, id)
}

// List 列出所有模拟
func (s *SimulationService) List(ctx context.Context) ([]models.Simulation, error) {
	return s.store.ListSimulations(ctx)
}

// Delete 删除模拟及其全部更新、检查点和会话引用
func (s *SimulationService) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteSimulation(ctx, id); err != nil {
		return err
	}
	s.logger.Info("simulation deleted", zap.String("simulation_id", id))
	return nil
}

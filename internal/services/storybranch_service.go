// internal/services/storybranch_service.go
package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	apperrors "github.com/Corphon/SceneWeaver/internal/errors"
	"github.com/Corphon/SceneWeaver/internal/models"
	"github.com/Corphon/SceneWeaver/internal/stage"
	"github.com/Corphon/SceneWeaver/internal/storage"
	"github.com/Corphon/SceneWeaver/internal/utils"
)

var tracer = otel.Tracer("github.com/Corphon/SceneWeaver/internal/services")

// Variant 同一位置上的一个分支：写手更新、生效的导演更新，以及执行后的舞台缓存
type Variant struct {
	Writer   models.WriterUpdate
	Director *models.DirectorUpdate
	// State 执行该变体后的舞台，未计算时为 nil
	State *models.StateSnapshot
}

// Code 生效的导演命令
func (v *Variant) Code() models.Commands {
	if v.Director == nil {
		return nil
	}
	return v.Director.Code
}

// Update 树上的一个位置：共享父节点的所有变体和当前选中的那个
type Update struct {
	ParentID *string
	Variants []Variant
	Chosen   int
}

// ChosenVariant 返回选中的变体
func (u *Update) ChosenVariant() (*Variant, error) {
	if u.Chosen < 0 || u.Chosen >= len(u.Variants) {
		return nil, apperrors.NewContractError(fmt.Sprintf("update has no chosen variant (%d of %d)", u.Chosen, len(u.Variants)))
	}
	return &u.Variants[u.Chosen], nil
}

func (u *Update) chosen() *Variant {
	v, err := u.ChosenVariant()
	if err != nil {
		panic(err)
	}
	return v
}

func (u *Update) clone() Update {
	out := Update{ParentID: u.ParentID, Chosen: u.Chosen, Variants: make([]Variant, len(u.Variants))}
	for i, v := range u.Variants {
		out.Variants[i] = v
		if v.State != nil {
			state := v.State.Clone()
			out.Variants[i].State = &state
		}
	}
	return out
}

// EventKind 变更通知类型
type EventKind string

const (
	EventBusy    EventKind = "busy"
	EventToken   EventKind = "token"
	EventUpdated EventKind = "updated"
	EventFailed  EventKind = "failed"
)

// Event 模拟状态变化通知
type Event struct {
	Kind         EventKind `json:"kind"`
	SimulationID string    `json:"simulationId"`
	Operation    string    `json:"operation,omitempty"`
	Text         string    `json:"text,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// BranchConfig 窗口分页和摘要预算
type BranchConfig struct {
	HistoryPage   int
	FuturePage    int
	SummaryTokens int
}

func (c BranchConfig) withDefaults() BranchConfig {
	if c.HistoryPage <= 0 {
		c.HistoryPage = 32
	}
	if c.FuturePage <= 0 {
		c.FuturePage = 32
	}
	if c.SummaryTokens <= 0 {
		c.SummaryTokens = 512
	}
	return c
}

// BranchDeps 打开一个模拟所需的协作者
type BranchDeps struct {
	Store    *storage.Store
	Scenario *models.Scenario
	Writer   Writer
	Director Director
	Locks    *LockManager
	Logger   *zap.Logger
	Config   BranchConfig
}

// ConsolidateOptions 整合选项
type ConsolidateOptions struct {
	// Resummarize 允许对已整合的节点重新生成摘要，检查点原地更新
	Resummarize bool
}

// StoryBranchService 管理一个模拟的更新树。
//
// 已加载的路径是从根到叶的一条线性投影，按当前位置切成三段：
// historical（当前检查点之前，按需分页）、recent（当前检查点以来，完整加载）、
// future（沿 next_update_id 的正典后续，按需分页）。
// 变更操作由 LockManager 互斥，读取方法可随时并发调用。
type StoryBranchService struct {
	store    *storage.Store
	scenario *models.Scenario
	writer   Writer
	director Director
	locks    *LockManager
	logger   *zap.Logger
	cfg      BranchConfig
	simID    string

	mu          sync.RWMutex
	sim         models.Simulation
	checkpoint  models.Checkpoint
	path        []*Update
	cur         int
	split       int
	state       models.StateSnapshot
	dirty       bool
	historyDone bool
	futureDone  bool
	pending     strings.Builder

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int
}

// OpenStoryBranch 从存储加载模拟的当前位置
func OpenStoryBranch(ctx context.Context, deps BranchDeps, simulationID string) (*StoryBranchService, error) {
	if deps.Store == nil || deps.Scenario == nil {
		return nil, apperrors.NewValidationError("store and scenario are required", nil)
	}
	if deps.Locks == nil {
		deps.Locks = NewLockManager()
	}
	if deps.Logger == nil {
		deps.Logger = utils.GetLogger()
	}
	s := &StoryBranchService{
		store:    deps.Store,
		scenario: deps.Scenario,
		writer:   deps.Writer,
		director: deps.Director,
		locks:    deps.Locks,
		logger:   deps.Logger.Named("branch").With(zap.String("simulation_id", simulationID)),
		cfg:      deps.Config.withDefaults(),
		simID:    simulationID,
		subs:     make(map[int]chan Event),
	}
	if err := s.reload(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// reload 从存储重建全部窗口和舞台
func (s *StoryBranchService) reload(ctx context.Context) error {
	q := s.store.Queries
	sim, err := q.GetSimulation(ctx, s.simID)
	if err != nil {
		return err
	}
	if sim.ScenarioID != s.scenario.ID {
		return apperrors.NewValidationError(fmt.Sprintf("simulation %s uses scenario %s, not %s", sim.ID, sim.ScenarioID, s.scenario.ID), nil)
	}

	if sim.CurrentUpdateID == nil {
		root, err := q.RootCheckpoint(ctx, s.simID)
		if err != nil {
			return err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		s.sim = *sim
		s.checkpoint = *root
		s.path = nil
		s.cur, s.split = -1, 0
		s.state = root.State.Clone()
		s.historyDone, s.futureDone = true, true
		return nil
	}

	current, err := q.GetWriterUpdate(ctx, *sim.CurrentUpdateID)
	if err != nil {
		return err
	}
	cp, err := s.activeCheckpoint(ctx, q, current)
	if err != nil {
		return err
	}
	recent, err := q.Ancestors(ctx, current.ID, storage.AncestorQuery{CheckpointID: cp.ID, IncludeSelf: true})
	if err != nil {
		return err
	}
	var older []models.WriterUpdate
	if len(recent) == 0 {
		older, err = q.Ancestors(ctx, current.ID, storage.AncestorQuery{IncludeSelf: true, Limit: s.cfg.HistoryPage})
	} else {
		older, err = q.Ancestors(ctx, recent[0].ID, storage.AncestorQuery{Limit: s.cfg.HistoryPage})
	}
	if err != nil {
		return err
	}
	future, err := q.Descendants(ctx, current.ID, s.cfg.FuturePage)
	if err != nil {
		return err
	}
	state, err := s.replay(ctx, q, cp, recent)
	if err != nil {
		return err
	}

	nodes := make([]models.WriterUpdate, 0, len(older)+len(recent)+len(future))
	nodes = append(nodes, older...)
	nodes = append(nodes, recent...)
	nodes = append(nodes, future...)
	path, err := s.buildUpdates(ctx, q, nodes)
	if err != nil {
		return err
	}
	cur := len(older) + len(recent) - 1
	snapshot := state.Clone()
	path[cur].chosen().State = &snapshot

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sim = *sim
	s.checkpoint = *cp
	s.path = path
	s.cur = cur
	s.state = state
	s.dirty = false
	s.historyDone = path[0].chosen().Writer.ParentUpdateID == nil
	s.futureDone = len(future) < s.cfg.FuturePage || path[len(path)-1].chosen().Writer.NextUpdateID == nil
	s.resplit()
	return nil
}

// ---- 变更操作 ----

// mutate 在忙碌标记下执行变更。已有操作进行中时立即返回 busy 错误。
func (s *StoryBranchService) mutate(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	release, err := s.locks.TryAcquire(s.simID, op)
	if err != nil {
		return err
	}
	defer release()

	ctx, span := tracer.Start(ctx, "branch."+op)
	defer span.End()
	span.SetAttributes(attribute.String("simulation.id", s.simID))

	s.emit(Event{Kind: EventBusy, Operation: op})
	started := time.Now()
	err = fn(ctx)

	s.mu.Lock()
	s.pending.Reset()
	s.mu.Unlock()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warn("operation failed", zap.String("operation", op), zap.Error(err))
		s.emit(Event{Kind: EventFailed, Operation: op, Error: err.Error()})
		return err
	}
	s.logger.Debug("operation done", zap.String("operation", op), zap.Duration("duration", time.Since(started)))
	s.emit(Event{Kind: EventUpdated, Operation: op})
	return nil
}

// PredictNext 推理下一步：写手生成文本，导演生成命令，成功后原子地持久化并移动头指针。
// 要求没有后续更新，且没有进行中的剧本片段。
func (s *StoryBranchService) PredictNext(ctx context.Context) error {
	return s.mutate(ctx, "PredictNext", func(ctx context.Context) error {
		if err := s.requireHead(); err != nil {
			return err
		}
		if err := s.requireNoEpisode(); err != nil {
			return err
		}
		if err := s.commitCurrentState(ctx); err != nil {
			return err
		}

		history := s.recentSteps()
		out, err := s.writer.Infer(ctx, WriterInput{
			SimulationID: s.simID,
			Scenario:     s.scenario,
			Summary:      s.checkpoint.Summary,
			History:      history,
			State:        s.state,
			OnToken:      s.emitToken,
		})
		if err != nil {
			return err
		}
		line := s.newWriterUpdate(out.CharacterID, out.Text)
		return s.directAndAppend(ctx, line, history)
	})
}

// Say 插入玩家撰写的一句话，导演为其生成命令
func (s *StoryBranchService) Say(ctx context.Context, characterID *string, text string) error {
	return s.mutate(ctx, "Say", func(ctx context.Context) error {
		text = strings.TrimSpace(text)
		if text == "" || strings.Contains(text, "\n") {
			return apperrors.NewValidationError("text must be a single non-empty line", nil)
		}
		if characterID != nil && *characterID == models.NarratorID {
			characterID = nil
		}
		if characterID != nil && !s.state.HasCharacter(*characterID) {
			return apperrors.NewValidationError(fmt.Sprintf("character %s is not on stage", *characterID), nil)
		}
		if err := s.requireHead(); err != nil {
			return err
		}
		if err := s.requireNoEpisode(); err != nil {
			return err
		}
		if err := s.commitCurrentState(ctx); err != nil {
			return err
		}

		line := s.newWriterUpdate(characterID, text)
		line.CreatedByPlayer = true
		return s.directAndAppend(ctx, line, s.recentSteps())
	})
}

// AdvanceEpisode 播放进行中剧本片段的下一块
func (s *StoryBranchService) AdvanceEpisode(ctx context.Context) error {
	return s.mutate(ctx, "AdvanceEpisode", func(ctx context.Context) error {
		episodeState := s.state.CurrentEpisode
		if episodeState.Done() {
			return apperrors.NewContractError("no episode is playing")
		}
		if err := s.requireHead(); err != nil {
			return err
		}
		episode, ok := s.scenario.Episodes[episodeState.ID]
		if !ok || episodeState.NextChunkIndex >= len(episode.Chunks) {
			return apperrors.NewContractError(fmt.Sprintf("episode %s has no chunk %d", episodeState.ID, episodeState.NextChunkIndex))
		}
		if err := s.commitCurrentState(ctx); err != nil {
			return err
		}

		chunk := episode.Chunks[episodeState.NextChunkIndex]
		var speaker *string
		if chunk.CharacterID != "" && chunk.CharacterID != models.NarratorID {
			id := chunk.CharacterID
			speaker = &id
		}
		line := s.newWriterUpdate(speaker, chunk.Text)
		episodeID, index := episodeState.ID, episodeState.NextChunkIndex
		line.EpisodeID = &episodeID
		line.EpisodeChunkIndex = &index
		return s.appendStep(ctx, line, chunk.Code)
	})
}

func (s *StoryBranchService) directAndAppend(ctx context.Context, line *models.WriterUpdate, history []Step) error {
	cmds, err := s.director.Infer(ctx, DirectorInput{
		SimulationID: s.simID,
		Scenario:     s.scenario,
		Checkpoint:   s.checkpoint.State,
		History:      history,
		Line:         *line,
		State:        s.state,
	})
	if err != nil {
		return err
	}
	return s.appendStep(ctx, line, cmds)
}

// appendStep 在当前位置之后追加一步。四个写入在同一事务中完成，
// 事务确认后才修改内存中的树。
func (s *StoryBranchService) appendStep(ctx context.Context, line *models.WriterUpdate, cmds models.Commands) error {
	next := s.state.Clone()
	if err := s.advance(&next, *line, cmds); err != nil {
		return err
	}
	du := &models.DirectorUpdate{ID: uuid.NewString(), WriterUpdateID: line.ID, Code: cmds, CreatedAt: line.CreatedAt}

	var upd *Update
	err := s.store.WithTx(ctx, func(q *storage.Queries) error {
		if err := q.InsertWriterUpdate(ctx, line); err != nil {
			return err
		}
		if err := q.InsertDirectorUpdate(ctx, du); err != nil {
			return err
		}
		if line.ParentUpdateID != nil {
			if err := q.SetNextUpdate(ctx, *line.ParentUpdateID, &line.ID); err != nil {
				return err
			}
		}
		if err := q.SetCurrentUpdate(ctx, s.simID, &line.ID); err != nil {
			return err
		}
		var err error
		upd, err = s.buildUpdate(ctx, q, *line)
		return err
	})
	if err != nil {
		return err
	}
	snapshot := next.Clone()
	upd.chosen().State = &snapshot

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur >= 0 {
		s.path[s.cur].chosen().Writer.NextUpdateID = &line.ID
	}
	s.path = append(s.path[:s.cur+1], upd)
	s.cur++
	s.state = next
	s.sim.CurrentUpdateID = &line.ID
	s.futureDone = true
	s.resplit()
	s.logger.Info("update appended",
		zap.String("writer_update_id", line.ID),
		zap.Int("commands", len(cmds)),
		zap.Bool("created_by_player", line.CreatedByPlayer))
	return nil
}

// CreateVariant 为当前位置重新生成一个兄弟变体。舞台先回到该位置之前，
// 新变体成为当前节点，后续窗口被清空。
func (s *StoryBranchService) CreateVariant(ctx context.Context) error {
	return s.mutate(ctx, "CreateVariant", func(ctx context.Context) error {
		if s.cur < 0 {
			return apperrors.NewContractError("no update to regenerate")
		}
		if s.path[s.cur].chosen().Writer.EpisodeID != nil {
			return apperrors.NewContractError("scripted episode chunks cannot be regenerated")
		}
		if err := s.commitCurrentState(ctx); err != nil {
			return err
		}
		old := s.path[s.cur].chosen().Writer

		q := s.store.Queries
		baseCP, err := q.GetCheckpoint(ctx, old.CheckpointID)
		if err != nil {
			return err
		}
		var before []models.WriterUpdate
		if old.ParentUpdateID != nil {
			before, err = q.Ancestors(ctx, *old.ParentUpdateID, storage.AncestorQuery{CheckpointID: baseCP.ID, IncludeSelf: true})
			if err != nil {
				return err
			}
		}
		history, err := s.steps(ctx, q, before)
		if err != nil {
			return err
		}
		base, err := s.replaySteps(baseCP, history)
		if err != nil {
			return err
		}

		out, err := s.writer.Infer(ctx, WriterInput{
			SimulationID: s.simID,
			Scenario:     s.scenario,
			Summary:      baseCP.Summary,
			History:      history,
			State:        base,
			OnToken:      s.emitToken,
		})
		if err != nil {
			return err
		}
		line := &models.WriterUpdate{
			ID:                 uuid.NewString(),
			SimulationID:       s.simID,
			ParentUpdateID:     old.ParentUpdateID,
			CheckpointID:       baseCP.ID,
			CharacterID:        out.CharacterID,
			SimulationDayClock: old.SimulationDayClock,
			Text:               out.Text,
			CreatedAt:          time.Now().UTC(),
		}
		cmds, err := s.director.Infer(ctx, DirectorInput{
			SimulationID: s.simID,
			Scenario:     s.scenario,
			Checkpoint:   baseCP.State,
			History:      history,
			Line:         *line,
			State:        base,
		})
		if err != nil {
			return err
		}
		next := base.Clone()
		if err := s.advance(&next, *line, cmds); err != nil {
			return err
		}
		du := &models.DirectorUpdate{ID: uuid.NewString(), WriterUpdateID: line.ID, Code: cmds, CreatedAt: line.CreatedAt}

		err = s.store.WithTx(ctx, func(q *storage.Queries) error {
			if err := q.InsertWriterUpdate(ctx, line); err != nil {
				return err
			}
			if err := q.InsertDirectorUpdate(ctx, du); err != nil {
				return err
			}
			if line.ParentUpdateID != nil {
				if err := q.SetNextUpdate(ctx, *line.ParentUpdateID, &line.ID); err != nil {
					return err
				}
			}
			return q.SetCurrentUpdate(ctx, s.simID, &line.ID)
		})
		if err != nil {
			return err
		}

		snapshot := next.Clone()
		s.mu.Lock()
		defer s.mu.Unlock()
		upd := s.path[s.cur]
		upd.Variants = append(upd.Variants, Variant{Writer: *line, Director: du, State: &snapshot})
		upd.Chosen = len(upd.Variants) - 1
		if s.cur > 0 {
			s.path[s.cur-1].chosen().Writer.NextUpdateID = &line.ID
		}
		s.path = s.path[:s.cur+1]
		s.state = next
		s.checkpoint = *baseCP
		s.sim.CurrentUpdateID = &line.ID
		s.futureDone = true
		s.resplit()
		s.logger.Info("variant created", zap.String("writer_update_id", line.ID), zap.Int("variants", len(upd.Variants)))
		return nil
	})
}

// ChooseVariant 切换当前位置的分支。先提交旧分支上未保存的手动修改，
// 再从检查点重放到新变体；读取新的后续窗口和更新指针在同一事务中完成。
// 下标越界时不修改任何状态。
func (s *StoryBranchService) ChooseVariant(ctx context.Context, index int) error {
	return s.mutate(ctx, "ChooseVariant", func(ctx context.Context) error {
		if s.cur < 0 {
			return apperrors.NewContractError("no update to choose a variant for")
		}
		upd := s.path[s.cur]
		if index < 0 || index >= len(upd.Variants) {
			return apperrors.NewContractError(fmt.Sprintf("variant index %d out of range [0,%d)", index, len(upd.Variants)))
		}
		if err := s.commitCurrentState(ctx); err != nil {
			return err
		}

		chosen := upd.Variants[index].Writer
		q := s.store.Queries
		cp, err := s.activeCheckpoint(ctx, q, &chosen)
		if err != nil {
			return err
		}
		base, err := s.stateBefore(ctx, q, chosen)
		if err != nil {
			return err
		}
		du, err := q.AppliedDirectorUpdate(ctx, chosen.ID)
		if err != nil {
			return err
		}
		next := base.Clone()
		if err := s.advance(&next, chosen, codeOf(du)); err != nil {
			return err
		}

		var future []*Update
		err = s.store.WithTx(ctx, func(q *storage.Queries) error {
			nodes, err := q.Descendants(ctx, chosen.ID, s.cfg.FuturePage)
			if err != nil {
				return err
			}
			if future, err = s.buildUpdates(ctx, q, nodes); err != nil {
				return err
			}
			if chosen.ParentUpdateID != nil {
				if err := q.SetNextUpdate(ctx, *chosen.ParentUpdateID, &chosen.ID); err != nil {
					return err
				}
			}
			return q.SetCurrentUpdate(ctx, s.simID, &chosen.ID)
		})
		if err != nil {
			return err
		}

		snapshot := next.Clone()
		s.mu.Lock()
		defer s.mu.Unlock()
		upd.Chosen = index
		v := upd.chosen()
		v.Director = du
		v.State = &snapshot
		if s.cur > 0 {
			s.path[s.cur-1].chosen().Writer.NextUpdateID = &chosen.ID
		}
		s.path = append(s.path[:s.cur+1], future...)
		s.state = next
		s.checkpoint = *cp
		s.sim.CurrentUpdateID = &chosen.ID
		s.futureDone = len(future) < s.cfg.FuturePage || future[len(future)-1].chosen().Writer.NextUpdateID == nil
		s.resplit()
		return s.ensureRecentLoaded(ctx)
	})
}

// GoBack 后退一步
func (s *StoryBranchService) GoBack(ctx context.Context) error {
	return s.mutate(ctx, "GoBack", func(ctx context.Context) error {
		if s.cur <= 0 && !s.historyDone {
			if _, err := s.loadHistoryPage(ctx); err != nil {
				return err
			}
		}
		if s.cur <= 0 {
			return apperrors.NewContractError("already at the first update")
		}
		return s.moveTo(ctx, s.cur-1)
	})
}

// GoForward 沿正典链前进一步
func (s *StoryBranchService) GoForward(ctx context.Context) error {
	return s.mutate(ctx, "GoForward", func(ctx context.Context) error {
		if s.cur+1 >= len(s.path) && !s.futureDone {
			if _, err := s.loadFuturePage(ctx); err != nil {
				return err
			}
		}
		if s.cur+1 >= len(s.path) {
			return apperrors.NewContractError("no future update")
		}
		return s.moveTo(ctx, s.cur+1)
	})
}

// JumpToIndex 跳到已加载路径上的某个位置
func (s *StoryBranchService) JumpToIndex(ctx context.Context, index int) error {
	return s.mutate(ctx, "JumpToIndex", func(ctx context.Context) error {
		if index < 0 || index >= len(s.path) {
			return apperrors.NewContractError(fmt.Sprintf("index %d out of range [0,%d)", index, len(s.path)))
		}
		if index == s.cur {
			return nil
		}
		return s.moveTo(ctx, index)
	})
}

// moveTo 移动头指针。同一检查点内前进时增量执行目标之前的命令；
// 后退或跨越检查点时从检查点完整重放。
func (s *StoryBranchService) moveTo(ctx context.Context, target int) error {
	if err := s.commitCurrentState(ctx); err != nil {
		return err
	}
	q := s.store.Queries
	node := s.path[target].chosen()
	cp, err := s.activeCheckpoint(ctx, q, &node.Writer)
	if err != nil {
		return err
	}

	var next models.StateSnapshot
	switch {
	case target > s.cur && cp.ID == s.checkpoint.ID:
		next = s.state.Clone()
		for i := s.cur + 1; i <= target; i++ {
			v := s.path[i].chosen()
			if err := s.advance(&next, v.Writer, v.Code()); err != nil {
				return fmt.Errorf("replay %s: %w", v.Writer.ID, err)
			}
		}
	case node.State != nil:
		next = node.State.Clone()
	default:
		if next, err = s.stateAt(ctx, q, node.Writer, cp); err != nil {
			return err
		}
	}

	if err := q.SetCurrentUpdate(ctx, s.simID, &node.Writer.ID); err != nil {
		return err
	}

	snapshot := next.Clone()
	s.mu.Lock()
	node.State = &snapshot
	s.cur = target
	s.state = next
	s.checkpoint = *cp
	s.sim.CurrentUpdateID = &node.Writer.ID
	s.resplit()
	s.mu.Unlock()
	return s.ensureRecentLoaded(ctx)
}

// Consolidate 把当前检查点以来的文本折叠进摘要，在当前节点建立检查点。
// 同一节点上的检查点原地更新；失败时旧检查点保持不变。
func (s *StoryBranchService) Consolidate(ctx context.Context, opts ConsolidateOptions) error {
	return s.mutate(ctx, "Consolidate", func(ctx context.Context) error {
		if s.cur < 0 {
			return apperrors.NewContractError("nothing to consolidate")
		}
		current := s.path[s.cur].chosen()
		if current.Writer.DidConsolidate && !opts.Resummarize {
			return apperrors.NewContractError(fmt.Sprintf("update %s is already consolidated", current.Writer.ID))
		}
		if err := s.requireNoEpisode(); err != nil {
			return err
		}
		if err := s.commitCurrentState(ctx); err != nil {
			return err
		}

		q := s.store.Queries
		baseCP, err := q.GetCheckpoint(ctx, current.Writer.CheckpointID)
		if err != nil {
			return err
		}
		nodes, err := q.Ancestors(ctx, current.Writer.ID, storage.AncestorQuery{CheckpointID: baseCP.ID, IncludeSelf: true})
		if err != nil {
			return err
		}
		history, err := s.steps(ctx, q, nodes)
		if err != nil {
			return err
		}
		summary, err := s.writer.Summarize(ctx, SummaryInput{
			SimulationID: s.simID,
			Scenario:     s.scenario,
			Summary:      baseCP.Summary,
			History:      history,
			Budget:       s.cfg.SummaryTokens,
		})
		if err != nil {
			return err
		}

		writerID := current.Writer.ID
		cp := &models.Checkpoint{
			SimulationID:   s.simID,
			WriterUpdateID: &writerID,
			Summary:        &summary,
			State:          s.state.Clone(),
		}
		err = s.store.WithTx(ctx, func(q *storage.Queries) error {
			if err := q.UpsertCheckpoint(ctx, cp); err != nil {
				return err
			}
			if err := q.SetDidConsolidate(ctx, writerID, true); err != nil {
				return err
			}
			return q.SetNextUpdate(ctx, writerID, nil)
		})
		if err != nil {
			return err
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		current.Writer.DidConsolidate = true
		current.Writer.NextUpdateID = nil
		s.checkpoint = *cp
		s.path = s.path[:s.cur+1]
		s.futureDone = true
		s.resplit()
		s.logger.Info("consolidated",
			zap.String("writer_update_id", writerID),
			zap.String("checkpoint_id", cp.ID),
			zap.Int("folded", len(history)))
		return nil
	})
}

// ApplyManualCommands 直接修改舞台（调试控制台）。修改在下一次导航或生成前
// 作为带偏好标记的导演更新提交。只允许在最新位置上修改。
func (s *StoryBranchService) ApplyManualCommands(ctx context.Context, cmds models.Commands) error {
	return s.mutate(ctx, "ApplyManualCommands", func(ctx context.Context) error {
		if err := s.requireHead(); err != nil {
			return err
		}
		if err := stage.CheckScenario(s.scenario, cmds); err != nil {
			return err
		}
		next, err := stage.ApplyAll(s.state, cmds)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.state = next
		s.dirty = true
		s.mu.Unlock()
		return nil
	})
}

// CommitCurrentState 立即提交未保存的手动修改
func (s *StoryBranchService) CommitCurrentState(ctx context.Context) error {
	return s.mutate(ctx, "CommitCurrentState", s.commitCurrentState)
}

// commitCurrentState 比较当前舞台和存储的导演更新会产生的舞台；
// 不一致时把差异保存为新的、标记为喜欢的导演更新。
func (s *StoryBranchService) commitCurrentState(ctx context.Context) error {
	if !s.dirty {
		return nil
	}
	live := s.state.Clone()

	if s.cur < 0 {
		root := s.checkpoint
		root.State = live.Clone()
		if err := s.store.UpsertCheckpoint(ctx, &root); err != nil {
			return err
		}
		s.mu.Lock()
		s.checkpoint = root
		s.dirty = false
		s.mu.Unlock()
		return nil
	}

	v := s.path[s.cur].chosen()
	base, err := s.stateBefore(ctx, s.store.Queries, v.Writer)
	if err != nil {
		return err
	}
	delta := stage.Delta(live, base)
	if stage.Equivalent(base, v.Code(), delta) {
		s.mu.Lock()
		s.dirty = false
		s.mu.Unlock()
		return nil
	}

	du := &models.DirectorUpdate{
		ID:             uuid.NewString(),
		WriterUpdateID: v.Writer.ID,
		Code:           delta,
		Preference:     models.Like(),
	}
	var cp *models.Checkpoint
	err = s.store.WithTx(ctx, func(q *storage.Queries) error {
		if err := q.InsertDirectorUpdate(ctx, du); err != nil {
			return err
		}
		if !v.Writer.DidConsolidate {
			return nil
		}
		existing, err := q.CheckpointAt(ctx, s.simID, v.Writer.ID)
		if err != nil || existing == nil {
			return err
		}
		existing.State = live.Clone()
		cp = existing
		return q.UpsertCheckpoint(ctx, existing)
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	v.Director = du
	v.State = &live
	for _, later := range s.path[s.cur+1:] {
		for i := range later.Variants {
			later.Variants[i].State = nil
		}
	}
	if cp != nil && s.checkpoint.ID == cp.ID {
		s.checkpoint = *cp
	}
	s.dirty = false
	s.logger.Info("manual stage edits committed",
		zap.String("writer_update_id", v.Writer.ID),
		zap.Int("commands", len(delta)))
	return nil
}

// SetPreference 记录玩家对写手更新的评价
func (s *StoryBranchService) SetPreference(ctx context.Context, writerUpdateID string, pref models.Preference) error {
	return s.mutate(ctx, "SetPreference", func(ctx context.Context) error {
		if err := s.store.SetWriterPreference(ctx, writerUpdateID, pref); err != nil {
			return err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, upd := range s.path {
			for i := range upd.Variants {
				if upd.Variants[i].Writer.ID == writerUpdateID {
					upd.Variants[i].Writer.Preference = pref
				}
			}
		}
		return nil
	})
}

// LoadMoreHistory 向前加载一页历史，返回加载的条数
func (s *StoryBranchService) LoadMoreHistory(ctx context.Context) (int, error) {
	var n int
	err := s.mutate(ctx, "LoadMoreHistory", func(ctx context.Context) error {
		var err error
		n, err = s.loadHistoryPage(ctx)
		return err
	})
	return n, err
}

// LoadMoreFuture 向后加载一页后续，返回加载的条数
func (s *StoryBranchService) LoadMoreFuture(ctx context.Context) (int, error) {
	var n int
	err := s.mutate(ctx, "LoadMoreFuture", func(ctx context.Context) error {
		var err error
		n, err = s.loadFuturePage(ctx)
		return err
	})
	return n, err
}

func (s *StoryBranchService) loadHistoryPage(ctx context.Context) (int, error) {
	if s.historyDone || len(s.path) == 0 {
		return 0, nil
	}
	first := s.path[0].chosen().Writer
	if first.ParentUpdateID == nil {
		s.mu.Lock()
		s.historyDone = true
		s.mu.Unlock()
		return 0, nil
	}
	q := s.store.Queries
	nodes, err := q.Ancestors(ctx, first.ID, storage.AncestorQuery{Limit: s.cfg.HistoryPage})
	if err != nil {
		return 0, err
	}
	older, err := s.buildUpdates(ctx, q, nodes)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.path = append(older, s.path...)
	s.cur += len(older)
	s.split += len(older)
	s.historyDone = len(older) == 0 || older[0].chosen().Writer.ParentUpdateID == nil
	s.resplit()
	return len(older), nil
}

func (s *StoryBranchService) loadFuturePage(ctx context.Context) (int, error) {
	if s.futureDone || len(s.path) == 0 {
		return 0, nil
	}
	last := s.path[len(s.path)-1].chosen().Writer
	q := s.store.Queries
	nodes, err := q.Descendants(ctx, last.ID, s.cfg.FuturePage)
	if err != nil {
		return 0, err
	}
	later, err := s.buildUpdates(ctx, q, nodes)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.path = append(s.path, later...)
	s.futureDone = len(later) < s.cfg.FuturePage || s.path[len(s.path)-1].chosen().Writer.NextUpdateID == nil
	return len(later), nil
}

// ensureRecentLoaded 保证 recent 窗口从检查点开始完整加载
func (s *StoryBranchService) ensureRecentLoaded(ctx context.Context) error {
	for s.split == 0 && s.cur >= 0 && !s.historyDone {
		first := s.path[0].chosen().Writer
		if first.CheckpointID != s.checkpoint.ID || first.ParentUpdateID == nil {
			return nil
		}
		n, err := s.loadHistoryPage(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
	return nil
}

// resplit 重新计算 recent 窗口的起点，调用方持有写锁
func (s *StoryBranchService) resplit() {
	i := s.cur
	for i >= 0 && s.path[i].chosen().Writer.CheckpointID == s.checkpoint.ID {
		i--
	}
	s.split = i + 1
}

// ---- 状态计算 ----

// advance 在舞台上执行一步：导演命令，以及剧本片段的进度
func (s *StoryBranchService) advance(state *models.StateSnapshot, w models.WriterUpdate, cmds models.Commands) error {
	if err := stage.Apply(state, cmds); err != nil {
		return err
	}
	if w.EpisodeID != nil && w.EpisodeChunkIndex != nil {
		total := len(s.scenario.Episodes[*w.EpisodeID].Chunks)
		next := *w.EpisodeChunkIndex + 1
		if next >= total {
			state.CurrentEpisode = nil
		} else {
			state.CurrentEpisode = &models.EpisodeState{ID: *w.EpisodeID, NextChunkIndex: next, TotalChunks: total}
		}
	}
	return nil
}

// activeCheckpoint 节点所在的检查点：节点本身已整合时是锚定在它上面的检查点
func (s *StoryBranchService) activeCheckpoint(ctx context.Context, q *storage.Queries, w *models.WriterUpdate) (*models.Checkpoint, error) {
	if w.DidConsolidate {
		cp, err := q.CheckpointAt(ctx, s.simID, w.ID)
		if err != nil {
			return nil, err
		}
		if cp != nil {
			return cp, nil
		}
	}
	return q.GetCheckpoint(ctx, w.CheckpointID)
}

// stateAt 节点执行后的舞台
func (s *StoryBranchService) stateAt(ctx context.Context, q *storage.Queries, w models.WriterUpdate, cp *models.Checkpoint) (models.StateSnapshot, error) {
	nodes, err := q.Ancestors(ctx, w.ID, storage.AncestorQuery{CheckpointID: cp.ID, IncludeSelf: true})
	if err != nil {
		return models.StateSnapshot{}, err
	}
	return s.replay(ctx, q, cp, nodes)
}

// stateBefore 节点执行前的舞台
func (s *StoryBranchService) stateBefore(ctx context.Context, q *storage.Queries, w models.WriterUpdate) (models.StateSnapshot, error) {
	cp, err := q.GetCheckpoint(ctx, w.CheckpointID)
	if err != nil {
		return models.StateSnapshot{}, err
	}
	var nodes []models.WriterUpdate
	if w.ParentUpdateID != nil {
		nodes, err = q.Ancestors(ctx, *w.ParentUpdateID, storage.AncestorQuery{CheckpointID: cp.ID, IncludeSelf: true})
		if err != nil {
			return models.StateSnapshot{}, err
		}
	}
	return s.replay(ctx, q, cp, nodes)
}

// replay 从检查点的舞台开始依次执行节点的导演命令
func (s *StoryBranchService) replay(ctx context.Context, q *storage.Queries, cp *models.Checkpoint, nodes []models.WriterUpdate) (models.StateSnapshot, error) {
	steps, err := s.steps(ctx, q, nodes)
	if err != nil {
		return models.StateSnapshot{}, err
	}
	return s.replaySteps(cp, steps)
}

func (s *StoryBranchService) replaySteps(cp *models.Checkpoint, steps []Step) (models.StateSnapshot, error) {
	state := cp.State.Clone()
	for _, step := range steps {
		if err := s.advance(&state, step.Writer, step.Code); err != nil {
			return models.StateSnapshot{}, fmt.Errorf("replay %s: %w", step.Writer.ID, err)
		}
	}
	return state, nil
}

func (s *StoryBranchService) steps(ctx context.Context, q *storage.Queries, nodes []models.WriterUpdate) ([]Step, error) {
	out := make([]Step, 0, len(nodes))
	for _, n := range nodes {
		du, err := q.AppliedDirectorUpdate(ctx, n.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, Step{Writer: n, Code: codeOf(du)})
	}
	return out, nil
}

func (s *StoryBranchService) recentSteps() []Step {
	if s.cur < 0 {
		return nil
	}
	out := make([]Step, 0, s.cur+1-s.split)
	for _, upd := range s.path[s.split : s.cur+1] {
		v := upd.chosen()
		out = append(out, Step{Writer: v.Writer, Code: v.Code()})
	}
	return out
}

func (s *StoryBranchService) buildUpdates(ctx context.Context, q *storage.Queries, nodes []models.WriterUpdate) ([]*Update, error) {
	out := make([]*Update, 0, len(nodes))
	for _, n := range nodes {
		upd, err := s.buildUpdate(ctx, q, n)
		if err != nil {
			return nil, err
		}
		out = append(out, upd)
	}
	return out, nil
}

// buildUpdate 由兄弟节点和它们生效的导演更新重建一个位置
func (s *StoryBranchService) buildUpdate(ctx context.Context, q *storage.Queries, w models.WriterUpdate) (*Update, error) {
	siblings, err := q.Siblings(ctx, s.simID, w.ParentUpdateID)
	if err != nil {
		return nil, err
	}
	upd := &Update{ParentID: w.ParentUpdateID, Chosen: -1}
	for i, sib := range siblings {
		du, err := q.AppliedDirectorUpdate(ctx, sib.ID)
		if err != nil {
			return nil, err
		}
		upd.Variants = append(upd.Variants, Variant{Writer: sib, Director: du})
		if sib.ID == w.ID {
			upd.Chosen = i
		}
	}
	if upd.Chosen < 0 {
		return nil, apperrors.NewContractError(fmt.Sprintf("writer update %s is missing from its siblings", w.ID))
	}
	return upd, nil
}

func codeOf(du *models.DirectorUpdate) models.Commands {
	if du == nil {
		return nil
	}
	return du.Code
}

func (s *StoryBranchService) newWriterUpdate(characterID *string, text string) *models.WriterUpdate {
	clock := s.scenario.StartClockMinutes
	var parent *string
	if s.cur >= 0 {
		prev := s.path[s.cur].chosen().Writer
		clock = prev.SimulationDayClock + s.scenario.ClockStep()
		id := prev.ID
		parent = &id
	}
	return &models.WriterUpdate{
		ID:                 uuid.NewString(),
		SimulationID:       s.simID,
		ParentUpdateID:     parent,
		CheckpointID:       s.checkpoint.ID,
		CharacterID:        characterID,
		SimulationDayClock: clock,
		Text:               text,
		CreatedAt:          time.Now().UTC(),
	}
}

func (s *StoryBranchService) requireHead() error {
	if s.cur+1 < len(s.path) || !s.futureDone {
		return apperrors.NewContractError("cannot branch off an update that has future updates; choose a variant or go forward")
	}
	return nil
}

func (s *StoryBranchService) requireNoEpisode() error {
	if !s.state.CurrentEpisode.Done() {
		return apperrors.NewContractError(fmt.Sprintf("episode %s is still playing", s.state.CurrentEpisode.ID))
	}
	return nil
}

// ---- 读取 ----

func clonePath(path []*Update) []Update {
	out := make([]Update, 0, len(path))
	for _, u := range path {
		out = append(out, u.clone())
	}
	return out
}

// Historical 当前检查点之前已加载的更新，从旧到新
func (s *StoryBranchService) Historical() []Update {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clonePath(s.path[:s.split])
}

// Recent 当前检查点以来的更新，包括当前节点
func (s *StoryBranchService) Recent() []Update {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clonePath(s.path[s.split : s.cur+1])
}

// Future 当前节点之后已加载的正典更新
func (s *StoryBranchService) Future() []Update {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clonePath(s.path[s.cur+1:])
}

// Current 当前位置，模拟还没有更新时返回 false
func (s *StoryBranchService) Current() (Update, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cur < 0 {
		return Update{}, false
	}
	return s.path[s.cur].clone(), true
}

// CurrentIndex 当前位置在已加载路径中的下标
func (s *StoryBranchService) CurrentIndex() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// State 当前舞台的副本
func (s *StoryBranchService) State() models.StateSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone()
}

// Checkpoint 当前检查点
func (s *StoryBranchService) Checkpoint() models.Checkpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := s.checkpoint
	cp.State = cp.State.Clone()
	return cp
}

// Simulation 模拟的头指针
func (s *StoryBranchService) Simulation() models.Simulation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sim
}

// Scenario 模拟使用的剧本
func (s *StoryBranchService) Scenario() *models.Scenario { return s.scenario }

// Pending 正在生成的写手文本
func (s *StoryBranchService) Pending() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pending.String()
}

// Dirty 是否有未提交的手动修改
func (s *StoryBranchService) Dirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dirty
}

// Busy 是否有变更操作正在进行
func (s *StoryBranchService) Busy() bool {
	return s.locks.IsBusy(s.simID)
}

// ---- 通知 ----

// Subscribe 订阅变更通知。慢的订阅者会丢失通知而不会阻塞操作。
// 返回的函数取消订阅并关闭通道。
func (s *StoryBranchService) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
			close(ch)
		})
	}
}

func (s *StoryBranchService) emit(e Event) {
	e.SimulationID = s.simID
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (s *StoryBranchService) emitToken(token string) {
	s.mu.Lock()
	s.pending.WriteString(token)
	s.mu.Unlock()
	s.emit(Event{Kind: EventToken, Text: token})
}

package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	apperrors "github.com/Corphon/SceneWeaver/internal/errors"
	"github.com/Corphon/SceneWeaver/internal/inference"
	"github.com/Corphon/SceneWeaver/internal/llm"
	"github.com/Corphon/SceneWeaver/internal/llm/providers/local"
	"github.com/Corphon/SceneWeaver/internal/llm/providers/scripted"
	"github.com/Corphon/SceneWeaver/internal/models"
	"github.com/Corphon/SceneWeaver/internal/storage"
	"github.com/Corphon/SceneWeaver/internal/utils"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testDriver = llm.LocalDriver{Runtime: scripted.Name, ModelPath: "test"}

func parkScenario() *models.Scenario {
	return &models.Scenario{
		ID:              "park",
		Name:            "A walk in the park",
		Setting:         "A quiet town.",
		MainCharacterID: "alice",
		Scenes: map[string]models.Scene{
			"home": {Name: "Home"},
			"park": {Name: "Park"},
		},
		Characters: map[string]models.Character{
			"alice": {Name: "Alice", Outfits: map[string]string{"casual": "", "formal": ""}, Expressions: []string{"neutral", "happy"}},
			"bob":   {Name: "Bob", Outfits: map[string]string{"suit": ""}, Expressions: []string{"neutral", "sad"}},
		},
		Start: models.StartState{
			SceneID:    "home",
			Characters: []models.CharacterState{{ID: "alice", OutfitID: "casual", ExpressionID: "neutral"}},
		},
		StartClockMinutes: 9 * 60,
		MinutesPerUpdate:  5,
	}
}

func episodeScenario() *models.Scenario {
	s := parkScenario()
	s.StarterEpisodeID = "intro"
	s.Episodes = map[string]models.Episode{
		"intro": {Name: "Introduction", Chunks: []models.EpisodeChunk{
			{Text: "The afternoon light falls across the room."},
			{CharacterID: "alice", Text: "Maybe I should go for a walk.", Code: models.Commands{
				models.SetScene{SceneID: "park"},
				models.AddCharacter{CharacterID: "bob", OutfitID: "suit", ExpressionID: "neutral"},
			}},
		}},
	}
	return s
}

type harness struct {
	t        *testing.T
	store    *storage.Store
	rt       *scripted.Runtime
	scenario *models.Scenario
	sim      *models.Simulation
	locks    *LockManager
	deps     BranchDeps
	branch   *StoryBranchService
}

// newHarness wires real agents to a scripted runtime. Responses are consumed
// in call order: writer, director, writer, director, and summaries where
// consolidation happens.
func newHarness(t *testing.T, scenario *models.Scenario, responses ...string) *harness {
	t.Helper()
	store, err := storage.Open(storage.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	rt := scripted.New(responses...)
	backend := local.NewWithRuntime(rt, zap.NewNop())
	manager := inference.NewManager(
		inference.WithLogger(zap.NewNop()),
		inference.WithMetrics(utils.NewMetricsCollector()),
		inference.WithBackendFactory(func(llm.DriverConfig) (llm.Backend, error) { return backend, nil }),
	)
	t.Cleanup(func() { require.NoError(t, manager.Close(context.Background())) })

	opts := AgentOptions{Driver: testDriver, Retry: inference.RetryConfig{MaxAttempts: 1}}
	deps := BranchDeps{
		Store:    store,
		Scenario: scenario,
		Writer:   NewWriterAgent(manager, store, opts, zap.NewNop()),
		Director: NewDirectorAgent(manager, store, opts, zap.NewNop()),
		Locks:    NewLockManager(),
		Logger:   zap.NewNop(),
		Config:   BranchConfig{HistoryPage: 2, FuturePage: 2},
	}
	return newHarnessWith(t, store, rt, deps)
}

func newHarnessWith(t *testing.T, store *storage.Store, rt *scripted.Runtime, deps BranchDeps) *harness {
	t.Helper()
	sim, err := NewSimulationService(store, zap.NewNop()).Create(context.Background(), deps.Scenario)
	require.NoError(t, err)
	branch, err := OpenStoryBranch(context.Background(), deps, sim.ID)
	require.NoError(t, err)
	return &harness{t: t, store: store, rt: rt, scenario: deps.Scenario, sim: sim, locks: deps.Locks, deps: deps, branch: branch}
}

// reopen loads the simulation again from storage, as after a restart.
func (h *harness) reopen() *StoryBranchService {
	h.t.Helper()
	branch, err := OpenStoryBranch(context.Background(), h.deps, h.sim.ID)
	require.NoError(h.t, err)
	return branch
}

func texts(updates []Update) []string {
	out := make([]string, 0, len(updates))
	for _, u := range updates {
		out = append(out, u.chosen().Writer.Text)
	}
	return out
}

func character(t *testing.T, state models.StateSnapshot, id string) models.CharacterState {
	t.Helper()
	c, ok := state.Character(id)
	require.True(t, ok, "%s is not on stage", id)
	return *c
}

func TestPredictNextAppliesWriterAndDirector(t *testing.T) {
	h := newHarness(t, parkScenario(),
		`<alice> Let's go to the park.`,
		"setScene(\"park\")\naddCharacter(\"bob\", \"suit\", \"neutral\")\nend",
	)
	ctx := context.Background()

	require.NoError(t, h.branch.PredictNext(ctx))

	state := h.branch.State()
	assert.Equal(t, "park", state.SceneID)
	assert.Equal(t, "neutral", character(t, state, "bob").ExpressionID)
	assert.Equal(t, "casual", character(t, state, "alice").OutfitID)

	current, ok := h.branch.Current()
	require.True(t, ok)
	v := current.chosen()
	assert.Equal(t, "Let's go to the park.", v.Writer.Text)
	require.NotNil(t, v.Writer.CharacterID)
	assert.Equal(t, "alice", *v.Writer.CharacterID)
	assert.Nil(t, v.Writer.ParentUpdateID)
	assert.Equal(t, 9*60, v.Writer.SimulationDayClock)
	assert.Len(t, v.Code(), 2)

	sim, err := h.store.GetSimulation(ctx, h.sim.ID)
	require.NoError(t, err)
	require.NotNil(t, sim.CurrentUpdateID)
	assert.Equal(t, v.Writer.ID, *sim.CurrentUpdateID)

	applied, err := h.store.AppliedDirectorUpdate(ctx, v.Writer.ID)
	require.NoError(t, err)
	require.NotNil(t, applied)
	assert.Len(t, applied.Code, 2)
	assert.Equal(t, 0, h.rt.Pending())
}

func TestPredictNextAdvancesClockAndLinksParent(t *testing.T) {
	h := newHarness(t, parkScenario(),
		`<alice> Good morning.`, "end",
		`<narrator> The kettle whistles.`, "end",
	)
	ctx := context.Background()
	require.NoError(t, h.branch.PredictNext(ctx))
	require.NoError(t, h.branch.PredictNext(ctx))

	recent := h.branch.Recent()
	require.Len(t, recent, 2)
	first, second := recent[0].chosen().Writer, recent[1].chosen().Writer
	assert.Equal(t, 9*60+5, second.SimulationDayClock)
	require.NotNil(t, second.ParentUpdateID)
	assert.Equal(t, first.ID, *second.ParentUpdateID)
	assert.Nil(t, second.CharacterID, "narration is stored without a speaker")

	stored, err := h.store.GetWriterUpdate(ctx, first.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.NextUpdateID)
	assert.Equal(t, second.ID, *stored.NextUpdateID)
}

func TestSecondStepReusesSessionsWithoutDecoding(t *testing.T) {
	h := newHarness(t, parkScenario(),
		`<alice> Good morning.`, "setExpression(\"alice\", \"happy\")\nend",
		`<alice> What a day.`, "end",
	)
	ctx := context.Background()
	require.NoError(t, h.branch.PredictNext(ctx))
	assert.Equal(t, 2, h.rt.DecodeCount(), "writer and director decode once")

	require.NoError(t, h.branch.PredictNext(ctx))
	assert.Equal(t, 2, h.rt.DecodeCount(), "committed output already matches the next prompt")
	assert.Equal(t, 4, h.rt.CommitCount())

	ref, err := h.store.GetSessionRef(ctx, h.sim.ID, models.AgentWriter)
	require.NoError(t, err)
	require.NotNil(t, ref)
	assert.NotEmpty(t, ref.SessionID)
}

func TestCreateAndChooseVariants(t *testing.T) {
	h := newHarness(t, parkScenario(),
		`<alice> Hello.`, "setExpression(\"alice\", \"happy\")\nend",
		`<narrator> Bob knocks.`, "addCharacter(\"bob\", \"suit\", \"neutral\")\nend",
		`<alice> Let's go out.`, "setScene(\"park\")\nend",
	)
	ctx := context.Background()

	require.NoError(t, h.branch.PredictNext(ctx))
	require.NoError(t, h.branch.CreateVariant(ctx))
	require.NoError(t, h.branch.CreateVariant(ctx))

	current, ok := h.branch.Current()
	require.True(t, ok)
	require.Len(t, current.Variants, 3)
	assert.Equal(t, 2, current.Chosen)
	assert.Equal(t, "park", h.branch.State().SceneID)
	assert.Equal(t, "neutral", character(t, h.branch.State(), "alice").ExpressionID,
		"each variant starts from the state before the position")

	siblings, err := h.store.Siblings(ctx, h.sim.ID, nil)
	require.NoError(t, err)
	assert.Len(t, siblings, 3)

	require.NoError(t, h.branch.ChooseVariant(ctx, 0))
	state := h.branch.State()
	assert.Equal(t, "home", state.SceneID)
	assert.Equal(t, "happy", character(t, state, "alice").ExpressionID)
	assert.False(t, state.HasCharacter("bob"))

	require.NoError(t, h.branch.ChooseVariant(ctx, 1))
	state = h.branch.State()
	assert.Equal(t, "neutral", character(t, state, "alice").ExpressionID)
	assert.True(t, state.HasCharacter("bob"))

	sim, err := h.store.GetSimulation(ctx, h.sim.ID)
	require.NoError(t, err)
	assert.Equal(t, siblings[1].ID, *sim.CurrentUpdateID)

	reopened := h.reopen()
	assert.True(t, state.Equal(reopened.State()))
	cur, _ := reopened.Current()
	assert.Equal(t, 1, cur.Chosen)
}

func TestChooseVariantRestoresFuture(t *testing.T) {
	h := newHarness(t, parkScenario(),
		`<alice> Hello.`, "end",
		`<alice> Nice weather.`, "setExpression(\"alice\", \"happy\")\nend",
		`<narrator> Rain starts.`, "end",
	)
	ctx := context.Background()
	require.NoError(t, h.branch.PredictNext(ctx))
	require.NoError(t, h.branch.PredictNext(ctx))
	require.NoError(t, h.branch.GoBack(ctx))
	require.Len(t, h.branch.Future(), 1)

	require.NoError(t, h.branch.CreateVariant(ctx))
	assert.Empty(t, h.branch.Future(), "a new variant has no future")

	require.NoError(t, h.branch.ChooseVariant(ctx, 0))
	assert.Equal(t, []string{"Nice weather."}, texts(h.branch.Future()))

	require.NoError(t, h.branch.GoForward(ctx))
	assert.Equal(t, "happy", character(t, h.branch.State(), "alice").ExpressionID)
}

func TestChooseVariantOutOfRangeChangesNothing(t *testing.T) {
	h := newHarness(t, parkScenario(), `<alice> Hello.`, "setExpression(\"alice\", \"happy\")\nend")
	ctx := context.Background()
	require.NoError(t, h.branch.PredictNext(ctx))
	require.NoError(t, h.branch.ApplyManualCommands(ctx, models.Commands{
		models.SetOutfit{CharacterID: "alice", OutfitID: "formal"},
	}))
	before := h.branch.State()
	beforeSim, err := h.store.GetSimulation(ctx, h.sim.ID)
	require.NoError(t, err)

	for _, index := range []int{-1, 1, 7} {
		err := h.branch.ChooseVariant(ctx, index)
		assert.True(t, apperrors.IsContractError(err), "index %d: %v", index, err)
	}

	assert.True(t, before.Equal(h.branch.State()))
	assert.True(t, h.branch.Dirty(), "manual edits stay uncommitted")
	afterSim, err := h.store.GetSimulation(ctx, h.sim.ID)
	require.NoError(t, err)
	assert.Equal(t, beforeSim.CurrentUpdateID, afterSim.CurrentUpdateID)

	current, _ := h.branch.Current()
	updates, err := h.store.DirectorUpdates(ctx, current.chosen().Writer.ID)
	require.NoError(t, err)
	assert.Len(t, updates, 1)
}

func TestConsolidateTwiceUpdatesCheckpointInPlace(t *testing.T) {
	h := newHarness(t, parkScenario(),
		`<alice> Let's go to the park.`, "setScene(\"park\")\nend",
		"Alice heads out.",
		"Alice walks to the park.",
	)
	ctx := context.Background()
	require.NoError(t, h.branch.PredictNext(ctx))
	require.NoError(t, h.branch.Consolidate(ctx, ConsolidateOptions{}))

	cp := h.branch.Checkpoint()
	require.NotNil(t, cp.Summary)
	assert.Equal(t, "Alice heads out.", *cp.Summary)
	assert.Equal(t, "park", cp.State.SceneID)
	assert.Empty(t, h.branch.Recent(), "the consolidated update moves to history")
	assert.Equal(t, []string{"Let's go to the park."}, texts(h.branch.Historical()))

	err := h.branch.Consolidate(ctx, ConsolidateOptions{})
	assert.True(t, apperrors.IsContractError(err))

	require.NoError(t, h.branch.Consolidate(ctx, ConsolidateOptions{Resummarize: true}))
	checkpoints, err := h.store.Checkpoints(ctx, h.sim.ID)
	require.NoError(t, err)
	require.Len(t, checkpoints, 2)
	again := h.branch.Checkpoint()
	assert.Equal(t, cp.ID, again.ID)
	assert.Equal(t, "Alice walks to the park.", *again.Summary)

	current, _ := h.branch.Current()
	stored, err := h.store.GetWriterUpdate(ctx, current.chosen().Writer.ID)
	require.NoError(t, err)
	assert.True(t, stored.DidConsolidate)
}

func TestConsolidateFailureKeepsOldCheckpoint(t *testing.T) {
	h := newHarness(t, parkScenario(), `<alice> Hello.`, "end", "   ")
	ctx := context.Background()
	require.NoError(t, h.branch.PredictNext(ctx))

	err := h.branch.Consolidate(ctx, ConsolidateOptions{})
	assert.True(t, apperrors.IsSemanticError(err), "got %v", err)
	assert.True(t, h.branch.Checkpoint().IsRoot())

	checkpoints, err := h.store.Checkpoints(ctx, h.sim.ID)
	require.NoError(t, err)
	assert.Len(t, checkpoints, 1)
}

func TestNewUpdatesAfterConsolidateUseNewCheckpoint(t *testing.T) {
	h := newHarness(t, parkScenario(),
		`<alice> Hello.`, "setExpression(\"alice\", \"happy\")\nend",
		`<narrator> Bob arrives.`, "addCharacter(\"bob\", \"suit\", \"neutral\")\nend",
		"Alice greets Bob.",
		`<bob> Shall we?`, "setScene(\"park\")\nend",
	)
	ctx := context.Background()
	require.NoError(t, h.branch.PredictNext(ctx))
	require.NoError(t, h.branch.PredictNext(ctx))
	require.NoError(t, h.branch.Consolidate(ctx, ConsolidateOptions{}))
	cp := h.branch.Checkpoint()
	require.NoError(t, h.branch.PredictNext(ctx))

	recent := h.branch.Recent()
	require.Len(t, recent, 1)
	assert.Equal(t, cp.ID, recent[0].chosen().Writer.CheckpointID)
	assert.Equal(t, []string{"Hello.", "Bob arrives."}, texts(h.branch.Historical()))

	// Crossing the checkpoint backwards replays from the root.
	require.NoError(t, h.branch.JumpToIndex(ctx, 0))
	state := h.branch.State()
	assert.Equal(t, "home", state.SceneID)
	assert.Equal(t, "happy", character(t, state, "alice").ExpressionID)
	assert.False(t, state.HasCharacter("bob"))
	assert.True(t, h.branch.Checkpoint().IsRoot())
	assert.Equal(t, []string{"Bob arrives.", "Shall we?"}, texts(h.branch.Future()))

	require.NoError(t, h.branch.GoForward(ctx))
	state = h.branch.State()
	assert.True(t, state.HasCharacter("bob"))
	assert.Equal(t, cp.ID, h.branch.Checkpoint().ID)
	require.NoError(t, h.branch.GoForward(ctx))
	assert.Equal(t, "park", h.branch.State().SceneID)

	reopened := h.reopen()
	assert.True(t, h.branch.State().Equal(reopened.State()))
	assert.Equal(t, []string{"Shall we?"}, texts(reopened.Recent()))
}

func TestNavigation(t *testing.T) {
	h := newHarness(t, parkScenario(),
		`<alice> One.`, "setExpression(\"alice\", \"happy\")\nend",
		`<alice> Two.`, "setOutfit(\"alice\", \"formal\")\nend",
		`<alice> Three.`, "setScene(\"park\")\nend",
	)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, h.branch.PredictNext(ctx))
	}
	afterThree := h.branch.State()

	require.NoError(t, h.branch.GoBack(ctx))
	assert.Equal(t, 1, h.branch.CurrentIndex())
	assert.Equal(t, "home", h.branch.State().SceneID)
	assert.Equal(t, "formal", character(t, h.branch.State(), "alice").OutfitID)

	require.NoError(t, h.branch.GoBack(ctx))
	assert.Equal(t, "casual", character(t, h.branch.State(), "alice").OutfitID)
	assert.Equal(t, "happy", character(t, h.branch.State(), "alice").ExpressionID)

	err := h.branch.GoBack(ctx)
	assert.True(t, apperrors.IsContractError(err))

	err = h.branch.PredictNext(ctx)
	assert.True(t, apperrors.IsContractError(err), "cannot generate with future updates")

	require.NoError(t, h.branch.JumpToIndex(ctx, 2))
	assert.True(t, afterThree.Equal(h.branch.State()))

	err = h.branch.GoForward(ctx)
	assert.True(t, apperrors.IsContractError(err))
	assert.True(t, apperrors.IsContractError(h.branch.JumpToIndex(ctx, 3)))

	sim, err := h.store.GetSimulation(ctx, h.sim.ID)
	require.NoError(t, err)
	current, _ := h.branch.Current()
	assert.Equal(t, current.chosen().Writer.ID, *sim.CurrentUpdateID)
}

func TestHistoryPagesLoadOnDemand(t *testing.T) {
	h := newHarness(t, parkScenario(),
		`<alice> One.`, "end",
		`<alice> Two.`, "end",
		"Alice counts.",
		`<alice> Three.`, "end",
		`<alice> Four.`, "end",
		`<alice> Five.`, "end",
	)
	ctx := context.Background()
	require.NoError(t, h.branch.PredictNext(ctx))
	require.NoError(t, h.branch.PredictNext(ctx))
	require.NoError(t, h.branch.Consolidate(ctx, ConsolidateOptions{}))
	for i := 0; i < 3; i++ {
		require.NoError(t, h.branch.PredictNext(ctx))
	}

	reopened := h.reopen()
	assert.Equal(t, []string{"Three.", "Four.", "Five."}, texts(reopened.Recent()), "recent is always complete")
	assert.Equal(t, []string{"One.", "Two."}, texts(reopened.Historical()), "one page of history")

	n, err := reopened.LoadMoreHistory(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, reopened.JumpToIndex(ctx, 2))
	assert.Equal(t, []string{"Four.", "Five."}, texts(reopened.Future()))
}

func TestManualCommandsAreCommittedBeforeNextStep(t *testing.T) {
	h := newHarness(t, parkScenario(),
		`<alice> Hello.`, "end",
		`<alice> I feel great.`, "end",
	)
	ctx := context.Background()
	require.NoError(t, h.branch.PredictNext(ctx))
	first, _ := h.branch.Current()
	firstID := first.chosen().Writer.ID

	err := h.branch.ApplyManualCommands(ctx, models.Commands{models.SetExpression{CharacterID: "alice", ExpressionID: "angry"}})
	assert.True(t, apperrors.IsValidationError(err))
	err = h.branch.ApplyManualCommands(ctx, models.Commands{models.SetOutfit{CharacterID: "bob", OutfitID: "suit"}})
	assert.True(t, apperrors.IsInvalidTransition(err))
	assert.False(t, h.branch.Dirty())

	require.NoError(t, h.branch.ApplyManualCommands(ctx, models.Commands{models.SetExpression{CharacterID: "alice", ExpressionID: "happy"}}))
	assert.True(t, h.branch.Dirty())

	require.NoError(t, h.branch.PredictNext(ctx))
	assert.False(t, h.branch.Dirty())
	assert.Equal(t, "happy", character(t, h.branch.State(), "alice").ExpressionID)

	applied, err := h.store.AppliedDirectorUpdate(ctx, firstID)
	require.NoError(t, err)
	require.NotNil(t, applied.Preference)
	assert.True(t, *applied.Preference)
	assert.Equal(t, models.Commands{models.SetExpression{CharacterID: "alice", ExpressionID: "happy"}}, applied.Code)

	// Navigating back and forth replays the committed edit.
	require.NoError(t, h.branch.GoBack(ctx))
	assert.Equal(t, "happy", character(t, h.branch.State(), "alice").ExpressionID)
	assert.True(t, h.reopen().State().Equal(h.branch.State()))
}

func TestManualCommandsThatMatchStoredCodeAreNotCommitted(t *testing.T) {
	h := newHarness(t, parkScenario(), `<alice> Hello.`, "setExpression(\"alice\", \"happy\")\nend")
	ctx := context.Background()
	require.NoError(t, h.branch.PredictNext(ctx))
	current, _ := h.branch.Current()

	require.NoError(t, h.branch.ApplyManualCommands(ctx, models.Commands{
		models.SetExpression{CharacterID: "alice", ExpressionID: "neutral"},
		models.SetExpression{CharacterID: "alice", ExpressionID: "happy"},
	}))
	require.NoError(t, h.branch.CommitCurrentState(ctx))
	assert.False(t, h.branch.Dirty())

	updates, err := h.store.DirectorUpdates(ctx, current.chosen().Writer.ID)
	require.NoError(t, err)
	assert.Len(t, updates, 1)
}

func TestManualCommandsBeforeFirstUpdateEditRootCheckpoint(t *testing.T) {
	h := newHarness(t, parkScenario())
	ctx := context.Background()
	require.NoError(t, h.branch.ApplyManualCommands(ctx, models.Commands{models.SetScene{SceneID: "park"}}))
	require.NoError(t, h.branch.CommitCurrentState(ctx))

	root, err := h.store.RootCheckpoint(ctx, h.sim.ID)
	require.NoError(t, err)
	assert.Equal(t, "park", root.State.SceneID)
	assert.Equal(t, "park", h.reopen().State().SceneID)
}

func TestEpisodeChunksPlayWithoutInference(t *testing.T) {
	h := newHarness(t, episodeScenario(), `<alice> Hi Bob!`, "end")
	ctx := context.Background()

	state := h.branch.State()
	require.NotNil(t, state.CurrentEpisode)
	assert.Equal(t, 2, state.CurrentEpisode.TotalChunks)
	require.NotNil(t, h.sim.StarterEpisodeID)

	err := h.branch.PredictNext(ctx)
	assert.True(t, apperrors.IsContractError(err), "episode must finish first")

	require.NoError(t, h.branch.AdvanceEpisode(ctx))
	assert.Equal(t, 1, h.branch.State().CurrentEpisode.NextChunkIndex)
	err = h.branch.CreateVariant(ctx)
	assert.True(t, apperrors.IsContractError(err), "chunks cannot be regenerated")

	require.NoError(t, h.branch.AdvanceEpisode(ctx))
	state = h.branch.State()
	assert.Nil(t, state.CurrentEpisode)
	assert.Equal(t, "park", state.SceneID)
	assert.True(t, state.HasCharacter("bob"))
	assert.Zero(t, h.rt.InferCount())

	current, _ := h.branch.Current()
	w := current.chosen().Writer
	require.NotNil(t, w.EpisodeID)
	assert.Equal(t, "intro", *w.EpisodeID)
	assert.Equal(t, 1, *w.EpisodeChunkIndex)

	assert.True(t, apperrors.IsContractError(h.branch.AdvanceEpisode(ctx)))

	reopened := h.reopen()
	assert.True(t, state.Equal(reopened.State()))

	require.NoError(t, h.branch.GoBack(ctx))
	assert.Equal(t, 1, h.branch.State().CurrentEpisode.NextChunkIndex)
	require.NoError(t, h.branch.GoForward(ctx))

	require.NoError(t, h.branch.PredictNext(ctx))
	assert.Equal(t, "Hi Bob!", texts(h.branch.Recent())[2])
}

func TestSayInsertsPlayerLine(t *testing.T) {
	h := newHarness(t, parkScenario(), "setExpression(\"alice\", \"happy\")\nend")
	ctx := context.Background()

	err := h.branch.Say(ctx, strPtr("bob"), "Hi.")
	assert.True(t, apperrors.IsValidationError(err), "bob is not on stage")
	assert.True(t, apperrors.IsValidationError(h.branch.Say(ctx, nil, "  ")))

	require.NoError(t, h.branch.Say(ctx, strPtr("alice"), "What a lovely morning."))
	current, _ := h.branch.Current()
	w := current.chosen().Writer
	assert.True(t, w.CreatedByPlayer)
	assert.Equal(t, "What a lovely morning.", w.Text)
	assert.Equal(t, "happy", character(t, h.branch.State(), "alice").ExpressionID)
	assert.Equal(t, 1, h.rt.InferCount(), "only the director runs")
}

func TestSemanticRetries(t *testing.T) {
	h := newHarness(t, parkScenario(),
		"no speaker here",
		`<alice> Fine.`,
		"setScene(\"nowhere\")\nend",
		"removeCharacter(\"alice\")\nend",
		"setExpression(\"alice\", \"happy\")\nend",
	)
	ctx := context.Background()
	require.NoError(t, h.branch.PredictNext(ctx))

	assert.Equal(t, 5, h.rt.InferCount())
	current, _ := h.branch.Current()
	assert.Equal(t, "Fine.", current.chosen().Writer.Text)
	assert.Equal(t, "happy", character(t, h.branch.State(), "alice").ExpressionID)
}

func TestSemanticRetriesExhaustedPersistNothing(t *testing.T) {
	h := newHarness(t, parkScenario(), "one", "two", "three")
	ctx := context.Background()

	err := h.branch.PredictNext(ctx)
	assert.True(t, apperrors.IsSemanticError(err), "got %v", err)
	_, ok := h.branch.Current()
	assert.False(t, ok)

	sim, err := h.store.GetSimulation(ctx, h.sim.ID)
	require.NoError(t, err)
	assert.Nil(t, sim.CurrentUpdateID)
	assert.False(t, h.branch.Busy())
}

// blockingWriter holds PredictNext in flight until released.
type blockingWriter struct {
	started chan struct{}
	release chan struct{}
}

func (w *blockingWriter) Infer(ctx context.Context, in WriterInput) (WriterOutput, error) {
	if in.OnToken != nil {
		in.OnToken("Time ")
	}
	close(w.started)
	select {
	case <-w.release:
		return WriterOutput{Text: "Time passes."}, nil
	case <-ctx.Done():
		return WriterOutput{}, apperrors.NewCanceledError("writer canceled", ctx.Err())
	}
}

func (w *blockingWriter) Summarize(ctx context.Context, in SummaryInput) (string, error) {
	return "summary", nil
}

type fixedDirector struct{ cmds models.Commands }

func (d fixedDirector) Infer(ctx context.Context, in DirectorInput) (models.Commands, error) {
	return d.cmds, nil
}

func newBlockingHarness(t *testing.T) (*harness, *blockingWriter) {
	t.Helper()
	store, err := storage.Open(storage.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	writer := &blockingWriter{started: make(chan struct{}), release: make(chan struct{})}
	deps := BranchDeps{
		Store:    store,
		Scenario: parkScenario(),
		Writer:   writer,
		Director: fixedDirector{},
		Locks:    NewLockManager(),
		Logger:   zap.NewNop(),
	}
	return newHarnessWith(t, store, nil, deps), writer
}

func TestMutationsFailFastWhileBusy(t *testing.T) {
	h, writer := newBlockingHarness(t)
	ctx := context.Background()

	errCh := make(chan error, 1)
	go func() { errCh <- h.branch.PredictNext(ctx) }()
	<-writer.started

	assert.True(t, h.branch.Busy())
	assert.Equal(t, "Time ", h.branch.Pending())
	assert.True(t, apperrors.IsBusyError(h.branch.GoBack(ctx)))
	assert.True(t, apperrors.IsBusyError(h.branch.ApplyManualCommands(ctx, nil)))
	assert.True(t, apperrors.IsBusyError(h.branch.PredictNext(ctx)))
	_, ok := h.branch.Current()
	assert.False(t, ok, "reads do not wait for the operation")

	close(writer.release)
	require.NoError(t, <-errCh)
	assert.False(t, h.branch.Busy())
	assert.Empty(t, h.branch.Pending())
	current, ok := h.branch.Current()
	require.True(t, ok)
	assert.Equal(t, "Time passes.", current.chosen().Writer.Text)
}

func TestCancelledPredictNextPersistsNothing(t *testing.T) {
	h, writer := newBlockingHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- h.branch.PredictNext(ctx) }()
	<-writer.started
	cancel()

	err := <-errCh
	assert.True(t, apperrors.IsCanceled(err))
	assert.True(t, errors.Is(err, context.Canceled))
	_, ok := h.branch.Current()
	assert.False(t, ok)
	assert.False(t, h.branch.Busy())

	sim, err := h.store.GetSimulation(context.Background(), h.sim.ID)
	require.NoError(t, err)
	assert.Nil(t, sim.CurrentUpdateID)
}

func TestSubscribeReceivesEvents(t *testing.T) {
	h, writer := newBlockingHarness(t)
	close(writer.release)

	events, cancel := h.branch.Subscribe(8)
	defer cancel()

	require.NoError(t, h.branch.PredictNext(context.Background()))

	var kinds []EventKind
	timeout := time.After(time.Second)
	for len(kinds) < 3 {
		select {
		case e := <-events:
			assert.Equal(t, h.sim.ID, e.SimulationID)
			kinds = append(kinds, e.Kind)
		case <-timeout:
			t.Fatalf("got only %v", kinds)
		}
	}
	assert.Equal(t, []EventKind{EventBusy, EventToken, EventUpdated}, kinds)

	cancel()
	_, open := <-events
	assert.False(t, open)
}

func TestSetPreference(t *testing.T) {
	h := newHarness(t, parkScenario(), `<alice> Hello.`, "end")
	ctx := context.Background()
	require.NoError(t, h.branch.PredictNext(ctx))
	current, _ := h.branch.Current()
	id := current.chosen().Writer.ID

	require.NoError(t, h.branch.SetPreference(ctx, id, models.Dislike()))
	current, _ = h.branch.Current()
	require.NotNil(t, current.chosen().Writer.Preference)
	assert.False(t, *current.chosen().Writer.Preference)

	stored, err := h.store.GetWriterUpdate(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, stored.Preference)
	assert.False(t, *stored.Preference)

	assert.True(t, apperrors.IsNotFoundError(h.branch.SetPreference(ctx, "missing", models.Like())))
}

func TestOpenRejectsScenarioMismatch(t *testing.T) {
	h := newHarness(t, parkScenario())
	deps := h.deps
	other := parkScenario()
	other.ID = "other"
	deps.Scenario = other
	_, err := OpenStoryBranch(context.Background(), deps, h.sim.ID)
	assert.True(t, apperrors.IsValidationError(err))
}

func strPtr(s string) *string { return &s }

func TestPredictNextIsTraced(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	otel.SetTracerProvider(tp)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	h := newHarness(t, parkScenario(), `<alice> Hello.`, "end")
	require.NoError(t, h.branch.PredictNext(context.Background()))

	kinds := map[string]trace.SpanKind{}
	for _, span := range recorder.Ended() {
		kinds[span.Name()] = span.SpanKind()
	}
	assert.Contains(t, kinds, "branch.PredictNext")
	assert.Contains(t, kinds, "inference.Decode")
	assert.Equal(t, trace.SpanKindClient, kinds["inference.Infer"])
}

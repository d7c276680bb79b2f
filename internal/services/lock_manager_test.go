package services

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "github.com/Corphon/SceneWeaver/internal/errors"
	"github.com/Corphon/SceneWeaver/internal/storage"
)

func TestLockManagerFailsFast(t *testing.T) {
	lm := NewLockManager()

	release, err := lm.TryAcquire("sim-1", "PredictNext")
	require.NoError(t, err)
	assert.True(t, lm.IsBusy("sim-1"))

	holder, ok := lm.Holder("sim-1")
	require.True(t, ok)
	assert.Equal(t, "PredictNext", holder.Operation)

	_, err = lm.TryAcquire("sim-1", "GoBack")
	assert.True(t, apperrors.IsBusyError(err))

	other, err := lm.TryAcquire("sim-2", "GoBack")
	require.NoError(t, err, "simulations are independent")
	other()

	release()
	release()
	assert.False(t, lm.IsBusy("sim-1"))

	again, err := lm.TryAcquire("sim-1", "GoBack")
	require.NoError(t, err)
	// A stale release from the first holder must not free the new one.
	release()
	assert.True(t, lm.IsBusy("sim-1"))
	again()
}

func TestLockManagerAdmitsOneOfManyConcurrentCallers(t *testing.T) {
	lm := NewLockManager()
	var admitted atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	releases := make(chan func(), 16)

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if release, err := lm.TryAcquire("sim", "op"); err == nil {
				admitted.Add(1)
				releases <- release
			}
		}()
	}
	close(start)
	wg.Wait()
	close(releases)

	assert.Equal(t, int32(1), admitted.Load())
	for release := range releases {
		release()
	}
	assert.False(t, lm.IsBusy("sim"))
}

func TestSimulationServiceLifecycle(t *testing.T) {
	store, err := storage.Open(storage.MemoryPath)
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()
	svc := NewSimulationService(store, zap.NewNop())

	sim, err := svc.Create(ctx, episodeScenario())
	require.NoError(t, err)
	assert.NotEmpty(t, sim.ID)
	assert.Nil(t, sim.CurrentUpdateID)
	require.NotNil(t, sim.StarterEpisodeID)

	root, err := store.RootCheckpoint(ctx, sim.ID)
	require.NoError(t, err)
	assert.Nil(t, root.Summary)
	assert.Equal(t, "home", root.State.SceneID)
	require.NotNil(t, root.State.CurrentEpisode)
	assert.Equal(t, "intro", root.State.CurrentEpisode.ID)

	list, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, svc.Delete(ctx, sim.ID))
	_, err = svc.Get(ctx, sim.ID)
	assert.True(t, apperrors.IsNotFoundError(err))
	_, err = store.RootCheckpoint(ctx, sim.ID)
	assert.True(t, apperrors.IsNotFoundError(err))
}

func TestSimulationServiceRejectsBadStart(t *testing.T) {
	store, err := storage.Open(storage.MemoryPath)
	require.NoError(t, err)
	defer store.Close()
	svc := NewSimulationService(store, zap.NewNop())

	bad := parkScenario()
	bad.Start.Characters[0].OutfitID = "pyjamas"
	_, err = svc.Create(context.Background(), bad)
	assert.True(t, apperrors.IsValidationError(err))

	bad = parkScenario()
	bad.Start.SceneID = "moon"
	_, err = svc.Create(context.Background(), bad)
	assert.True(t, apperrors.IsValidationError(err))

	list, err := svc.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}

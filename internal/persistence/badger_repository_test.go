package persistence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weekly-stage-bot/internal/models"
)

func newTestRepo(t *testing.T) StateRepository {
	t.Helper()
	repo, err := NewBadgerRepository("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestLoadState_Empty(t *testing.T) {
	repo := newTestRepo(t)
	state, err := repo.LoadState()
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestSaveAndLoad(t *testing.T) {
	repo := newTestRepo(t)
	now := time.Date(2024, 5, 10, 15, 30, 0, 0, time.UTC)

	state := models.NewPortfolioState()
	state.LastUpdateTime = now
	state.Positions["600519"] = &models.Position{Symbol: "600519", EntryPrice: 1500, Shares: 100, StopLoss: 1380, EntryTime: now}
	state.Positions["000001"] = &models.Position{Symbol: "000001", EntryPrice: 12, Shares: 5000, StopLoss: 11, AddOnCount: 1}
	require.NoError(t, repo.SaveState(state))

	loaded, err := repo.LoadState()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, 1, loaded.Version)
	assert.True(t, now.Equal(loaded.LastUpdateTime))
	require.Len(t, loaded.Positions, 2)
	assert.Equal(t, 1380.0, loaded.Positions["600519"].StopLoss)
	assert.Equal(t, 1, loaded.Positions["000001"].AddOnCount)
}

func TestSaveState_RemovesClosedPositions(t *testing.T) {
	repo := newTestRepo(t)

	state := models.NewPortfolioState()
	state.Positions["A"] = &models.Position{Symbol: "A", EntryPrice: 10, Shares: 100}
	state.Positions["B"] = &models.Position{Symbol: "B", EntryPrice: 20, Shares: 100}
	require.NoError(t, repo.SaveState(state))

	delete(state.Positions, "A")
	require.NoError(t, repo.SaveState(state))

	loaded, err := repo.LoadState()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.NotContains(t, loaded.Positions, "A")
	assert.Contains(t, loaded.Positions, "B")

	// 全部平仓后仍能读回空组合
	delete(state.Positions, "B")
	require.NoError(t, repo.SaveState(state))
	loaded, err = repo.LoadState()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Empty(t, loaded.Positions)
}

func TestSaveState_Nil(t *testing.T) {
	repo := newTestRepo(t)
	assert.Error(t, repo.SaveState(nil))
}

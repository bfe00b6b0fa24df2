package runstore

import (
	"context"
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/tsawler/visiontrain/training"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open("sqlite", ":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("oracle", "", nil)
	assert.Error(t, err)
}

func TestStoreCreateFindUpdate(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	assert.ErrorIs(t, store.Create(ctx, nil), ErrNilRun)
	assert.ErrorIs(t, store.Create(ctx, &Run{}), ErrInvalidRunID)

	run := &Run{RunID: "run-1", ProjectID: "p", Task: "classification", Status: training.StatusRunning}
	require.NoError(t, store.Create(ctx, run))
	assert.NotZero(t, run.ID)

	require.NoError(t, store.Update(ctx, "run-1", map[string]interface{}{"current_epoch": 4}))
	got, err := store.Find(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 4, got.CurrentEpoch)
	assert.False(t, got.Terminal())

	err = store.Update(ctx, "missing", map[string]interface{}{"current_epoch": 1})
	assert.True(t, errors.Is(err, gorm.ErrRecordNotFound))
	_, err = store.Find(ctx, "missing")
	assert.True(t, errors.Is(err, gorm.ErrRecordNotFound))
}

func TestStoreListFiltersAndPages(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		status := training.StatusSuccess
		if i%2 == 1 {
			status = training.StatusFailed
		}
		project := "a"
		if i == 4 {
			project = "b"
		}
		require.NoError(t, store.Create(ctx, &Run{RunID: fmt.Sprintf("run-%d", i), ProjectID: project, Status: status}))
	}

	runs, total, err := store.List(ctx, QueryParams{PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-4", runs[0].RunID)

	project := "a"
	success := training.StatusSuccess
	runs, total, err = store.List(ctx, QueryParams{ProjectID: &project, Status: &success})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Equal(t, []string{"run-2", "run-0"}, []string{runs[0].RunID, runs[1].RunID})
}

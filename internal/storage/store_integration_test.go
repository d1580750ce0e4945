package storage_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/fletcher-data/fletcher/internal/config"
	"github.com/fletcher-data/fletcher/internal/core"
	"github.com/fletcher-data/fletcher/internal/storage"
)

func setupStore(ctx context.Context, t *testing.T) *storage.Store {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	testDB := config.SetupTestDatabase(ctx, t)
	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	conn := &storage.Connection{DB: testDB.Connection}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return storage.NewStore(conn, logger)
}

func TestStoreIntegration_ApplyPlanThenGetPlan(t *testing.T) {
	ctx := context.Background()
	store := setupStore(ctx, t)

	now := time.Now().UTC().Truncate(time.Microsecond)

	dataset, products, dependencies, err := store.ApplyPlan(ctx, "ds-linear", nil, []core.DataProduct{
		{DatasetID: "ds-linear", ID: "A", Compute: core.ComputeCAMS, Name: "a", Version: "1", Eager: true, State: core.StateWaiting},
		{DatasetID: "ds-linear", ID: "B", Compute: core.ComputeCAMS, Name: "b", Version: "1", Eager: true, State: core.StateWaiting},
		{DatasetID: "ds-linear", ID: "C", Compute: core.ComputeDBXaaS, Name: "c", Version: "1", Eager: true, State: core.StateWaiting},
	}, []core.Dependency{
		{DatasetID: "ds-linear", ParentID: "A", ChildID: "B"},
		{DatasetID: "ds-linear", ParentID: "B", ChildID: "C"},
	}, "tester", now)

	require.NoError(t, err)
	assert.Equal(t, "ds-linear", dataset.ID)
	assert.False(t, dataset.Paused)
	assert.Len(t, products, 3)
	assert.Len(t, dependencies, 2)

	gotDataset, gotProducts, gotDependencies, err := store.GetPlan(ctx, "ds-linear")

	require.NoError(t, err)
	assert.Equal(t, dataset.ID, gotDataset.ID)
	assert.Len(t, gotProducts, 3)
	assert.Len(t, gotDependencies, 2)
}

func TestStoreIntegration_ApplyPlanPrunesUnresubmittedProductsAndDependencies(t *testing.T) {
	ctx := context.Background()
	store := setupStore(ctx, t)

	now := time.Now().UTC().Truncate(time.Microsecond)

	_, _, _, err := store.ApplyPlan(ctx, "ds-prune", nil, []core.DataProduct{
		{DatasetID: "ds-prune", ID: "A", Compute: core.ComputeCAMS, Name: "a", Version: "1", State: core.StateWaiting},
		{DatasetID: "ds-prune", ID: "B", Compute: core.ComputeCAMS, Name: "b", Version: "1", State: core.StateWaiting},
	}, []core.Dependency{
		{DatasetID: "ds-prune", ParentID: "A", ChildID: "B"},
	}, "tester", now)
	require.NoError(t, err)

	// Resubmit without B: B should be disabled, its dependency deleted.
	_, products, dependencies, err := store.ApplyPlan(ctx, "ds-prune", nil, []core.DataProduct{
		{DatasetID: "ds-prune", ID: "A", Compute: core.ComputeCAMS, Name: "a", Version: "1", State: core.StateWaiting},
	}, nil, "tester", now.Add(time.Minute))
	require.NoError(t, err)

	assert.Empty(t, dependencies)
	require.Len(t, products, 2)

	byID := make(map[string]core.DataProduct, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}

	assert.Equal(t, core.StateWaiting, byID["A"].State)
	assert.Equal(t, core.StateDisabled, byID["B"].State)
}

func TestStoreIntegration_ApplyPlanResurrectsDisabledProduct(t *testing.T) {
	ctx := context.Background()
	store := setupStore(ctx, t)

	now := time.Now().UTC().Truncate(time.Microsecond)

	_, _, _, err := store.ApplyPlan(ctx, "ds-resurrect", nil, []core.DataProduct{
		{DatasetID: "ds-resurrect", ID: "A", Compute: core.ComputeCAMS, Name: "a", Version: "1", State: core.StateWaiting},
	}, nil, "tester", now)
	require.NoError(t, err)

	_, err = store.DisableDataProducts(ctx, "ds-resurrect", []string{"A"}, "tester", now.Add(time.Minute))
	require.NoError(t, err)

	_, products, _, err := store.ApplyPlan(ctx, "ds-resurrect", nil, []core.DataProduct{
		{DatasetID: "ds-resurrect", ID: "A", Compute: core.ComputeCAMS, Name: "a", Version: "1", State: core.StateWaiting},
	}, nil, "tester", now.Add(2*time.Minute))
	require.NoError(t, err)

	require.Len(t, products, 1)
	assert.Equal(t, core.StateWaiting, products[0].State)
}

func TestStoreIntegration_UpdateDataProductRuntimeRejectsIllegalTransitionAsWholeBatch(t *testing.T) {
	ctx := context.Background()
	store := setupStore(ctx, t)

	now := time.Now().UTC().Truncate(time.Microsecond)

	_, _, _, err := store.ApplyPlan(ctx, "ds-batch", nil, []core.DataProduct{
		{DatasetID: "ds-batch", ID: "A", Compute: core.ComputeCAMS, Name: "a", Version: "1", State: core.StateWaiting},
		{DatasetID: "ds-batch", ID: "B", Compute: core.ComputeCAMS, Name: "b", Version: "1", State: core.StateWaiting},
	}, nil, "tester", now)
	require.NoError(t, err)

	_, err = store.TransitionToQueued(ctx, "ds-batch", []string{"A"}, "tester", now.Add(time.Minute))
	require.NoError(t, err)

	// A: queued -> running is legal. B: waiting -> running is not. Whole batch must abort.
	_, err = store.UpdateDataProductRuntime(ctx, "ds-batch", []core.RuntimeUpdate{
		{DataProductID: "A", State: core.StateRunning},
		{DataProductID: "B", State: core.StateRunning},
	}, "tester", now.Add(2*time.Minute))

	require.Error(t, err)

	_, products, _, err := store.GetPlan(ctx, "ds-batch")
	require.NoError(t, err)

	for _, p := range products {
		if p.ID == "A" {
			assert.Equal(t, core.StateQueued, p.State, "A must remain queued: batch should have aborted with no partial commit")
		}
	}
}

func TestStoreIntegration_ClearSubtreeTransitionsDescendantsToWaiting(t *testing.T) {
	ctx := context.Background()
	store := setupStore(ctx, t)

	now := time.Now().UTC().Truncate(time.Microsecond)

	_, _, _, err := store.ApplyPlan(ctx, "ds-clear", nil, []core.DataProduct{
		{DatasetID: "ds-clear", ID: "A", Compute: core.ComputeCAMS, Name: "a", Version: "1", State: core.StateWaiting},
		{DatasetID: "ds-clear", ID: "B", Compute: core.ComputeCAMS, Name: "b", Version: "1", State: core.StateWaiting},
		{DatasetID: "ds-clear", ID: "C", Compute: core.ComputeCAMS, Name: "c", Version: "1", State: core.StateWaiting},
	}, []core.Dependency{
		{DatasetID: "ds-clear", ParentID: "A", ChildID: "B"},
		{DatasetID: "ds-clear", ParentID: "B", ChildID: "C"},
	}, "tester", now)
	require.NoError(t, err)

	cleared, err := store.ClearSubtree(ctx, "ds-clear", []string{"B"}, "operator", now.Add(time.Minute))

	require.NoError(t, err)

	ids := make([]string, 0, len(cleared))
	for _, p := range cleared {
		ids = append(ids, p.ID)
		assert.Equal(t, core.StateWaiting, p.State)
	}

	assert.ElementsMatch(t, []string{"B", "C"}, ids)
}

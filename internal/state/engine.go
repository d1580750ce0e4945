package state

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fletcher-data/fletcher/internal/core"
	"github.com/fletcher-data/fletcher/internal/dag"
)

// Dispatcher submits a queued product to its compute platform. Satisfied by
// *trigger.Dispatcher; declared here so state does not import trigger.
type Dispatcher interface {
	Dispatch(ctx context.Context, product core.DataProduct)
}

// Engine implements the State Engine: applying compute-reported runtime
// updates, clearing subtrees back to waiting, disabling products, and
// recomputing which waiting products have become eligible to queue.
type Engine struct {
	store      core.Store
	dispatcher Dispatcher
	logger     *slog.Logger
}

// NewEngine builds a State Engine over store, dispatching newly-queued
// products through dispatcher.
func NewEngine(store core.Store, dispatcher Dispatcher, logger *slog.Logger) *Engine {
	return &Engine{store: store, dispatcher: dispatcher, logger: logger}
}

// Update applies a batch of compute-reported runtime transitions within a
// single store transaction: any entry whose from->to is illegal aborts the
// whole batch, per the all-or-nothing requirement on this operation. Any
// entry whose new state is queued (an explicit retry or an operator-issued
// queue on a non-eager product) is dispatched directly, since that is the
// commit point recording "a dispatch is owed" for that product. On success
// it also recomputes trigger eligibility for the dataset, so a product this
// batch moved to success can queue its own eager children.
func (e *Engine) Update(ctx context.Context, datasetID string, updates []core.RuntimeUpdate, actor string, now time.Time) ([]core.DataProduct, error) {
	if len(updates) == 0 {
		return nil, &core.ValidationError{Detail: "update requires at least one entry"}
	}

	updated, err := e.store.UpdateDataProductRuntime(ctx, datasetID, updates, actor, now)
	if err != nil {
		return nil, fmt.Errorf("update data product runtime: %w", err)
	}

	for _, product := range updated {
		if product.State == core.StateQueued {
			e.dispatcher.Dispatch(ctx, product)
		}
	}

	if err := e.Recompute(ctx, datasetID, actor, now); err != nil {
		e.logger.Error("recompute after update failed",
			slog.String("dataset_id", datasetID),
			slog.String("error", err.Error()),
		)
	}

	return updated, nil
}

// Clear transitions seedIDs and their full descendant closure back to
// waiting in one transaction, then recomputes so any now-eligible eager
// descendant is immediately re-queued (a clear does not leave an eager
// chain stalled).
func (e *Engine) Clear(ctx context.Context, datasetID string, seedIDs []string, actor string, now time.Time) ([]core.DataProduct, error) {
	if len(seedIDs) == 0 {
		return nil, &core.ValidationError{Detail: "clear requires at least one data product id"}
	}

	cleared, err := e.store.ClearSubtree(ctx, datasetID, seedIDs, actor, now)
	if err != nil {
		return nil, fmt.Errorf("clear subtree: %w", err)
	}

	if err := e.Recompute(ctx, datasetID, actor, now); err != nil {
		e.logger.Error("recompute after clear failed",
			slog.String("dataset_id", datasetID),
			slog.String("error", err.Error()),
		)
	}

	return cleared, nil
}

// Disable transitions dataProductIDs to disabled without cascading to
// descendants; a disabled product simply never becomes eligible again
// until an explicit clear or plan resurrection.
func (e *Engine) Disable(ctx context.Context, datasetID string, dataProductIDs []string, actor string, now time.Time) ([]core.DataProduct, error) {
	if len(dataProductIDs) == 0 {
		return nil, &core.ValidationError{Detail: "disable requires at least one data product id"}
	}

	disabled, err := e.store.DisableDataProducts(ctx, datasetID, dataProductIDs, actor, now)
	if err != nil {
		return nil, fmt.Errorf("disable data products: %w", err)
	}

	return disabled, nil
}

// Recompute rebuilds the dataset's graph fresh from the store, finds every
// waiting, eager product whose parents have all succeeded, and queues them
// (dispatching each to its compute platform). It is a no-op when the
// dataset is paused: paused datasets never auto-queue, though explicit
// retries and submit-time validation are unaffected.
func (e *Engine) Recompute(ctx context.Context, datasetID string, actor string, now time.Time) error {
	dataset, products, dependencies, err := e.store.GetPlan(ctx, datasetID)
	if err != nil {
		return fmt.Errorf("get plan: %w", err)
	}

	if dataset.Paused {
		return nil
	}

	nodes := make([]dag.Node, 0, len(products))
	byID := make(map[string]core.DataProduct, len(products))

	for _, p := range products {
		nodes = append(nodes, dag.Node{ID: p.ID, Eager: p.Eager, State: string(p.State)})
		byID[p.ID] = p
	}

	edges := make([]dag.Edge, 0, len(dependencies))
	for _, d := range dependencies {
		edges = append(edges, dag.Edge{Parent: d.ParentID, Child: d.ChildID})
	}

	stateOf := func(id string) string {
		return string(byID[id].State)
	}

	ready := dag.ReadyNodes(nodes, edges, stateOf)
	if len(ready) == 0 {
		return nil
	}

	queued, err := e.store.TransitionToQueued(ctx, datasetID, ready, actor, now)
	if err != nil {
		return fmt.Errorf("transition to queued: %w", err)
	}

	for _, product := range queued {
		e.dispatcher.Dispatch(ctx, product)
	}

	return nil
}

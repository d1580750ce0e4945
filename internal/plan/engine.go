// Package plan implements the Plan Engine: admitting a whole plan (dataset,
// data products, dependencies), validating it structurally, writing it
// atomically, and triggering a recompute once it lands.
package plan

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/fletcher-data/fletcher/internal/core"
	"github.com/fletcher-data/fletcher/internal/dag"
)

// Recomputer is the subset of the State Engine the Plan Engine calls after
// a successful commit. Declared here so plan does not import state.
type Recomputer interface {
	Recompute(ctx context.Context, datasetID string, actor string, now time.Time) error
}

// Submission is the caller-supplied plan: a dataset plus its data products
// and dependencies, exactly as submitted to POST /api/plan.
type Submission struct {
	DatasetID    string
	DatasetExtra json.RawMessage
	Products     []core.DataProduct
	Dependencies []core.Dependency
}

// Engine implements submit_plan.
type Engine struct {
	store  core.Store
	recomp Recomputer
	logger *slog.Logger
}

// NewEngine builds a Plan Engine over store, invoking recomp after every
// successful plan commit.
func NewEngine(store core.Store, recomp Recomputer, logger *slog.Logger) *Engine {
	return &Engine{store: store, recomp: recomp, logger: logger}
}

// Submit validates sub and, if valid, writes it in a single transaction,
// pruning any product/dependency the dataset currently has that sub does
// not resubmit. It returns the committed snapshot.
func (e *Engine) Submit(ctx context.Context, sub Submission, actor string, now time.Time) (*core.Dataset, []core.DataProduct, []core.Dependency, error) {
	if err := validateSyntax(sub); err != nil {
		return nil, nil, nil, err
	}

	if err := validateCompute(sub.Products); err != nil {
		return nil, nil, nil, err
	}

	nodes := make([]dag.Node, 0, len(sub.Products))
	for _, p := range sub.Products {
		nodes = append(nodes, dag.Node{ID: p.ID, Eager: p.Eager, State: string(p.State)})
	}

	edges := make([]dag.Edge, 0, len(sub.Dependencies))
	for _, d := range sub.Dependencies {
		edges = append(edges, dag.Edge{Parent: d.ParentID, Child: d.ChildID})
	}

	report := dag.HasCycle(nodes, edges)
	if report.HasCycle {
		return nil, nil, nil, &core.CycleError{Path: report.Path}
	}

	dataset, products, dependencies, err := e.store.ApplyPlan(ctx, sub.DatasetID, sub.DatasetExtra, sub.Products, sub.Dependencies, actor, now)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("apply plan: %w", err)
	}

	if err := e.recomp.Recompute(ctx, sub.DatasetID, actor, now); err != nil {
		e.logger.Error("recompute after plan submission failed",
			slog.String("dataset_id", sub.DatasetID),
			slog.String("error", err.Error()),
		)
	}

	return dataset, products, dependencies, nil
}

func validateSyntax(sub Submission) error {
	if sub.DatasetID == "" {
		return &core.ValidationError{Detail: "dataset id is required"}
	}

	seenProducts := make(map[string]struct{}, len(sub.Products))
	for _, p := range sub.Products {
		if p.ID == "" {
			return &core.ValidationError{Detail: "data product id is required"}
		}

		if _, dup := seenProducts[p.ID]; dup {
			return &core.ValidationError{Detail: fmt.Sprintf("duplicate data product id %q", p.ID)}
		}

		seenProducts[p.ID] = struct{}{}
	}

	seenEdges := make(map[[2]string]struct{}, len(sub.Dependencies))

	for _, d := range sub.Dependencies {
		if _, ok := seenProducts[d.ParentID]; !ok {
			return &core.ValidationError{Detail: fmt.Sprintf("dependency parent %q not present in submitted products", d.ParentID)}
		}

		if _, ok := seenProducts[d.ChildID]; !ok {
			return &core.ValidationError{Detail: fmt.Sprintf("dependency child %q not present in submitted products", d.ChildID)}
		}

		key := [2]string{d.ParentID, d.ChildID}
		if _, dup := seenEdges[key]; dup {
			return &core.ValidationError{Detail: fmt.Sprintf("duplicate dependency %s -> %s", d.ParentID, d.ChildID)}
		}

		seenEdges[key] = struct{}{}
	}

	return nil
}

func validateCompute(products []core.DataProduct) error {
	for _, p := range products {
		if !p.Compute.IsValid() {
			return &core.ValidationError{Detail: fmt.Sprintf("data product %q has unrecognized compute %q", p.ID, p.Compute)}
		}
	}

	return nil
}

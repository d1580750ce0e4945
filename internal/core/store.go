package core

import (
	"context"
	"encoding/json"
	"time"
)

// Store is the persistence boundary for datasets, data products, and
// dependencies. Every method runs inside a single database transaction
// sufficient to preserve the invariants in the data model: referential
// integrity, acyclicity of the committed graph, and state-vs-structure
// consistency. Implementations must surface ErrNotFound, ErrConflict, and
// ErrUnavailable as appropriate; errors the store does not recognise are
// returned wrapped with context but otherwise unchanged.
//
// Declared here (the domain package) and implemented in internal/storage,
// so callers (plan, state, api) depend on this interface, never on a
// concrete driver.
type Store interface {
	// HealthCheck reports whether the store can currently serve requests.
	HealthCheck(ctx context.Context) error

	// Close releases any background resources. Safe to call once.
	Close() error

	// GetDataset returns a dataset or ErrNotFound.
	GetDataset(ctx context.Context, datasetID string) (*Dataset, error)

	// SetPaused toggles a dataset's paused flag. Returns ErrNotFound if the
	// dataset does not exist.
	SetPaused(ctx context.Context, datasetID string, paused bool, actor string, now time.Time) (*Dataset, error)

	// ApplyPlan performs the Plan Engine's entire write phase in one
	// transaction: upsert the dataset (preserving paused), upsert every
	// submitted product and dependency, then disable products and delete
	// dependencies that exist in the store but were not resubmitted.
	// Products omitted from a previous submission and now resubmitted have
	// their state reset to waiting (resurrection).
	ApplyPlan(
		ctx context.Context,
		datasetID string,
		datasetExtra json.RawMessage,
		products []DataProduct,
		dependencies []Dependency,
		actor string,
		now time.Time,
	) (*Dataset, []DataProduct, []Dependency, error)

	// UpdateDataProductRuntime applies a batch of compute-reported state
	// transitions in one transaction. Each entry is validated against the
	// legal transition table before it is written; if any entry is illegal
	// or unknown, the transaction rolls back and the whole batch aborts with
	// no side effects.
	UpdateDataProductRuntime(
		ctx context.Context,
		datasetID string,
		updates []RuntimeUpdate,
		actor string,
		now time.Time,
	) ([]DataProduct, error)

	// TransitionToQueued conditionally transitions the given products from
	// waiting to queued, atomically, skipping any that are no longer
	// waiting by the time the row is locked (prevents a double-queue race
	// when two siblings succeed concurrently). Returns only the products
	// actually transitioned.
	TransitionToQueued(
		ctx context.Context,
		datasetID string,
		dataProductIDs []string,
		actor string,
		now time.Time,
	) ([]DataProduct, error)

	// ClearSubtree transitions the given seed products and all of their
	// descendants to waiting, clearing run_id/link/passback, in one
	// transaction.
	ClearSubtree(
		ctx context.Context,
		datasetID string,
		seedIDs []string,
		actor string,
		now time.Time,
	) ([]DataProduct, error)

	// DisableDataProducts transitions the given products to disabled.
	// Descendants are not cascaded.
	DisableDataProducts(
		ctx context.Context,
		datasetID string,
		dataProductIDs []string,
		actor string,
		now time.Time,
	) ([]DataProduct, error)

	// GetPlan returns a single-snapshot read of a dataset's full plan.
	GetPlan(ctx context.Context, datasetID string) (*Dataset, []DataProduct, []Dependency, error)

	// ListParents returns the direct parents of a data product.
	ListParents(ctx context.Context, datasetID, dataProductID string) ([]DataProduct, error)

	// ListChildren returns the direct children of a data product.
	ListChildren(ctx context.Context, datasetID, dataProductID string) ([]DataProduct, error)

	// SearchPlans performs a best-effort, case-insensitive substring search
	// over every dataset's plan, ordered by last-modified descending.
	SearchPlans(ctx context.Context, pattern string, limit, offset int) ([]PlanSummary, error)
}

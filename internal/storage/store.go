package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/fletcher-data/fletcher/internal/core"
	"github.com/fletcher-data/fletcher/internal/state"
)

// compile-time assertion that Store satisfies core.Store.
var _ core.Store = (*Store)(nil)

// Store is the PostgreSQL-backed implementation of core.Store. Every
// multi-row operation runs inside a single transaction, matching the
// "single transaction" requirement spec.md places on plan submission and
// batched state updates.
type Store struct {
	conn   *Connection
	logger *slog.Logger
}

// NewStore wraps conn as a core.Store.
func NewStore(conn *Connection, logger *slog.Logger) *Store {
	return &Store{conn: conn, logger: logger}
}

// HealthCheck delegates to the underlying connection pool.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.conn.HealthCheck(ctx)
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.conn.Close()
}

// GetDataset reads a single dataset row.
func (s *Store) GetDataset(ctx context.Context, datasetID string) (*core.Dataset, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT dataset_id, paused, extra, modified_by, modified_date
		FROM dataset WHERE dataset_id = $1
	`, datasetID)

	dataset, err := scanDataset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: dataset %s", core.ErrNotFound, datasetID)
	}

	if err != nil {
		return nil, fmt.Errorf("get dataset: %w", classify(err))
	}

	return dataset, nil
}

// SetPaused flips a dataset's paused flag.
func (s *Store) SetPaused(ctx context.Context, datasetID string, paused bool, actor string, now time.Time) (*core.Dataset, error) {
	row := s.conn.QueryRowContext(ctx, `
		UPDATE dataset
		SET paused = $2, modified_by = $3, modified_date = $4
		WHERE dataset_id = $1
		RETURNING dataset_id, paused, extra, modified_by, modified_date
	`, datasetID, paused, actor, now)

	dataset, err := scanDataset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: dataset %s", core.ErrNotFound, datasetID)
	}

	if err != nil {
		return nil, fmt.Errorf("set paused: %w", classify(err))
	}

	return dataset, nil
}

// ApplyPlan upserts the dataset, submitted products, and submitted
// dependencies in one transaction, then prunes anything belonging to this
// dataset that was not resubmitted: products not resubmitted are disabled
// (never deleted, to preserve history), dependencies not resubmitted are
// deleted outright. A product re-included in a later submission after
// being disabled is reclassified back to waiting by that submission's
// upsert.
func (s *Store) ApplyPlan(
	ctx context.Context,
	datasetID string,
	datasetExtra json.RawMessage,
	products []core.DataProduct,
	dependencies []core.Dependency,
	actor string,
	now time.Time,
) (*core.Dataset, []core.DataProduct, []core.Dependency, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("begin plan transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO dataset (dataset_id, paused, extra, modified_by, modified_date)
		VALUES ($1, false, $2, $3, $4)
		ON CONFLICT (dataset_id) DO UPDATE
		SET extra = EXCLUDED.extra, modified_by = EXCLUDED.modified_by, modified_date = EXCLUDED.modified_date
	`, datasetID, nullableJSON(datasetExtra), actor, now); err != nil {
		return nil, nil, nil, fmt.Errorf("upsert dataset: %w", classify(err))
	}

	submittedProductIDs := make([]string, 0, len(products))

	for _, p := range products {
		submittedProductIDs = append(submittedProductIDs, p.ID)

		targetState := core.StateWaiting

		existing, err := lockDataProduct(ctx, tx, datasetID, p.ID)
		if err != nil && !errors.Is(err, core.ErrNotFound) {
			return nil, nil, nil, err
		}

		if existing != nil {
			targetState = existing.State

			if existing.State == core.StateDisabled {
				if err := state.ValidateResurrection(p.ID, existing.State); err != nil {
					return nil, nil, nil, err
				}

				targetState = core.StateWaiting
			}
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO data_product (
				dataset_id, data_product_id, compute, name, version, eager,
				passthrough, state, extra, modified_by, modified_date
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (dataset_id, data_product_id) DO UPDATE
			SET compute = EXCLUDED.compute,
				name = EXCLUDED.name,
				version = EXCLUDED.version,
				eager = EXCLUDED.eager,
				passthrough = EXCLUDED.passthrough,
				state = EXCLUDED.state,
				extra = EXCLUDED.extra,
				modified_by = EXCLUDED.modified_by,
				modified_date = EXCLUDED.modified_date
		`, datasetID, p.ID, string(p.Compute), p.Name, p.Version, p.Eager,
			nullableJSON(p.Passthrough), string(targetState), nullableJSON(p.Extra), actor, now); err != nil {
			return nil, nil, nil, fmt.Errorf("upsert data product %s: %w", p.ID, classify(err))
		}
	}

	if err := pruneProducts(ctx, tx, datasetID, submittedProductIDs, actor, now); err != nil {
		return nil, nil, nil, err
	}

	for _, d := range dependencies {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO dependency (dataset_id, parent_id, child_id, extra, modified_by, modified_date)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (dataset_id, parent_id, child_id) DO UPDATE
			SET extra = EXCLUDED.extra, modified_by = EXCLUDED.modified_by, modified_date = EXCLUDED.modified_date
		`, datasetID, d.ParentID, d.ChildID, nullableJSON(d.Extra), actor, now); err != nil {
			return nil, nil, nil, fmt.Errorf("upsert dependency %s->%s: %w", d.ParentID, d.ChildID, classify(err))
		}
	}

	if err := pruneDependencies(ctx, tx, datasetID, dependencies); err != nil {
		return nil, nil, nil, err
	}

	dataset, allProducts, allDependencies, err := loadPlan(ctx, tx, datasetID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("reload plan: %w", classify(err))
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, nil, fmt.Errorf("commit plan: %w", classify(err))
	}

	return dataset, allProducts, allDependencies, nil
}

func pruneProducts(ctx context.Context, tx *sql.Tx, datasetID string, keepIDs []string, actor string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE data_product
		SET state = 'disabled', modified_by = $3, modified_date = $4
		WHERE dataset_id = $1 AND NOT (data_product_id = ANY($2)) AND state != 'disabled'
	`, datasetID, pq.Array(keepIDs), actor, now)
	if err != nil {
		return fmt.Errorf("prune products: %w", classify(err))
	}

	return nil
}

func pruneDependencies(ctx context.Context, tx *sql.Tx, datasetID string, submitted []core.Dependency) error {
	pairs := make([]string, 0, len(submitted))
	for _, d := range submitted {
		pairs = append(pairs, d.ParentID+"\x1f"+d.ChildID)
	}

	_, err := tx.ExecContext(ctx, `
		DELETE FROM dependency
		WHERE dataset_id = $1 AND NOT (parent_id || E'\x1f' || child_id = ANY($2))
	`, datasetID, pq.Array(pairs))
	if err != nil {
		return fmt.Errorf("prune dependencies: %w", classify(err))
	}

	return nil
}

// UpdateDataProductRuntime applies a batch of compute-reported transitions
// in one transaction: any entry referencing an unknown product or an
// illegal from->to aborts the whole batch with no side effects committed.
func (s *Store) UpdateDataProductRuntime(
	ctx context.Context,
	datasetID string,
	updates []core.RuntimeUpdate,
	actor string,
	now time.Time,
) ([]core.DataProduct, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	results := make([]core.DataProduct, 0, len(updates))

	for _, u := range updates {
		current, err := lockDataProduct(ctx, tx, datasetID, u.DataProductID)
		if err != nil {
			return nil, err
		}

		if err := state.ValidateTransition(u.DataProductID, current.State, u.State); err != nil {
			return nil, err
		}

		updated, err := writeDataProductRuntime(ctx, tx, datasetID, u, actor, now)
		if err != nil {
			return nil, err
		}

		results = append(results, *updated)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update: %w", classify(err))
	}

	return results, nil
}

// TransitionToQueued conditionally moves dataProductIDs from waiting to
// queued in one transaction, guarded by a WHERE state = 'waiting' clause
// so a product already claimed by a concurrent recompute is silently
// skipped rather than double-queued.
func (s *Store) TransitionToQueued(
	ctx context.Context,
	datasetID string,
	dataProductIDs []string,
	actor string,
	now time.Time,
) ([]core.DataProduct, error) {
	if len(dataProductIDs) == 0 {
		return nil, nil
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transition-to-queued transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		UPDATE data_product
		SET state = 'queued', modified_by = $3, modified_date = $4
		WHERE dataset_id = $1 AND data_product_id = ANY($2) AND state = 'waiting'
		RETURNING dataset_id, data_product_id, compute, name, version, eager,
			passthrough, state, run_id, link, passback, extra, modified_by, modified_date
	`, datasetID, pq.Array(dataProductIDs), actor, now)
	if err != nil {
		return nil, fmt.Errorf("transition to queued: %w", classify(err))
	}

	products, err := scanDataProducts(rows)
	if err != nil {
		return nil, fmt.Errorf("scan queued products: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transition-to-queued: %w", classify(err))
	}

	return products, nil
}

// ClearSubtree computes the descendant closure of seedIDs and transitions
// every product in that closure, including the seeds, back to waiting,
// clearing run_id/link/passback, all within one transaction.
func (s *Store) ClearSubtree(
	ctx context.Context,
	datasetID string,
	seedIDs []string,
	actor string,
	now time.Time,
) ([]core.DataProduct, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin clear transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, _, dependencies, err := loadPlan(ctx, tx, datasetID)
	if err != nil {
		return nil, fmt.Errorf("load plan for clear: %w", classify(err))
	}

	closure := descendantClosure(dependencies, seedIDs)
	for _, id := range seedIDs {
		closure[id] = struct{}{}
	}

	ids := make([]string, 0, len(closure))
	for id := range closure {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	rows, err := tx.QueryContext(ctx, `
		UPDATE data_product
		SET state = 'waiting', run_id = NULL, link = NULL, passback = NULL,
			modified_by = $3, modified_date = $4
		WHERE dataset_id = $1 AND data_product_id = ANY($2)
		RETURNING dataset_id, data_product_id, compute, name, version, eager,
			passthrough, state, run_id, link, passback, extra, modified_by, modified_date
	`, datasetID, pq.Array(ids), actor, now)
	if err != nil {
		return nil, fmt.Errorf("clear subtree: %w", classify(err))
	}

	cleared, err := scanDataProducts(rows)
	if err != nil {
		return nil, fmt.Errorf("scan cleared products: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit clear: %w", classify(err))
	}

	return cleared, nil
}

// DisableDataProducts transitions dataProductIDs to disabled without
// cascading to descendants.
func (s *Store) DisableDataProducts(
	ctx context.Context,
	datasetID string,
	dataProductIDs []string,
	actor string,
	now time.Time,
) ([]core.DataProduct, error) {
	rows, err := s.conn.QueryContext(ctx, `
		UPDATE data_product
		SET state = 'disabled', modified_by = $3, modified_date = $4
		WHERE dataset_id = $1 AND data_product_id = ANY($2)
		RETURNING dataset_id, data_product_id, compute, name, version, eager,
			passthrough, state, run_id, link, passback, extra, modified_by, modified_date
	`, datasetID, pq.Array(dataProductIDs), actor, now)
	if err != nil {
		return nil, fmt.Errorf("disable data products: %w", classify(err))
	}

	return scanDataProducts(rows)
}

// RecordDispatchFailure transitions a dispatch-failed product to failed,
// recording reason in passback so the State Engine's normal update path
// does not re-validate a dispatcher-originated transition. Satisfies
// trigger.ResultRecorder.
func (s *Store) RecordDispatchFailure(ctx context.Context, datasetID, dataProductID, reason string) error {
	passback, err := json.Marshal(map[string]string{"dispatch_error": reason})
	if err != nil {
		return fmt.Errorf("marshal passback: %w", err)
	}

	_, err = s.conn.ExecContext(ctx, `
		UPDATE data_product
		SET state = 'failed', passback = $3, modified_by = 'trigger-dispatcher', modified_date = $4
		WHERE dataset_id = $1 AND data_product_id = $2
	`, datasetID, dataProductID, passback, time.Now())
	if err != nil {
		return fmt.Errorf("record dispatch failure: %w", classify(err))
	}

	return nil
}

// GetPlan returns the full committed snapshot for datasetID.
func (s *Store) GetPlan(ctx context.Context, datasetID string) (*core.Dataset, []core.DataProduct, []core.Dependency, error) {
	dataset, err := s.GetDataset(ctx, datasetID)
	if err != nil {
		return nil, nil, nil, err
	}

	products, err := queryProducts(ctx, s.conn, `
		SELECT dataset_id, data_product_id, compute, name, version, eager,
			passthrough, state, run_id, link, passback, extra, modified_by, modified_date
		FROM data_product WHERE dataset_id = $1
	`, datasetID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("list data products: %w", classify(err))
	}

	dependencies, err := queryDependencies(ctx, s.conn, `
		SELECT dataset_id, parent_id, child_id, extra, modified_by, modified_date
		FROM dependency WHERE dataset_id = $1
	`, datasetID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("list dependencies: %w", classify(err))
	}

	return dataset, products, dependencies, nil
}

// ListParents returns the direct parents of dataProductID.
func (s *Store) ListParents(ctx context.Context, datasetID, dataProductID string) ([]core.DataProduct, error) {
	return queryProducts(ctx, s.conn, `
		SELECT p.dataset_id, p.data_product_id, p.compute, p.name, p.version, p.eager,
			p.passthrough, p.state, p.run_id, p.link, p.passback, p.extra, p.modified_by, p.modified_date
		FROM data_product p
		JOIN dependency d ON d.dataset_id = p.dataset_id AND d.parent_id = p.data_product_id
		WHERE d.dataset_id = $1 AND d.child_id = $2
	`, datasetID, dataProductID)
}

// ListChildren returns the direct children of dataProductID.
func (s *Store) ListChildren(ctx context.Context, datasetID, dataProductID string) ([]core.DataProduct, error) {
	return queryProducts(ctx, s.conn, `
		SELECT p.dataset_id, p.data_product_id, p.compute, p.name, p.version, p.eager,
			p.passthrough, p.state, p.run_id, p.link, p.passback, p.extra, p.modified_by, p.modified_date
		FROM data_product p
		JOIN dependency d ON d.dataset_id = p.dataset_id AND d.child_id = p.data_product_id
		WHERE d.dataset_id = $1 AND d.parent_id = $2
	`, datasetID, dataProductID)
}

// SearchPlans returns datasets whose row, or any of whose data product or
// dependency rows, contains pattern (case-insensitive, matched against each
// row's text form), most recently modified first.
func (s *Store) SearchPlans(ctx context.Context, pattern string, limit, offset int) ([]core.PlanSummary, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT d.dataset_id, d.modified_date FROM dataset d
		WHERE d::text ILIKE $1
			OR EXISTS (SELECT 1 FROM data_product p WHERE p.dataset_id = d.dataset_id AND p::text ILIKE $1)
			OR EXISTS (SELECT 1 FROM dependency x WHERE x.dataset_id = d.dataset_id AND x::text ILIKE $1)
		ORDER BY d.modified_date DESC
		LIMIT $2 OFFSET $3
	`, "%"+pattern+"%", limit, offset)
	if err != nil {
		return nil, fmt.Errorf("search plans: %w", classify(err))
	}
	defer rows.Close()

	var summaries []core.PlanSummary

	for rows.Next() {
		var summary core.PlanSummary
		if err := rows.Scan(&summary.DatasetID, &summary.ModifiedDate); err != nil {
			return nil, fmt.Errorf("scan plan summary: %w", err)
		}

		summaries = append(summaries, summary)
	}

	return summaries, rows.Err()
}

// lockDataProduct reads a single data product row with FOR UPDATE so
// concurrent batch updates against the same product serialize instead of
// racing on the read-validate-write sequence.
func lockDataProduct(ctx context.Context, tx *sql.Tx, datasetID, dataProductID string) (*core.DataProduct, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT dataset_id, data_product_id, compute, name, version, eager,
			passthrough, state, run_id, link, passback, extra, modified_by, modified_date
		FROM data_product WHERE dataset_id = $1 AND data_product_id = $2
		FOR UPDATE
	`, datasetID, dataProductID)

	product, err := scanDataProduct(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: data product %s/%s", core.ErrNotFound, datasetID, dataProductID)
	}

	if err != nil {
		return nil, fmt.Errorf("lock data product: %w", classify(err))
	}

	return product, nil
}

func writeDataProductRuntime(ctx context.Context, tx *sql.Tx, datasetID string, u core.RuntimeUpdate, actor string, now time.Time) (*core.DataProduct, error) {
	row := tx.QueryRowContext(ctx, `
		UPDATE data_product
		SET state = $3, run_id = $4, link = $5, passback = $6, modified_by = $7, modified_date = $8
		WHERE dataset_id = $1 AND data_product_id = $2
		RETURNING dataset_id, data_product_id, compute, name, version, eager,
			passthrough, state, run_id, link, passback, extra, modified_by, modified_date
	`, datasetID, u.DataProductID, string(u.State), u.RunID, u.Link, nullableJSON(u.Passback), actor, now)

	product, err := scanDataProduct(row)
	if err != nil {
		return nil, fmt.Errorf("write runtime update for %s: %w", u.DataProductID, classify(err))
	}

	return product, nil
}

func loadPlan(ctx context.Context, tx *sql.Tx, datasetID string) (*core.Dataset, []core.DataProduct, []core.Dependency, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT dataset_id, paused, extra, modified_by, modified_date
		FROM dataset WHERE dataset_id = $1
	`, datasetID)

	dataset, err := scanDataset(row)
	if err != nil {
		return nil, nil, nil, err
	}

	productRows, err := tx.QueryContext(ctx, `
		SELECT dataset_id, data_product_id, compute, name, version, eager,
			passthrough, state, run_id, link, passback, extra, modified_by, modified_date
		FROM data_product WHERE dataset_id = $1
	`, datasetID)
	if err != nil {
		return nil, nil, nil, err
	}

	products, err := scanDataProducts(productRows)
	if err != nil {
		return nil, nil, nil, err
	}

	depRows, err := tx.QueryContext(ctx, `
		SELECT dataset_id, parent_id, child_id, extra, modified_by, modified_date
		FROM dependency WHERE dataset_id = $1
	`, datasetID)
	if err != nil {
		return nil, nil, nil, err
	}

	dependencies, err := scanDependencyRows(depRows)
	if err != nil {
		return nil, nil, nil, err
	}

	return dataset, products, dependencies, nil
}

func descendantClosure(dependencies []core.Dependency, seeds []string) map[string]struct{} {
	children := make(map[string][]string)
	for _, d := range dependencies {
		children[d.ParentID] = append(children[d.ParentID], d.ChildID)
	}

	seen := make(map[string]struct{})

	var visit func(id string)

	visit = func(id string) {
		for _, child := range children[id] {
			if _, ok := seen[child]; ok {
				continue
			}

			seen[child] = struct{}{}
			visit(child)
		}
	}

	for _, s := range seeds {
		visit(s)
	}

	return seen
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDataset(row scanner) (*core.Dataset, error) {
	var (
		d     core.Dataset
		extra []byte
	)

	if err := row.Scan(&d.ID, &d.Paused, &extra, &d.ModifiedBy, &d.ModifiedDate); err != nil {
		return nil, err
	}

	d.Extra = extra

	return &d, nil
}

func scanDataProduct(row scanner) (*core.DataProduct, error) {
	var (
		p                           core.DataProduct
		compute                     string
		runID, link                 sql.NullString
		passthrough, passback, extra []byte
	)

	if err := row.Scan(
		&p.DatasetID, &p.ID, &compute, &p.Name, &p.Version, &p.Eager,
		&passthrough, &p.State, &runID, &link, &passback, &extra,
		&p.ModifiedBy, &p.ModifiedDate,
	); err != nil {
		return nil, err
	}

	p.Compute = core.Compute(compute)
	p.Passthrough = passthrough
	p.Passback = passback
	p.Extra = extra

	if runID.Valid {
		p.RunID = &runID.String
	}

	if link.Valid {
		p.Link = &link.String
	}

	return &p, nil
}

func scanDataProducts(rows *sql.Rows) ([]core.DataProduct, error) {
	defer rows.Close()

	var products []core.DataProduct

	for rows.Next() {
		p, err := scanDataProduct(rows)
		if err != nil {
			return nil, err
		}

		products = append(products, *p)
	}

	return products, rows.Err()
}

func scanDependencyRows(rows *sql.Rows) ([]core.Dependency, error) {
	defer rows.Close()

	var dependencies []core.Dependency

	for rows.Next() {
		var (
			d     core.Dependency
			extra []byte
		)

		if err := rows.Scan(&d.DatasetID, &d.ParentID, &d.ChildID, &extra, &d.ModifiedBy, &d.ModifiedDate); err != nil {
			return nil, err
		}

		d.Extra = extra

		dependencies = append(dependencies, d)
	}

	return dependencies, rows.Err()
}

func queryProducts(ctx context.Context, conn *Connection, query string, args ...any) ([]core.DataProduct, error) {
	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	return scanDataProducts(rows)
}

func queryDependencies(ctx context.Context, conn *Connection, query string, args ...any) ([]core.Dependency, error) {
	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	return scanDependencyRows(rows)
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}

	return []byte(raw)
}

// classify maps a pq/database error onto Fletcher's sentinel error
// vocabulary so the API layer can translate it to the right HTTP status
// without depending on the storage package's internals.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "23505": // unique_violation
			return fmt.Errorf("%w: %s", core.ErrConflict, pqErr.Message)
		case pqErr.Code == "23503": // foreign_key_violation
			return fmt.Errorf("%w: %s", core.ErrValidation, pqErr.Message)
		case strings.HasPrefix(string(pqErr.Code), "08"): // connection exception
			return fmt.Errorf("%w: %s", core.ErrUnavailable, pqErr.Message)
		case pqErr.Code == "40001": // serialization_failure
			return fmt.Errorf("%w: %s", core.ErrConflict, pqErr.Message)
		}
	}

	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn) {
		return fmt.Errorf("%w: %v", core.ErrUnavailable, err)
	}

	return err
}

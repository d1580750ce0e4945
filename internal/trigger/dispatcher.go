// Package trigger routes outbound submissions to the compute platform
// selected by a data product's compute field. Dispatch is fire-and-forget
// from Fletcher's perspective: the compute platform later reports state
// transitions back through the State Engine's callback API.
package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fletcher-data/fletcher/internal/core"
)

// Payload is the submission handed to a compute adapter.
type Payload struct {
	DatasetID     string          `json:"dataset_id"`
	DataProductID string          `json:"data_product_id"`
	Name          string          `json:"name"`
	Version       string          `json:"version"`
	Passthrough   json.RawMessage `json:"passthrough,omitempty"`
}

// Adapter submits a payload to one compute platform. Submit should return a
// transient error (one eligible for a single retry) wrapped with
// ErrTransient, and any other error as permanent.
type Adapter interface {
	Submit(ctx context.Context, payload Payload) error
}

// ErrTransient marks an adapter error as eligible for exactly one retry.
var ErrTransient = errors.New("transient adapter error")

// EventPublisher publishes a readiness notification for observers that
// don't want to poll the API. Optional: a nil publisher is a no-op.
type EventPublisher interface {
	PublishReady(ctx context.Context, payload Payload) error
}

// ResultRecorder persists the outcome of a dispatch attempt: success moves
// on silently (the compute platform will report back), failure must
// transition the product to failed with the reason captured in passback so
// downstream propagation does not occur.
type ResultRecorder interface {
	RecordDispatchFailure(ctx context.Context, datasetID, dataProductID, reason string) error
}

// Dispatcher selects an Adapter by compute platform and dispatches with
// at-most-once semantics: one retry on a transient error, then failure is
// terminal (no further automatic retry).
type Dispatcher struct {
	adapters  map[core.Compute]Adapter
	publisher EventPublisher
	recorder  ResultRecorder
	logger    *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithPublisher attaches an EventPublisher (e.g. a Kafka producer).
func WithPublisher(p EventPublisher) Option {
	return func(d *Dispatcher) { d.publisher = p }
}

// NewDispatcher builds a Dispatcher over the given per-platform adapters.
func NewDispatcher(adapters map[core.Compute]Adapter, recorder ResultRecorder, logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{adapters: adapters, recorder: recorder, logger: logger}
	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Dispatch submits product to its compute platform. It is called once per
// waiting->queued transition, which is the commit point that records "a
// dispatch is owed." On a transient adapter error it retries exactly once;
// on permanent failure (including an unrecognized compute platform) it
// records the product as failed via recorder and does not propagate
// downstream.
func (d *Dispatcher) Dispatch(ctx context.Context, product core.DataProduct) {
	attemptID := uuid.NewString()

	payload := Payload{
		DatasetID:     product.DatasetID,
		DataProductID: product.ID,
		Name:          product.Name,
		Version:       product.Version,
		Passthrough:   product.Passthrough,
	}

	adapter, ok := d.adapters[product.Compute]
	if !ok {
		d.fail(ctx, product, "no adapter registered for compute platform "+string(product.Compute))

		return
	}

	err := adapter.Submit(ctx, payload)
	if err != nil && errors.Is(err, ErrTransient) {
		d.logger.Warn("trigger dispatch transient error, retrying once",
			slog.String("dataset_id", product.DatasetID),
			slog.String("data_product_id", product.ID),
			slog.String("dispatch_attempt_id", attemptID),
			slog.String("error", err.Error()),
		)

		time.Sleep(50 * time.Millisecond)

		err = adapter.Submit(ctx, payload)
	}

	if err != nil {
		d.fail(ctx, product, err.Error())

		return
	}

	d.logger.Info("trigger dispatched",
		slog.String("dataset_id", product.DatasetID),
		slog.String("data_product_id", product.ID),
		slog.String("compute", string(product.Compute)),
		slog.String("dispatch_attempt_id", attemptID),
	)

	if d.publisher != nil {
		if pubErr := d.publisher.PublishReady(ctx, payload); pubErr != nil {
			d.logger.Warn("failed to publish readiness event",
				slog.String("dataset_id", product.DatasetID),
				slog.String("data_product_id", product.ID),
				slog.String("error", pubErr.Error()),
			)
		}
	}
}

func (d *Dispatcher) fail(ctx context.Context, product core.DataProduct, reason string) {
	d.logger.Error("trigger dispatch failed",
		slog.String("dataset_id", product.DatasetID),
		slog.String("data_product_id", product.ID),
		slog.String("reason", reason),
	)

	if err := d.recorder.RecordDispatchFailure(ctx, product.DatasetID, product.ID, reason); err != nil {
		d.logger.Error("failed to record dispatch failure",
			slog.String("dataset_id", product.DatasetID),
			slog.String("data_product_id", product.ID),
			slog.String("error", err.Error()),
		)
	}
}

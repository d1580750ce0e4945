// Package state implements the State Engine: applying compute-reported
// state transitions to individual data products, computing newly-eligible
// downstream products, and driving the clear/disable/recompute operations.
package state

import (
	"fmt"

	"github.com/fletcher-data/fletcher/internal/core"
)

// legalFromRuntime is the subset of the legal transition table the compute
// callback path may produce (update()). clear, disable, and plan
// resurrection are issued directly by the engines that hold that context,
// not by a compute callback, and are validated separately in ValidateClear
// and ValidateDisable.
var legalFromRuntime = map[core.State]map[core.State]bool{
	core.StateWaiting: {
		core.StateQueued: true, // recompute/state engine issues this, not a callback
	},
	core.StateQueued: {
		core.StateRunning: true,
		core.StateFailed:  true,
		core.StateSuccess: true,
	},
	core.StateRunning: {
		core.StateSuccess: true,
		core.StateFailed:  true,
	},
	core.StateFailed: {
		core.StateQueued: true, // explicit retry
	},
}

// ValidateTransition checks from -> to against the legal transition table.
// A no-op transition (from == to) on a non-terminal state is legal
// (idempotent report); terminal states accept no runtime transition except
// failed -> queued (explicit retry). Clear, disable, and resurrection are
// validated with ValidateClear / ValidateDisable / ValidateResurrection
// instead of this function.
func ValidateTransition(dataProductID string, from, to core.State) error {
	if from == to && !from.IsTerminal() {
		return nil
	}

	if allowed, ok := legalFromRuntime[from]; ok && allowed[to] {
		return nil
	}

	return &core.TransitionError{DataProductID: dataProductID, From: from, To: to}
}

// ValidateDisable checks that from -> disabled is legal. Every state may be
// disabled.
func ValidateDisable(_ string, _ core.State) error {
	return nil
}

// ValidateClear checks that from -> waiting is legal. Every state may be
// cleared back to waiting.
func ValidateClear(_ string, _ core.State) error {
	return nil
}

// ValidateResurrection checks that disabled -> waiting is legal, which is
// the only transition available to a disabled product outside of clear.
func ValidateResurrection(dataProductID string, from core.State) error {
	if from != core.StateDisabled && from != core.StateWaiting {
		return fmt.Errorf("%w: %s is not eligible for plan resurrection from %s",
			core.ErrIllegalTransition, dataProductID, from)
	}

	return nil
}

/*
Copyright © 2025 Snapfeed Labs.

Released under MIT license.
*/

package admission

import (
	"container/list"
	"context"
	"time"
)

// Decision is the result of an admission attempt.
type Decision int

// Admission decisions.
const (
	// DecisionAdmitted means the request may proceed immediately.
	DecisionAdmitted Decision = iota

	// DecisionQueued means the request was parked in the client's queue.
	// The caller must wait for a Verdict on the exchange.
	DecisionQueued

	// DecisionRejected means the client's queue is full and the request must be rejected.
	DecisionRejected
)

// String returns a string representation of the decision.
func (d Decision) String() string {
	switch d {
	case DecisionAdmitted:
		return "admitted"
	case DecisionQueued:
		return "queued"
	case DecisionRejected:
		return "rejected"
	}
	return "unknown"
}

// Verdict is the final settlement of a queued exchange.
type Verdict int

// Queued exchange verdicts.
const (
	// VerdictAdmitted means the queued exchange was promoted into an active slot.
	VerdictAdmitted Verdict = iota

	// VerdictTimedOut means the queued exchange waited longer than the queue timeout.
	VerdictTimedOut
)

// Exchange represents a single queued admission request.
// An exchange is settled exactly once: it is either admitted, timed out,
// or abandoned (client disconnected before admission).
type Exchange struct {
	ctx        context.Context
	enqueuedAt time.Time

	// verdict is the continuation capability: the controller signals it once
	// when the exchange is settled. Buffered so that settlement never blocks
	// the controller.
	verdict chan Verdict

	// The fields below are guarded by the owning Controller's mutex.
	elem    *list.Element
	settled bool
}

// NewExchange creates a new exchange bound to the given request context.
func NewExchange(ctx context.Context) *Exchange {
	return &Exchange{ctx: ctx, verdict: make(chan Verdict, 1)}
}

// Context returns the request context the exchange is bound to.
func (e *Exchange) Context() context.Context {
	return e.ctx
}

// EnqueuedAt returns the time the exchange was put into the queue.
// It is zero until the exchange is queued.
func (e *Exchange) EnqueuedAt() time.Time {
	return e.enqueuedAt
}

// Verdict returns the channel on which the settlement verdict is delivered.
// The channel receives exactly one value unless the exchange is abandoned.
func (e *Exchange) Verdict() <-chan Verdict {
	return e.verdict
}

/*
Copyright © 2025 Snapfeed Labs.

Released under MIT license.
*/

package admission

import (
	"container/list"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/snapfeed/gatekit/log"
)

// Default values for the controller parameters.
const (
	DefaultQueueTimeout  = time.Second * 30
	DefaultDrainInterval = time.Millisecond * 100
)

// Params contains parameters for the admission Controller.
type Params struct {
	// Limit is the maximum number of simultaneously admitted requests per client.
	Limit int

	// QueueLimit is the maximum number of queued requests per client.
	// When the queue is full, new requests are rejected.
	QueueLimit int

	// QueueTimeout is the maximum time a request may spend in the queue
	// before it is evicted and rejected.
	QueueTimeout time.Duration

	// DrainInterval is the period of the maintenance tick that drains all
	// client queues independent of request traffic.
	DrainInterval time.Duration

	// Logger is used for logging queue maintenance events. May be nil.
	Logger log.FieldLogger
}

// clientQueue is the per-client state: the number of active (admitted and not
// yet completed) requests and the FIFO queue of pending exchanges.
type clientQueue struct {
	active  int
	pending *list.List // of *Exchange, oldest first
}

// Controller is the admission decision engine. It owns the client queue store
// exclusively; per-client state is created lazily and removed as soon as the
// client has no active and no pending requests.
type Controller struct {
	limit         int
	queueLimit    int
	queueTimeout  time.Duration
	drainInterval time.Duration
	logger        log.FieldLogger

	mu      sync.Mutex
	clients map[string]*clientQueue
}

// NewController creates a new admission Controller.
func NewController(params Params) (*Controller, error) {
	if params.Limit <= 0 {
		return nil, fmt.Errorf("limit should be positive, got %d", params.Limit)
	}
	if params.QueueLimit < 0 {
		return nil, fmt.Errorf("queue limit should not be negative, got %d", params.QueueLimit)
	}
	if params.QueueTimeout == 0 {
		params.QueueTimeout = DefaultQueueTimeout
	}
	if params.DrainInterval == 0 {
		params.DrainInterval = DefaultDrainInterval
	}
	logger := params.Logger
	if logger == nil {
		logger = log.NewDisabledLogger()
	}
	return &Controller{
		limit:         params.Limit,
		queueLimit:    params.QueueLimit,
		queueTimeout:  params.QueueTimeout,
		drainInterval: params.DrainInterval,
		logger:        logger,
		clients:       make(map[string]*clientQueue),
	}, nil
}

// AdmitOrQueue decides what to do with an incoming exchange for the given client key.
// On DecisionAdmitted the caller proceeds immediately and must call OnCompletion
// exactly once when the request finishes. On DecisionQueued the caller must wait
// for a verdict on the exchange (or call Abandon if its client disconnects).
// On DecisionRejected no state is mutated and nothing else must be called.
func (c *Controller) AdmitOrQueue(key string, exch *Exchange) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	cq := c.clients[key]
	if cq == nil {
		cq = &clientQueue{pending: list.New()}
		c.clients[key] = cq
	}

	if cq.active < c.limit {
		cq.active++
		exch.settled = true
		return DecisionAdmitted
	}

	if cq.pending.Len() < c.queueLimit {
		exch.enqueuedAt = time.Now()
		exch.elem = cq.pending.PushBack(exch)
		return DecisionQueued
	}

	c.removeClientIfIdleLocked(key, cq)
	return DecisionRejected
}

// OnCompletion releases the active slot held by an admitted exchange and
// drains the client's queue. It must be called exactly once per admitted
// exchange, no matter how the request processing ended.
func (c *Controller) OnCompletion(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cq := c.clients[key]
	if cq == nil {
		return
	}
	if cq.active > 0 { // Clamp defensively, a bookkeeping bug must not break request processing.
		cq.active--
	}
	c.drainLocked(key, cq)
}

// Abandon removes a queued exchange whose client disconnected before admission.
// It reports whether the exchange was still pending: if false, the exchange was
// settled concurrently and the caller must honor the delivered verdict.
func (c *Controller) Abandon(key string, exch *Exchange) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if exch.settled {
		return false
	}
	exch.settled = true
	cq := c.clients[key]
	if cq != nil && exch.elem != nil {
		cq.pending.Remove(exch.elem)
		c.removeClientIfIdleLocked(key, cq)
	}
	return true
}

// Drain promotes queued exchanges of the given client into free active slots
// and evicts the ones that waited longer than the queue timeout.
func (c *Controller) Drain(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cq := c.clients[key]; cq != nil {
		c.drainLocked(key, cq)
	}
}

// DrainAll drains every known client queue. It is called by the periodic
// maintenance tick and guarantees that timed-out exchanges are eventually
// settled even when no completion events occur for their client.
func (c *Controller) DrainAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, cq := range c.clients {
		c.drainLocked(key, cq)
	}
}

// Run executes the periodic drain loop until the passed context is canceled.
// It is usually called in a separate goroutine.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.drainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.DrainAll()
		}
	}
}

// ClientStatus describes the current admission state of a single client.
type ClientStatus struct {
	Key         string        `json:"key"`
	ActiveCount int           `json:"activeCount"`
	QueueLen    int           `json:"queueLen"`
	OldestAge   time.Duration `json:"oldestAge"`
}

// Status returns the admission state of all known clients, sorted by key.
// It is intended for monitoring and is not part of the request path.
func (c *Controller) Status() []ClientStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	statuses := make([]ClientStatus, 0, len(c.clients))
	for key, cq := range c.clients {
		st := ClientStatus{Key: key, ActiveCount: cq.active, QueueLen: cq.pending.Len()}
		if front := cq.pending.Front(); front != nil {
			st.OldestAge = now.Sub(front.Value.(*Exchange).enqueuedAt)
		}
		statuses = append(statuses, st)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Key < statuses[j].Key })
	return statuses
}

// drainLocked settles queued exchanges of one client. Entries whose context is
// canceled or that exceeded the queue timeout are evicted without consuming a
// slot, even when all slots are busy; the rest are promoted in FIFO order while
// free slots remain. Client state is removed once both the queue and the active
// count reach zero.
func (c *Controller) drainLocked(key string, cq *clientQueue) {
	now := time.Now()
	for front := cq.pending.Front(); front != nil; front = cq.pending.Front() {
		exch := front.Value.(*Exchange)
		if exch.ctx.Err() != nil {
			// The client is gone, nobody will look at the verdict.
			cq.pending.Remove(front)
			exch.settled = true
			exch.verdict <- VerdictTimedOut
			c.logger.Info("queued request canceled by the client",
				log.String("admission_key", key), log.Duration("queued_for", now.Sub(exch.enqueuedAt)))
			continue
		}
		if now.Sub(exch.enqueuedAt) > c.queueTimeout {
			cq.pending.Remove(front)
			exch.settled = true
			exch.verdict <- VerdictTimedOut
			c.logger.Info("queued request timed out",
				log.String("admission_key", key), log.Duration("queued_for", now.Sub(exch.enqueuedAt)))
			continue
		}
		if cq.active >= c.limit {
			break
		}
		cq.pending.Remove(front)
		exch.settled = true
		cq.active++
		exch.verdict <- VerdictAdmitted
	}
	c.removeClientIfIdleLocked(key, cq)
}

func (c *Controller) removeClientIfIdleLocked(key string, cq *clientQueue) {
	if cq.active == 0 && cq.pending.Len() == 0 {
		delete(c.clients, key)
	}
}

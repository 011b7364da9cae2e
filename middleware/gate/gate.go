/*
Copyright © 2025 Snapfeed Labs.

Released under MIT license.
*/

package gate

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/vasayxtx/go-glob"

	"github.com/snapfeed/gatekit/internal/admission"
	"github.com/snapfeed/gatekit/log"
	"github.com/snapfeed/gatekit/middleware"
	"github.com/snapfeed/gatekit/restapi"
)

// Opts represents an options for the Gate.
type Opts struct {
	// GetKey returns the client key used to scope concurrency and rate limits.
	// If nil, the host part of the request's remote address is used.
	GetKey middleware.AdmissionLimitGetKeyFunc

	// GetCacheIdentity, when set, makes response cache keys identity-scoped.
	GetCacheIdentity middleware.ResponseCacheGetIdentityFunc

	// Logger is used for logging the gate decisions and maintenance events. May be nil.
	Logger log.FieldLogger

	// MetricsCollector collects metrics of the gate decisions. May be nil.
	MetricsCollector *MetricsCollector
}

// Gate combines rate limiting, per-client admission control with queueing,
// and response caching into a single middleware protecting the API routes
// described in its configuration.
//
// A breached rate limit does not reject GET requests right away (when
// queueOnExceeded is on): they fall through to the admission controller and
// are admitted, queued or rejected by it, so "too many requests" becomes a
// soft, bounded wait. Non-GET requests always fail fast.
type Gate struct {
	cfg    *Config
	logger log.FieldLogger
	mc     *MetricsCollector

	ctrl     *admission.Controller
	chain    func(next http.Handler) http.Handler
	routes   []func(s string) bool
	excluded []func(s string) bool

	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a new Gate from the passed configuration.
// Start should be called to launch the periodic queue maintenance, and Stop on shutdown.
func New(cfg *Config, opts Opts) (*Gate, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewDisabledLogger()
	}

	ctrl, err := admission.NewController(admission.Params{
		Limit:         cfg.Concurrency.Limit,
		QueueLimit:    cfg.Concurrency.QueueLimit,
		QueueTimeout:  time.Duration(cfg.Concurrency.QueueTimeout),
		DrainInterval: time.Duration(cfg.Concurrency.DrainInterval),
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("new admission controller: %w", err)
	}

	g := &Gate{cfg: cfg, logger: logger, mc: opts.MetricsCollector, ctrl: ctrl}
	if g.chain, err = g.makeChain(opts); err != nil {
		return nil, err
	}
	for _, route := range cfg.Routes {
		g.routes = append(g.routes, glob.Compile(route))
	}
	for _, route := range cfg.ExcludedRoutes {
		g.excluded = append(g.excluded, glob.Compile(route))
	}
	return g, nil
}

// Middleware returns the middleware that applies the gate to matched routes.
func (g *Gate) Middleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		protected := g.chain(next)
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			if g.matchRoute(r.URL.Path) {
				protected.ServeHTTP(rw, r)
				return
			}
			next.ServeHTTP(rw, r)
		})
	}
}

// Start launches the periodic queue maintenance loop.
func (g *Gate) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.ctrl.Run(ctx)
	}()
}

// Stop cancels the maintenance loop and waits for it to finish.
func (g *Gate) Stop() {
	g.stopOnce.Do(func() {
		if g.cancel != nil {
			g.cancel()
		}
		g.wg.Wait()
	})
}

// Status returns the admission state of all known clients. For monitoring only.
func (g *Gate) Status() []admission.ClientStatus {
	return g.ctrl.Status()
}

// StatusHandler returns an HTTP handler that serves the admission state of all
// known clients in JSON. It is intended for a private monitoring endpoint and
// must not be put on the request path.
func (g *Gate) StatusHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		restapi.RespondJSON(rw, g.Status(), g.logger)
	})
}

func (g *Gate) matchRoute(path string) bool {
	for _, match := range g.excluded {
		if match(path) {
			return false
		}
	}
	if len(g.routes) == 0 {
		return true
	}
	for _, match := range g.routes {
		if match(path) {
			return true
		}
	}
	return false
}

// makeChain builds the middleware chain: rate limiting, then admission control,
// then response caching, closest to the downstream handlers.
func (g *Gate) makeChain(opts Opts) (func(next http.Handler) http.Handler, error) {
	var mws []func(http.Handler) http.Handler

	if g.cfg.RateLimit.Rate.Count > 0 {
		rateLimitMw, err := g.makeRateLimitMw(opts)
		if err != nil {
			return nil, fmt.Errorf("make rate limit middleware: %w", err)
		}
		mws = append(mws, rateLimitMw)
	}

	if !g.cfg.DryRun {
		mws = append(mws, g.makeAdmissionMw(opts))
	}

	if g.cfg.ResponseCache.Enabled {
		cacheMw, err := middleware.ResponseCache(middleware.ResponseCacheOpts{
			TTL:          time.Duration(g.cfg.ResponseCache.TTL),
			MaxEntries:   g.cfg.ResponseCache.MaxEntries,
			MaxEntrySize: int(g.cfg.ResponseCache.MaxEntrySize),
			GetIdentity:  opts.GetCacheIdentity,
		})
		if err != nil {
			return nil, fmt.Errorf("make response cache middleware: %w", err)
		}
		mws = append(mws, cacheMw)
	}

	return func(next http.Handler) http.Handler {
		handler := next
		for i := len(mws) - 1; i >= 0; i-- {
			handler = mws[i](handler)
		}
		return handler
	}, nil
}

func (g *Gate) makeAdmissionMw(opts Opts) func(next http.Handler) http.Handler {
	onReject := func(rw http.ResponseWriter, r *http.Request,
		params middleware.AdmissionLimitParams, next http.Handler, logger log.FieldLogger,
	) {
		reason := RejectReasonQueueFull
		if params.TimedOut {
			reason = RejectReasonQueueTimeout
		}
		g.mc.incRejects(reason, false)
		middleware.DefaultAdmissionLimitOnReject(rw, r, params, next, g.decisionLogger(logger))
	}

	var getRetryAfter middleware.AdmissionLimitGetRetryAfterFunc
	if responseRetryAfter := time.Duration(g.cfg.Concurrency.ResponseRetryAfter); responseRetryAfter > 0 {
		getRetryAfter = func(_ *http.Request) time.Duration { return responseRetryAfter }
	}

	return middleware.AdmissionLimitWithOpts(g.ctrl, middleware.AdmissionLimitOpts{
		GetKey:        opts.GetKey,
		GetRetryAfter: getRetryAfter,
		OnReject:      onReject,
		OnQueueWait: func(_ *http.Request, waited time.Duration) {
			g.mc.observeQueueWait(waited)
		},
	})
}

func (g *Gate) makeRateLimitMw(opts Opts) (func(next http.Handler) http.Handler, error) {
	alg, err := g.cfg.RateLimit.alg()
	if err != nil {
		return nil, err
	}

	onReject := func(rw http.ResponseWriter, r *http.Request,
		params middleware.RateLimitParams, next http.Handler, logger log.FieldLogger,
	) {
		g.mc.incRejects(RejectReasonRateLimit, g.cfg.DryRun)
		if g.cfg.DryRun {
			logger = g.decisionLogger(logger)
			if logger != nil {
				logger.Warn("rate limit exceeded, continuing in dry run mode",
					log.String(middleware.RateLimitLogFieldKey, params.Key))
			}
			next.ServeHTTP(rw, r)
			return
		}
		middleware.DefaultRateLimitOnReject(rw, r, params, next, g.decisionLogger(logger))
	}
	if g.cfg.RateLimit.QueueOnExceeded && !g.cfg.DryRun {
		onReject = middleware.QueueOnRateLimitExceeded(onReject)
	}

	return middleware.RateLimitWithOpts(
		middleware.Rate{Count: g.cfg.RateLimit.Rate.Count, Duration: g.cfg.RateLimit.Rate.Duration},
		middleware.RateLimitOpts{
			Alg:           alg,
			MaxBurst:      g.cfg.RateLimit.BurstLimit,
			GetKey:        middleware.RateLimitGetKeyFunc(g.getKeyFunc(opts)),
			MaxKeys:       g.cfg.RateLimit.MaxKeys,
			GetRetryAfter: g.cfg.RateLimit.getRetryAfter(),
			OnReject:      onReject,
		})
}

func (g *Gate) getKeyFunc(opts Opts) middleware.AdmissionLimitGetKeyFunc {
	if opts.GetKey != nil {
		return opts.GetKey
	}
	return middleware.GetKeyFromRemoteAddr
}

// decisionLogger falls back to the gate's own logger when the request context has none.
func (g *Gate) decisionLogger(fromCtx log.FieldLogger) log.FieldLogger {
	if fromCtx != nil {
		return fromCtx
	}
	return g.logger
}

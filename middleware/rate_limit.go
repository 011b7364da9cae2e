/*
Copyright © 2025 Snapfeed Labs.

Released under MIT license.
*/

package middleware

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/snapfeed/gatekit/internal/ratelimit"
	"github.com/snapfeed/gatekit/log"
	"github.com/snapfeed/gatekit/restapi"
)

// DefaultRateLimitMaxKeys is a default value of maximum keys number for the RateLimit middleware.
const DefaultRateLimitMaxKeys = 10000

// RateLimitErrCode is an error code that is used in a response body
// if the request is rejected by the middleware that limits the rate of HTTP requests.
const RateLimitErrCode = "tooManyRequests"

// RateLimitLogFieldKey it is the name of the logged field that contains a key for the requests rate limiter.
const RateLimitLogFieldKey = "rate_limit_key"

// RateLimitAlg represents a type for specifying rate-limiting algorithm.
type RateLimitAlg int

// Supported rate-limiting algorithms.
const (
	RateLimitAlgSlidingWindow RateLimitAlg = iota
	RateLimitAlgLeakyBucket
	RateLimitAlgTokenBucket
)

// Rate describes the frequency of requests.
type Rate = ratelimit.Rate

// RateLimitParams contains data that relates to the rate limiting procedure
// and could be used for rejecting or handling an occurred error.
type RateLimitParams struct {
	ResponseStatusCode  int
	GetRetryAfter       RateLimitGetRetryAfterFunc
	Key                 string
	EstimatedRetryAfter time.Duration
}

// RateLimitGetRetryAfterFunc is a function that is called to get a value for Retry-After response HTTP header
// when the rate limit is exceeded.
type RateLimitGetRetryAfterFunc func(r *http.Request, estimatedTime time.Duration) time.Duration

// RateLimitOnRejectFunc is a function that is called for rejecting HTTP request when the rate limit is exceeded.
type RateLimitOnRejectFunc func(
	rw http.ResponseWriter, r *http.Request, params RateLimitParams, next http.Handler, logger log.FieldLogger)

// RateLimitOnErrorFunc is a function that is called in case of any error that may occur during the rate limiting.
type RateLimitOnErrorFunc func(
	rw http.ResponseWriter, r *http.Request, params RateLimitParams, err error, next http.Handler, logger log.FieldLogger)

// RateLimitGetKeyFunc is a function that is called for getting key for rate limiting.
type RateLimitGetKeyFunc func(r *http.Request) (key string, bypass bool, err error)

// RateLimitOpts represents an options for the RateLimit middleware.
type RateLimitOpts struct {
	Alg      RateLimitAlg
	MaxBurst int

	// GetKey returns the rate limiting key. If nil, the host part of the request's remote address is used.
	GetKey  RateLimitGetKeyFunc
	MaxKeys int

	ResponseStatusCode int
	GetRetryAfter      RateLimitGetRetryAfterFunc

	OnReject RateLimitOnRejectFunc
	OnError  RateLimitOnErrorFunc
}

type rateLimitHandler struct {
	next           http.Handler
	limiter        ratelimit.Limiter
	getKey         RateLimitGetKeyFunc
	respStatusCode int
	getRetryAfter  RateLimitGetRetryAfterFunc

	onReject RateLimitOnRejectFunc
	onError  RateLimitOnErrorFunc
}

// RateLimit is a middleware that limits the rate of HTTP requests per client key
// using the sliding window algorithm.
func RateLimit(maxRate Rate) (func(next http.Handler) http.Handler, error) {
	return RateLimitWithOpts(maxRate, RateLimitOpts{GetRetryAfter: GetRetryAfterEstimatedTime})
}

// MustRateLimit is a version of RateLimit that panics if an error occurs.
func MustRateLimit(maxRate Rate) func(next http.Handler) http.Handler {
	mw, err := RateLimit(maxRate)
	if err != nil {
		panic(err)
	}
	return mw
}

// RateLimitWithOpts is a configurable version of a middleware to limit the rate of HTTP requests.
func RateLimitWithOpts(maxRate Rate, opts RateLimitOpts) (func(next http.Handler) http.Handler, error) {
	maxKeys := opts.MaxKeys
	if maxKeys == 0 {
		maxKeys = DefaultRateLimitMaxKeys
	}

	var limiter ratelimit.Limiter
	var err error
	switch opts.Alg {
	case RateLimitAlgSlidingWindow:
		limiter, err = ratelimit.NewSlidingWindowLimiter(maxRate, maxKeys)
	case RateLimitAlgLeakyBucket:
		limiter, err = ratelimit.NewLeakyBucketLimiter(maxRate, opts.MaxBurst, maxKeys)
	case RateLimitAlgTokenBucket:
		limiter, err = ratelimit.NewTokenBucketLimiter(maxRate, opts.MaxBurst, maxKeys)
	default:
		return nil, fmt.Errorf("unknown rate limit alg")
	}
	if err != nil {
		return nil, fmt.Errorf("new rate limiter: %w", err)
	}

	respStatusCode := opts.ResponseStatusCode
	if respStatusCode == 0 {
		respStatusCode = http.StatusTooManyRequests
	}
	getKey := opts.GetKey
	if getKey == nil {
		getKey = GetKeyFromRemoteAddr
	}
	onReject := opts.OnReject
	if onReject == nil {
		onReject = DefaultRateLimitOnReject
	}
	onError := opts.OnError
	if onError == nil {
		onError = DefaultRateLimitOnError
	}

	return func(next http.Handler) http.Handler {
		return &rateLimitHandler{
			next:           next,
			limiter:        limiter,
			getKey:         getKey,
			respStatusCode: respStatusCode,
			getRetryAfter:  opts.GetRetryAfter,
			onReject:       onReject,
			onError:        onError,
		}
	}, nil
}

// MustRateLimitWithOpts is a version of RateLimitWithOpts that panics if an error occurs.
func MustRateLimitWithOpts(maxRate Rate, opts RateLimitOpts) func(next http.Handler) http.Handler {
	mw, err := RateLimitWithOpts(maxRate, opts)
	if err != nil {
		panic(err)
	}
	return mw
}

func (h *rateLimitHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	key, bypass, err := h.getKey(r)
	if err != nil {
		h.onError(rw, r, h.makeParams(key, 0), fmt.Errorf("get key for rate limit: %w", err),
			h.next, GetLoggerFromContext(r.Context()))
		return
	}
	if bypass {
		h.next.ServeHTTP(rw, r)
		return
	}

	allow, retryAfter, err := h.limiter.Allow(r.Context(), key)
	if err != nil {
		h.onError(rw, r, h.makeParams(key, 0), fmt.Errorf("rate limit: %w", err),
			h.next, GetLoggerFromContext(r.Context()))
		return
	}
	if allow {
		h.next.ServeHTTP(rw, r)
		return
	}
	h.onReject(rw, r, h.makeParams(key, retryAfter), h.next, GetLoggerFromContext(r.Context()))
}

func (h *rateLimitHandler) makeParams(key string, retryAfter time.Duration) RateLimitParams {
	return RateLimitParams{
		ResponseStatusCode:  h.respStatusCode,
		GetRetryAfter:       h.getRetryAfter,
		Key:                 key,
		EstimatedRetryAfter: retryAfter,
	}
}

// GetRetryAfterEstimatedTime returns estimated time after that the client may retry the request.
func GetRetryAfterEstimatedTime(_ *http.Request, estimatedTime time.Duration) time.Duration {
	return estimatedTime
}

// DefaultRateLimitOnReject sends an HTTP response in a typical gatekit way when the rate limit is exceeded.
func DefaultRateLimitOnReject(
	rw http.ResponseWriter, r *http.Request, params RateLimitParams, next http.Handler, logger log.FieldLogger,
) {
	if logger != nil {
		logger = logger.With(
			log.String(RateLimitLogFieldKey, params.Key),
			log.String("user_agent", r.UserAgent()),
		)
	}
	if params.GetRetryAfter != nil {
		rw.Header().Set("Retry-After",
			strconv.Itoa(int(math.Ceil(params.GetRetryAfter(r, params.EstimatedRetryAfter).Seconds()))))
	}
	apiErr := restapi.NewError(RateLimitErrCode, restapi.ErrMessageTooManyRequests)
	restapi.RespondError(rw, params.ResponseStatusCode, apiErr, logger)
}

// DefaultRateLimitOnError sends an HTTP response in a typical gatekit way in case
// when an error occurs during the rate limiting.
func DefaultRateLimitOnError(
	rw http.ResponseWriter, r *http.Request, params RateLimitParams, err error, next http.Handler, logger log.FieldLogger,
) {
	if logger != nil {
		logger.Error(err.Error(), log.String(RateLimitLogFieldKey, params.Key))
	}
	restapi.RespondInternalError(rw, logger)
}

// QueueOnRateLimitExceeded returns a RateLimitOnRejectFunc that forwards GET requests
// to the next handler instead of rejecting them. It is meant to be used when an
// AdmissionLimit middleware sits downstream: a breached GET is then admitted, queued
// or rejected by the admission controller, converting the hard rate limit failure
// into a soft, bounded wait. Non-GET requests must fail fast and are rejected with
// the passed onReject (queuing a write risks duplicate side effects).
func QueueOnRateLimitExceeded(onReject RateLimitOnRejectFunc) RateLimitOnRejectFunc {
	if onReject == nil {
		onReject = DefaultRateLimitOnReject
	}
	return func(rw http.ResponseWriter, r *http.Request, params RateLimitParams, next http.Handler, logger log.FieldLogger) {
		if r.Method == http.MethodGet {
			next.ServeHTTP(rw, r)
			return
		}
		onReject(rw, r, params, next, logger)
	}
}

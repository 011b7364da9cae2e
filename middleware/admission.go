/*
Copyright © 2025 Snapfeed Labs.

Released under MIT license.
*/

package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/snapfeed/gatekit/internal/admission"
	"github.com/snapfeed/gatekit/log"
	"github.com/snapfeed/gatekit/restapi"
)

// Error codes that are used in a response body when a request is rejected by the AdmissionLimit middleware.
const (
	AdmissionQueueFullErrCode    = "queueFull"
	AdmissionQueueTimeoutErrCode = "queueTimeout"
)

// Error messages for the AdmissionLimit middleware rejections.
// We are using "var" here because some services may want to use different error messages.
var (
	AdmissionQueueFullErrMessage    = "Too many requests, the queue is full."
	AdmissionQueueTimeoutErrMessage = "Timed out waiting in the request queue."
)

// Log fields for AdmissionLimit middleware.
const (
	AdmissionLimitLogFieldKey    = "admission_key"
	AdmissionLimitLogFieldQueued = "admission_queued"
)

// AdmissionLimitParams contains data that relates to the admission procedure
// and could be used for rejecting or handling an occurred error.
type AdmissionLimitParams struct {
	ResponseStatusCode int
	GetRetryAfter      AdmissionLimitGetRetryAfterFunc
	Key                string
	RequestQueued      bool
	TimedOut           bool
}

// AdmissionLimitGetRetryAfterFunc is a function that is called to get a value for Retry-After
// response HTTP header when a request is rejected by the AdmissionLimit middleware.
type AdmissionLimitGetRetryAfterFunc func(r *http.Request) time.Duration

// AdmissionLimitOnRejectFunc is a function that is called for rejecting HTTP request
// when the client's queue is full or the queued request timed out.
type AdmissionLimitOnRejectFunc func(rw http.ResponseWriter, r *http.Request,
	params AdmissionLimitParams, next http.Handler, logger log.FieldLogger)

// AdmissionLimitOnErrorFunc is a function that is called in case of any error that may occur during the admission.
type AdmissionLimitOnErrorFunc func(rw http.ResponseWriter, r *http.Request,
	params AdmissionLimitParams, err error, next http.Handler, logger log.FieldLogger)

// AdmissionLimitGetKeyFunc is a function that is called for getting the client key for admission control.
type AdmissionLimitGetKeyFunc func(r *http.Request) (key string, bypass bool, err error)

// AdmissionLimitOpts represents an options for the AdmissionLimit middleware.
type AdmissionLimitOpts struct {
	// GetKey returns the client key. If nil, the host part of the request's remote address is used.
	GetKey AdmissionLimitGetKeyFunc

	ResponseStatusCode int
	GetRetryAfter      AdmissionLimitGetRetryAfterFunc

	OnReject AdmissionLimitOnRejectFunc
	OnError  AdmissionLimitOnErrorFunc

	// OnQueueWait is called when a queued request is finally admitted,
	// with the time it spent waiting in the queue.
	OnQueueWait func(r *http.Request, waited time.Duration)
}

type admissionLimitHandler struct {
	next           http.Handler
	ctrl           *admission.Controller
	getKey         AdmissionLimitGetKeyFunc
	respStatusCode int
	getRetryAfter  AdmissionLimitGetRetryAfterFunc

	onReject    AdmissionLimitOnRejectFunc
	onError     AdmissionLimitOnErrorFunc
	onQueueWait func(r *http.Request, waited time.Duration)
}

// AdmissionLimit is a middleware that bounds per-client concurrency of GET requests and
// queues the overflow instead of rejecting it outright. The passed Controller owns all
// queue state; its periodic drain loop (Controller.Run) should be started separately.
//
// Only GET requests are subject to admission control: queuing a non-idempotent request
// risks duplicate side effects, so all other methods pass through untouched.
func AdmissionLimit(ctrl *admission.Controller) func(next http.Handler) http.Handler {
	return AdmissionLimitWithOpts(ctrl, AdmissionLimitOpts{})
}

// AdmissionLimitWithOpts is a configurable version of the AdmissionLimit middleware.
func AdmissionLimitWithOpts(ctrl *admission.Controller, opts AdmissionLimitOpts) func(next http.Handler) http.Handler {
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
		onReject = DefaultAdmissionLimitOnReject
	}
	onError := opts.OnError
	if onError == nil {
		onError = DefaultAdmissionLimitOnError
	}
	return func(next http.Handler) http.Handler {
		return &admissionLimitHandler{
			next:           next,
			ctrl:           ctrl,
			getKey:         getKey,
			respStatusCode: respStatusCode,
			getRetryAfter:  opts.GetRetryAfter,
			onReject:       onReject,
			onError:        onError,
			onQueueWait:    opts.OnQueueWait,
		}
	}
}

// GetKeyFromRemoteAddr returns the host part of the request's remote address as the client key.
func GetKeyFromRemoteAddr(r *http.Request) (key string, bypass bool, err error) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	return host, false, err
}

func (h *admissionLimitHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.next.ServeHTTP(rw, r)
		return
	}

	key, bypass, err := h.getKey(r)
	if err != nil {
		h.onError(rw, r, h.makeParams(key, false, false), err, h.next, GetLoggerFromContext(r.Context()))
		return
	}
	if bypass {
		h.next.ServeHTTP(rw, r)
		return
	}

	exch := admission.NewExchange(r.Context())
	switch h.ctrl.AdmitOrQueue(key, exch) {
	case admission.DecisionAdmitted:
		h.serveAdmitted(rw, r, key)
	case admission.DecisionQueued:
		h.waitQueued(rw, r, key, exch)
	case admission.DecisionRejected:
		h.onReject(rw, r, h.makeParams(key, false, false), h.next, GetLoggerFromContext(r.Context()))
	}
}

// serveAdmitted runs the downstream handlers for an admitted request.
// The slot release is deferred so that it happens exactly once even if a handler panics.
func (h *admissionLimitHandler) serveAdmitted(rw http.ResponseWriter, r *http.Request, key string) {
	defer h.ctrl.OnCompletion(key)
	h.next.ServeHTTP(rw, r)
}

// waitQueued parks the request until its exchange is settled by a drain
// or until the client disconnects.
func (h *admissionLimitHandler) waitQueued(rw http.ResponseWriter, r *http.Request, key string, exch *admission.Exchange) {
	select {
	case verdict := <-exch.Verdict():
		h.serveVerdict(rw, r, key, exch, verdict, false)
	case <-r.Context().Done():
		if h.ctrl.Abandon(key, exch) {
			// The exchange was removed from the queue before being settled,
			// nothing is written and downstream handlers are never invoked.
			return
		}
		// Lost the race with a concurrent drain, the verdict is already on its way.
		h.serveVerdict(rw, r, key, exch, <-exch.Verdict(), true)
	}
}

func (h *admissionLimitHandler) serveVerdict(
	rw http.ResponseWriter, r *http.Request, key string, exch *admission.Exchange,
	verdict admission.Verdict, disconnected bool,
) {
	switch verdict {
	case admission.VerdictAdmitted:
		if h.onQueueWait != nil {
			h.onQueueWait(r, time.Since(exch.EnqueuedAt()))
		}
		// The slot is already consumed and must be released via the completion
		// callback even when the client is gone.
		h.serveAdmitted(rw, r, key)
	case admission.VerdictTimedOut:
		if disconnected {
			return
		}
		h.onReject(rw, r, h.makeParams(key, true, true), h.next, GetLoggerFromContext(r.Context()))
	}
}

func (h *admissionLimitHandler) makeParams(key string, queued, timedOut bool) AdmissionLimitParams {
	return AdmissionLimitParams{
		ResponseStatusCode: h.respStatusCode,
		GetRetryAfter:      h.getRetryAfter,
		Key:                key,
		RequestQueued:      queued,
		TimedOut:           timedOut,
	}
}

// DefaultAdmissionLimitOnReject sends an HTTP response in a typical gatekit way
// when a request is rejected by the AdmissionLimit middleware.
func DefaultAdmissionLimitOnReject(
	rw http.ResponseWriter, r *http.Request, params AdmissionLimitParams, next http.Handler, logger log.FieldLogger,
) {
	if logger != nil {
		logger = logger.With(
			log.String(AdmissionLimitLogFieldKey, params.Key),
			log.Bool(AdmissionLimitLogFieldQueued, params.RequestQueued),
			log.String("user_agent", r.UserAgent()),
		)
	}
	if params.GetRetryAfter != nil {
		rw.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(params.GetRetryAfter(r).Seconds()))))
	}
	apiErr := restapi.NewError(AdmissionQueueFullErrCode, AdmissionQueueFullErrMessage)
	if params.TimedOut {
		apiErr = restapi.NewError(AdmissionQueueTimeoutErrCode, AdmissionQueueTimeoutErrMessage)
	}
	restapi.RespondError(rw, params.ResponseStatusCode, apiErr, logger)
}

// DefaultAdmissionLimitOnError sends an HTTP response in a typical gatekit way in case
// when an error occurs during the admission.
func DefaultAdmissionLimitOnError(
	rw http.ResponseWriter, r *http.Request, params AdmissionLimitParams, err error, next http.Handler, logger log.FieldLogger,
) {
	if logger != nil {
		logger.Error(err.Error(), log.String(AdmissionLimitLogFieldKey, params.Key))
	}
	restapi.RespondInternalError(rw, logger)
}

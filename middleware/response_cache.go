/*
Copyright © 2025 Snapfeed Labs.

Released under MIT license.
*/

package middleware

import (
	"bytes"
	"net/http"
	"time"

	"github.com/snapfeed/gatekit/lrucache"
)

// Default values for the ResponseCache middleware options.
const (
	DefaultResponseCacheTTL          = time.Second * 10
	DefaultResponseCacheMaxEntries   = 1000
	DefaultResponseCacheMaxEntrySize = 256 * 1024
)

// ResponseCacheGetIdentityFunc returns the identity the request is scoped to.
// Responses of user-scoped endpoints are cached per identity.
type ResponseCacheGetIdentityFunc func(r *http.Request) string

// ResponseCacheOpts represents an options for the ResponseCache middleware.
type ResponseCacheOpts struct {
	// TTL is how long a stored response stays servable.
	TTL time.Duration

	// MaxEntries bounds the number of cached responses, the oldest entries are evicted.
	MaxEntries int

	// MaxEntrySize is the maximum body size that may be stored. Bigger responses are passed through uncached.
	MaxEntrySize int

	// GetIdentity, when set, makes the cache key identity-scoped.
	GetIdentity ResponseCacheGetIdentityFunc
}

type cachedResponse struct {
	statusCode  int
	contentType string
	body        []byte
}

type responseCacheHandler struct {
	next  http.Handler
	store *lrucache.LRUCache[string, *cachedResponse]
	opts  ResponseCacheOpts
}

// ResponseCache is a middleware that caches successful GET responses for a short TTL
// and short-circuits identical requests within the TTL window. The cache key is the
// normalized request path+query, optionally scoped by identity. It operates
// independently of the admission and rate limiting state.
func ResponseCache(opts ResponseCacheOpts) (func(next http.Handler) http.Handler, error) {
	if opts.TTL == 0 {
		opts.TTL = DefaultResponseCacheTTL
	}
	if opts.MaxEntries == 0 {
		opts.MaxEntries = DefaultResponseCacheMaxEntries
	}
	if opts.MaxEntrySize == 0 {
		opts.MaxEntrySize = DefaultResponseCacheMaxEntrySize
	}
	store, err := lrucache.New[string, *cachedResponse](opts.MaxEntries)
	if err != nil {
		return nil, err
	}
	return func(next http.Handler) http.Handler {
		return &responseCacheHandler{next: next, store: store, opts: opts}
	}, nil
}

// MustResponseCache is a version of ResponseCache that panics if an error occurs.
func MustResponseCache(opts ResponseCacheOpts) func(next http.Handler) http.Handler {
	mw, err := ResponseCache(opts)
	if err != nil {
		panic(err)
	}
	return mw
}

func (h *responseCacheHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.next.ServeHTTP(rw, r)
		return
	}

	key := h.cacheKey(r)
	if resp, ok := h.store.Get(key); ok {
		if resp.contentType != "" {
			rw.Header().Set("Content-Type", resp.contentType)
		}
		rw.WriteHeader(resp.statusCode)
		_, _ = rw.Write(resp.body)
		return
	}

	capturer := &responseCapturer{rw: rw, maxSize: h.opts.MaxEntrySize}
	h.next.ServeHTTP(capturer, r)

	if capturer.statusCode() == http.StatusOK && !capturer.overflowed {
		h.store.AddWithTTL(key, &cachedResponse{
			statusCode:  capturer.statusCode(),
			contentType: rw.Header().Get("Content-Type"),
			body:        capturer.buf.Bytes(),
		}, h.opts.TTL)
	}
}

func (h *responseCacheHandler) cacheKey(r *http.Request) string {
	// url.Values.Encode sorts by key, so the query part is normalized.
	key := r.URL.Path + "?" + r.URL.Query().Encode()
	if h.opts.GetIdentity != nil {
		key += "|" + h.opts.GetIdentity(r)
	}
	return key
}

// responseCapturer passes the response through to the underlying writer
// and keeps a copy of the body until it grows over maxSize.
type responseCapturer struct {
	rw         http.ResponseWriter
	buf        bytes.Buffer
	maxSize    int
	status     int
	overflowed bool
}

func (c *responseCapturer) Header() http.Header {
	return c.rw.Header()
}

func (c *responseCapturer) WriteHeader(statusCode int) {
	if c.status == 0 {
		c.status = statusCode
	}
	c.rw.WriteHeader(statusCode)
}

func (c *responseCapturer) Write(b []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	if !c.overflowed {
		if c.buf.Len()+len(b) > c.maxSize {
			c.overflowed = true
			c.buf.Reset()
		} else {
			c.buf.Write(b)
		}
	}
	return c.rw.Write(b)
}

func (c *responseCapturer) statusCode() int {
	if c.status == 0 {
		return http.StatusOK
	}
	return c.status
}

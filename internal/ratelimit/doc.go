/*
Copyright © 2025 Snapfeed Labs.

Released under MIT license.
*/

// Package ratelimit provides rate limiting algorithms keyed by an opaque client key.
// Queueing of requests that breach the limit is not handled here; it is the
// responsibility of the admission layer.
package ratelimit

/*
Copyright © 2025 Snapfeed Labs.

Released under MIT license.
*/

// Package gate provides a configurable middleware that protects API routes with
// per-client rate limiting, admission control with bounded FIFO queueing, and
// short-TTL response caching. Zones and limits are described in a Config that
// can be loaded from YAML or JSON.
package gate

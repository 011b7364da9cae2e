/*
Copyright © 2025 Snapfeed Labs.

Released under MIT license.
*/

// Package admission implements per-client admission control with bounded FIFO queueing.
//
// Each client gets a limited number of concurrently admitted requests. Overflow
// requests are parked in a per-client FIFO queue instead of being rejected
// outright and are promoted as capacity frees up: either right away, when an
// admitted request completes, or by a periodic drain tick that also evicts
// entries that waited longer than the queue timeout. The package is
// transport-agnostic; HTTP glue lives in the middleware package.
package admission

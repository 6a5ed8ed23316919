// Short-lived key/value state (as strings) with TTLs, purging and an atomic set-if-absent.
//
// Includes an interface and implementations using redis and in-process memory. The pipeline picks one at startup and callers never branch on which is active.
//
// This is used for the idempotency ledger of ingested events.
package cachestore

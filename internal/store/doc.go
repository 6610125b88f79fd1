// Package store persists connection state transitions to SQLite.
//
// The ledger records every supervisor status change (connect, disconnect,
// reconnect attempt) so operators can reconstruct a channel's connection
// history after the fact. Writes happen on a background goroutine; the
// Publish path never blocks the supervisor.
package store

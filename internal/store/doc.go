// Package store is the durable record of every extraction job.
//
// It is backed by SQLite (modernc.org/sqlite, pure Go) in WAL mode:
//   - one writer connection, transactions begin IMMEDIATE
//   - a small pool of query_only reader connections
//
// Per-topic uniqueness of active jobs is enforced by a partial unique index,
// so two concurrent enqueues of the same topic can never both succeed.
package store

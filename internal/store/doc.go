// Package store provides task and project persistence for the nexus server.
//
// # Overview
//
// The Store interface covers two concerns: the task table (including
// the atomic claim primitive) and the project directory (routing tags
// and group membership). The production implementation is SQLite via
// modernc.org/sqlite with WAL mode.
//
// # Claim arbitration
//
// ClaimTask is the only way a task moves from TODO to CLAIMED. It is a
// single conditional UPDATE whose WHERE clause matches only an
// unclaimed TODO row; the affected-row count decides the winner. With
// multiple server processes racing on the same row, correctness rests
// entirely on the store executing that statement atomically; there is
// no in-process locking anywhere in the claim path.
//
// # Data retention
//
// Tasks are never hard-deleted. DONE is a terminal status but the row
// is retained for history and idempotent re-processing of provider
// events that reference it.
package store

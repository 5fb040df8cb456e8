// ABOUTME: Package store persists the server's event ledger.
// ABOUTME: SQLite backs production; MockStore backs tests and ledger-less runs.

// Package store records what the master did: client registrations and
// rejections, executed commands and shutdowns. Entries are append-only.
package store

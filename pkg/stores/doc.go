// Package stores provides profile registry implementations for the director.
// The SQLite registry persists every committed profile as an immutable
// snapshot keyed by (profile id, timestamp) and keeps an execution journal
// used by the history command. The memory registry has the same semantics
// and backs tests and dry runs.
package stores

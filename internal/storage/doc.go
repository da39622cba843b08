// Package storage is the relational persistence layer of the mirror engine.
//
// It holds mirror edges, delivery records, server populations and the
// operator audit log, on SQLite (modernc.org/sqlite) or PostgreSQL (lib/pq).
package storage

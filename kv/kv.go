// Package kv defines the consumer-side contract this core needs from its
// backing key-value store. The store itself — MDBX, or anything else an
// embedder wires in — is out of scope here; only the interfaces a stage or
// the Collector needs to drive reads and writes are defined in this package,
// plus the table names and key encodings both sides agree on.
package kv

import "context"

// Cursor iterates a table in key order.
type Cursor interface {
	Seek(seek []byte) (k, v []byte, err error)
	First() (k, v []byte, err error)
	Next() (k, v []byte, err error)
	Last() (k, v []byte, err error)
	Close()
}

// RwCursor is a Cursor that can also mutate the table it iterates.
type RwCursor interface {
	Cursor

	Put(k, v []byte) error
	Append(k, v []byte) error
	Delete(k []byte) error
}

// Tx is a read-only view of the store, live for the duration of one stage
// invocation or one ad-hoc query.
type Tx interface {
	GetOne(table string, key []byte) ([]byte, error)
	Cursor(table string) (Cursor, error)
	Commit() error
	Rollback()
}

// RwTx additionally allows writes. A stage handed an RwTx writes into it and
// leaves committing it to whoever opened it; a stage called with a nil RwTx
// opens and commits its own.
type RwTx interface {
	Tx

	Put(table string, k, v []byte) error
	Delete(table string, k []byte) error
	RwCursor(table string) (RwCursor, error)
}

// RoDB opens read-only transactions.
type RoDB interface {
	View(ctx context.Context, f func(tx Tx) error) error
}

// RwDB opens read-write transactions in addition to read-only ones.
type RwDB interface {
	RoDB

	BeginRw(ctx context.Context) (RwTx, error)
	Update(ctx context.Context, f func(tx RwTx) error) error
	Close()
}

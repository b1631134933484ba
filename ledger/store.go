package ledger

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Tx lookups when the key is absent.
var ErrNotFound = errors.New("not found in ledger")

// ErrReadOnly is returned by Tx writes inside a View.
var ErrReadOnly = errors.New("write in read-only transaction")

// Store holds the record, pending request, retired request and aggregate
// tables. Every Update runs serializably: either all of its writes are
// committed or, when fn returns an error, none are. View transactions see a
// consistent snapshot and never observe a partially applied Update.
type Store interface {
	View(ctx context.Context, fn func(Tx) error) error
	Update(ctx context.Context, fn func(Tx) error) error
	Close() error
}

// Tx gives access to the tables within a transaction. Values returned by a
// Tx are copies; mutating them has no effect until written back.
//
//nolint:interfacebloat
type Tx interface {
	// NextRecordID reserves the next record identifier.
	NextRecordID() (RecordID, error)
	Record(id RecordID) (*Record, error)
	PutRecord(r *Record) error

	Pending(id RequestID) (*PendingRequest, error)
	// PendingFor returns the pending request bound to a record.
	PendingFor(record RecordID) (*PendingRequest, error)
	// PutPending stores the binding under both its request and record keys.
	PutPending(p *PendingRequest) error
	// DeletePending removes the binding under both keys.
	DeletePending(id RequestID) error
	ForEachPending(fn func(*PendingRequest) error) error

	Retired(id RequestID) (*RetiredRequest, error)
	PutRetired(r *RetiredRequest) error

	Aggregate(category string) (*Aggregate, error)
	PutAggregate(a *Aggregate) error
	ForEachAggregate(fn func(*Aggregate) error) error
}

package core

import (
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/drand/sealed/ledger"
)

// RequestTracker owns the pending and retired request tables. It is the
// anti-replay gate: a request id resolves at most once and is never bound
// again afterwards.
type RequestTracker struct {
	clock   clockwork.Clock
	records *RecordStore
}

// NewRequestTracker returns a tracker reading records through records.
func NewRequestTracker(clock clockwork.Clock, records *RecordStore) *RequestTracker {
	return &RequestTracker{clock: clock, records: records}
}

// Check returns the record if a decryption request may be issued for it.
func (t *RequestTracker) Check(tx ledger.Tx, record ledger.RecordID) (*ledger.Record, error) {
	r, err := t.records.Load(tx, record)
	if err != nil {
		return nil, err
	}
	if r.Revealed {
		return nil, fmt.Errorf("%w: %d", ErrAlreadyRevealed, record)
	}
	_, err = tx.PendingFor(record)
	switch {
	case err == nil:
		return nil, fmt.Errorf("%w: record %d", ErrRequestAlreadyPending, record)
	case !errors.Is(err, ledger.ErrNotFound):
		return nil, err
	}
	return r, nil
}

// Bind records that the oracle request id is outstanding for record.
func (t *RequestTracker) Bind(tx ledger.Tx, record ledger.RecordID, id ledger.RequestID) (*ledger.PendingRequest, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty request id", ErrDuplicateRequestID)
	}
	if _, err := t.Check(tx, record); err != nil {
		return nil, err
	}
	if _, err := tx.Pending(id); err == nil {
		return nil, fmt.Errorf("%w: %q is pending", ErrDuplicateRequestID, id)
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return nil, err
	}
	if _, err := tx.Retired(id); err == nil {
		return nil, fmt.Errorf("%w: %q was retired", ErrDuplicateRequestID, id)
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return nil, err
	}

	p := &ledger.PendingRequest{
		ID:       id,
		Record:   record,
		IssuedAt: t.clock.Now().UTC(),
	}
	if err := tx.PutPending(p); err != nil {
		return nil, err
	}
	return p, nil
}

// Lookup returns the pending binding of id without consuming it.
func (t *RequestTracker) Lookup(tx ledger.Tx, id ledger.RequestID) (*ledger.PendingRequest, error) {
	p, err := tx.Pending(id)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRequest, id)
	}
	return p, err
}

// Resolve consumes the binding of id and writes its tombstone. Whatever the
// outcome, the same id resolves at most once.
func (t *RequestTracker) Resolve(tx ledger.Tx, id ledger.RequestID, outcome ledger.Outcome) (*ledger.PendingRequest, error) {
	p, err := t.Lookup(tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.DeletePending(id); err != nil {
		return nil, err
	}
	err = tx.PutRetired(&ledger.RetiredRequest{
		ID:        id,
		Record:    p.Record,
		RetiredAt: t.clock.Now().UTC(),
		Outcome:   outcome,
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Abandon retires the request pending for record, so the record may be
// requested again.
func (t *RequestTracker) Abandon(tx ledger.Tx, record ledger.RecordID, outcome ledger.Outcome) (*ledger.PendingRequest, error) {
	if _, err := t.records.Load(tx, record); err != nil {
		return nil, err
	}
	p, err := tx.PendingFor(record)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, fmt.Errorf("%w: record %d", ErrNoPendingRequest, record)
	} else if err != nil {
		return nil, err
	}
	return t.Resolve(tx, p.ID, outcome)
}

// Expired lists the requests issued strictly before cutoff.
func (t *RequestTracker) Expired(tx ledger.Tx, cutoff time.Time) ([]*ledger.PendingRequest, error) {
	var out []*ledger.PendingRequest
	err := tx.ForEachPending(func(p *ledger.PendingRequest) error {
		if p.IssuedAt.Before(cutoff) {
			out = append(out, p)
		}
		return nil
	})
	return out, err
}

// Status derives the lifecycle state of record.
func (t *RequestTracker) Status(tx ledger.Tx, record ledger.RecordID) (ledger.Status, error) {
	r, err := tx.Record(record)
	if errors.Is(err, ledger.ErrNotFound) {
		return ledger.StatusUnknown, nil
	} else if err != nil {
		return ledger.StatusUnknown, err
	}
	if r.Revealed {
		return ledger.StatusRevealed, nil
	}
	if _, err := tx.PendingFor(record); err == nil {
		return ledger.StatusRequestPending, nil
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return ledger.StatusUnknown, err
	}
	return ledger.StatusSubmitted, nil
}

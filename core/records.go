package core

import (
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"

	"github.com/drand/sealed/ledger"
)

// RecordStore owns the record table. It performs no verification: callers
// hand it cleartexts only once the oracle proof checked out.
type RecordStore struct {
	clock clockwork.Clock
}

// NewRecordStore returns a RecordStore timestamping with clock.
func NewRecordStore(clock clockwork.Clock) *RecordStore {
	return &RecordStore{clock: clock}
}

// Submit stores a new unrevealed record under the next identifier.
func (s *RecordStore) Submit(tx ledger.Tx, c ledger.Ciphertexts) (*ledger.Record, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	id, err := tx.NextRecordID()
	if err != nil {
		return nil, fmt.Errorf("reserving record id: %w", err)
	}
	r := &ledger.Record{
		ID: id,
		Ciphertexts: ledger.Ciphertexts{
			Title:    c.Title.Clone(),
			Content:  c.Content.Clone(),
			Category: c.Category.Clone(),
		},
		SubmittedAt: s.clock.Now().UTC(),
	}
	if err := tx.PutRecord(r); err != nil {
		return nil, err
	}
	return r, nil
}

// Load returns the record or ErrUnknownRecord.
func (s *RecordStore) Load(tx ledger.Tx, id ledger.RecordID) (*ledger.Record, error) {
	r, err := tx.Record(id)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownRecord, id)
	}
	return r, err
}

// ApplyReveal stores the cleartexts of a record. The reveal and the revealed
// flag are written together and only once.
func (s *RecordStore) ApplyReveal(tx ledger.Tx, id ledger.RecordID, clear ledger.Cleartexts) (*ledger.Record, error) {
	r, err := s.Load(tx, id)
	if err != nil {
		return nil, err
	}
	if r.Revealed {
		return nil, fmt.Errorf("%w: %d", ErrAlreadyRevealed, id)
	}
	r.Revealed = true
	r.Reveal = &clear
	if err := tx.PutRecord(r); err != nil {
		return nil, err
	}
	return r, nil
}

// Get returns the cleartexts of a revealed record. Unknown and unrevealed
// records both yield empty cleartexts and false.
func (s *RecordStore) Get(tx ledger.Tx, id ledger.RecordID) (ledger.Cleartexts, bool) {
	r, err := tx.Record(id)
	if err != nil || !r.Revealed || r.Reveal == nil {
		return ledger.Cleartexts{}, false
	}
	return *r.Reveal, true
}

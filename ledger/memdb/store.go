package memdb

import (
	"context"
	"errors"
	"sync"

	"github.com/drand/sealed/ledger"
)

// ErrClosed is returned by transactions on a closed store.
var ErrClosed = errors.New("memdb: store closed")

// Store is an in-memory ledger. Updates hold the write lock for their whole
// duration and keep an undo log so a failing fn leaves no trace; views share
// the read lock.
type Store struct {
	storeMtx *sync.RWMutex

	seq        uint64
	records    map[ledger.RecordID]*ledger.Record
	pending    map[ledger.RequestID]*ledger.PendingRequest
	byRecord   map[ledger.RecordID]ledger.RequestID
	retired    map[ledger.RequestID]*ledger.RetiredRequest
	aggregates map[string]*ledger.Aggregate
	closed     bool
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		storeMtx:   &sync.RWMutex{},
		records:    make(map[ledger.RecordID]*ledger.Record),
		pending:    make(map[ledger.RequestID]*ledger.PendingRequest),
		byRecord:   make(map[ledger.RecordID]ledger.RequestID),
		retired:    make(map[ledger.RequestID]*ledger.RetiredRequest),
		aggregates: make(map[string]*ledger.Aggregate),
	}
}

func (m *Store) View(ctx context.Context, fn func(ledger.Tx) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	m.storeMtx.RLock()
	defer m.storeMtx.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return fn(&memTx{s: m})
}

func (m *Store) Update(ctx context.Context, fn func(ledger.Tx) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	m.storeMtx.Lock()
	defer m.storeMtx.Unlock()
	if m.closed {
		return ErrClosed
	}
	tx := &memTx{s: m, writable: true}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (m *Store) Close() error {
	m.storeMtx.Lock()
	defer m.storeMtx.Unlock()
	m.closed = true
	return nil
}

type memTx struct {
	s        *Store
	writable bool
	undo     []func()
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memTx) NextRecordID() (ledger.RecordID, error) {
	if !t.writable {
		return 0, ledger.ErrReadOnly
	}
	prev := t.s.seq
	t.undo = append(t.undo, func() { t.s.seq = prev })
	t.s.seq++
	return ledger.RecordID(t.s.seq), nil
}

func (t *memTx) Record(id ledger.RecordID) (*ledger.Record, error) {
	r, ok := t.s.records[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return r.Clone(), nil
}

func (t *memTx) PutRecord(r *ledger.Record) error {
	if !t.writable {
		return ledger.ErrReadOnly
	}
	prev, existed := t.s.records[r.ID]
	t.undo = append(t.undo, func() {
		if existed {
			t.s.records[r.ID] = prev
		} else {
			delete(t.s.records, r.ID)
		}
	})
	t.s.records[r.ID] = r.Clone()
	return nil
}

func (t *memTx) Pending(id ledger.RequestID) (*ledger.PendingRequest, error) {
	p, ok := t.s.pending[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	c := *p
	return &c, nil
}

func (t *memTx) PendingFor(record ledger.RecordID) (*ledger.PendingRequest, error) {
	id, ok := t.s.byRecord[record]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return t.Pending(id)
}

func (t *memTx) PutPending(p *ledger.PendingRequest) error {
	if !t.writable {
		return ledger.ErrReadOnly
	}
	if p.ID == "" {
		return errors.New("empty request key")
	}
	t.savePending(p.ID, p.Record)
	c := *p
	t.s.pending[p.ID] = &c
	t.s.byRecord[p.Record] = p.ID
	return nil
}

func (t *memTx) DeletePending(id ledger.RequestID) error {
	if !t.writable {
		return ledger.ErrReadOnly
	}
	p, ok := t.s.pending[id]
	if !ok {
		return ledger.ErrNotFound
	}
	t.savePending(id, p.Record)
	delete(t.s.pending, id)
	delete(t.s.byRecord, p.Record)
	return nil
}

// savePending records how to restore both index entries touched by a write.
func (t *memTx) savePending(id ledger.RequestID, record ledger.RecordID) {
	prevP, hadP := t.s.pending[id]
	prevR, hadR := t.s.byRecord[record]
	t.undo = append(t.undo, func() {
		if hadP {
			t.s.pending[id] = prevP
		} else {
			delete(t.s.pending, id)
		}
		if hadR {
			t.s.byRecord[record] = prevR
		} else {
			delete(t.s.byRecord, record)
		}
	})
}

func (t *memTx) ForEachPending(fn func(*ledger.PendingRequest) error) error {
	all := make([]ledger.PendingRequest, 0, len(t.s.pending))
	for _, p := range t.s.pending {
		all = append(all, *p)
	}
	for i := range all {
		if err := fn(&all[i]); err != nil {
			return err
		}
	}
	return nil
}

func (t *memTx) Retired(id ledger.RequestID) (*ledger.RetiredRequest, error) {
	r, ok := t.s.retired[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	c := *r
	return &c, nil
}

func (t *memTx) PutRetired(r *ledger.RetiredRequest) error {
	if !t.writable {
		return ledger.ErrReadOnly
	}
	if r.ID == "" {
		return errors.New("empty request key")
	}
	prev, existed := t.s.retired[r.ID]
	t.undo = append(t.undo, func() {
		if existed {
			t.s.retired[r.ID] = prev
		} else {
			delete(t.s.retired, r.ID)
		}
	})
	c := *r
	t.s.retired[r.ID] = &c
	return nil
}

func (t *memTx) Aggregate(category string) (*ledger.Aggregate, error) {
	a, ok := t.s.aggregates[category]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	c := *a
	c.Count = a.Count.Clone()
	return &c, nil
}

func (t *memTx) PutAggregate(a *ledger.Aggregate) error {
	if !t.writable {
		return ledger.ErrReadOnly
	}
	if a.Category == "" {
		return errors.New("empty category key")
	}
	prev, existed := t.s.aggregates[a.Category]
	t.undo = append(t.undo, func() {
		if existed {
			t.s.aggregates[a.Category] = prev
		} else {
			delete(t.s.aggregates, a.Category)
		}
	})
	c := *a
	c.Count = a.Count.Clone()
	t.s.aggregates[a.Category] = &c
	return nil
}

func (t *memTx) ForEachAggregate(fn func(*ledger.Aggregate) error) error {
	for _, a := range t.s.aggregates {
		c := *a
		c.Count = a.Count.Clone()
		if err := fn(&c); err != nil {
			return err
		}
	}
	return nil
}

package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru"

	"github.com/drand/sealed/common/log"
	"github.com/drand/sealed/crypto/he"
	"github.com/drand/sealed/ledger"
	"github.com/drand/sealed/metrics"
	"github.com/drand/sealed/oracle"
)

// lockStripes is the number of per-record locks serializing decryption
// requests. Records hashing to different stripes proceed in parallel.
const lockStripes = 64

// Engine accepts encrypted records, requests their decryption from the oracle
// and applies verified answers. Every state change happens inside a single
// store transaction; the oracle call and proof verification run outside of
// any.
type Engine struct {
	conf  *Config
	log   log.Logger
	store ledger.Store

	client     oracle.Client
	records    *RecordStore
	tracker    *RequestTracker
	verifier   *Verifier
	aggregator *Aggregator

	locks  [lockStripes]sync.Mutex
	cache  *lru.Cache
	events *callbackManager

	closeOnce sync.Once
}

// NewEngine returns an engine over store. The engine owns the store and closes
// it in Close.
func NewEngine(store ledger.Store, scheme he.Scheme, verifier *Verifier, client oracle.Client, opts ...Option) (*Engine, error) {
	if store == nil || scheme == nil || verifier == nil || client == nil {
		return nil, errors.New("engine needs a store, a scheme, a verifier and an oracle client")
	}
	conf := NewConfig(opts...)
	records := NewRecordStore(conf.clock)
	e := &Engine{
		conf:       conf,
		log:        conf.logger.Named("engine"),
		store:      store,
		client:     client,
		records:    records,
		tracker:    NewRequestTracker(conf.clock, records),
		verifier:   verifier,
		aggregator: NewAggregator(scheme, conf.clock),
		events:     newCallbackManager(),
	}
	if conf.revealCacheSize > 0 {
		cache, err := lru.New(conf.revealCacheSize)
		if err != nil {
			return nil, err
		}
		e.cache = cache
	}
	for id, fn := range conf.callbacks {
		e.events.AddCallback(id, fn)
	}
	if err := e.syncPendingGauge(context.Background()); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) syncPendingGauge(ctx context.Context) error {
	count := 0
	err := e.store.View(ctx, func(tx ledger.Tx) error {
		return tx.ForEachPending(func(*ledger.PendingRequest) error {
			count++
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("counting pending requests: %w", err)
	}
	metrics.PendingRequests.Set(float64(count))
	return nil
}

// AddCallback registers fn to receive engine events under id.
func (e *Engine) AddCallback(id string, fn func(Event)) {
	e.events.AddCallback(id, fn)
}

// DelCallback removes the callback registered under id.
func (e *Engine) DelCallback(id string) {
	e.events.DelCallback(id)
}

func (e *Engine) emit(kind EventKind, record ledger.RecordID, request ledger.RequestID) {
	e.events.Emit(Event{
		Kind:    kind,
		Record:  record,
		Request: request,
		Time:    e.conf.clock.Now(),
	})
}

func (e *Engine) fail(op string, err error, keyvals ...interface{}) error {
	r := reason(err)
	metrics.OperationErrors.WithLabelValues(op, r).Inc()
	keyvals = append(keyvals, "op", op, "err", err)
	if IsSecurityEvent(err) {
		metrics.SecurityEvents.WithLabelValues(r).Inc()
		e.log.Warnw("rejected callback", append(keyvals, "security", true)...)
	} else {
		e.log.Debugw("operation failed", keyvals...)
	}
	return err
}

func (e *Engine) lockFor(id ledger.RecordID) *sync.Mutex {
	return &e.locks[uint64(id)%lockStripes]
}

// Submit stores a new encrypted record and returns its identifier.
func (e *Engine) Submit(ctx context.Context, c ledger.Ciphertexts) (ledger.RecordID, error) {
	var rec *ledger.Record
	err := e.store.Update(ctx, func(tx ledger.Tx) error {
		var err error
		rec, err = e.records.Submit(tx, c)
		return err
	})
	if err != nil {
		return 0, e.fail("submit", err)
	}

	metrics.RecordsSubmitted.Inc()
	e.log.Debugw("record submitted", "record", rec.ID, "at", rec.SubmittedAt)
	e.emit(EventSubmitted, rec.ID, "")
	return rec.ID, nil
}

// RequestDecryption asks the oracle to decrypt record and binds the returned
// request id to it. It does not wait for the answer.
func (e *Engine) RequestDecryption(ctx context.Context, record ledger.RecordID) (ledger.RequestID, error) {
	lock := e.lockFor(record)
	lock.Lock()
	defer lock.Unlock()

	var rec *ledger.Record
	err := e.store.View(ctx, func(tx ledger.Tx) error {
		var err error
		rec, err = e.tracker.Check(tx, record)
		return err
	})
	if err != nil {
		return "", e.fail("request", err, "record", record)
	}

	id, err := e.client.Issue(ctx, oracle.Request{Record: record, Ciphertexts: rec.Ciphertexts})
	if err != nil {
		return "", e.fail("request", fmt.Errorf("oracle refused request: %w", err), "record", record)
	}

	err = e.store.Update(ctx, func(tx ledger.Tx) error {
		_, err := e.tracker.Bind(tx, record, id)
		return err
	})
	if err != nil {
		return "", e.fail("request", err, "record", record, "request", id)
	}

	metrics.DecryptionRequests.Inc()
	metrics.PendingRequests.Inc()
	e.log.Infow("decryption requested", "record", record, "request", id)
	e.emit(EventRequestIssued, record, id)
	return id, nil
}

// Callback applies an oracle answer. The request id is retired whether or not
// the proof verifies; only a valid proof reveals the record and counts its
// category. An answer failing verification, including one with an empty
// category, returns the record to StatusSubmitted so a fresh request can be
// issued for it.
func (e *Engine) Callback(ctx context.Context, a *oracle.Answer) error {
	if a == nil || a.RequestID == "" {
		return e.fail("callback", fmt.Errorf("%w: empty answer", ErrMalformedInput))
	}

	var rec *ledger.Record
	err := e.store.View(ctx, func(tx ledger.Tx) error {
		p, err := e.tracker.Lookup(tx, a.RequestID)
		if err != nil {
			return err
		}
		rec, err = e.records.Load(tx, p.Record)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrUnknownRequest) {
			e.emit(EventUnknownRequest, 0, a.RequestID)
		}
		return e.fail("callback", err, "request", a.RequestID)
	}

	verifyErr := e.verifier.Verify(a.RequestID, rec, a.Cleartexts, a.Proof)
	outcome := ledger.OutcomeRevealed
	if verifyErr != nil {
		outcome = ledger.OutcomeProofInvalid
	}

	var applyErr error
	err = e.store.Update(ctx, func(tx ledger.Tx) error {
		if _, err := e.tracker.Resolve(tx, a.RequestID, outcome); err != nil {
			return err
		}
		if verifyErr != nil {
			return nil
		}
		if _, err := e.records.ApplyReveal(tx, rec.ID, a.Cleartexts); err != nil {
			applyErr = err
			return err
		}
		if _, err := e.aggregator.OnReveal(tx, a.Cleartexts.Category, 1); err != nil {
			applyErr = err
			return err
		}
		return nil
	})

	switch {
	case applyErr != nil:
		return e.fail("callback", e.retireFailed(ctx, a.RequestID, rec.ID, applyErr), "request", a.RequestID, "record", rec.ID)
	case err != nil:
		if errors.Is(err, ErrUnknownRequest) {
			e.emit(EventUnknownRequest, 0, a.RequestID)
		}
		return e.fail("callback", err, "request", a.RequestID, "record", rec.ID)
	case verifyErr != nil:
		e.retired(ledger.OutcomeProofInvalid)
		e.emit(EventProofInvalid, rec.ID, a.RequestID)
		return e.fail("callback", verifyErr, "request", a.RequestID, "record", rec.ID)
	}

	e.retired(ledger.OutcomeRevealed)
	metrics.Reveals.Inc()
	e.log.Infow("record revealed", "record", rec.ID, "request", a.RequestID)
	e.emit(EventRevealed, rec.ID, a.RequestID)
	return nil
}

// retireFailed consumes a request whose verified answer could not be applied.
// The reveal and aggregate writes were rolled back with the first transaction.
func (e *Engine) retireFailed(ctx context.Context, id ledger.RequestID, record ledger.RecordID, cause error) error {
	err := e.store.Update(ctx, func(tx ledger.Tx) error {
		_, err := e.tracker.Resolve(tx, id, ledger.OutcomeRevealFailed)
		return err
	})
	if err != nil {
		e.log.Errorw("retiring failed request", "request", id, "record", record, "err", err)
		return multierror.Append(fmt.Errorf("applying reveal: %w", cause), err)
	}
	e.retired(ledger.OutcomeRevealFailed)
	return fmt.Errorf("applying reveal: %w", cause)
}

func (e *Engine) retired(outcome ledger.Outcome) {
	metrics.RequestsRetired.WithLabelValues(string(outcome)).Inc()
	metrics.PendingRequests.Dec()
}

// Get returns the cleartexts of a revealed record. Unknown and unrevealed
// records are indistinguishable: both return false.
func (e *Engine) Get(ctx context.Context, id ledger.RecordID) (ledger.Cleartexts, bool, error) {
	if e.cache != nil {
		if v, ok := e.cache.Get(id); ok {
			return v.(ledger.Cleartexts), true, nil
		}
	}
	var (
		clear    ledger.Cleartexts
		revealed bool
	)
	err := e.store.View(ctx, func(tx ledger.Tx) error {
		clear, revealed = e.records.Get(tx, id)
		return nil
	})
	if err != nil {
		return ledger.Cleartexts{}, false, err
	}
	if revealed && e.cache != nil {
		e.cache.Add(id, clear)
	}
	return clear, revealed, nil
}

// Status returns the lifecycle state of a record.
func (e *Engine) Status(ctx context.Context, id ledger.RecordID) (ledger.Status, error) {
	var s ledger.Status
	err := e.store.View(ctx, func(tx ledger.Tx) error {
		var err error
		s, err = e.tracker.Status(tx, id)
		return err
	})
	return s, err
}

// ReadAggregate returns the encrypted count of category, or he.Uninitialized
// if no reveal ever named it.
func (e *Engine) ReadAggregate(ctx context.Context, category string) (he.Ciphertext, error) {
	var c he.Ciphertext
	err := e.store.View(ctx, func(tx ledger.Tx) error {
		var err error
		c, err = e.aggregator.Read(tx, category)
		return err
	})
	return c, err
}

// Categories lists the categories holding an aggregate.
func (e *Engine) Categories(ctx context.Context) ([]string, error) {
	var out []string
	err := e.store.View(ctx, func(tx ledger.Tx) error {
		var err error
		out, err = e.aggregator.Categories(tx)
		return err
	})
	return out, err
}

// AggregateScheme returns the scheme the aggregates are encrypted under.
func (e *Engine) AggregateScheme() he.Scheme {
	return e.aggregator.Scheme()
}

// Abandon retires the request pending for record. A late answer to it is
// then rejected as an unknown request, and the record may be requested again.
func (e *Engine) Abandon(ctx context.Context, record ledger.RecordID) (ledger.RequestID, error) {
	lock := e.lockFor(record)
	lock.Lock()
	defer lock.Unlock()

	var p *ledger.PendingRequest
	err := e.store.Update(ctx, func(tx ledger.Tx) error {
		var err error
		p, err = e.tracker.Abandon(tx, record, ledger.OutcomeAbandoned)
		return err
	})
	if err != nil {
		return "", e.fail("abandon", err, "record", record)
	}
	e.retired(ledger.OutcomeAbandoned)
	e.log.Infow("request abandoned", "record", record, "request", p.ID)
	e.emit(EventAbandoned, record, p.ID)
	return p.ID, nil
}

// Close stops event delivery and closes the store and, if it holds resources,
// the oracle client.
func (e *Engine) Close() error {
	var result error
	e.closeOnce.Do(func() {
		e.events.Stop()
		if c, ok := e.client.(io.Closer); ok {
			if err := c.Close(); err != nil {
				result = multierror.Append(result, fmt.Errorf("closing oracle client: %w", err))
			}
		}
		if err := e.store.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("closing store: %w", err))
		}
	})
	return result
}

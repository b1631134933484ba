// Package local implements an in-process decryption oracle. It opens record
// fields with its ECIES key and proves each answer with a t-of-n threshold
// signature. It backs single-node deployments and the tests.
package local

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/drand/kyber"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"

	"github.com/drand/sealed/common/log"
	"github.com/drand/sealed/crypto"
	"github.com/drand/sealed/ledger"
	"github.com/drand/sealed/oracle"
)

type job struct {
	id  ledger.RequestID
	req oracle.Request
}

// Oracle queues the requests it accepts; Process answers them. Answers are
// never delivered from within Issue, so a caller always sees its request id
// before the callback naming it.
type Oracle struct {
	sync.Mutex
	scheme    *crypto.Scheme
	committee *crypto.Committee
	fieldKey  kyber.Scalar
	clock     clockwork.Clock
	log       log.Logger
	newID     func() ledger.RequestID

	queue  []job
	notify chan struct{}
}

// Option configures an Oracle.
type Option func(*Oracle)

// WithClock sets the clock driving Run.
func WithClock(c clockwork.Clock) Option {
	return func(o *Oracle) {
		o.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(o *Oracle) {
		o.log = l
	}
}

// WithRequestIDs replaces the uuid request ids.
func WithRequestIDs(fn func() ledger.RequestID) Option {
	return func(o *Oracle) {
		o.newID = fn
	}
}

// New returns an oracle decrypting with fieldKey and signing with committee.
func New(scheme *crypto.Scheme, committee *crypto.Committee, fieldKey kyber.Scalar, opts ...Option) (*Oracle, error) {
	if scheme == nil || committee == nil || fieldKey == nil {
		return nil, errors.New("local oracle needs a scheme, a committee and a field key")
	}
	o := &Oracle{
		scheme:    scheme,
		committee: committee,
		fieldKey:  fieldKey,
		clock:     clockwork.NewRealClock(),
		log:       log.DefaultLogger(),
		newID:     func() ledger.RequestID { return ledger.RequestID(uuid.New().String()) },
		notify:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.log = o.log.Named("oracle")
	return o, nil
}

// Key is the public key callbacks verify against.
func (o *Oracle) Key() kyber.Point {
	return o.committee.Key()
}

// FieldKey is the public key record fields are sealed to.
func (o *Oracle) FieldKey() kyber.Point {
	return o.scheme.KeyGroup.Point().Mul(o.fieldKey, nil)
}

// Issue implements oracle.Client.
func (o *Oracle) Issue(ctx context.Context, req oracle.Request) (ledger.RequestID, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	id := o.newID()

	o.Lock()
	o.queue = append(o.queue, job{id: id, req: req})
	o.Unlock()

	select {
	case o.notify <- struct{}{}:
	default:
	}
	o.log.Debugw("request queued", "request", id, "record", req.Record)
	return id, nil
}

// Queued returns the number of requests awaiting Process.
func (o *Oracle) Queued() int {
	o.Lock()
	defer o.Unlock()
	return len(o.queue)
}

// Answer decrypts the fields of req and proves the result for request id.
func (o *Oracle) Answer(id ledger.RequestID, req oracle.Request) (*oracle.Answer, error) {
	var fields [ledger.FieldCount]string
	for i, c := range req.Ciphertexts.Slice() {
		msg, err := o.scheme.OpenField(o.fieldKey, c)
		if err != nil {
			return nil, fmt.Errorf("opening field %d of record %d: %w", i, req.Record, err)
		}
		fields[i] = string(msg)
	}
	clear := ledger.Cleartexts{Title: fields[0], Content: fields[1], Category: fields[2]}

	digest := o.scheme.CallbackDigest(string(id), uint64(req.Record), req.Ciphertexts.Slice(), clear.Slice())
	proof, err := o.scheme.Sign(o.committee, digest)
	if err != nil {
		return nil, fmt.Errorf("signing answer: %w", err)
	}
	return &oracle.Answer{RequestID: id, Cleartexts: clear, Proof: proof}, nil
}

// Process answers every queued request through h and returns how many answers
// were delivered. Errors of individual requests are collected, the remaining
// requests are still processed.
func (o *Oracle) Process(ctx context.Context, h oracle.Handler) (int, error) {
	o.Lock()
	jobs := o.queue
	o.queue = nil
	o.Unlock()

	var result error
	delivered := 0
	for i, j := range jobs {
		if ctx.Err() != nil {
			o.requeue(jobs[i:])
			return delivered, multierror.Append(result, ctx.Err())
		}
		a, err := o.Answer(j.id, j.req)
		if err != nil {
			o.log.Warnw("cannot answer request", "request", j.id, "err", err)
			result = multierror.Append(result, err)
			continue
		}
		if err := h.Callback(ctx, a); err != nil {
			o.log.Warnw("callback rejected", "request", j.id, "err", err)
			result = multierror.Append(result, fmt.Errorf("request %s: %w", j.id, err))
			continue
		}
		delivered++
	}
	return delivered, result
}

func (o *Oracle) requeue(jobs []job) {
	o.Lock()
	defer o.Unlock()
	o.queue = append(append([]job{}, jobs...), o.queue...)
}

// Run answers queued requests as they arrive, and at least every interval,
// until ctx is done.
func (o *Oracle) Run(ctx context.Context, h oracle.Handler, interval time.Duration) {
	ticker := o.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.notify:
		case <-ticker.Chan():
		}
		if _, err := o.Process(ctx, h); err != nil && ctx.Err() == nil {
			o.log.Debugw("processing round finished with errors", "err", err)
		}
	}
}

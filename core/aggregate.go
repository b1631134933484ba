package core

import (
	"errors"
	"fmt"
	"sort"

	"github.com/jonboulle/clockwork"

	"github.com/drand/sealed/crypto/he"
	"github.com/drand/sealed/ledger"
)

// Aggregator maintains one encrypted counter per category. It holds only the
// public side of the scheme and never sees a plaintext count.
type Aggregator struct {
	scheme he.Scheme
	clock  clockwork.Clock
}

// NewAggregator returns an aggregator adding with scheme.
func NewAggregator(scheme he.Scheme, clock clockwork.Clock) *Aggregator {
	return &Aggregator{scheme: scheme, clock: clock}
}

// Scheme returns the homomorphic scheme of the counters.
func (a *Aggregator) Scheme() he.Scheme {
	return a.scheme
}

// OnReveal adds delta to the counter of category, creating it from an
// encryption of zero on first use.
func (a *Aggregator) OnReveal(tx ledger.Tx, category string, delta uint64) (*ledger.Aggregate, error) {
	agg, err := tx.Aggregate(category)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		zero, err := a.scheme.Zero()
		if err != nil {
			return nil, fmt.Errorf("initializing %q: %w", category, err)
		}
		agg = &ledger.Aggregate{Category: category, Count: zero}
	case err != nil:
		return nil, err
	}

	sum, err := he.AddPlain(a.scheme, agg.Count, delta)
	if err != nil {
		return nil, fmt.Errorf("adding to %q: %w", category, err)
	}
	agg.Count = sum
	agg.UpdatedAt = a.clock.Now().UTC()
	if err := tx.PutAggregate(agg); err != nil {
		return nil, err
	}
	return agg, nil
}

// Read returns the counter of category, or he.Uninitialized if no reveal ever
// named it.
func (a *Aggregator) Read(tx ledger.Tx, category string) (he.Ciphertext, error) {
	agg, err := tx.Aggregate(category)
	if errors.Is(err, ledger.ErrNotFound) {
		return he.Uninitialized, nil
	} else if err != nil {
		return he.Uninitialized, err
	}
	return agg.Count, nil
}

// Categories lists the categories holding a counter, sorted.
func (a *Aggregator) Categories(tx ledger.Tx) ([]string, error) {
	var out []string
	err := tx.ForEachAggregate(func(agg *ledger.Aggregate) error {
		out = append(out, agg.Category)
		return nil
	})
	sort.Strings(out)
	return out, err
}

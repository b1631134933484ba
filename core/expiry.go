package core

import (
	"context"
	"errors"

	"github.com/drand/sealed/ledger"
)

// ExpirePending retires every request older than the pending TTL and returns
// how many it retired. Records go back to submitted and may be requested
// again.
func (e *Engine) ExpirePending(ctx context.Context) (int, error) {
	if e.conf.pendingTTL <= 0 {
		return 0, nil
	}
	cutoff := e.conf.clock.Now().Add(-e.conf.pendingTTL)

	var stale []*ledger.PendingRequest
	err := e.store.View(ctx, func(tx ledger.Tx) error {
		var err error
		stale, err = e.tracker.Expired(tx, cutoff)
		return err
	})
	if err != nil {
		return 0, e.fail("expire", err)
	}

	expired := 0
	for _, p := range stale {
		err := e.store.Update(ctx, func(tx ledger.Tx) error {
			_, err := e.tracker.Resolve(tx, p.ID, ledger.OutcomeExpired)
			return err
		})
		if errors.Is(err, ErrUnknownRequest) {
			// answered or abandoned in the meantime
			continue
		} else if err != nil {
			return expired, e.fail("expire", err, "request", p.ID)
		}
		expired++
		e.retired(ledger.OutcomeExpired)
		e.log.Infow("request expired", "record", p.Record, "request", p.ID, "issued", p.IssuedAt)
		e.emit(EventExpired, p.Record, p.ID)
	}
	return expired, nil
}

// Run expires stale requests every expiry interval until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	if e.conf.pendingTTL <= 0 || e.conf.expiryInterval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := e.conf.clock.NewTicker(e.conf.expiryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if _, err := e.ExpirePending(ctx); err != nil && ctx.Err() == nil {
				e.log.Errorw("expiry run failed", "err", err)
			}
		}
	}
}

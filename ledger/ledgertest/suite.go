// Package ledgertest holds the behaviour every ledger.Store backend must share.
package ledgertest

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/drand/sealed/crypto/he"
	"github.com/drand/sealed/ledger"
)

// Record returns a record with recognizable ciphertexts.
func Record(id ledger.RecordID) *ledger.Record {
	return &ledger.Record{
		ID: id,
		Ciphertexts: ledger.Ciphertexts{
			Title:    he.Ciphertext{Scheme: "test", Data: []byte("title")},
			Content:  he.Ciphertext{Scheme: "test", Data: []byte("content")},
			Category: he.Ciphertext{Scheme: "test", Data: []byte("category")},
		},
		SubmittedAt: time.Unix(1600000000, 0).UTC(),
	}
}

var errAbort = errors.New("abort")

// Run exercises a Store implementation. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) ledger.Store) {
	t.Run("Sequence", func(t *testing.T) { testSequence(t, newStore(t)) })
	t.Run("Rollback", func(t *testing.T) { testRollback(t, newStore(t)) })
	t.Run("Pending", func(t *testing.T) { testPending(t, newStore(t)) })
	t.Run("ReadOnly", func(t *testing.T) { testReadOnly(t, newStore(t)) })
	t.Run("Aggregates", func(t *testing.T) { testAggregates(t, newStore(t)) })
	t.Run("LongCategory", func(t *testing.T) { testLongCategory(t, newStore(t)) })
	t.Run("Cancelled", func(t *testing.T) { testCancelled(t, newStore(t)) })
}

func testSequence(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	var ids []ledger.RecordID
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Update(ctx, func(tx ledger.Tx) error {
			id, err := tx.NextRecordID()
			ids = append(ids, id)
			return err
		}))
	}
	require.Equal(t, []ledger.RecordID{1, 2, 3}, ids)

	// an aborted reservation may be rolled back, but never hands out an id twice
	require.ErrorIs(t, s.Update(ctx, func(tx ledger.Tx) error {
		_, err := tx.NextRecordID()
		require.NoError(t, err)
		return errAbort
	}), errAbort)
	require.NoError(t, s.Update(ctx, func(tx ledger.Tx) error {
		id, err := tx.NextRecordID()
		require.Greater(t, uint64(id), uint64(3))
		return err
	}))
}

func testRollback(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	require.NoError(t, s.Update(ctx, func(tx ledger.Tx) error {
		return tx.PutRecord(Record(1))
	}))

	err := s.Update(ctx, func(tx ledger.Tx) error {
		r, err := tx.Record(1)
		require.NoError(t, err)
		r.Revealed = true
		r.Reveal = &ledger.Cleartexts{Title: "t", Content: "c", Category: "A"}
		require.NoError(t, tx.PutRecord(r))
		require.NoError(t, tx.PutRecord(Record(2)))
		require.NoError(t, tx.PutAggregate(&ledger.Aggregate{Category: "A", Count: he.Ciphertext{Scheme: "test", Data: []byte{1}}}))
		require.NoError(t, tx.PutPending(&ledger.PendingRequest{ID: "r", Record: 1}))
		require.NoError(t, tx.PutRetired(&ledger.RetiredRequest{ID: "old", Record: 1}))

		// writes are visible inside the transaction
		got, err := tx.Record(1)
		require.NoError(t, err)
		require.True(t, got.Revealed)
		return errAbort
	})
	require.ErrorIs(t, err, errAbort)

	require.NoError(t, s.View(ctx, func(tx ledger.Tx) error {
		r, err := tx.Record(1)
		require.NoError(t, err)
		require.False(t, r.Revealed)
		require.Nil(t, r.Reveal)
		_, err = tx.Record(2)
		require.ErrorIs(t, err, ledger.ErrNotFound)
		_, err = tx.Aggregate("A")
		require.ErrorIs(t, err, ledger.ErrNotFound)
		_, err = tx.Pending("r")
		require.ErrorIs(t, err, ledger.ErrNotFound)
		_, err = tx.PendingFor(1)
		require.ErrorIs(t, err, ledger.ErrNotFound)
		_, err = tx.Retired("old")
		require.ErrorIs(t, err, ledger.ErrNotFound)
		return nil
	}))
}

func testPending(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	issued := time.Unix(1600000100, 0).UTC()
	require.NoError(t, s.Update(ctx, func(tx ledger.Tx) error {
		require.NoError(t, tx.PutPending(&ledger.PendingRequest{ID: "a", Record: 1, IssuedAt: issued}))
		return tx.PutPending(&ledger.PendingRequest{ID: "b", Record: 2, IssuedAt: issued})
	}))

	require.NoError(t, s.View(ctx, func(tx ledger.Tx) error {
		p, err := tx.Pending("a")
		require.NoError(t, err)
		require.Equal(t, ledger.RecordID(1), p.Record)
		require.True(t, issued.Equal(p.IssuedAt))

		p, err = tx.PendingFor(2)
		require.NoError(t, err)
		require.Equal(t, ledger.RequestID("b"), p.ID)

		count := 0
		require.NoError(t, tx.ForEachPending(func(*ledger.PendingRequest) error {
			count++
			return nil
		}))
		require.Equal(t, 2, count)
		return nil
	}))

	require.NoError(t, s.Update(ctx, func(tx ledger.Tx) error {
		require.NoError(t, tx.DeletePending("a"))
		require.ErrorIs(t, tx.DeletePending("a"), ledger.ErrNotFound)
		return tx.PutRetired(&ledger.RetiredRequest{ID: "a", Record: 1, Outcome: ledger.OutcomeRevealed})
	}))

	require.NoError(t, s.View(ctx, func(tx ledger.Tx) error {
		_, err := tx.Pending("a")
		require.ErrorIs(t, err, ledger.ErrNotFound)
		_, err = tx.PendingFor(1)
		require.ErrorIs(t, err, ledger.ErrNotFound)
		r, err := tx.Retired("a")
		require.NoError(t, err)
		require.Equal(t, ledger.OutcomeRevealed, r.Outcome)
		_, err = tx.PendingFor(2)
		require.NoError(t, err)
		return nil
	}))
}

func testReadOnly(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	require.NoError(t, s.View(ctx, func(tx ledger.Tx) error {
		_, err := tx.NextRecordID()
		require.ErrorIs(t, err, ledger.ErrReadOnly)
		require.ErrorIs(t, tx.PutRecord(Record(1)), ledger.ErrReadOnly)
		require.ErrorIs(t, tx.PutPending(&ledger.PendingRequest{ID: "x", Record: 1}), ledger.ErrReadOnly)
		require.ErrorIs(t, tx.PutAggregate(&ledger.Aggregate{Category: "A"}), ledger.ErrReadOnly)
		return nil
	}))
}

func testAggregates(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	require.NoError(t, s.Update(ctx, func(tx ledger.Tx) error {
		for _, c := range []string{"A", "B"} {
			err := tx.PutAggregate(&ledger.Aggregate{
				Category: c,
				Count:    he.Ciphertext{Scheme: "test", Data: []byte(c)},
			})
			require.NoError(t, err)
		}
		require.Error(t, tx.PutAggregate(&ledger.Aggregate{}))
		return nil
	}))
	require.NoError(t, s.View(ctx, func(tx ledger.Tx) error {
		seen := map[string]bool{}
		require.NoError(t, tx.ForEachAggregate(func(a *ledger.Aggregate) error {
			seen[a.Category] = true
			require.Equal(t, []byte(a.Category), a.Count.Data)
			return nil
		}))
		require.Equal(t, map[string]bool{"A": true, "B": true}, seen)
		_, err := tx.Aggregate("C")
		require.ErrorIs(t, err, ledger.ErrNotFound)
		return nil
	}))
}

// categories are bounded by the cleartext size limit, not by any key limit of
// the backend
func testLongCategory(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	long := strings.Repeat("c", 40000)
	other := long[:39999] + "d"
	require.NoError(t, s.Update(ctx, func(tx ledger.Tx) error {
		for _, c := range []string{long, other} {
			err := tx.PutAggregate(&ledger.Aggregate{
				Category: c,
				Count:    he.Ciphertext{Scheme: "test", Data: []byte(c[len(c)-1:])},
			})
			require.NoError(t, err)
		}
		return nil
	}))
	require.NoError(t, s.View(ctx, func(tx ledger.Tx) error {
		a, err := tx.Aggregate(long)
		require.NoError(t, err)
		require.Equal(t, long, a.Category)
		require.Equal(t, []byte("c"), a.Count.Data)

		a, err = tx.Aggregate(other)
		require.NoError(t, err)
		require.Equal(t, []byte("d"), a.Count.Data)

		n := 0
		require.NoError(t, tx.ForEachAggregate(func(*ledger.Aggregate) error {
			n++
			return nil
		}))
		require.Equal(t, 2, n)
		return nil
	}))
}

func testCancelled(t *testing.T, s ledger.Store) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := s.Update(ctx, func(ledger.Tx) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, called)
}

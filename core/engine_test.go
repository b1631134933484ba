package core

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/drand/sealed/common/testlogger"
	"github.com/drand/sealed/crypto"
	"github.com/drand/sealed/crypto/he"
	"github.com/drand/sealed/crypto/he/paillier"
	"github.com/drand/sealed/ledger"
	"github.com/drand/sealed/ledger/boltdb"
	"github.com/drand/sealed/ledger/memdb"
	"github.com/drand/sealed/oracle"
	"github.com/drand/sealed/oracle/local"
)

func TestRevealAndAggregate(t *testing.T) {
	n := newTestNode(t, nodeConfig{})

	r1 := n.submit("first", "one", "A")
	r2 := n.submit("second", "two", "A")
	r3 := n.submit("third", "three", "B")
	require.Equal(t, []ledger.RecordID{1, 2, 3}, []ledger.RecordID{r1, r2, r3})

	for _, id := range []ledger.RecordID{r1, r2, r3} {
		require.Equal(t, ledger.StatusSubmitted, n.status(id))
		n.reveal(id)
		require.Equal(t, ledger.StatusRevealed, n.status(id))
	}

	require.Equal(t, uint64(2), n.count("A"))
	require.Equal(t, uint64(1), n.count("B"))

	c, err := n.engine.ReadAggregate(n.ctx, "C")
	require.NoError(t, err)
	require.False(t, c.Initialized())
	require.True(t, c.Equal(he.Uninitialized))

	clear, revealed, err := n.engine.Get(n.ctx, r2)
	require.NoError(t, err)
	require.True(t, revealed)
	require.Equal(t, ledger.Cleartexts{Title: "second", Content: "two", Category: "A"}, clear)

	categories, err := n.engine.Categories(n.ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"A", "B"}, categories)
}

func TestGetHidesUnrevealed(t *testing.T) {
	n := newTestNode(t, nodeConfig{})
	id := n.submit("t", "c", "A")

	for _, rid := range []ledger.RecordID{id, 42} {
		clear, revealed, err := n.engine.Get(n.ctx, rid)
		require.NoError(t, err)
		require.False(t, revealed)
		require.Equal(t, ledger.Cleartexts{}, clear)
	}
	require.Equal(t, ledger.StatusUnknown, n.status(42))
}

func TestSubmitRejectsMissingFields(t *testing.T) {
	n := newTestNode(t, nodeConfig{})
	c := n.seal("t", "c", "A")
	c.Content = he.Uninitialized
	_, err := n.engine.Submit(n.ctx, c)
	require.ErrorIs(t, err, ErrMalformedInput)

	// no identifier was consumed
	require.Equal(t, ledger.RecordID(1), n.submit("t", "c", "A"))
}

func TestRequestPreconditions(t *testing.T) {
	n := newTestNode(t, nodeConfig{})

	_, err := n.engine.RequestDecryption(n.ctx, 99)
	require.ErrorIs(t, err, ErrUnknownRecord)

	id := n.submit("t", "c", "A")
	_, err = n.engine.RequestDecryption(n.ctx, id)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusRequestPending, n.status(id))

	_, err = n.engine.RequestDecryption(n.ctx, id)
	require.ErrorIs(t, err, ErrRequestAlreadyPending)
	// the refused request never reached the oracle
	require.Equal(t, 1, n.oracle.Queued())

	answers := n.answers()
	require.Len(t, answers, 1)
	require.NoError(t, n.engine.Callback(n.ctx, answers[0]))

	_, err = n.engine.RequestDecryption(n.ctx, id)
	require.ErrorIs(t, err, ErrAlreadyRevealed)
}

func TestCallbackResolvesOnce(t *testing.T) {
	n := newTestNode(t, nodeConfig{})
	id := n.submit("t", "c", "A")
	a := n.answer(id)

	require.NoError(t, n.engine.Callback(n.ctx, a))
	err := n.engine.Callback(n.ctx, a)
	require.ErrorIs(t, err, ErrUnknownRequest)
	require.True(t, IsSecurityEvent(err))

	require.Equal(t, uint64(1), n.count("A"))
}

func TestUnknownRequestMutatesNothing(t *testing.T) {
	n := newTestNode(t, nodeConfig{})
	id := n.submit("t", "c", "A")
	a := n.answer(id)

	forged := *a
	forged.RequestID = "never-issued"
	err := n.engine.Callback(n.ctx, &forged)
	require.ErrorIs(t, err, ErrUnknownRequest)

	require.Equal(t, ledger.StatusRequestPending, n.status(id))
	categories, err := n.engine.Categories(n.ctx)
	require.NoError(t, err)
	require.Empty(t, categories)

	// the genuine answer still goes through
	require.NoError(t, n.engine.Callback(n.ctx, a))
	require.Eventually(t, func() bool { return n.events.count(EventUnknownRequest) == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestTamperedProofRetiresRequest(t *testing.T) {
	n := newTestNode(t, nodeConfig{})
	id := n.submit("t", "c", "A")
	a := n.answer(id)

	tampered := *a
	tampered.Proof = append([]byte{}, a.Proof...)
	tampered.Proof[len(tampered.Proof)-1] ^= 0x01
	err := n.engine.Callback(n.ctx, &tampered)
	require.ErrorIs(t, err, ErrProofInvalid)
	require.True(t, IsSecurityEvent(err))

	require.Equal(t, ledger.StatusSubmitted, n.status(id))
	c, err := n.engine.ReadAggregate(n.ctx, "A")
	require.NoError(t, err)
	require.False(t, c.Initialized())

	// the request id is spent, even with the genuine proof
	require.ErrorIs(t, n.engine.Callback(n.ctx, a), ErrUnknownRequest)

	// a fresh request reveals the record
	n.reveal(id)
	require.Equal(t, ledger.StatusRevealed, n.status(id))
	require.Equal(t, uint64(1), n.count("A"))
	require.Eventually(t, func() bool { return n.events.count(EventProofInvalid) == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestTamperedCleartextsRejected(t *testing.T) {
	n := newTestNode(t, nodeConfig{})
	id := n.submit("t", "c", "A")
	a := n.answer(id)

	tampered := *a
	tampered.Cleartexts.Category = "B"
	require.ErrorIs(t, n.engine.Callback(n.ctx, &tampered), ErrProofInvalid)

	for _, cat := range []string{"A", "B"} {
		c, err := n.engine.ReadAggregate(n.ctx, cat)
		require.NoError(t, err)
		require.False(t, c.Initialized())
	}
	_, revealed, err := n.engine.Get(n.ctx, id)
	require.NoError(t, err)
	require.False(t, revealed)
}

func TestProofBoundToRecord(t *testing.T) {
	n := newTestNode(t, nodeConfig{})
	r1 := n.submit("t", "c", "A")
	r2 := n.submit("t", "c", "A")

	_, err := n.engine.RequestDecryption(n.ctx, r1)
	require.NoError(t, err)
	_, err = n.engine.RequestDecryption(n.ctx, r2)
	require.NoError(t, err)
	answers := n.answers()
	require.Len(t, answers, 2)

	// the answer for r1 carried under the request id of r2
	swapped := *answers[0]
	swapped.RequestID = answers[1].RequestID
	require.ErrorIs(t, n.engine.Callback(n.ctx, &swapped), ErrProofInvalid)

	require.NoError(t, n.engine.Callback(n.ctx, answers[0]))
	require.Equal(t, ledger.StatusRevealed, n.status(r1))
	require.Equal(t, ledger.StatusSubmitted, n.status(r2))
	require.Equal(t, uint64(1), n.count("A"))
}

func TestEmptyCategoryRetiresRequest(t *testing.T) {
	n := newTestNode(t, nodeConfig{})
	id := n.submit("t", "c", "")
	a := n.answer(id)
	err := n.engine.Callback(n.ctx, a)
	require.ErrorIs(t, err, ErrProofInvalid)
	require.True(t, IsSecurityEvent(err))
	require.Equal(t, ledger.StatusSubmitted, n.status(id))
	require.ErrorIs(t, n.engine.Callback(n.ctx, a), ErrUnknownRequest)

	categories, err := n.engine.Categories(n.ctx)
	require.NoError(t, err)
	require.Empty(t, categories)

	require.ErrorIs(t, n.engine.Callback(n.ctx, nil), ErrMalformedInput)
}

func TestUnknownRequestWithEmptyCategory(t *testing.T) {
	n := newTestNode(t, nodeConfig{})
	id := n.submit("t", "c", "A")
	a := n.answer(id)

	forged := *a
	forged.RequestID = "never-issued"
	forged.Cleartexts.Category = ""
	err := n.engine.Callback(n.ctx, &forged)
	require.ErrorIs(t, err, ErrUnknownRequest)
	require.True(t, IsSecurityEvent(err))
	require.Eventually(t, func() bool { return n.events.count(EventUnknownRequest) == 1 }, 5*time.Second, 10*time.Millisecond)

	require.Equal(t, ledger.StatusRequestPending, n.status(id))
	require.NoError(t, n.engine.Callback(n.ctx, a))
}

func TestDuplicateRequestID(t *testing.T) {
	n := newTestNode(t, nodeConfig{
		oracleOps: []local.Option{local.WithRequestIDs(func() ledger.RequestID { return "dup" })},
	})
	r1 := n.submit("t", "c", "A")
	r2 := n.submit("t", "c", "B")

	_, err := n.engine.RequestDecryption(n.ctx, r1)
	require.NoError(t, err)
	_, err = n.engine.RequestDecryption(n.ctx, r2)
	require.ErrorIs(t, err, ErrDuplicateRequestID)
	require.Equal(t, ledger.StatusSubmitted, n.status(r2))

	// retired ids are not reused either
	_, err = n.engine.Abandon(n.ctx, r1)
	require.NoError(t, err)
	_, err = n.engine.RequestDecryption(n.ctx, r1)
	require.ErrorIs(t, err, ErrDuplicateRequestID)
	require.Equal(t, ledger.StatusSubmitted, n.status(r1))
}

func TestEmptyRequestIDRejected(t *testing.T) {
	n := newTestNode(t, nodeConfig{
		oracleOps: []local.Option{local.WithRequestIDs(func() ledger.RequestID { return "" })},
	})
	id := n.submit("t", "c", "A")
	_, err := n.engine.RequestDecryption(n.ctx, id)
	require.ErrorIs(t, err, ErrDuplicateRequestID)
	require.Equal(t, ledger.StatusSubmitted, n.status(id))
}

type refusingOracle struct{}

func (refusingOracle) Issue(context.Context, oracle.Request) (ledger.RequestID, error) {
	return "", errors.New("oracle unavailable")
}

func TestOracleFailureLeavesRecordSubmitted(t *testing.T) {
	sch := crypto.NewDefaultScheme()
	committee, err := sch.NewCommittee(1, 1)
	require.NoError(t, err)
	verifier, err := NewVerifier(sch, committee.Key())
	require.NoError(t, err)
	e, err := NewEngine(memdb.NewStore(), he.NewClear(), verifier, refusingOracle{}, WithLogger(testlogger.New(t)))
	require.NoError(t, err)
	defer e.Close()

	ctx := context.Background()
	id, err := e.Submit(ctx, ledger.Ciphertexts{
		Title:    he.Ciphertext{Scheme: "x", Data: []byte{1}},
		Content:  he.Ciphertext{Scheme: "x", Data: []byte{2}},
		Category: he.Ciphertext{Scheme: "x", Data: []byte{3}},
	})
	require.NoError(t, err)
	_, err = e.RequestDecryption(ctx, id)
	require.Error(t, err)
	s, err := e.Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusSubmitted, s)
}

func TestAbandon(t *testing.T) {
	n := newTestNode(t, nodeConfig{})
	id := n.submit("t", "c", "A")

	_, err := n.engine.Abandon(n.ctx, id)
	require.ErrorIs(t, err, ErrNoPendingRequest)
	_, err = n.engine.Abandon(n.ctx, 77)
	require.ErrorIs(t, err, ErrUnknownRecord)

	late := n.answer(id)
	req, err := n.engine.Abandon(n.ctx, id)
	require.NoError(t, err)
	require.Equal(t, late.RequestID, req)
	require.Equal(t, ledger.StatusSubmitted, n.status(id))

	require.ErrorIs(t, n.engine.Callback(n.ctx, late), ErrUnknownRequest)
	n.reveal(id)
	require.Equal(t, uint64(1), n.count("A"))
	require.Eventually(t, func() bool { return n.events.count(EventAbandoned) == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestExpirePending(t *testing.T) {
	n := newTestNode(t, nodeConfig{opts: []Option{WithPendingTTL(time.Minute)}})
	stale := n.submit("t", "c", "A")
	fresh := n.submit("t", "c", "B")

	_, err := n.engine.RequestDecryption(n.ctx, stale)
	require.NoError(t, err)
	n.clock.Advance(45 * time.Second)
	_, err = n.engine.RequestDecryption(n.ctx, fresh)
	require.NoError(t, err)
	answers := n.answers()
	require.Len(t, answers, 2)

	n.clock.Advance(30 * time.Second)
	expired, err := n.engine.ExpirePending(n.ctx)
	require.NoError(t, err)
	require.Equal(t, 1, expired)
	require.Equal(t, ledger.StatusSubmitted, n.status(stale))
	require.Equal(t, ledger.StatusRequestPending, n.status(fresh))

	require.ErrorIs(t, n.engine.Callback(n.ctx, answers[0]), ErrUnknownRequest)
	require.NoError(t, n.engine.Callback(n.ctx, answers[1]))
	require.Eventually(t, func() bool { return n.events.count(EventExpired) == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestExpiryDisabled(t *testing.T) {
	n := newTestNode(t, nodeConfig{opts: []Option{WithPendingTTL(0)}})
	id := n.submit("t", "c", "A")
	_, err := n.engine.RequestDecryption(n.ctx, id)
	require.NoError(t, err)
	n.clock.Advance(24 * time.Hour)
	expired, err := n.engine.ExpirePending(n.ctx)
	require.NoError(t, err)
	require.Zero(t, expired)
	require.Equal(t, ledger.StatusRequestPending, n.status(id))
}

func TestRunExpiresOnTicks(t *testing.T) {
	n := newTestNode(t, nodeConfig{opts: []Option{
		WithPendingTTL(time.Minute),
		WithExpiryInterval(10 * time.Second),
	}})
	id := n.submit("t", "c", "A")
	_, err := n.engine.RequestDecryption(n.ctx, id)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		n.engine.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	n.clock.BlockUntil(1)
	n.clock.Advance(2 * time.Minute)
	require.Eventually(t, func() bool {
		s, err := n.engine.Status(n.ctx, id)
		return err == nil && s == ledger.StatusSubmitted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestEvents(t *testing.T) {
	n := newTestNode(t, nodeConfig{})
	id := n.submit("t", "c", "A")
	n.reveal(id)

	require.Eventually(t, func() bool {
		return n.events.count(EventSubmitted) == 1 &&
			n.events.count(EventRequestIssued) == 1 &&
			n.events.count(EventRevealed) == 1
	}, 5*time.Second, 10*time.Millisecond)

	n.engine.DelCallback("test")
	n.submit("t", "c", "A")
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, n.events.count(EventSubmitted))
}

func TestConcurrentCallbacks(t *testing.T) {
	n := newTestNode(t, nodeConfig{})
	id := n.submit("t", "c", "A")
	a := n.answer(id)

	const callers = 10
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- n.engine.Callback(context.Background(), a)
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		require.ErrorIs(t, err, ErrUnknownRequest)
	}
	require.Equal(t, 1, succeeded)
	require.Equal(t, uint64(1), n.count("A"))
}

func TestConcurrentRecords(t *testing.T) {
	n := newTestNode(t, nodeConfig{})
	const records = 8
	ids := make([]ledger.RecordID, records)
	for i := range ids {
		ids[i] = n.submit("t", "c", "A")
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id ledger.RecordID) {
			defer wg.Done()
			_, err := n.engine.RequestDecryption(context.Background(), id)
			require.NoError(t, err)
		}(id)
	}
	wg.Wait()

	delivered, err := n.oracle.Process(n.ctx, n.engine)
	require.NoError(t, err)
	require.Equal(t, records, delivered)
	require.Equal(t, uint64(records), n.count("A"))
}

type failingScheme struct {
	he.Scheme
}

func (failingScheme) Add(a, b he.Ciphertext) (he.Ciphertext, error) {
	return he.Uninitialized, errors.New("add failed")
}

func TestRevealFailureRetiresRequest(t *testing.T) {
	store := memdb.NewStore()
	n := newTestNode(t, nodeConfig{store: store, scheme: failingScheme{he.NewClear()}})
	id := n.submit("t", "c", "A")
	a := n.answer(id)

	err := n.engine.Callback(n.ctx, a)
	require.Error(t, err)
	require.False(t, IsSecurityEvent(err))

	require.Equal(t, ledger.StatusSubmitted, n.status(id))
	_, revealed, err := n.engine.Get(n.ctx, id)
	require.NoError(t, err)
	require.False(t, revealed)

	require.NoError(t, store.View(n.ctx, func(tx ledger.Tx) error {
		r, err := tx.Retired(a.RequestID)
		require.NoError(t, err)
		require.Equal(t, ledger.OutcomeRevealFailed, r.Outcome)
		return nil
	}))
}

func TestPaillierAggregate(t *testing.T) {
	shares, pk, err := paillier.GenerateKeys(512, 2, 3)
	require.NoError(t, err)
	scheme, err := paillier.New(pk)
	require.NoError(t, err)

	n := newTestNode(t, nodeConfig{scheme: scheme})
	for _, cat := range []string{"A", "A", "B"} {
		n.reveal(n.submit("t", "c", cat))
	}

	dec := paillier.NewDecrypter(scheme, shares[:2])
	for cat, want := range map[string]uint64{"A": 2, "B": 1} {
		c, err := n.engine.ReadAggregate(n.ctx, cat)
		require.NoError(t, err)
		v, err := dec.Decrypt(c)
		require.NoError(t, err)
		require.Equal(t, want, v)
	}
}

func TestPersistence(t *testing.T) {
	dir := t.TempDir()
	l := testlogger.New(t)
	sch := crypto.NewDefaultScheme()
	committee, err := sch.NewCommittee(2, 3)
	require.NoError(t, err)
	fieldKey, _ := sch.NewFieldKey()

	open := func() *testNode {
		store, err := boltdb.NewBoltStore(context.Background(), l, dir, nil)
		require.NoError(t, err)
		return newTestNodeWithKeys(t, nodeConfig{store: store}, sch, committee, fieldKey)
	}

	n := open()
	revealed := n.submit("t", "c", "A")
	pending := n.submit("t", "c", "B")
	a := n.answer(revealed)
	require.NoError(t, n.engine.Callback(n.ctx, a))
	late := n.answer(pending)
	before, err := n.engine.ReadAggregate(n.ctx, "A")
	require.NoError(t, err)
	require.NoError(t, n.engine.Close())

	n = open()
	clear, ok, err := n.engine.Get(n.ctx, revealed)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "A", clear.Category)

	after, err := n.engine.ReadAggregate(n.ctx, "A")
	require.NoError(t, err)
	require.True(t, before.Equal(after))

	require.Equal(t, ledger.StatusRequestPending, n.status(pending))
	require.ErrorIs(t, n.engine.Callback(n.ctx, a), ErrUnknownRequest)
	require.NoError(t, n.engine.Callback(n.ctx, late))
	require.Equal(t, uint64(1), n.count("B"))

	require.Equal(t, ledger.RecordID(3), n.submit("t", "c", "C"))
}

func TestLongCategoryOnBolt(t *testing.T) {
	store, err := boltdb.NewBoltStore(context.Background(), testlogger.New(t), t.TempDir(), nil)
	require.NoError(t, err)
	n := newTestNode(t, nodeConfig{store: store})

	long := strings.Repeat("k", 40000)
	id := n.submit("t", "c", long)
	n.reveal(id)
	require.Equal(t, ledger.StatusRevealed, n.status(id))
	require.Equal(t, uint64(1), n.count(long))

	n.reveal(n.submit("t", "c", long))
	require.Equal(t, uint64(2), n.count(long))

	categories, err := n.engine.Categories(n.ctx)
	require.NoError(t, err)
	require.Equal(t, []string{long}, categories)
}

package local

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/drand/sealed/common/testlogger"
	"github.com/drand/sealed/crypto"
	"github.com/drand/sealed/ledger"
	"github.com/drand/sealed/oracle"
)

func newTestOracle(t *testing.T, opts ...Option) (*Oracle, *crypto.Scheme) {
	t.Helper()
	sch := crypto.NewDefaultScheme()
	committee, err := sch.NewCommittee(2, 3)
	require.NoError(t, err)
	priv, _ := sch.NewFieldKey()
	o, err := New(sch, committee, priv, append(opts, WithLogger(testlogger.New(t)))...)
	require.NoError(t, err)
	return o, sch
}

func sealedRequest(t *testing.T, o *Oracle, sch *crypto.Scheme, record ledger.RecordID, title, content, category string) oracle.Request {
	t.Helper()
	var c ledger.Ciphertexts
	var err error
	c.Title, err = sch.SealField(o.FieldKey(), []byte(title))
	require.NoError(t, err)
	c.Content, err = sch.SealField(o.FieldKey(), []byte(content))
	require.NoError(t, err)
	c.Category, err = sch.SealField(o.FieldKey(), []byte(category))
	require.NoError(t, err)
	return oracle.Request{Record: record, Ciphertexts: c}
}

func TestProcessAnswersWithValidProofs(t *testing.T) {
	o, sch := newTestOracle(t)
	ctx := context.Background()
	req := sealedRequest(t, o, sch, 7, "title", "content", "A")

	id, err := o.Issue(ctx, req)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.Equal(t, 1, o.Queued())

	var answers []*oracle.Answer
	n, err := o.Process(ctx, oracle.HandlerFunc(func(_ context.Context, a *oracle.Answer) error {
		answers = append(answers, a)
		return nil
	}))
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 0, o.Queued())
	require.Len(t, answers, 1)

	a := answers[0]
	require.Equal(t, id, a.RequestID)
	require.Equal(t, ledger.Cleartexts{Title: "title", Content: "content", Category: "A"}, a.Cleartexts)

	digest := sch.CallbackDigest(string(id), 7, req.Ciphertexts.Slice(), a.Cleartexts.Slice())
	require.NoError(t, sch.VerifyProof(o.Key(), digest, a.Proof))

	// the proof is bound to the record
	other := sch.CallbackDigest(string(id), 8, req.Ciphertexts.Slice(), a.Cleartexts.Slice())
	require.Error(t, sch.VerifyProof(o.Key(), other, a.Proof))
}

func TestUniqueRequestIDs(t *testing.T) {
	o, sch := newTestOracle(t)
	ctx := context.Background()
	req := sealedRequest(t, o, sch, 1, "t", "c", "A")
	seen := make(map[ledger.RequestID]bool)
	for i := 0; i < 20; i++ {
		id, err := o.Issue(ctx, req)
		require.NoError(t, err)
		require.False(t, seen[id])
		seen[id] = true
	}
}

func TestProcessCollectsErrors(t *testing.T) {
	o, sch := newTestOracle(t)
	ctx := context.Background()

	good := sealedRequest(t, o, sch, 1, "t", "c", "A")
	bad := good
	bad.Ciphertexts.Title.Data = []byte("not an envelope")

	_, err := o.Issue(ctx, bad)
	require.NoError(t, err)
	_, err = o.Issue(ctx, good)
	require.NoError(t, err)

	errRejected := errors.New("rejected")
	calls := 0
	n, err := o.Process(ctx, oracle.HandlerFunc(func(context.Context, *oracle.Answer) error {
		calls++
		if calls == 1 {
			return nil
		}
		return errRejected
	}))
	require.Error(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 1, calls)
}

func TestCancelledIssue(t *testing.T) {
	o, sch := newTestOracle(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := o.Issue(ctx, sealedRequest(t, o, sch, 1, "t", "c", "A"))
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 0, o.Queued())
}

func TestRunDeliversQueuedRequests(t *testing.T) {
	clock := clockwork.NewFakeClock()
	o, sch := newTestOracle(t, WithClock(clock))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	delivered := make(chan *oracle.Answer, 1)
	go o.Run(ctx, oracle.HandlerFunc(func(_ context.Context, a *oracle.Answer) error {
		delivered <- a
		return nil
	}), time.Minute)

	id, err := o.Issue(ctx, sealedRequest(t, o, sch, 3, "t", "c", "B"))
	require.NoError(t, err)

	select {
	case a := <-delivered:
		require.Equal(t, id, a.RequestID)
		require.Equal(t, "B", a.Cleartexts.Category)
	case <-time.After(10 * time.Second):
		t.Fatal("request was not answered")
	}
}

func TestRequestIDsOption(t *testing.T) {
	o, sch := newTestOracle(t, WithRequestIDs(func() ledger.RequestID { return "fixed" }))
	id, err := o.Issue(context.Background(), sealedRequest(t, o, sch, 1, "t", "c", "A"))
	require.NoError(t, err)
	require.Equal(t, ledger.RequestID("fixed"), id)
}

package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/drand/kyber"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/drand/sealed/common/testlogger"
	"github.com/drand/sealed/crypto"
	"github.com/drand/sealed/crypto/he"
	"github.com/drand/sealed/ledger"
	"github.com/drand/sealed/ledger/memdb"
	"github.com/drand/sealed/oracle"
	"github.com/drand/sealed/oracle/local"
)

// testNode bundles an engine with the oracle answering it.
type testNode struct {
	t      *testing.T
	ctx    context.Context
	engine *Engine
	oracle *local.Oracle
	scheme *crypto.Scheme
	clock  clockwork.FakeClock
	events *eventLog
}

type eventLog struct {
	sync.Mutex
	events []Event
}

func (l *eventLog) add(e Event) {
	l.Lock()
	defer l.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) count(kind EventKind) int {
	l.Lock()
	defer l.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

type nodeConfig struct {
	store     ledger.Store
	scheme    he.Scheme
	oracleOps []local.Option
	opts      []Option
}

func newTestNode(t *testing.T, nc nodeConfig) *testNode {
	t.Helper()
	sch := crypto.NewDefaultScheme()
	committee, err := sch.NewCommittee(2, 3)
	require.NoError(t, err)
	fieldKey, _ := sch.NewFieldKey()
	return newTestNodeWithKeys(t, nc, sch, committee, fieldKey)
}

func newTestNodeWithKeys(t *testing.T, nc nodeConfig, sch *crypto.Scheme, committee *crypto.Committee, fieldKey kyber.Scalar) *testNode {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2022, 6, 1, 12, 0, 0, 0, time.UTC))
	l := testlogger.New(t)

	o, err := local.New(sch, committee, fieldKey, append(nc.oracleOps, local.WithLogger(l))...)
	require.NoError(t, err)

	verifier, err := NewVerifier(sch, o.Key())
	require.NoError(t, err)

	if nc.store == nil {
		nc.store = memdb.NewStore()
	}
	if nc.scheme == nil {
		nc.scheme = he.NewClear()
	}
	events := &eventLog{}
	opts := append([]Option{
		WithLogger(l),
		WithClock(clock),
		WithCallback("test", events.add),
	}, nc.opts...)
	e, err := NewEngine(nc.store, nc.scheme, verifier, o, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	return &testNode{
		t:      t,
		ctx:    context.Background(),
		engine: e,
		oracle: o,
		scheme: sch,
		clock:  clock,
		events: events,
	}
}

// seal encrypts the three fields to the oracle field key.
func (n *testNode) seal(title, content, category string) ledger.Ciphertexts {
	n.t.Helper()
	var c ledger.Ciphertexts
	var err error
	c.Title, err = n.scheme.SealField(n.oracle.FieldKey(), []byte(title))
	require.NoError(n.t, err)
	c.Content, err = n.scheme.SealField(n.oracle.FieldKey(), []byte(content))
	require.NoError(n.t, err)
	c.Category, err = n.scheme.SealField(n.oracle.FieldKey(), []byte(category))
	require.NoError(n.t, err)
	return c
}

func (n *testNode) submit(title, content, category string) ledger.RecordID {
	n.t.Helper()
	id, err := n.engine.Submit(n.ctx, n.seal(title, content, category))
	require.NoError(n.t, err)
	return id
}

// answers drains the oracle queue without delivering the answers.
func (n *testNode) answers() []*oracle.Answer {
	n.t.Helper()
	var out []*oracle.Answer
	_, err := n.oracle.Process(n.ctx, oracle.HandlerFunc(func(_ context.Context, a *oracle.Answer) error {
		out = append(out, a)
		return nil
	}))
	require.NoError(n.t, err)
	return out
}

// answer requests the decryption of id and returns the oracle answer.
func (n *testNode) answer(id ledger.RecordID) *oracle.Answer {
	n.t.Helper()
	_, err := n.engine.RequestDecryption(n.ctx, id)
	require.NoError(n.t, err)
	answers := n.answers()
	require.Len(n.t, answers, 1)
	return answers[0]
}

// reveal runs a full request and callback round for id.
func (n *testNode) reveal(id ledger.RecordID) {
	n.t.Helper()
	require.NoError(n.t, n.engine.Callback(n.ctx, n.answer(id)))
}

func (n *testNode) status(id ledger.RecordID) ledger.Status {
	n.t.Helper()
	s, err := n.engine.Status(n.ctx, id)
	require.NoError(n.t, err)
	return s
}

// count decrypts the clear aggregate of category.
func (n *testNode) count(category string) uint64 {
	n.t.Helper()
	c, err := n.engine.ReadAggregate(n.ctx, category)
	require.NoError(n.t, err)
	require.True(n.t, c.Initialized(), "category %q has no aggregate", category)
	v, err := he.NewClear().Decrypt(c)
	require.NoError(n.t, err)
	return v
}

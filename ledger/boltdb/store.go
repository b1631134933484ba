package boltdb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	json "github.com/nikkolasg/hexjson"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/blake2b"

	"github.com/drand/sealed/common"
	"github.com/drand/sealed/common/log"
	"github.com/drand/sealed/ledger"
)

// BoltStore implements the ledger Store interface using the kv storage boltdb
// (native golang implementation). Internally, every table is a bucket of
// JSON-encoded values. Write transactions are serialized by bolt itself and
// readers get MVCC snapshots.
type BoltStore struct {
	db *bolt.DB

	log log.Logger
}

var (
	recordBucket          = []byte("records")
	pendingBucket         = []byte("pending")
	pendingByRecordBucket = []byte("pending-by-record")
	retiredBucket         = []byte("retired")
	aggregateBucket       = []byte("aggregates")
	metaBucket            = []byte("meta")

	allBuckets = [][]byte{recordBucket, pendingBucket, pendingByRecordBucket, retiredBucket, aggregateBucket, metaBucket}

	versionKey = []byte("version")
)

// ErrIncompatibleVersion is returned when opening a database written by a
// version this one cannot read.
var ErrIncompatibleVersion = errors.New("incompatible database version")

// BoltFileName is the name of the file boltdb writes to
const BoltFileName = "sealed.db"

// BoltStoreOpenPerm is the permission we will use to read bolt store file from disk
const BoltStoreOpenPerm = 0660

// NewBoltStore opens, or creates, the ledger database inside folder.
func NewBoltStore(ctx context.Context, l log.Logger, folder string, opts *bolt.Options) (*BoltStore, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	dbPath := path.Join(folder, BoltFileName)
	db, err := bolt.Open(dbPath, BoltStoreOpenPerm, opts)
	if err != nil {
		return nil, err
	}
	// create the buckets already
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return checkVersion(tx.Bucket(metaBucket), common.GetAppVersion())
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &BoltStore{
		log: l,
		db:  db,
	}, nil
}

// View implements the ledger Store interface.
func (b *BoltStore) View(ctx context.Context, fn func(ledger.Tx) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	return b.db.View(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

// Update implements the ledger Store interface. Returning an error from fn
// rolls back every write made through the Tx.
func (b *BoltStore) Update(ctx context.Context, fn func(ledger.Tx) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		return fn(&boltTx{tx: tx})
	})
}

// checkVersion refuses a database last written by a version current cannot
// read, then stamps it with current.
func checkVersion(meta *bolt.Bucket, current common.Version) error {
	if buff := meta.Get(versionKey); buff != nil {
		var stored common.Version
		if err := json.Unmarshal(buff, &stored); err != nil {
			return fmt.Errorf("corrupted version entry: %w", err)
		}
		if !current.IsCompatible(stored) {
			return fmt.Errorf("%w: written by %s, running %s", ErrIncompatibleVersion, stored, current)
		}
	}
	buff, err := json.Marshal(current)
	if err != nil {
		return err
	}
	return meta.Put(versionKey, buff)
}

func (b *BoltStore) Close() error {
	err := b.db.Close()
	if err != nil {
		b.log.Errorw("", "boltdb", "close", "err", err)
	}
	return err
}

// SaveTo saves the bolt database to an alternate file.
func (b *BoltStore) SaveTo(ctx context.Context, w io.Writer) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	return b.db.View(func(tx *bolt.Tx) error {
		_, err := tx.WriteTo(w)
		return err
	})
}

type boltTx struct {
	tx *bolt.Tx
}

type unmarshaler interface {
	Unmarshal([]byte) error
}

type marshaler interface {
	Marshal() ([]byte, error)
}

func (t *boltTx) get(bucket, key []byte, v unmarshaler) error {
	buff := t.tx.Bucket(bucket).Get(key)
	if buff == nil {
		return ledger.ErrNotFound
	}
	// bolt values are only valid for the life of the transaction; the JSON
	// decoder copies what it keeps
	if err := v.Unmarshal(buff); err != nil {
		return fmt.Errorf("corrupted %s entry: %w", bucket, err)
	}
	return nil
}

func (t *boltTx) put(bucket, key []byte, v marshaler) error {
	if !t.tx.Writable() {
		return ledger.ErrReadOnly
	}
	buff, err := v.Marshal()
	if err != nil {
		return err
	}
	return t.tx.Bucket(bucket).Put(key, buff)
}

func (t *boltTx) NextRecordID() (ledger.RecordID, error) {
	if !t.tx.Writable() {
		return 0, ledger.ErrReadOnly
	}
	seq, err := t.tx.Bucket(recordBucket).NextSequence()
	return ledger.RecordID(seq), err
}

func (t *boltTx) Record(id ledger.RecordID) (*ledger.Record, error) {
	r := new(ledger.Record)
	if err := t.get(recordBucket, ledger.IDToBytes(id), r); err != nil {
		return nil, err
	}
	return r, nil
}

func (t *boltTx) PutRecord(r *ledger.Record) error {
	return t.put(recordBucket, ledger.IDToBytes(r.ID), r)
}

func (t *boltTx) Pending(id ledger.RequestID) (*ledger.PendingRequest, error) {
	if id == "" {
		return nil, ledger.ErrNotFound
	}
	p := new(ledger.PendingRequest)
	if err := t.get(pendingBucket, []byte(id), p); err != nil {
		return nil, err
	}
	return p, nil
}

func (t *boltTx) PendingFor(record ledger.RecordID) (*ledger.PendingRequest, error) {
	id := t.tx.Bucket(pendingByRecordBucket).Get(ledger.IDToBytes(record))
	if id == nil {
		return nil, ledger.ErrNotFound
	}
	return t.Pending(ledger.RequestID(id))
}

func (t *boltTx) PutPending(p *ledger.PendingRequest) error {
	if p.ID == "" {
		return errors.New("empty request key")
	}
	if err := t.put(pendingBucket, []byte(p.ID), p); err != nil {
		return err
	}
	return t.tx.Bucket(pendingByRecordBucket).Put(ledger.IDToBytes(p.Record), []byte(p.ID))
}

func (t *boltTx) DeletePending(id ledger.RequestID) error {
	if !t.tx.Writable() {
		return ledger.ErrReadOnly
	}
	p, err := t.Pending(id)
	if err != nil {
		return err
	}
	if err := t.tx.Bucket(pendingBucket).Delete([]byte(id)); err != nil {
		return err
	}
	return t.tx.Bucket(pendingByRecordBucket).Delete(ledger.IDToBytes(p.Record))
}

func (t *boltTx) ForEachPending(fn func(*ledger.PendingRequest) error) error {
	return t.tx.Bucket(pendingBucket).ForEach(func(_, v []byte) error {
		p := new(ledger.PendingRequest)
		if err := p.Unmarshal(v); err != nil {
			return fmt.Errorf("corrupted pending entry: %w", err)
		}
		return fn(p)
	})
}

func (t *boltTx) Retired(id ledger.RequestID) (*ledger.RetiredRequest, error) {
	if id == "" {
		return nil, ledger.ErrNotFound
	}
	r := new(ledger.RetiredRequest)
	if err := t.get(retiredBucket, []byte(id), r); err != nil {
		return nil, err
	}
	return r, nil
}

func (t *boltTx) PutRetired(r *ledger.RetiredRequest) error {
	if r.ID == "" {
		return errors.New("empty request key")
	}
	return t.put(retiredBucket, []byte(r.ID), r)
}

func (t *boltTx) Aggregate(category string) (*ledger.Aggregate, error) {
	if category == "" {
		return nil, ledger.ErrNotFound
	}
	a := new(ledger.Aggregate)
	if err := t.get(aggregateBucket, aggregateKey(category), a); err != nil {
		return nil, err
	}
	return a, nil
}

func (t *boltTx) PutAggregate(a *ledger.Aggregate) error {
	if a.Category == "" {
		return errors.New("empty category key")
	}
	return t.put(aggregateBucket, aggregateKey(a.Category), a)
}

// aggregateKey maps a category to its fixed-width bucket key. Categories may
// be longer than bolt.MaxKeySize; the stored value keeps the category itself.
func aggregateKey(category string) []byte {
	h := blake2b.Sum256([]byte(category))
	return h[:]
}

func (t *boltTx) ForEachAggregate(fn func(*ledger.Aggregate) error) error {
	return t.tx.Bucket(aggregateBucket).ForEach(func(_, v []byte) error {
		a := new(ledger.Aggregate)
		if err := a.Unmarshal(v); err != nil {
			return fmt.Errorf("corrupted aggregate entry: %w", err)
		}
		return fn(a)
	})
}

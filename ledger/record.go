package ledger

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"
	"time"

	json "github.com/nikkolasg/hexjson"

	"github.com/drand/sealed/crypto/he"
)

// RecordID identifies a submitted record. Identifiers start at 1, increase
// monotonically and are never reused.
type RecordID uint64

func (id RecordID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseRecordID parses the decimal form of a record identifier.
func ParseRecordID(s string) (RecordID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return RecordID(v), nil
}

// RequestID is the opaque identifier the decryption oracle issues for a
// request and echoes back in its callback.
type RequestID string

// IDToBytes serializes a record identifier to bytes (8 bytes fixed length
// big-endian) so records sort by submission order.
func IDToBytes(id RecordID) []byte {
	var buff bytes.Buffer
	_ = binary.Write(&buff, binary.BigEndian, uint64(id))
	return buff.Bytes()
}

// BytesToID is the inverse of IDToBytes.
func BytesToID(b []byte) (RecordID, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("record key of %d bytes", len(b))
	}
	return RecordID(binary.BigEndian.Uint64(b)), nil
}

// FieldCount is the number of fields of a record.
const FieldCount = 3

// Ciphertexts is the fixed tuple of encrypted fields of a record.
type Ciphertexts struct {
	Title    he.Ciphertext
	Content  he.Ciphertext
	Category he.Ciphertext
}

// Slice returns the fields in their canonical order.
func (c Ciphertexts) Slice() []he.Ciphertext {
	return []he.Ciphertext{c.Title, c.Content, c.Category}
}

// Validate checks that every field carries a ciphertext. The bytes themselves
// are opaque to the ledger.
func (c Ciphertexts) Validate() error {
	for i, f := range c.Slice() {
		if !f.Initialized() || len(f.Data) == 0 {
			return fmt.Errorf("field %d carries no ciphertext", i)
		}
	}
	return nil
}

// Cleartexts is the verified decryption of a record's fields.
type Cleartexts struct {
	Title    string
	Content  string
	Category string
}

// Slice returns the fields in their canonical order.
func (c Cleartexts) Slice() []string {
	return []string{c.Title, c.Content, c.Category}
}

// Record is a submitted encrypted record and, once revealed, its cleartext.
type Record struct {
	ID          RecordID
	Ciphertexts Ciphertexts
	SubmittedAt time.Time
	// Revealed flips to true once, together with Reveal.
	Revealed bool
	Reveal   *Cleartexts `json:",omitempty"`
}

// Marshal provides a JSON encoding of a record
func (r *Record) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// Unmarshal decodes a record from JSON
func (r *Record) Unmarshal(buff []byte) error {
	return json.Unmarshal(buff, r)
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	c := *r
	c.Ciphertexts = Ciphertexts{
		Title:    r.Ciphertexts.Title.Clone(),
		Content:  r.Ciphertexts.Content.Clone(),
		Category: r.Ciphertexts.Category.Clone(),
	}
	if r.Reveal != nil {
		reveal := *r.Reveal
		c.Reveal = &reveal
	}
	return &c
}

// PendingRequest binds an in-flight oracle request to the record awaiting it.
type PendingRequest struct {
	ID       RequestID
	Record   RecordID
	IssuedAt time.Time
}

// Marshal provides a JSON encoding of a pending request
func (p *PendingRequest) Marshal() ([]byte, error) {
	return json.Marshal(p)
}

// Unmarshal decodes a pending request from JSON
func (p *PendingRequest) Unmarshal(buff []byte) error {
	return json.Unmarshal(buff, p)
}

// Outcome records why a request identifier was retired.
type Outcome string

const (
	// OutcomeRevealed is a callback whose proof verified.
	OutcomeRevealed Outcome = "revealed"
	// OutcomeProofInvalid is a callback whose proof failed verification.
	OutcomeProofInvalid Outcome = "proof_invalid"
	// OutcomeRevealFailed is a verified callback that could not be applied.
	OutcomeRevealFailed Outcome = "reveal_failed"
	// OutcomeAbandoned is an explicit cancellation.
	OutcomeAbandoned Outcome = "abandoned"
	// OutcomeExpired is a request the oracle never answered in time.
	OutcomeExpired Outcome = "expired"
)

// RetiredRequest is the tombstone of a consumed request identifier. A retired
// identifier can neither mutate state nor be bound again.
type RetiredRequest struct {
	ID        RequestID
	Record    RecordID
	RetiredAt time.Time
	Outcome   Outcome
}

// Marshal provides a JSON encoding of a retired request
func (r *RetiredRequest) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// Unmarshal decodes a retired request from JSON
func (r *RetiredRequest) Unmarshal(buff []byte) error {
	return json.Unmarshal(buff, r)
}

// Aggregate is the encrypted count of reveals naming a category.
type Aggregate struct {
	Category  string
	Count     he.Ciphertext
	UpdatedAt time.Time
}

// Marshal provides a JSON encoding of an aggregate
func (a *Aggregate) Marshal() ([]byte, error) {
	return json.Marshal(a)
}

// Unmarshal decodes an aggregate from JSON
func (a *Aggregate) Unmarshal(buff []byte) error {
	return json.Unmarshal(buff, a)
}

// Status is the lifecycle state of a record.
type Status int

const (
	StatusUnknown Status = iota
	StatusSubmitted
	StatusRequestPending
	StatusRevealed
)

func (s Status) String() string {
	switch s {
	case StatusSubmitted:
		return "submitted"
	case StatusRequestPending:
		return "request_pending"
	case StatusRevealed:
		return "revealed"
	default:
		return "unknown"
	}
}

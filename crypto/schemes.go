package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"unicode/utf8"

	"github.com/drand/kyber"
	bls "github.com/drand/kyber-bls12381"
	"github.com/drand/kyber/pairing"
	"github.com/drand/kyber/share"
	"github.com/drand/kyber/sign"
	"github.com/drand/kyber/sign/tbls"
	"github.com/drand/kyber/util/random"
	"golang.org/x/crypto/blake2b"

	"github.com/drand/sealed/crypto/he"
)

// Scheme gathers the groups and signature scheme the decryption oracle uses to
// prove its answers. The oracle's (possibly distributed) public key lives on
// KeyGroup and its proofs on SigGroup.
type Scheme struct {
	// The name of the scheme
	Name string
	// Pairing is the suite both groups come from
	Pairing pairing.Suite
	// KeyGroup is the group of the oracle public key and of the field
	// encryption keys
	KeyGroup kyber.Group
	// SigGroup is the group of the proofs
	SigGroup kyber.Group
	// ThresholdScheme produces and checks the proofs
	ThresholdScheme sign.ThresholdScheme
	// IdentityHash is the hash used for callback digests
	IdentityHash func() hash.Hash `toml:"-"`
}

// DefaultSchemeID is the name of the default proof scheme: oracle key on G1,
// proofs on G2 of BLS12-381.
const DefaultSchemeID = "bls12381-tbls-g2"

// NewDefaultScheme returns the DefaultSchemeID scheme.
func NewDefaultScheme() *Scheme {
	suite := bls.NewBLS12381Suite()
	return &Scheme{
		Name:            DefaultSchemeID,
		Pairing:         suite,
		KeyGroup:        suite.G1(),
		SigGroup:        suite.G2(),
		ThresholdScheme: tbls.NewThresholdSchemeOnG2(suite),
		IdentityHash:    func() hash.Hash { h, _ := blake2b.New256(nil); return h },
	}
}

// SchemeFromName returns the scheme registered under that name.
func SchemeFromName(name string) (*Scheme, error) {
	switch name {
	case DefaultSchemeID, "":
		return NewDefaultScheme(), nil
	default:
		return nil, fmt.Errorf("unknown proof scheme %q", name)
	}
}

func (s *Scheme) String() string {
	if s != nil {
		return s.Name
	}
	return ""
}

// MaxCleartextSize bounds every revealed field. Larger callbacks are rejected
// before hashing.
const MaxCleartextSize = 1 << 16

// ErrInvalidCleartext flags a revealed field that cannot be a genuine
// decryption output.
var ErrInvalidCleartext = errors.New("invalid cleartext")

// CheckCleartexts validates the shape of revealed fields.
func CheckCleartexts(fields []string) error {
	for i, f := range fields {
		if len(f) > MaxCleartextSize {
			return fmt.Errorf("%w: field %d is %d bytes", ErrInvalidCleartext, i, len(f))
		}
		if !utf8.ValidString(f) {
			return fmt.Errorf("%w: field %d is not utf-8", ErrInvalidCleartext, i)
		}
	}
	return nil
}

const callbackDomain = "sealed-reveal-v1"

// CallbackDigest returns the message the oracle signs when it answers
// requestID. It binds the answer to the record and to the exact ciphertexts
// that were submitted, so a proof cannot be replayed onto another record or
// onto altered cleartexts.
func (s *Scheme) CallbackDigest(requestID string, record uint64, ciphertexts []he.Ciphertext, cleartexts []string) []byte {
	h := s.IdentityHash()
	writeField(h, []byte(callbackDomain))
	writeField(h, []byte(requestID))
	_ = binary.Write(h, binary.BigEndian, record)
	_ = binary.Write(h, binary.BigEndian, uint32(len(ciphertexts)))
	for _, c := range ciphertexts {
		writeField(h, []byte(c.Scheme))
		writeField(h, c.Data)
	}
	_ = binary.Write(h, binary.BigEndian, uint32(len(cleartexts)))
	for _, c := range cleartexts {
		writeField(h, []byte(c))
	}
	return h.Sum(nil)
}

func writeField(h hash.Hash, b []byte) {
	_ = binary.Write(h, binary.BigEndian, uint32(len(b)))
	_, _ = h.Write(b)
}

// VerifyProof checks a recovered threshold signature on digest against the
// oracle public key. Any decoding failure is returned as an error.
func (s *Scheme) VerifyProof(public kyber.Point, digest, proof []byte) (err error) {
	if public == nil {
		return errors.New("no oracle public key")
	}
	if len(proof) == 0 {
		return errors.New("empty proof")
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("proof verification aborted: %v", r)
		}
	}()
	return s.ThresholdScheme.VerifyRecovered(public, digest, proof)
}

// Committee is a dealt t-of-n signing key for the oracle. Real deployments
// obtain shares through a DKG; the dealer is used by the local oracle and by
// tests.
type Committee struct {
	Threshold int
	Shares    []*share.PriShare
	Public    *share.PubPoly
}

// NewCommittee deals a fresh threshold key.
func (s *Scheme) NewCommittee(threshold, n int) (*Committee, error) {
	if threshold <= 0 || threshold > n {
		return nil, fmt.Errorf("invalid threshold %d of %d", threshold, n)
	}
	secret := s.KeyGroup.Scalar().Pick(random.New())
	priPoly := share.NewPriPoly(s.KeyGroup, threshold, secret, random.New())
	return &Committee{
		Threshold: threshold,
		Shares:    priPoly.Shares(n),
		Public:    priPoly.Commit(s.KeyGroup.Point().Base()),
	}, nil
}

// Key returns the committee public key proofs verify against.
func (c *Committee) Key() kyber.Point {
	return c.Public.Commit()
}

// Sign produces a recovered proof on digest from the first Threshold shares.
func (s *Scheme) Sign(c *Committee, digest []byte) ([]byte, error) {
	n := len(c.Shares)
	partials := make([][]byte, 0, c.Threshold)
	for _, sh := range c.Shares[:c.Threshold] {
		sig, err := s.ThresholdScheme.Sign(sh, digest)
		if err != nil {
			return nil, err
		}
		if err := s.ThresholdScheme.VerifyPartial(c.Public, digest, sig); err != nil {
			return nil, err
		}
		partials = append(partials, sig)
	}
	return s.ThresholdScheme.Recover(c.Public, digest, partials, c.Threshold, n)
}

// PointToHex encodes a point the way configuration files carry keys.
func PointToHex(p kyber.Point) (string, error) {
	buff, err := p.MarshalBinary()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(buff), nil
}

// PointFromHex decodes a point of g from its hex form.
func PointFromHex(g kyber.Group, h string) (kyber.Point, error) {
	buff, err := hex.DecodeString(h)
	if err != nil {
		return nil, err
	}
	p := g.Point()
	if err := p.UnmarshalBinary(buff); err != nil {
		return nil, err
	}
	return p, nil
}

// ScalarToHex encodes a private scalar.
func ScalarToHex(s kyber.Scalar) (string, error) {
	buff, err := s.MarshalBinary()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(buff), nil
}

// ScalarFromHex decodes a scalar of g from its hex form.
func ScalarFromHex(g kyber.Group, h string) (kyber.Scalar, error) {
	buff, err := hex.DecodeString(h)
	if err != nil {
		return nil, err
	}
	s := g.Scalar()
	if err := s.UnmarshalBinary(buff); err != nil {
		return nil, err
	}
	return s, nil
}

// EciesHash is the KDF hash of the field envelopes.
var EciesHash = sha256.New

package core

import (
	"errors"
	"fmt"

	"github.com/drand/kyber"

	"github.com/drand/sealed/crypto"
	"github.com/drand/sealed/ledger"
)

// Verifier checks oracle proofs. The oracle public key is its only trusted
// input; it holds no mutable state and is safe for concurrent use.
type Verifier struct {
	scheme *crypto.Scheme
	key    kyber.Point
}

// NewVerifier returns a verifier accepting proofs made under key.
func NewVerifier(scheme *crypto.Scheme, key kyber.Point) (*Verifier, error) {
	if scheme == nil || key == nil {
		return nil, errors.New("verifier needs a scheme and an oracle key")
	}
	return &Verifier{scheme: scheme, key: key}, nil
}

// Verify checks that proof attests clear as the decryption of the record's
// ciphertexts in answer to request id.
func (v *Verifier) Verify(id ledger.RequestID, r *ledger.Record, clear ledger.Cleartexts, proof []byte) error {
	if clear.Category == "" {
		return fmt.Errorf("%w: empty category", ErrProofInvalid)
	}
	fields := clear.Slice()
	if err := crypto.CheckCleartexts(fields); err != nil {
		return fmt.Errorf("%w: %v", ErrProofInvalid, err)
	}
	digest := v.scheme.CallbackDigest(string(id), uint64(r.ID), r.Ciphertexts.Slice(), fields)
	if err := v.scheme.VerifyProof(v.key, digest, proof); err != nil {
		return fmt.Errorf("%w: %v", ErrProofInvalid, err)
	}
	return nil
}

package crypto

import (
	"fmt"

	"github.com/drand/kyber"
	"github.com/drand/kyber/encrypt/ecies"
	"github.com/drand/kyber/util/random"

	"github.com/drand/sealed/crypto/he"
)

// FieldSchemeName tags record fields sealed to the oracle with ECIES.
const FieldSchemeName = "ecies-bls12381"

// SealField encrypts a record field to the oracle's field key. This is what a
// client-side encryption service produces for submissions.
func (s *Scheme) SealField(public kyber.Point, msg []byte) (he.Ciphertext, error) {
	buff, err := ecies.Encrypt(s.KeyGroup, public, msg, EciesHash)
	if err != nil {
		return he.Uninitialized, err
	}
	return he.Ciphertext{Scheme: FieldSchemeName, Data: buff}, nil
}

// OpenField decrypts a field sealed with SealField.
func (s *Scheme) OpenField(private kyber.Scalar, c he.Ciphertext) (msg []byte, err error) {
	if err := he.Check(FieldSchemeName, c); err != nil {
		return nil, err
	}
	if len(c.Data) <= s.KeyGroup.PointLen() {
		return nil, fmt.Errorf("%w: envelope of %d bytes", he.ErrMalformedCiphertext, len(c.Data))
	}
	defer func() {
		if r := recover(); r != nil {
			msg, err = nil, fmt.Errorf("%w: %v", he.ErrMalformedCiphertext, r)
		}
	}()
	return ecies.Decrypt(s.KeyGroup, private, c.Data, EciesHash)
}

// NewFieldKey returns a fresh field key pair on the key group.
func (s *Scheme) NewFieldKey() (kyber.Scalar, kyber.Point) {
	priv := s.KeyGroup.Scalar().Pick(random.New())
	return priv, s.KeyGroup.Point().Mul(priv, nil)
}

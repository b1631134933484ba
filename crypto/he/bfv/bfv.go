// Package bfv implements he.Scheme over the BFV lattice scheme. Counts are
// kept in the first plaintext slot, modulo the plaintext modulus T.
package bfv

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ldsec/lattigo/bfv"

	"github.com/drand/sealed/crypto/he"
)

// SchemeName is the tag written in every ciphertext of this scheme.
const SchemeName = "bfv"

// PlaintextModulus bounds the counts an aggregate can hold before wrapping.
const PlaintextModulus = 65537

// DefaultParameters returns the parameter set used for aggregates.
func DefaultParameters() *bfv.Parameters {
	params := *bfv.DefaultParams[bfv.PN14QP438]
	params.T = PlaintextModulus
	return &params
}

// Scheme holds the BFV public key. Lattigo encoders and evaluators are not
// safe for concurrent use so every operation takes the lock.
type Scheme struct {
	sync.Mutex
	params    *bfv.Parameters
	encoder   bfv.Encoder
	encryptor bfv.Encryptor
	evaluator bfv.Evaluator
}

// New returns a scheme encrypting under pk.
func New(params *bfv.Parameters, pk *bfv.PublicKey) (*Scheme, error) {
	if params == nil || pk == nil {
		return nil, errors.New("bfv: missing parameters or public key")
	}
	return &Scheme{
		params:    params,
		encoder:   bfv.NewEncoder(params),
		encryptor: bfv.NewEncryptorFromPk(params, pk),
		evaluator: bfv.NewEvaluator(params),
	}, nil
}

// GenerateKeys returns a fresh key pair for params.
func GenerateKeys(params *bfv.Parameters) (*bfv.SecretKey, *bfv.PublicKey) {
	return bfv.NewKeyGenerator(params).GenKeyPair()
}

func (s *Scheme) Name() string {
	return SchemeName
}

func (s *Scheme) Zero() (he.Ciphertext, error) {
	return s.Encrypt(0)
}

func (s *Scheme) Encrypt(v uint64) (he.Ciphertext, error) {
	if v >= s.params.T {
		return he.Uninitialized, fmt.Errorf("bfv: %d exceeds plaintext modulus", v)
	}
	s.Lock()
	pt := bfv.NewPlaintext(s.params)
	s.encoder.EncodeUint([]uint64{v}, pt)
	ct := s.encryptor.EncryptNew(pt)
	s.Unlock()
	return encode(ct)
}

func (s *Scheme) Add(a, b he.Ciphertext) (he.Ciphertext, error) {
	ca, err := s.decode(a)
	if err != nil {
		return he.Uninitialized, err
	}
	cb, err := s.decode(b)
	if err != nil {
		return he.Uninitialized, err
	}
	s.Lock()
	sum := s.evaluator.AddNew(ca, cb)
	s.Unlock()
	return encode(sum)
}

func encode(ct *bfv.Ciphertext) (he.Ciphertext, error) {
	buff, err := ct.MarshalBinary()
	if err != nil {
		return he.Uninitialized, err
	}
	return he.Ciphertext{Scheme: SchemeName, Data: buff}, nil
}

func (s *Scheme) decode(c he.Ciphertext) (ct *bfv.Ciphertext, err error) {
	if err := he.Check(SchemeName, c); err != nil {
		return nil, err
	}
	// lattigo indexes into the buffer without bounds checks
	defer func() {
		if r := recover(); r != nil {
			ct, err = nil, fmt.Errorf("%w: %v", he.ErrMalformedCiphertext, r)
		}
	}()
	ct = bfv.NewCiphertext(s.params, 1)
	if err := ct.UnmarshalBinary(c.Data); err != nil {
		return nil, fmt.Errorf("%w: %v", he.ErrMalformedCiphertext, err)
	}
	return ct, nil
}

// Decrypter decrypts aggregates with the BFV secret key.
type Decrypter struct {
	sync.Mutex
	scheme    *Scheme
	decryptor bfv.Decryptor
	encoder   bfv.Encoder
}

// NewDecrypter returns a decrypter for ciphertexts of s.
func NewDecrypter(s *Scheme, sk *bfv.SecretKey) *Decrypter {
	return &Decrypter{
		scheme:    s,
		decryptor: bfv.NewDecryptor(s.params, sk),
		encoder:   bfv.NewEncoder(s.params),
	}
}

// Decrypt implements he.Decrypter.
func (d *Decrypter) Decrypt(c he.Ciphertext) (uint64, error) {
	ct, err := d.scheme.decode(c)
	if err != nil {
		return 0, err
	}
	d.Lock()
	defer d.Unlock()
	pt := bfv.NewPlaintext(d.scheme.params)
	d.decryptor.Decrypt(ct, pt)
	return d.encoder.DecodeUint(pt)[0], nil
}

// MarshalPublicKey encodes pk for the daemon key file.
func MarshalPublicKey(pk *bfv.PublicKey) ([]byte, error) {
	return pk.MarshalBinary()
}

// UnmarshalPublicKey decodes a key produced by MarshalPublicKey.
func UnmarshalPublicKey(params *bfv.Parameters, buff []byte) (*bfv.PublicKey, error) {
	pk := bfv.NewPublicKey(params)
	if err := pk.UnmarshalBinary(buff); err != nil {
		return nil, err
	}
	return pk, nil
}

// Package paillier implements he.Scheme over threshold Paillier. The engine
// holds only the public key; decryption requires k of the l key shares.
package paillier

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"reflect"

	json "github.com/nikkolasg/hexjson"
	"github.com/niclabs/tcpaillier"

	"github.com/drand/sealed/crypto/he"
)

// SchemeName is the tag written in every ciphertext of this scheme.
const SchemeName = "paillier"

// DefaultBitSize is the modulus size used by the keygen command.
const DefaultBitSize = 2048

// Scheme is the public half of a threshold Paillier key.
type Scheme struct {
	pk      *tcpaillier.PubKey
	modulus *big.Int
}

// New wraps a tcpaillier public key.
func New(pk *tcpaillier.PubKey) (*Scheme, error) {
	if pk == nil || pk.N == nil {
		return nil, errors.New("paillier: missing public key")
	}
	// keys are dealt with s=1: ciphertexts live in Z*_{N^2}
	modulus := new(big.Int).Mul(pk.N, pk.N)
	return &Scheme{pk: pk, modulus: modulus}, nil
}

// GenerateKeys deals a fresh key split into parties shares, threshold of which
// are needed to decrypt.
func GenerateKeys(bitSize int, threshold, parties uint8) ([]*tcpaillier.KeyShare, *tcpaillier.PubKey, error) {
	if threshold == 0 || threshold > parties {
		return nil, nil, fmt.Errorf("paillier: invalid threshold %d of %d", threshold, parties)
	}
	return tcpaillier.NewKey(bitSize, 1, parties, threshold)
}

// PublicKey returns the wrapped key.
func (s *Scheme) PublicKey() *tcpaillier.PubKey {
	return s.pk
}

func (s *Scheme) Name() string {
	return SchemeName
}

func (s *Scheme) Zero() (he.Ciphertext, error) {
	return s.Encrypt(0)
}

func (s *Scheme) Encrypt(v uint64) (he.Ciphertext, error) {
	c, _, err := s.pk.Encrypt(new(big.Int).SetUint64(v))
	if err != nil {
		return he.Uninitialized, err
	}
	return he.Ciphertext{Scheme: SchemeName, Data: c.Bytes()}, nil
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
	sum, err := s.pk.Add(ca, cb)
	if err != nil {
		return he.Uninitialized, err
	}
	return he.Ciphertext{Scheme: SchemeName, Data: sum.Bytes()}, nil
}

func (s *Scheme) decode(c he.Ciphertext) (*big.Int, error) {
	if err := he.Check(SchemeName, c); err != nil {
		return nil, err
	}
	v := new(big.Int).SetBytes(c.Data)
	if v.Sign() <= 0 || v.Cmp(s.modulus) >= 0 {
		return nil, fmt.Errorf("%w: paillier value out of range", he.ErrMalformedCiphertext)
	}
	return v, nil
}

// Decrypter combines partial decryptions from a set of key shares.
type Decrypter struct {
	scheme *Scheme
	shares []*tcpaillier.KeyShare
}

// NewDecrypter returns a decrypter over the given shares. At least the key
// threshold of shares is required for Decrypt to succeed.
func NewDecrypter(s *Scheme, shares []*tcpaillier.KeyShare) *Decrypter {
	return &Decrypter{scheme: s, shares: shares}
}

// Decrypt implements he.Decrypter.
func (d *Decrypter) Decrypt(c he.Ciphertext) (uint64, error) {
	v, err := d.scheme.decode(c)
	if err != nil {
		return 0, err
	}
	partials := make([]*tcpaillier.DecryptionShare, 0, len(d.shares))
	for _, share := range d.shares {
		ds, err := share.PartialDecrypt(v)
		if err != nil {
			return 0, err
		}
		partials = append(partials, ds)
	}
	plain, err := d.scheme.pk.CombineShares(partials...)
	if err != nil {
		return 0, err
	}
	if !plain.IsUint64() {
		return 0, fmt.Errorf("paillier: plaintext overflows uint64")
	}
	return plain.Uint64(), nil
}

// MarshalPublicKey encodes the public key for the daemon key file.
func MarshalPublicKey(pk *tcpaillier.PubKey) ([]byte, error) {
	return json.Marshal(pk)
}

// UnmarshalPublicKey decodes a key produced by MarshalPublicKey.
func UnmarshalPublicKey(buff []byte) (*tcpaillier.PubKey, error) {
	// interface fields encode as {} and cannot be decoded back: drop them and
	// restore randomness sources afterwards
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(buff, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		if trimmed := bytes.TrimSpace(v); bytes.Equal(trimmed, []byte("{}")) || bytes.Equal(trimmed, []byte("null")) {
			delete(fields, k)
		}
	}
	clean, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	pk := new(tcpaillier.PubKey)
	if err := json.Unmarshal(clean, pk); err != nil {
		return nil, err
	}
	if pk.N == nil {
		return nil, errors.New("paillier: public key without modulus")
	}
	restoreReaders(reflect.ValueOf(pk).Elem())
	return pk, nil
}

var readerType = reflect.TypeOf((*io.Reader)(nil)).Elem()

func restoreReaders(v reflect.Value) {
	for i := 0; i < v.NumField(); i++ {
		f := v.Field(i)
		if f.Type() == readerType && f.CanSet() && f.IsNil() {
			f.Set(reflect.ValueOf(rand.Reader))
		}
	}
}

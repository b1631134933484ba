// Package he defines the encrypted values handled by the reveal engine and the
// homomorphic capability the aggregation layer relies on. Concrete schemes live
// in sub packages; the engine only ever sees the Ciphertext envelope and the
// Scheme interface.
package he

import (
	"bytes"
	"errors"
	"fmt"
)

// Ciphertext is an opaque encrypted value tagged with the name of the scheme
// that produced it. The zero value is the Uninitialized sentinel.
type Ciphertext struct {
	Scheme string
	Data   []byte
}

// Uninitialized is returned for aggregates that were never written. It is
// distinct from any encryption of zero, which always carries a scheme name.
var Uninitialized = Ciphertext{}

// Initialized reports whether c was produced by a scheme.
func (c Ciphertext) Initialized() bool {
	return c.Scheme != ""
}

// Equal reports whether both ciphertexts carry the same scheme and bytes.
func (c Ciphertext) Equal(o Ciphertext) bool {
	return c.Scheme == o.Scheme && bytes.Equal(c.Data, o.Data)
}

// Clone returns a deep copy of c.
func (c Ciphertext) Clone() Ciphertext {
	if c.Data == nil {
		return Ciphertext{Scheme: c.Scheme}
	}
	return Ciphertext{Scheme: c.Scheme, Data: append([]byte{}, c.Data...)}
}

func (c Ciphertext) String() string {
	if !c.Initialized() {
		return "uninitialized"
	}
	return fmt.Sprintf("%s(%d bytes)", c.Scheme, len(c.Data))
}

var (
	// ErrSchemeMismatch is returned when a ciphertext from another scheme is
	// handed to a Scheme.
	ErrSchemeMismatch = errors.New("ciphertext scheme mismatch")
	// ErrMalformedCiphertext is returned when the ciphertext bytes cannot be
	// decoded by the scheme.
	ErrMalformedCiphertext = errors.New("malformed ciphertext")
)

// Scheme is an additively homomorphic encryption scheme holding only public
// material. Implementations must be safe for concurrent use.
type Scheme interface {
	// Name is the tag written in every Ciphertext the scheme produces.
	Name() string
	// Zero returns a fresh encryption of zero.
	Zero() (Ciphertext, error)
	// Encrypt returns a fresh encryption of v.
	Encrypt(v uint64) (Ciphertext, error)
	// Add returns an encryption of the sum of both plaintexts.
	Add(a, b Ciphertext) (Ciphertext, error)
}

// Decrypter turns a ciphertext back into its plaintext. It is held by the
// decryption side (oracle, tests), never by the engine.
type Decrypter interface {
	Decrypt(c Ciphertext) (uint64, error)
}

// Check returns an error unless c was produced by a scheme called name.
func Check(name string, c Ciphertext) error {
	if c.Scheme != name {
		return fmt.Errorf("%w: expected %q, got %q", ErrSchemeMismatch, name, c.Scheme)
	}
	if len(c.Data) == 0 {
		return fmt.Errorf("%w: empty %s ciphertext", ErrMalformedCiphertext, name)
	}
	return nil
}

// AddPlain adds the constant delta to c by encrypting it first.
func AddPlain(s Scheme, c Ciphertext, delta uint64) (Ciphertext, error) {
	d, err := s.Encrypt(delta)
	if err != nil {
		return Uninitialized, err
	}
	return s.Add(c, d)
}

package he

import (
	"encoding/binary"
	"fmt"
)

// ClearSchemeName is the tag of the transparent scheme.
const ClearSchemeName = "clear"

// Clear is a transparent stand-in for a homomorphic scheme: the "ciphertext"
// is the big-endian plaintext. It offers no confidentiality and exists so
// aggregates can be checked in tests and local demos.
type Clear struct{}

// NewClear returns the transparent scheme.
func NewClear() *Clear {
	return &Clear{}
}

func (*Clear) Name() string {
	return ClearSchemeName
}

func (c *Clear) Zero() (Ciphertext, error) {
	return c.Encrypt(0)
}

func (*Clear) Encrypt(v uint64) (Ciphertext, error) {
	buff := make([]byte, 8)
	binary.BigEndian.PutUint64(buff, v)
	return Ciphertext{Scheme: ClearSchemeName, Data: buff}, nil
}

func (c *Clear) Add(a, b Ciphertext) (Ciphertext, error) {
	va, err := c.Decrypt(a)
	if err != nil {
		return Uninitialized, err
	}
	vb, err := c.Decrypt(b)
	if err != nil {
		return Uninitialized, err
	}
	return c.Encrypt(va + vb)
}

// Decrypt implements Decrypter.
func (*Clear) Decrypt(c Ciphertext) (uint64, error) {
	if err := Check(ClearSchemeName, c); err != nil {
		return 0, err
	}
	if len(c.Data) != 8 {
		return 0, fmt.Errorf("%w: clear value of %d bytes", ErrMalformedCiphertext, len(c.Data))
	}
	return binary.BigEndian.Uint64(c.Data), nil
}

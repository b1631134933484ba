package paillier

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/drand/sealed/crypto/he"
)

const testBitSize = 512

func TestThresholdAggregate(t *testing.T) {
	shares, pk, err := GenerateKeys(testBitSize, 2, 3)
	require.NoError(t, err)
	s, err := New(pk)
	require.NoError(t, err)

	acc, err := s.Zero()
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		acc, err = he.AddPlain(s, acc, 1)
		require.NoError(t, err)
	}

	// any two shares out of three decrypt
	v, err := NewDecrypter(s, shares[1:]).Decrypt(acc)
	require.NoError(t, err)
	require.Equal(t, uint64(4), v)
}

func TestEncryptionsAreRandomized(t *testing.T) {
	_, pk, err := GenerateKeys(testBitSize, 1, 1)
	require.NoError(t, err)
	s, err := New(pk)
	require.NoError(t, err)

	a, err := s.Zero()
	require.NoError(t, err)
	b, err := s.Zero()
	require.NoError(t, err)
	require.False(t, a.Equal(b))
}

func TestRejectsMalformed(t *testing.T) {
	_, pk, err := GenerateKeys(testBitSize, 1, 1)
	require.NoError(t, err)
	s, err := New(pk)
	require.NoError(t, err)
	zero, err := s.Zero()
	require.NoError(t, err)

	_, err = s.Add(zero, he.Ciphertext{Scheme: SchemeName, Data: []byte{0}})
	require.True(t, errors.Is(err, he.ErrMalformedCiphertext))

	tooBig := make([]byte, testBitSize)
	for i := range tooBig {
		tooBig[i] = 0xff
	}
	_, err = s.Add(zero, he.Ciphertext{Scheme: SchemeName, Data: tooBig})
	require.True(t, errors.Is(err, he.ErrMalformedCiphertext))

	_, err = s.Add(zero, he.Ciphertext{Scheme: he.ClearSchemeName, Data: []byte{1}})
	require.True(t, errors.Is(err, he.ErrSchemeMismatch))
}

func TestInvalidThreshold(t *testing.T) {
	_, _, err := GenerateKeys(testBitSize, 3, 2)
	require.Error(t, err)
	_, err = New(nil)
	require.Error(t, err)
}

func TestPublicKeyRoundTrip(t *testing.T) {
	shares, pk, err := GenerateKeys(testBitSize, 1, 1)
	require.NoError(t, err)
	buff, err := MarshalPublicKey(pk)
	require.NoError(t, err)
	restored, err := UnmarshalPublicKey(buff)
	require.NoError(t, err)
	require.Equal(t, 0, pk.N.Cmp(restored.N))

	s, err := New(restored)
	require.NoError(t, err)
	c, err := s.Encrypt(9)
	require.NoError(t, err)

	orig, err := New(pk)
	require.NoError(t, err)
	v, err := NewDecrypter(orig, shares).Decrypt(c)
	require.NoError(t, err)
	require.Equal(t, uint64(9), v)

	_, err = UnmarshalPublicKey([]byte(`{}`))
	require.Error(t, err)
}

package bfv

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/drand/sealed/crypto/he"
)

func TestAggregate(t *testing.T) {
	if testing.Short() {
		t.Skip("bfv keys are large")
	}
	params := DefaultParameters()
	sk, pk := GenerateKeys(params)
	s, err := New(params, pk)
	require.NoError(t, err)

	acc, err := s.Zero()
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		acc, err = he.AddPlain(s, acc, 1)
		require.NoError(t, err)
	}

	v, err := NewDecrypter(s, sk).Decrypt(acc)
	require.NoError(t, err)
	require.Equal(t, uint64(3), v)

	_, err = s.Encrypt(PlaintextModulus)
	require.Error(t, err)
}

func TestPublicKeyRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("bfv keys are large")
	}
	params := DefaultParameters()
	sk, pk := GenerateKeys(params)
	buff, err := MarshalPublicKey(pk)
	require.NoError(t, err)
	restored, err := UnmarshalPublicKey(params, buff)
	require.NoError(t, err)

	s, err := New(params, restored)
	require.NoError(t, err)
	c, err := s.Encrypt(42)
	require.NoError(t, err)
	v, err := NewDecrypter(s, sk).Decrypt(c)
	require.NoError(t, err)
	require.Equal(t, uint64(42), v)
}

func TestRejectsForeign(t *testing.T) {
	if testing.Short() {
		t.Skip("bfv keys are large")
	}
	params := DefaultParameters()
	_, pk := GenerateKeys(params)
	s, err := New(params, pk)
	require.NoError(t, err)
	zero, err := s.Zero()
	require.NoError(t, err)

	_, err = s.Add(zero, he.Ciphertext{Scheme: he.ClearSchemeName, Data: []byte{1}})
	require.True(t, errors.Is(err, he.ErrSchemeMismatch))
	_, err = s.Add(zero, he.Ciphertext{Scheme: SchemeName, Data: []byte{1, 2, 3}})
	require.True(t, errors.Is(err, he.ErrMalformedCiphertext))
}

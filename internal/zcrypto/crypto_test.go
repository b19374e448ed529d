package zcrypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAEADRoundTrip(t *testing.T) {
	key := make([]byte, AEADKeySize)
	for i := range key {
		key[i] = byte(i)
	}
	aad := []byte("transcript-aad")
	pt := []byte("hello mesh")

	blob, err := AEADSeal(key, aad, pt)
	require.NoError(t, err)

	got, err := AEADOpen(key, aad, blob)
	require.NoError(t, err)
	require.Equal(t, pt, got)
}

func TestAEADOpenRejectsTamperedCiphertext(t *testing.T) {
	key := make([]byte, AEADKeySize)
	blob, err := AEADSeal(key, nil, []byte("payload"))
	require.NoError(t, err)
	blob[len(blob)-1] ^= 0xFF

	_, err = AEADOpen(key, nil, blob)
	require.ErrorIs(t, err, ErrAEADOpenFailed)
}

func TestAEADOpenRejectsShortCiphertext(t *testing.T) {
	key := make([]byte, AEADKeySize)
	_, err := AEADOpen(key, nil, []byte("short"))
	require.ErrorIs(t, err, ErrCiphertextShort)
}

func TestSignVerifyRoundTrip(t *testing.T) {
	pub, priv, err := GenerateSigningKey()
	require.NoError(t, err)

	msg := []byte("handshake transcript bytes")
	sig, err := Sign(priv, msg)
	require.NoError(t, err)
	require.True(t, Verify(pub, msg, sig))

	require.False(t, Verify(pub, []byte("different message"), sig))
}

func TestKEMEncapDecapRoundTrip(t *testing.T) {
	pub, priv, err := GenerateKEMKey()
	require.NoError(t, err)

	ct, ss1, err := KEMEncapsulate(pub)
	require.NoError(t, err)

	ss2, err := KEMDecapsulate(priv, ct)
	require.NoError(t, err)
	require.Equal(t, ss1, ss2)
}

func TestHKDFDeriveIsDeterministic(t *testing.T) {
	ikm := []byte("ikm-material")
	salt := []byte("salt")
	info := []byte("info")

	a, err := HKDFDerive(ikm, salt, info, 32)
	require.NoError(t, err)
	b, err := HKDFDerive(ikm, salt, info, 32)
	require.NoError(t, err)
	require.Equal(t, a, b)

	c, err := HKDFDerive(ikm, salt, []byte("different-info"), 32)
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}

func TestHashIsDeterministic(t *testing.T) {
	a := Hash([]byte("did:zhtp:alice"), []byte("laptop"))
	b := Hash([]byte("did:zhtp:alice"), []byte("laptop"))
	require.Equal(t, a, b)

	c := Hash([]byte("did:zhtp:bob"), []byte("phone"))
	require.NotEqual(t, a, c)
}

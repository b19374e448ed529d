// Package zcrypto provides the post-quantum and symmetric primitives that
// every other ZHTP component builds on: hashing, PQ signatures, PQ key
// encapsulation, HKDF, and AEAD sealing. No function in this package panics
// on malformed input; every primitive returns an error instead.
package zcrypto

import (
	"crypto"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/kyber/kyber768"
	"github.com/cloudflare/circl/sign/dilithium/mode3"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// HashSize is the length in bytes of a Hash digest.
const HashSize = 32

var (
	// ErrSigVerifyFailed is returned by Verify when the signature does not
	// match the message under the given public key.
	ErrSigVerifyFailed = errors.New("zcrypto: signature verification failed")
	// ErrAEADOpenFailed is returned by AEADOpen on a tampered or
	// mis-keyed ciphertext.
	ErrAEADOpenFailed = errors.New("zcrypto: aead open failed")
	// ErrCiphertextShort is returned when a sealed blob is too small to
	// contain a nonce and an authentication tag.
	ErrCiphertextShort = errors.New("zcrypto: ciphertext shorter than nonce+tag")
)

// Hash returns the SHA-256 digest of data. There is no pack library that
// meaningfully wraps a single fixed-size digest over the standard library,
// so this one primitive is stdlib-only; every other primitive in this file
// comes from a third-party package per DESIGN.md.
func Hash(data ...[]byte) [HashSize]byte {
	h := sha256.New()
	for _, d := range data {
		h.Write(d)
	}
	var out [HashSize]byte
	copy(out[:], h.Sum(nil))
	return out
}

//---------------------------------------------------------------------
// Post-quantum signatures — Dilithium3 (circl)
//---------------------------------------------------------------------

// SigPublicKeySize, SigPrivateKeySize and SigSize are the Dilithium3 key
// and signature sizes. The handshake's framing uses its own, looser
// length bounds rather than these constants.
const (
	SigPublicKeySize  = mode3.PublicKeySize
	SigPrivateKeySize = mode3.PrivateKeySize
	SigSize           = mode3.SignatureSize
)

// GenerateSigningKey creates a fresh Dilithium3 keypair.
func GenerateSigningKey() (pub, priv []byte, err error) {
	pk, sk, err := mode3.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("zcrypto: generate signing key: %w", err)
	}
	return pk.Bytes(), sk.Bytes(), nil
}

// Sign signs msg with a packed Dilithium3 private key.
func Sign(priv, msg []byte) ([]byte, error) {
	var sk mode3.PrivateKey
	if err := sk.UnmarshalBinary(priv); err != nil {
		return nil, fmt.Errorf("zcrypto: unmarshal private key: %w", err)
	}
	sig, err := sk.Sign(rand.Reader, msg, crypto.Hash(0))
	if err != nil {
		return nil, fmt.Errorf("zcrypto: sign: %w", err)
	}
	return sig, nil
}

// Verify checks a signature produced by Sign. It never panics; malformed
// keys or signatures simply fail verification.
func Verify(pub, msg, sig []byte) bool {
	var pk mode3.PublicKey
	if err := pk.UnmarshalBinary(pub); err != nil {
		return false
	}
	if len(sig) != mode3.SignatureSize {
		return false
	}
	return mode3.Verify(&pk, msg, sig)
}

//---------------------------------------------------------------------
// Post-quantum KEM — Kyber768 (circl), IND-CCA2
//---------------------------------------------------------------------

var kemScheme kem.Scheme = kyber768.Scheme()

// KEMPublicKeySize, KEMCiphertextSize are the Kyber768 public key and
// ciphertext sizes. The handshake's AuthR framing bounds kem_ct by its
// own 64 KiB limit rather than by these values.
var (
	KEMPublicKeySize  = kemScheme.PublicKeySize()
	KEMCiphertextSize = kemScheme.CiphertextSize()
)

// GenerateKEMKey creates a fresh Kyber768 encapsulation keypair.
func GenerateKEMKey() (pub, priv []byte, err error) {
	pk, sk, err := kemScheme.GenerateKeyPair()
	if err != nil {
		return nil, nil, fmt.Errorf("zcrypto: generate kem key: %w", err)
	}
	pubBytes, err := pk.MarshalBinary()
	if err != nil {
		return nil, nil, fmt.Errorf("zcrypto: marshal kem public key: %w", err)
	}
	privBytes, err := sk.MarshalBinary()
	if err != nil {
		return nil, nil, fmt.Errorf("zcrypto: marshal kem private key: %w", err)
	}
	return pubBytes, privBytes, nil
}

// KEMEncapsulate generates a ciphertext and shared secret under a peer's
// Kyber768 public key.
func KEMEncapsulate(pub []byte) (ct, sharedSecret []byte, err error) {
	pk, err := kemScheme.UnmarshalBinaryPublicKey(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("zcrypto: unmarshal kem public key: %w", err)
	}
	ct, ss, err := kemScheme.Encapsulate(pk)
	if err != nil {
		return nil, nil, fmt.Errorf("zcrypto: encapsulate: %w", err)
	}
	return ct, ss, nil
}

// KEMDecapsulate recovers the shared secret from a ciphertext using the
// local Kyber768 private key.
func KEMDecapsulate(priv, ct []byte) (sharedSecret []byte, err error) {
	sk, err := kemScheme.UnmarshalBinaryPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("zcrypto: unmarshal kem private key: %w", err)
	}
	ss, err := kemScheme.Decapsulate(sk, ct)
	if err != nil {
		return nil, fmt.Errorf("zcrypto: decapsulate: %w", err)
	}
	return ss, nil
}

//---------------------------------------------------------------------
// HKDF
//---------------------------------------------------------------------

// HKDFDerive expands ikm into n bytes of key material, salted and bound to
// info. Used both for the handshake's session/master key derivation and
// anywhere else a component needs domain-separated subkeys.
func HKDFDerive(ikm, salt, info []byte, n int) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, salt, info)
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("zcrypto: hkdf expand: %w", err)
	}
	return out, nil
}

//---------------------------------------------------------------------
// AEAD — XChaCha20-Poly1305 (nonce embedded in the sealed output)
//---------------------------------------------------------------------

// AEADKeySize is the required symmetric key length.
const AEADKeySize = chacha20poly1305.KeySize

// AEADSeal returns nonce‖ciphertext‖tag using XChaCha20-Poly1305, matching
// the teacher's Encrypt/Decrypt shape (core/security.go) so the master key
// never has to track a nonce counter across restarts.
func AEADSeal(key, aad, plaintext []byte) ([]byte, error) {
	if len(key) != AEADKeySize {
		return nil, fmt.Errorf("zcrypto: aead key must be %d bytes", AEADKeySize)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("zcrypto: new aead: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("zcrypto: nonce read: %w", err)
	}
	ct := aead.Seal(nil, nonce, plaintext, aad)
	return append(nonce, ct...), nil
}

// AEADOpen verifies and opens a blob produced by AEADSeal.
func AEADOpen(key, aad, blob []byte) ([]byte, error) {
	if len(key) != AEADKeySize {
		return nil, fmt.Errorf("zcrypto: aead key must be %d bytes", AEADKeySize)
	}
	minLen := chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead
	if len(blob) < minLen {
		return nil, ErrCiphertextShort
	}
	nonce, ciphertext := blob[:chacha20poly1305.NonceSizeX], blob[chacha20poly1305.NonceSizeX:]
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("zcrypto: new aead: %w", err)
	}
	pt, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrAEADOpenFailed
	}
	return pt, nil
}

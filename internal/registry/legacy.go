package registry

import (
	"crypto/sha256"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// VerifyLegacySignature checks a DER-encoded ECDSA/secp256k1 signature
// from a bootstrap-mode peer identified by a legacy compressed public
// key, rather than the post-quantum Dilithium3 path every other
// component uses. This is the pre-PQ identity variant named in §9
// ("Legacy fields") and exists only so such peers do not need API churn
// elsewhere in the registry.
func VerifyLegacySignature(pub [LegacyPublicKeySize]byte, msg, derSig []byte) (bool, error) {
	pk, err := secp256k1.ParsePubKey(pub[:])
	if err != nil {
		return false, fmt.Errorf("registry: parse legacy public key: %w", err)
	}
	sig, err := ecdsa.ParseDERSignature(derSig)
	if err != nil {
		return false, fmt.Errorf("registry: parse legacy signature: %w", err)
	}
	digest := sha256.Sum256(msg)
	return sig.Verify(digest[:], pk), nil
}

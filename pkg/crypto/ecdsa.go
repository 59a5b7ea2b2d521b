package crypto

import (
	"crypto/sha256"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// Sha256D computes a double SHA-256 digest, the hash requires
// under sync-checkpoint signatures (distinct from ComposedHash, which is
// reserved for block headers).
func Sha256D(data []byte) [32]byte {
	first := sha256.Sum256(data)
	return sha256.Sum256(first[:])
}

// SignCheckpoint produces a DER-encoded ECDSA signature over sha256d(payload)
// using the checkpoint master key. Only the checkpoint-issuing authority
// holds this key; node operation never needs this function, only
// VerifyCheckpoint.
func SignCheckpoint(masterKey *secp256k1.PrivateKey, payload []byte) []byte {
	digest := Sha256D(payload)
	sig := ecdsa.Sign(masterKey, digest[:])
	return sig.Serialize()
}

// VerifyCheckpoint checks a DER ECDSA signature over sha256d(payload)
// against a compressed master public key.
func VerifyCheckpoint(masterPubKey, payload, derSig []byte) (bool, error) {
	pub, err := secp256k1.ParsePubKey(masterPubKey)
	if err != nil {
		return false, fmt.Errorf("parse checkpoint master pubkey: %w", err)
	}
	sig, err := ecdsa.ParseDERSignature(derSig)
	if err != nil {
		return false, fmt.Errorf("parse checkpoint signature: %w", err)
	}
	digest := Sha256D(payload)
	return sig.Verify(digest[:], pub), nil
}

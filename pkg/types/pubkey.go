package types

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// PubKeySize is the length of a compressed secp256k1 public key.
const PubKeySize = 33

// PubKey is a compressed secp256k1 point used throughout the qPoS registry
// to identify staker role keys and balance holders.
type PubKey [PubKeySize]byte

// IsZero reports whether the key is unset.
func (p PubKey) IsZero() bool {
	return p == PubKey{}
}

// String returns the hex-encoded key.
func (p PubKey) String() string {
	return hex.EncodeToString(p[:])
}

// Bytes returns a copy of the key bytes.
func (p PubKey) Bytes() []byte {
	b := make([]byte, PubKeySize)
	copy(b, p[:])
	return b
}

// MarshalJSON encodes the key as a hex string.
func (p PubKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON decodes a hex string into a key.
func (p *PubKey) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*p = PubKey{}
		return nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("invalid pubkey hex: %w", err)
	}
	if len(b) != PubKeySize {
		return fmt.Errorf("pubkey must be %d bytes, got %d", PubKeySize, len(b))
	}
	copy(p[:], b)
	return nil
}

// HexToPubKey decodes a hex-encoded compressed pubkey, as produced by
// String(), back into a PubKey. Used by registry snapshot restore, where
// map keys must round-trip through a string form.
func HexToPubKey(s string) (PubKey, error) {
	var p PubKey
	b, err := hex.DecodeString(s)
	if err != nil {
		return p, fmt.Errorf("invalid pubkey hex: %w", err)
	}
	return PubKeyFromBytes(b)
}

// PubKeyFromBytes validates and converts a compressed pubkey byte slice.
func PubKeyFromBytes(b []byte) (PubKey, error) {
	var p PubKey
	if len(b) != PubKeySize {
		return p, fmt.Errorf("pubkey must be %d bytes, got %d", PubKeySize, len(b))
	}
	if b[0] != 0x02 && b[0] != 0x03 {
		return p, fmt.Errorf("pubkey must be compressed (prefix 0x02/0x03), got 0x%02x", b[0])
	}
	copy(p[:], b)
	return p, nil
}

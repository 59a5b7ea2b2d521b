package block

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"

	"github.com/Klingon-tech/klingnet-chain/internal/chainparams"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// nftMixHeight is the single historical mainnet height at which a block's
// identity hash additionally mixes in the NFT-hash-of-hashes constant
// (chainparams.ForkNFTMix). Header.Hash has no per-chain context to
// consult, so it pins to the mainnet schedule's activation height rather
// than a height range — testnet's schedule parks the same ordinal far
// beyond any height a test fixture reaches, so it never fires there.
var nftMixHeight, _ = chainparams.MainnetSchedule.HeightOf(chainparams.ForkNFTMix)

// ProofType identifies which of the three consensus mechanisms produced a
// block.
type ProofType uint8

const (
	ProofPoW  ProofType = iota // no coinstake, StakerID == 0
	ProofPoS                   // second tx is a coinstake whose first output is empty
	ProofQPoS                  // StakerID > 0
)

// Header contains block metadata.
type Header struct {
	Version      uint32     `json:"version"`
	PrevHash     types.Hash `json:"prev_hash"`
	MerkleRoot   types.Hash `json:"merkle_root"`
	Timestamp    uint64     `json:"timestamp"`
	Height       uint64     `json:"height"`
	Difficulty   uint64     `json:"difficulty,omitempty"` // PoW: target difficulty; PoA: 2 in-turn, 1 out-of-turn; qPoS: 1
	Nonce        uint64     `json:"nonce"`
	StakerID     uint32     `json:"staker_id,omitempty"` // qPoS: scheduled producer id (0 = not a qPoS block)
	ValidatorSig []byte     `json:"validator_sig,omitempty"`
}

// headerJSON is the JSON representation of Header with hex-encoded validator sig.
type headerJSON struct {
	Version      uint32     `json:"version"`
	PrevHash     types.Hash `json:"prev_hash"`
	MerkleRoot   types.Hash `json:"merkle_root"`
	Timestamp    uint64     `json:"timestamp"`
	Height       uint64     `json:"height"`
	Difficulty   uint64     `json:"difficulty,omitempty"`
	Nonce        uint64     `json:"nonce"`
	StakerID     uint32     `json:"staker_id,omitempty"`
	ValidatorSig string     `json:"validator_sig,omitempty"`
}

// MarshalJSON encodes the header with hex-encoded validator signature.
func (h *Header) MarshalJSON() ([]byte, error) {
	j := headerJSON{
		Version:    h.Version,
		PrevHash:   h.PrevHash,
		MerkleRoot: h.MerkleRoot,
		Timestamp:  h.Timestamp,
		Height:     h.Height,
		Difficulty: h.Difficulty,
		Nonce:      h.Nonce,
		StakerID:   h.StakerID,
	}
	if h.ValidatorSig != nil {
		j.ValidatorSig = hex.EncodeToString(h.ValidatorSig)
	}
	return json.Marshal(j)
}

// UnmarshalJSON decodes a header with hex-encoded validator signature.
func (h *Header) UnmarshalJSON(data []byte) error {
	var j headerJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	h.Version = j.Version
	h.PrevHash = j.PrevHash
	h.MerkleRoot = j.MerkleRoot
	h.Timestamp = j.Timestamp
	h.Height = j.Height
	h.Difficulty = j.Difficulty
	h.Nonce = j.Nonce
	h.StakerID = j.StakerID
	if j.ValidatorSig != "" {
		b, err := hex.DecodeString(j.ValidatorSig)
		if err != nil {
			return err
		}
		h.ValidatorSig = b
	}
	return nil
}

// Hash computes the block header's domain-specific 9-way-composed hash.
// Excludes ValidatorSig so the hash is stable for signing. At the single
// historical height the NFT-mix fork names, the NFT-hash-of-hashes prefix
// is mixed in ahead of the composition rounds.
func (h *Header) Hash() types.Hash {
	if h.Height == nftMixHeight {
		return crypto.NFTMixedComposedHash(h.SigningBytes())
	}
	return crypto.ComposedHash(h.SigningBytes())
}

// SigningBytes returns the canonical bytes for hashing/signing.
// Format: version(4) | prev_hash(32) | merkle_root(32) | timestamp(8) | height(8) | difficulty(8) | nonce(8) | stakerId(4)
func (h *Header) SigningBytes() []byte {
	buf := make([]byte, 0, 104)
	buf = binary.LittleEndian.AppendUint32(buf, h.Version)
	buf = append(buf, h.PrevHash[:]...)
	buf = append(buf, h.MerkleRoot[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, h.Timestamp)
	buf = binary.LittleEndian.AppendUint64(buf, h.Height)
	buf = binary.LittleEndian.AppendUint64(buf, h.Difficulty)
	buf = binary.LittleEndian.AppendUint64(buf, h.Nonce)
	buf = binary.LittleEndian.AppendUint32(buf, h.StakerID)
	return buf
}

// ProofType classifies the header by exactly-one-of-three rule:
// qPoS if StakerID is set, PoS if the caller reports a coinstake
// (hasCoinstake, checked against the block body) and no staker is set, PoW
// otherwise. Difficulty is not consulted.
func (h *Header) ProofType(hasCoinstake bool) ProofType {
	if h.StakerID > 0 {
		return ProofQPoS
	}
	if hasCoinstake {
		return ProofPoS
	}
	return ProofPoW
}

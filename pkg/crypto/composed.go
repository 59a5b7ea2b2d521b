package crypto

import (
	"crypto/sha256"
	"crypto/sha512"

	"github.com/Klingon-tech/klingnet-chain/pkg/types"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // required for the domain 9-way hash
	"golang.org/x/crypto/sha3"
)

// nftMixConstant is mixed into the composed hash for one historical block
// at the height the ForkNFTMix schedule entry names (pkg/block's
// nftMixHeight), a network-parameterized fork-indexed rule
// rather than a one-off source quirk. It stands in for the original
// "hash-of-NFT-hashes" the network mixed in at that height.
var nftMixConstant = [32]byte{
	0x4e, 0x46, 0x54, 0x4d, 0x49, 0x58, 0x00, 0x01,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
}

// ComposedHash computes the domain-specific 9-way-composed digest used for
// blockHash: each round's output feeds the next round's input,
// through blake3, sha256, sha512, sha3-256, sha3-512, blake2b-256,
// blake2b-512, ripemd160, and a final blake3 fold, ending at a 32-byte
// digest. The rounds are distinct algorithms (not repeated hashing of one
// function) so the composition cannot be shortcut by attacking a single
// primitive.
func ComposedHash(data []byte) types.Hash {
	r0 := blake3.Sum256(data)

	r1 := sha256.Sum256(r0[:])

	r2full := sha512.Sum512(r1[:])
	var r2 [32]byte
	copy(r2[:], r2full[:32])

	r3 := sha3.Sum256(r2[:])

	r4full := sha3.Sum512(r3[:])
	var r4 [32]byte
	copy(r4[:], r4full[:32])

	r5 := blake2b.Sum256(r4[:])

	r6full := blake2b.Sum512(r5[:])
	var r6 [32]byte
	copy(r6[:], r6full[:32])

	r7hasher := ripemd160.New()
	r7hasher.Write(r6[:])
	r7sum := r7hasher.Sum(nil)
	var r7 [32]byte
	copy(r7[:20], r7sum)

	final := blake3.Sum256(r7[:])
	return types.Hash(final)
}

// NFTMixedComposedHash mixes the fork-indexed NFT-hash-of-hashes constant
// into the composed hash ahead of the normal rounds. Callers select this
// variant only for the single historical height the ForkNFTMix rule names;
// every other height uses ComposedHash directly.
func NFTMixedComposedHash(data []byte) types.Hash {
	mixed := make([]byte, 0, len(nftMixConstant)+len(data))
	mixed = append(mixed, nftMixConstant[:]...)
	mixed = append(mixed, data...)
	return ComposedHash(mixed)
}

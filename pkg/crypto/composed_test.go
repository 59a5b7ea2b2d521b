package crypto

import "testing"

func TestComposedHash_Deterministic(t *testing.T) {
	data := []byte("composed hash input")
	h1 := ComposedHash(data)
	h2 := ComposedHash(data)
	if h1 != h2 {
		t.Errorf("ComposedHash is not deterministic: %x != %x", h1, h2)
	}
}

func TestComposedHash_DifferentInputs(t *testing.T) {
	h1 := ComposedHash([]byte("input A"))
	h2 := ComposedHash([]byte("input B"))
	if h1 == h2 {
		t.Error("different inputs produced the same composed hash")
	}
}

func TestComposedHash_NotSameAsPlainHash(t *testing.T) {
	data := []byte("klingnet header bytes")
	if ComposedHash(data) == Hash(data) {
		t.Error("ComposedHash should differ from the plain single-round Hash")
	}
}

func TestComposedHash_EmptyInput(t *testing.T) {
	if (ComposedHash([]byte{}) == [32]byte{}) {
		t.Error("ComposedHash of empty input should not be the zero hash")
	}
}

func TestNFTMixedComposedHash_DiffersFromPlain(t *testing.T) {
	data := []byte("the one historical block")
	if NFTMixedComposedHash(data) == ComposedHash(data) {
		t.Error("NFTMixedComposedHash should differ from ComposedHash on the same input")
	}
}

func TestNFTMixedComposedHash_Deterministic(t *testing.T) {
	data := []byte("fixed header bytes")
	h1 := NFTMixedComposedHash(data)
	h2 := NFTMixedComposedHash(data)
	if h1 != h2 {
		t.Errorf("NFTMixedComposedHash is not deterministic: %x != %x", h1, h2)
	}
}

func TestNFTMixedComposedHash_DifferentInputs(t *testing.T) {
	h1 := NFTMixedComposedHash([]byte("input A"))
	h2 := NFTMixedComposedHash([]byte("input B"))
	if h1 == h2 {
		t.Error("different inputs produced the same NFT-mixed composed hash")
	}
}

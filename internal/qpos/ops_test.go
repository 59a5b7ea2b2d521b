package qpos

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

func encodeU32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func encodeU64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

func TestParseOp_PurchaseOneKey(t *testing.T) {
	var payload bytes.Buffer
	payload.Write(encodeU64(5_000_000))
	payload.Write(pk(7).Bytes())
	payload.WriteString("alice")

	op, err := ParseOp(types.ScriptTypeQPosPurchase, payload.Bytes())
	if err != nil {
		t.Fatalf("ParseOp: %v", err)
	}
	p, ok := op.(*PurchaseOp)
	if !ok {
		t.Fatalf("got %T, want *PurchaseOp", op)
	}
	if len(p.Keys) != 1 || p.AliasOrNFT != "alice" {
		t.Fatalf("parsed purchase = %+v", p)
	}
}

func TestParseOp_PurchaseThreeKeys(t *testing.T) {
	var payload bytes.Buffer
	payload.Write(encodeU64(5_000_000))
	payload.Write(pk(1).Bytes())
	payload.Write(pk(2).Bytes())
	payload.Write(pk(3).Bytes())
	payload.Write(encodeU32(50_000))
	payload.WriteString("42")

	op, err := ParseOp(types.ScriptTypeQPosPurchase, payload.Bytes())
	if err != nil {
		t.Fatalf("ParseOp: %v", err)
	}
	p, ok := op.(*PurchaseOp)
	if !ok {
		t.Fatalf("got %T, want *PurchaseOp", op)
	}
	if len(p.Keys) != 3 {
		t.Fatalf("got %d keys, want 3", len(p.Keys))
	}
	if p.PayoutPermille != 50_000 {
		t.Fatalf("payout = %d, want 50000", p.PayoutPermille)
	}
	if !types.IsDecimalDigits(p.AliasOrNFT) || p.AliasOrNFT != "42" {
		t.Fatalf("trailing field = %q, want nft id 42", p.AliasOrNFT)
	}
}

func TestParseOp_SetMeta(t *testing.T) {
	var payload bytes.Buffer
	payload.Write(encodeU32(3))
	keyBuf := make([]byte, MaxMetaKeyLen)
	copy(keyBuf, "website")
	valBuf := make([]byte, MaxMetaValueLen)
	copy(valBuf, "https://example.test")
	payload.Write(keyBuf)
	payload.Write(valBuf)

	op, err := ParseOp(types.ScriptTypeQPosSetMeta, payload.Bytes())
	if err != nil {
		t.Fatalf("ParseOp: %v", err)
	}
	m, ok := op.(*SetMetaOp)
	if !ok {
		t.Fatalf("got %T, want *SetMetaOp", op)
	}
	if m.ID != 3 || m.Key != "website" || m.Value != "https://example.test" {
		t.Fatalf("parsed setmeta = %+v", m)
	}
}

func TestParseOp_UnknownOpcode(t *testing.T) {
	if _, err := ParseOp(types.ScriptTypeP2PKH, nil); err == nil {
		t.Fatal("expected error for non-qpos opcode")
	}
}

func TestSetKeyOp_RequiredSigners(t *testing.T) {
	r := NewRegistry()
	r.Stakers[1] = &Staker{ID: 1, Owner: pk(1), Manager: pk(2)}

	op := &SetKeyOp{Role: RoleManager, ID: 1, Key: pk(9)}
	signers, err := op.RequiredSigners(r)
	if err != nil {
		t.Fatalf("RequiredSigners: %v", err)
	}
	if len(signers) != 2 || signers[0] != pk(1) {
		t.Fatalf("signers = %+v, want [owner, manager]", signers)
	}

	if _, err := (&SetKeyOp{Role: RoleOwner, ID: 99, Key: pk(9)}).RequiredSigners(r); err == nil {
		t.Fatal("expected no-such-staker error")
	}
}

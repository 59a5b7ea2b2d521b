package consensus

import (
	"errors"
	"testing"

	"github.com/Klingon-tech/klingnet-chain/internal/qpos"
	"github.com/Klingon-tech/klingnet-chain/pkg/block"
	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// testQPoS builds a registry with one enabled staker at id 1, an active
// single-round queue, and a QPoS engine bound to it.
func testQPoS(t *testing.T) (*QPoS, *crypto.PrivateKey, uint64) {
	t.Helper()
	delegate, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	delegateKey, err := types.PubKeyFromBytes(delegate.PublicKey())
	if err != nil {
		t.Fatalf("PubKeyFromBytes: %v", err)
	}

	r := qpos.NewRegistry()
	r.IDCounter = 1
	r.Stakers[1] = &qpos.Staker{
		ID:       1,
		Delegate: delegateKey,
		Status:   qpos.Enabled,
	}
	q, err := qpos.NewQueue(0, 1700000000, 0, types.Hash{}, []uint32{1}, false)
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	r.Queue = q

	start, _, ok := q.GetWindowForID(1)
	if !ok {
		t.Fatal("GetWindowForID: staker 1 has no window")
	}
	return NewQPoS(r), delegate, start
}

func signHeader(t *testing.T, key *crypto.PrivateKey, header *block.Header) {
	t.Helper()
	hash := header.Hash()
	sig, err := key.Sign(hash[:])
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	header.ValidatorSig = sig
}

func TestQPoS_VerifyHeader_AcceptsDelegateSignature(t *testing.T) {
	engine, delegate, slotStart := testQPoS(t)
	header := &block.Header{Timestamp: slotStart}
	signHeader(t, delegate, header)

	if err := engine.VerifyHeader(header); err != nil {
		t.Fatalf("VerifyHeader: %v", err)
	}
}

func TestQPoS_VerifyHeader_RejectsOwnerManagerControllerSignature(t *testing.T) {
	engine, _, slotStart := testQPoS(t)

	// The scheduled staker's owner/manager/controller keys must NOT be
	// accepted — only the delegate key signs qPoS blocks.
	for _, role := range []string{"owner", "manager", "controller"} {
		other, err := crypto.GenerateKey()
		if err != nil {
			t.Fatalf("GenerateKey: %v", err)
		}
		pub, err := types.PubKeyFromBytes(other.PublicKey())
		if err != nil {
			t.Fatalf("PubKeyFromBytes: %v", err)
		}
		s := engine.registry.Stakers[1]
		switch role {
		case "owner":
			s.Owner = pub
		case "manager":
			s.Manager = pub
		case "controller":
			s.Controller = pub
		}

		header := &block.Header{Timestamp: slotStart}
		signHeader(t, other, header)

		if err := engine.VerifyHeader(header); !errors.Is(err, ErrNotScheduled) {
			t.Errorf("role %s: VerifyHeader = %v, want ErrNotScheduled", role, err)
		}
	}
}

func TestQPoS_VerifyHeader_MissingSignature(t *testing.T) {
	engine, _, slotStart := testQPoS(t)
	header := &block.Header{Timestamp: slotStart}

	if err := engine.VerifyHeader(header); !errors.Is(err, ErrQPosMissingSig) {
		t.Errorf("VerifyHeader = %v, want ErrQPosMissingSig", err)
	}
}

func TestQPoS_VerifyHeader_NoQueueYet(t *testing.T) {
	engine := NewQPoS(qpos.NewRegistry())
	header := &block.Header{Timestamp: 1700000000, ValidatorSig: []byte{1}}

	if err := engine.VerifyHeader(header); !errors.Is(err, ErrQueueNotBuilt) {
		t.Errorf("VerifyHeader = %v, want ErrQueueNotBuilt", err)
	}
}

func TestQPoS_IdentifySigner(t *testing.T) {
	engine, delegate, slotStart := testQPoS(t)
	header := &block.Header{Timestamp: slotStart}
	signHeader(t, delegate, header)

	got := engine.IdentifySigner(header)
	want := engine.registry.Stakers[1].Delegate.Bytes()
	if string(got) != string(want) {
		t.Errorf("IdentifySigner = %x, want %x", got, want)
	}
}

func TestQPoS_IdentifySigner_NoMatch(t *testing.T) {
	engine, _, slotStart := testQPoS(t)
	other, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	header := &block.Header{Timestamp: slotStart}
	signHeader(t, other, header)

	if got := engine.IdentifySigner(header); got != nil {
		t.Errorf("IdentifySigner = %x, want nil", got)
	}
}

func TestQPoS_SetRegistry_Rebinds(t *testing.T) {
	engine := NewQPoS(qpos.NewRegistry())
	header := &block.Header{Timestamp: 1700000000, ValidatorSig: []byte{1}}

	if err := engine.VerifyHeader(header); !errors.Is(err, ErrQueueNotBuilt) {
		t.Fatalf("VerifyHeader before SetRegistry = %v, want ErrQueueNotBuilt", err)
	}

	other, delegate, slotStart := testQPoS(t)
	engine.SetRegistry(other.registry)
	header = &block.Header{Timestamp: slotStart}
	signHeader(t, delegate, header)

	if err := engine.VerifyHeader(header); err != nil {
		t.Fatalf("VerifyHeader after SetRegistry: %v", err)
	}
}

func TestQPoS_Seal(t *testing.T) {
	engine, _, _ := testQPoS(t)
	signer, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	engine.SetSigner(signer)

	blk := &block.Block{Header: &block.Header{Timestamp: 1700000000}}
	if err := engine.Seal(blk); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if len(blk.Header.ValidatorSig) == 0 {
		t.Error("Seal did not set ValidatorSig")
	}
}

func TestQPoS_Seal_NoSigner(t *testing.T) {
	engine, _, _ := testQPoS(t)
	blk := &block.Block{Header: &block.Header{Timestamp: 1700000000}}
	if err := engine.Seal(blk); err == nil {
		t.Error("Seal without a signer should fail")
	}
}

func TestQPoS_Prepare(t *testing.T) {
	engine, _, _ := testQPoS(t)
	header := &block.Header{}
	if err := engine.Prepare(header); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if header.Difficulty != 1 {
		t.Errorf("Difficulty = %d, want 1", header.Difficulty)
	}
}

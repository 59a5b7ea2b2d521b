package qpos

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Op is the tagged-variant interface for a parsed qPoS intent.
type Op interface {
	// RequiredSigners returns the set of role keys any one of which must
	// have produced the transaction's signature, per the op's entry in
	// the op->key-set table.
	RequiredSigners(r *Registry) ([]types.PubKey, error)
}

// PurchaseOp buys a new staker id, reserving either an alias or (if the
// trailing field parses as pure decimal digits) an NFT id.
type PurchaseOp struct {
	Value        types.Amount
	Keys         []types.PubKey // len 1 (owner only) or 3 (owner, delegate, controller)
	PayoutPermille uint32       // only meaningful when len(Keys) == 3
	AliasOrNFT   string
}

// SetKeyRole identifies which of a staker's four role keys a SetKeyOp
// replaces.
type SetKeyRole int

const (
	RoleOwner SetKeyRole = iota
	RoleManager
	RoleDelegate
	RoleController
)

// SetKeyOp replaces one role key on an existing staker.
type SetKeyOp struct {
	Role           SetKeyRole
	ID             uint32
	Key            types.PubKey
	PayoutPermille uint32 // only set/used when Role == RoleDelegate
}

// SetStateOp toggles a staker's Enabled/Disabled lifecycle bit.
type SetStateOp struct {
	ID     uint32
	Enable bool
}

// ClaimOp withdraws an amount from a balance-holding key.
type ClaimOp struct {
	Key   types.PubKey
	Value types.Amount
}

// SetMetaOp writes a whitelisted metadata key/value pair onto a staker.
type SetMetaOp struct {
	ID    uint32
	Key   string
	Value string
}

// MetaKeyWhitelist bounds the set of metadata keys a SetMetaOp may target
//.
var MetaKeyWhitelist = map[string]bool{
	"website":  true,
	"contact":  true,
	"location": true,
	"note":     true,
}

func readUint32LE(r *bytes.Reader) (uint32, error) {
	var v uint32
	if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
		return 0, wrap(KindMalformed, errBadSize, "reading u32: %v", err)
	}
	return v, nil
}

func readUint64LE(r *bytes.Reader) (uint64, error) {
	var v uint64
	if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
		return 0, wrap(KindMalformed, errBadSize, "reading u64: %v", err)
	}
	return v, nil
}

func readPubKey(r *bytes.Reader) (types.PubKey, error) {
	buf := make([]byte, types.PubKeySize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return types.PubKey{}, wrap(KindMalformed, errBadSize, "reading pubkey: %v", err)
	}
	pk, err := types.PubKeyFromBytes(buf)
	if err != nil {
		return types.PubKey{}, wrap(KindMalformed, ErrPubKeyMalformed, "%v", err)
	}
	return pk, nil
}

func readNullPadded(r *bytes.Reader, n int) (string, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", wrap(KindMalformed, errBadSize, "reading padded field: %v", err)
	}
	i := bytes.IndexByte(buf, 0)
	if i < 0 {
		i = n
	}
	return string(buf[:i]), nil
}

var errBadSize = fmt.Errorf("qpos: malformed op payload")
var errBadOpcode = fmt.Errorf("qpos: unrecognized opcode")

// ParseOp dispatches on opcode (the output's types.ScriptType, a value in
// the QPos sub-range) and parses all of payload as the little-endian
// payload for that op.
func ParseOp(opcode types.ScriptType, payload []byte) (Op, error) {
	r := bytes.NewReader(payload)
	switch opcode {
	case types.ScriptTypeQPosPurchase:
		return parsePurchase(r)
	case types.ScriptTypeQPosSetOwner:
		return parseSetKey(r, RoleOwner)
	case types.ScriptTypeQPosSetManager:
		return parseSetKey(r, RoleManager)
	case types.ScriptTypeQPosSetDelegate:
		return parseSetKey(r, RoleDelegate)
	case types.ScriptTypeQPosSetCtrl:
		return parseSetKey(r, RoleController)
	case types.ScriptTypeQPosEnable:
		id, err := readUint32LE(r)
		if err != nil {
			return nil, err
		}
		return &SetStateOp{ID: id, Enable: true}, nil
	case types.ScriptTypeQPosDisable:
		id, err := readUint32LE(r)
		if err != nil {
			return nil, err
		}
		return &SetStateOp{ID: id, Enable: false}, nil
	case types.ScriptTypeQPosClaim:
		key, err := readPubKey(r)
		if err != nil {
			return nil, err
		}
		value, err := readUint64LE(r)
		if err != nil {
			return nil, err
		}
		return &ClaimOp{Key: key, Value: types.Amount(value)}, nil
	case types.ScriptTypeQPosSetMeta:
		id, err := readUint32LE(r)
		if err != nil {
			return nil, err
		}
		key, err := readNullPadded(r, MaxMetaKeyLen)
		if err != nil {
			return nil, err
		}
		value, err := readNullPadded(r, MaxMetaValueLen)
		if err != nil {
			return nil, err
		}
		return &SetMetaOp{ID: id, Key: key, Value: value}, nil
	default:
		return nil, wrap(KindMalformed, errBadOpcode, "opcode 0x%02x", opcode)
	}
}

func parsePurchase(r *bytes.Reader) (Op, error) {
	value, err := readUint64LE(r)
	if err != nil {
		return nil, err
	}
	owner, err := readPubKey(r)
	if err != nil {
		return nil, err
	}
	op := &PurchaseOp{Value: types.Amount(value), Keys: []types.PubKey{owner}}

	// Peek whether a second key follows: three-key purchases carry
	// delegate and controller keys plus the payout permille immediately
	// after, before the trailing alias/nft bytes. We detect this by
	// trying to read two more pubkeys + a u32; if that undershoots the
	// remaining bytes, fall back to treating the rest as the trailing
	// field for a one-key purchase. Since the trailing field is
	// variable-length UTF-8 "to EOF", the three-key form is the one that
	// must be attempted first and only commits on success.
	rest, _ := io.ReadAll(r)
	if len(rest) >= 2*types.PubKeySize+4 {
		sub := bytes.NewReader(rest)
		delegate, err1 := readPubKey(sub)
		controller, err2 := readPubKey(sub)
		pcm, err3 := readUint32LE(sub)
		if err1 == nil && err2 == nil && err3 == nil && pcm > 0 && pcm <= MaxDelegatePermille {
			trailing, _ := io.ReadAll(sub)
			op.Keys = append(op.Keys, delegate, controller)
			op.PayoutPermille = pcm
			op.AliasOrNFT = string(trailing)
			return op, nil
		}
	}
	op.AliasOrNFT = string(rest)
	return op, nil
}

func parseSetKey(r *bytes.Reader, role SetKeyRole) (Op, error) {
	id, err := readUint32LE(r)
	if err != nil {
		return nil, err
	}
	key, err := readPubKey(r)
	if err != nil {
		return nil, err
	}
	op := &SetKeyOp{Role: role, ID: id, Key: key}
	if role == RoleDelegate {
		pcm, err := readUint32LE(r)
		if err != nil {
			return nil, err
		}
		op.PayoutPermille = pcm
	}
	return op, nil
}

// RequiredSigners implements the op->key-set table: each op
// requires a signature from one of a small authorized set of the target
// staker's role keys.

func (op *PurchaseOp) RequiredSigners(r *Registry) ([]types.PubKey, error) {
	// A purchase is self-authorizing: the owner key named in the payload
	// signs for its own creation.
	return []types.PubKey{op.Keys[0]}, nil
}

func (op *SetKeyOp) RequiredSigners(r *Registry) ([]types.PubKey, error) {
	s, ok := r.Stakers[op.ID]
	if !ok {
		return nil, wrap(KindInvariant, ErrNoSuchStaker, "id %d", op.ID)
	}
	switch op.Role {
	case RoleOwner:
		return []types.PubKey{s.Owner}, nil
	case RoleManager:
		return []types.PubKey{s.Owner, s.Manager}, nil
	case RoleDelegate:
		return []types.PubKey{s.Owner, s.Manager}, nil
	case RoleController:
		return []types.PubKey{s.Owner, s.Manager, s.Delegate}, nil
	default:
		return nil, wrap(KindMalformed, errBadOpcode, "unknown role %d", op.Role)
	}
}

func (op *SetStateOp) RequiredSigners(r *Registry) ([]types.PubKey, error) {
	s, ok := r.Stakers[op.ID]
	if !ok {
		return nil, wrap(KindInvariant, ErrNoSuchStaker, "id %d", op.ID)
	}
	return []types.PubKey{s.Owner, s.Manager, s.Controller}, nil
}

func (op *ClaimOp) RequiredSigners(r *Registry) ([]types.PubKey, error) {
	// Claim requires the claim key itself
	return []types.PubKey{op.Key}, nil
}

func (op *SetMetaOp) RequiredSigners(r *Registry) ([]types.PubKey, error) {
	s, ok := r.Stakers[op.ID]
	if !ok {
		return nil, wrap(KindInvariant, ErrNoSuchStaker, "id %d", op.ID)
	}
	return []types.PubKey{s.Owner, s.Manager, s.Delegate}, nil
}

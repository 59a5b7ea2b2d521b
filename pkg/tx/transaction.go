// Package tx defines transaction types and validation.
package tx

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"

	"github.com/Klingon-tech/klingnet-chain/pkg/crypto"
	"github.com/Klingon-tech/klingnet-chain/pkg/types"
)

// Transaction represents a blockchain transaction.
type Transaction struct {
	Version  uint32   `json:"version"`
	TxTime   uint32   `json:"tx_time,omitempty"` // only serialized below ForkNoTxTime
	Inputs   []Input  `json:"inputs"`
	Outputs  []Output `json:"outputs"`
	LockTime uint64   `json:"locktime"`
}

// Input references a UTXO being spent.
type Input struct {
	PrevOut   types.Outpoint `json:"prevout"`
	Signature []byte         `json:"signature"`
	PubKey    []byte         `json:"pubkey"`
}

// inputJSON is the JSON representation of Input with hex-encoded byte fields.
type inputJSON struct {
	PrevOut   types.Outpoint `json:"prevout"`
	Signature *string        `json:"signature"`
	PubKey    *string        `json:"pubkey"`
}

// MarshalJSON encodes the input with hex-encoded signature and pubkey.
func (in Input) MarshalJSON() ([]byte, error) {
	j := inputJSON{PrevOut: in.PrevOut}
	if in.Signature != nil {
		s := hex.EncodeToString(in.Signature)
		j.Signature = &s
	}
	if in.PubKey != nil {
		p := hex.EncodeToString(in.PubKey)
		j.PubKey = &p
	}
	return json.Marshal(j)
}

// UnmarshalJSON decodes an input with hex-encoded signature and pubkey.
func (in *Input) UnmarshalJSON(data []byte) error {
	var j inputJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	in.PrevOut = j.PrevOut
	if j.Signature != nil {
		b, err := hex.DecodeString(*j.Signature)
		if err != nil {
			return err
		}
		in.Signature = b
	}
	if j.PubKey != nil {
		b, err := hex.DecodeString(*j.PubKey)
		if err != nil {
			return err
		}
		in.PubKey = b
	}
	return nil
}

// Output defines a new UTXO.
type Output struct {
	Value  uint64           `json:"value"`
	Script types.Script     `json:"script"`
	Token  *types.TokenData `json:"token,omitempty"`
}

// Hash computes the transaction ID under the current (post-IMMALLEABLE-fork,
// no tx-time) wire format: signatures blanked except coinbase, no tx-time
// field. Most call sites on a fresh chain want this; historical
// replay/verification calls HashAt explicitly with the block's fork state.
func (tx *Transaction) Hash() types.Hash {
	return crypto.Hash(tx.SigningBytes(false))
}

// HashAt computes the transaction ID under an explicit wire-format
// selection: includeSignatures mirrors pre-IMMALLEABLE-fork behavior (the
// txid is signature-dependent), includeTxTime mirrors the pre-NOTXTIME
// encoding. The chain layer resolves these booleans from the
// block's fork ordinal via chainparams; this package stays decoupled from
// fork tables.
func (tx *Transaction) HashAt(includeSignatures, includeTxTime bool) types.Hash {
	return crypto.Hash(tx.signingBytes(includeSignatures, includeTxTime))
}

// SigningBytes returns the canonical byte representation used for signing,
// with non-coinbase signatures excluded; includeTxTime adds the tx-time field.
// Format: version(4) | [tx_time(4) if includeTxTime] | input_count(4) | [prevout(36) + (coinbase input with data: data_len(4) + data)]... | output_count(4) | [value(8) + script_type(1) + script_data_len(4) + script_data + (token outputs: token_id(32) + token_amount(8))]... | locktime(8)
func (tx *Transaction) SigningBytes(includeTxTime bool) []byte {
	return tx.signingBytes(false, includeTxTime)
}

func (tx *Transaction) signingBytes(includeSignatures, includeTxTime bool) []byte {
	var buf []byte

	// Version.
	buf = binary.LittleEndian.AppendUint32(buf, tx.Version)
	if includeTxTime {
		buf = binary.LittleEndian.AppendUint32(buf, tx.TxTime)
	}

	// Input count + prevouts.
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(tx.Inputs)))
	for _, in := range tx.Inputs {
		buf = append(buf, in.PrevOut.TxID[:]...)
		buf = binary.LittleEndian.AppendUint32(buf, in.PrevOut.Index)
		// Coinbase data (height) is always included so each coinbase tx has
		// a unique id. Regular inputs include their signature only in the
		// pre-IMMALLEABLE (malleable) encoding.
		if in.PrevOut.IsZero() && len(in.Signature) > 0 {
			buf = binary.LittleEndian.AppendUint32(buf, uint32(len(in.Signature)))
			buf = append(buf, in.Signature...)
		} else if includeSignatures && len(in.Signature) > 0 {
			buf = binary.LittleEndian.AppendUint32(buf, uint32(len(in.Signature)))
			buf = append(buf, in.Signature...)
		}
	}

	// Output count + outputs.
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(tx.Outputs)))
	for _, out := range tx.Outputs {
		buf = binary.LittleEndian.AppendUint64(buf, out.Value)
		buf = append(buf, byte(out.Script.Type))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(out.Script.Data)))
		buf = append(buf, out.Script.Data...)
		if out.Token != nil {
			buf = append(buf, out.Token.ID[:]...)
			buf = binary.LittleEndian.AppendUint64(buf, out.Token.Amount)
		}
	}

	// Locktime.
	buf = binary.LittleEndian.AppendUint64(buf, tx.LockTime)

	return buf
}

// TotalOutputValue returns the sum of all output values.
// Returns an error if the sum overflows uint64.
func (tx *Transaction) TotalOutputValue() (uint64, error) {
	var total uint64
	for _, out := range tx.Outputs {
		if total > math.MaxUint64-out.Value {
			return 0, fmt.Errorf("output value overflow")
		}
		total += out.Value
	}
	return total, nil
}

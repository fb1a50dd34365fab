package enginetypes

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// PayloadAttributes is the payloadAttributes argument of
// engine_forkchoiceUpdated. Withdrawals is nil pre-Shanghai and non-nil
// (possibly empty) from Shanghai on; ParentBeaconBlockRoot is nil
// pre-Cancun and mandatory from Cancun on.
type PayloadAttributes struct {
	Variant               Variant
	Timestamp             uint64
	PrevRandao            common.Hash
	SuggestedFeeRecipient common.Address
	Withdrawals           []*types.Withdrawal
	ParentBeaconBlockRoot *common.Hash
}

// ForkVariant returns the fork schedule tag of these attributes.
func (a *PayloadAttributes) ForkVariant() Variant { return a.Variant }

// Fingerprint is a canonical, order-independent digest of the attribute
// fields. It is combined with the (head, safe, finalized) triple by
// internal/fingerprint to key the forkchoiceUpdated response cache.
func (a *PayloadAttributes) Fingerprint() string {
	h := sha256.New()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], a.Timestamp)
	h.Write(buf[:])
	h.Write(a.PrevRandao[:])
	h.Write(a.SuggestedFeeRecipient[:])
	for _, w := range a.Withdrawals {
		binary.BigEndian.PutUint64(buf[:], w.Index)
		h.Write(buf[:])
		binary.BigEndian.PutUint64(buf[:], w.Validator)
		h.Write(buf[:])
		h.Write(w.Address[:])
		binary.BigEndian.PutUint64(buf[:], w.Amount)
		h.Write(buf[:])
	}
	if a.ParentBeaconBlockRoot != nil {
		h.Write(a.ParentBeaconBlockRoot[:])
	}
	return hexutil.Encode(h.Sum(nil))
}

// payloadAttributesJSON is the Engine API wire shape for payloadAttributes.
type payloadAttributesJSON struct {
	Timestamp             hexutil.Uint64      `json:"timestamp"`
	PrevRandao            common.Hash         `json:"prevRandao"`
	SuggestedFeeRecipient common.Address      `json:"suggestedFeeRecipient"`
	Withdrawals           []*types.Withdrawal `json:"withdrawals,omitempty"`
	ParentBeaconBlockRoot *common.Hash        `json:"parentBeaconBlockRoot,omitempty"`
}

// UnmarshalJSON decodes payloadAttributes, inferring the variant from which
// optional fields are present: no withdrawals key -> Paris, withdrawals but
// no beacon root -> Shanghai, beacon root present -> Cancun or later. Callers
// that know the method version (the "Vn" the CL called) should overwrite
// Variant after decoding; this inference is a fallback for ambiguous inputs.
func (a *PayloadAttributes) UnmarshalJSON(data []byte) error {
	var j payloadAttributesJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return fmt.Errorf("enginetypes: payloadAttributes: %w", err)
	}
	a.Timestamp = uint64(j.Timestamp)
	a.PrevRandao = j.PrevRandao
	a.SuggestedFeeRecipient = j.SuggestedFeeRecipient
	a.Withdrawals = j.Withdrawals
	a.ParentBeaconBlockRoot = j.ParentBeaconBlockRoot

	switch {
	case j.ParentBeaconBlockRoot != nil:
		a.Variant = VariantCancun
	case j.Withdrawals != nil:
		a.Variant = VariantShanghai
	default:
		a.Variant = VariantParis
	}
	return nil
}

// MarshalJSON encodes payloadAttributes per the Engine API wire format.
func (a *PayloadAttributes) MarshalJSON() ([]byte, error) {
	j := payloadAttributesJSON{
		Timestamp:             hexutil.Uint64(a.Timestamp),
		PrevRandao:            a.PrevRandao,
		SuggestedFeeRecipient: a.SuggestedFeeRecipient,
		Withdrawals:           a.Withdrawals,
		ParentBeaconBlockRoot: a.ParentBeaconBlockRoot,
	}
	return json.Marshal(&j)
}

package enginetypes

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// ExecutionPayload is the executionPayload argument/result shape shared by
// engine_newPayload and engine_getPayload across fork variants. Fields that
// a given variant does not carry (BlobGasUsed/ExcessBlobGas pre-Cancun,
// ExecutionRequests pre-Prague) are left nil/empty.
type ExecutionPayload struct {
	Variant               Variant
	ParentHash            common.Hash
	FeeRecipient          common.Address
	StateRoot             common.Hash
	ReceiptsRoot          common.Hash
	LogsBloom             types.Bloom
	PrevRandao            common.Hash
	BlockNumber           uint64
	GasLimit              uint64
	GasUsed               uint64
	Timestamp             uint64
	ExtraData             []byte
	BaseFeePerGas         *big.Int
	BlockHash             common.Hash
	Transactions          [][]byte
	Withdrawals           []*types.Withdrawal
	BlobGasUsed           *uint64
	ExcessBlobGas         *uint64
	ParentBeaconBlockRoot *common.Hash
	ExecutionRequests     [][]byte
}

// ForkVariant returns the fork schedule tag of this payload.
func (p *ExecutionPayload) ForkVariant() Variant { return p.Variant }

// Hash returns the payload's claimed execution block hash.
func (p *ExecutionPayload) Hash() common.Hash { return p.BlockHash }

// Fingerprint is the cache key for engine_newPayload: the fork variant plus
// the block hash. The versioned hashes and parent beacon block root passed
// alongside the payload are not part of the key, so two calls naming the
// same block hash under the same variant share one cache entry.
func (p *ExecutionPayload) Fingerprint() string {
	return fmt.Sprintf("%s:%s", p.Variant, p.BlockHash.Hex())
}

// ParentContext supplies the pieces of chain state the dummy builder needs
// but that payloadAttributes does not carry: the parent block's number (to
// derive this block's number) and gas limit (copied forward unmodified,
// since eleel never retargets gas limit).
type ParentContext struct {
	Hash      common.Hash
	Number    uint64
	GasLimit  uint64
	BaseFee   *big.Int
}

// Materialize fabricates a self-consistent (but chain-invalid) execution
// payload from these attributes: state/receipts roots are zeroed, gas used
// is zero, there are no transactions, and the block hash is computed from
// the resulting header so that a later engine_newPayload for this same
// block hash can be recognised and short-circuited by the builder.
func (a *PayloadAttributes) Materialize(parent ParentContext, extraData string) (*ExecutionPayload, error) {
	p := &ExecutionPayload{
		Variant:       a.Variant,
		ParentHash:    parent.Hash,
		FeeRecipient:  a.SuggestedFeeRecipient,
		PrevRandao:    a.PrevRandao,
		BlockNumber:   parent.Number + 1,
		GasLimit:      parent.GasLimit,
		GasUsed:       0,
		Timestamp:     a.Timestamp,
		ExtraData:     []byte(extraData),
		BaseFeePerGas: parent.BaseFee,
		Transactions:  [][]byte{},
	}
	if a.Variant >= VariantShanghai {
		p.Withdrawals = a.Withdrawals
		if p.Withdrawals == nil {
			p.Withdrawals = []*types.Withdrawal{}
		}
	}
	if a.Variant >= VariantCancun {
		var zero uint64
		p.BlobGasUsed = &zero
		p.ExcessBlobGas = &zero
		p.ParentBeaconBlockRoot = a.ParentBeaconBlockRoot
	}
	if a.Variant >= VariantPrague {
		p.ExecutionRequests = [][]byte{}
	}

	hash, err := p.computeHash()
	if err != nil {
		return nil, fmt.Errorf("enginetypes: materialize: %w", err)
	}
	p.BlockHash = hash
	return p, nil
}

// computeHash derives the block hash from a types.Header built out of the
// payload fields, using go-ethereum's own header RLP+keccak rules so the
// dummy payload hashes exactly as a real block with these header fields
// would, even though the payload is never executed or validated.
func (p *ExecutionPayload) computeHash() (common.Hash, error) {
	header := &types.Header{
		ParentHash:  p.ParentHash,
		UncleHash:   types.EmptyUncleHash,
		Coinbase:    p.FeeRecipient,
		Root:        p.StateRoot,
		TxHash:      types.EmptyRootHash,
		ReceiptHash: p.ReceiptsRoot,
		Bloom:       p.LogsBloom,
		Difficulty:  common.Big0,
		Number:      new(big.Int).SetUint64(p.BlockNumber),
		GasLimit:    p.GasLimit,
		GasUsed:     p.GasUsed,
		Time:        p.Timestamp,
		Extra:       p.ExtraData,
		MixDigest:   p.PrevRandao,
		BaseFee:     p.BaseFeePerGas,
	}
	if p.Withdrawals != nil {
		wh, err := withdrawalsHash(p.Withdrawals)
		if err != nil {
			return common.Hash{}, err
		}
		header.WithdrawalsHash = &wh
	}
	if p.BlobGasUsed != nil {
		header.BlobGasUsed = p.BlobGasUsed
		header.ExcessBlobGas = p.ExcessBlobGas
		header.ParentBeaconRoot = p.ParentBeaconBlockRoot
	}
	return header.Hash(), nil
}

// withdrawalsHash is a flat keccak over the RLP encoding of the withdrawals
// list. Real blocks commit to a trie root; since this payload is never
// validated against chain state, a flat digest is sufficient to make the
// block hash self-consistent and collision-resistant against other
// withdrawal sets.
func withdrawalsHash(ws []*types.Withdrawal) (common.Hash, error) {
	enc, err := rlp.EncodeToBytes(ws)
	if err != nil {
		return common.Hash{}, fmt.Errorf("encode withdrawals: %w", err)
	}
	return crypto.Keccak256Hash(enc), nil
}

// executionPayloadJSON is the Engine API wire shape for executionPayload.
type executionPayloadJSON struct {
	ParentHash            common.Hash         `json:"parentHash"`
	FeeRecipient          common.Address      `json:"feeRecipient"`
	StateRoot             common.Hash         `json:"stateRoot"`
	ReceiptsRoot          common.Hash         `json:"receiptsRoot"`
	LogsBloom             types.Bloom         `json:"logsBloom"`
	PrevRandao            common.Hash         `json:"prevRandao"`
	BlockNumber           hexutil.Uint64      `json:"blockNumber"`
	GasLimit              hexutil.Uint64      `json:"gasLimit"`
	GasUsed               hexutil.Uint64      `json:"gasUsed"`
	Timestamp             hexutil.Uint64      `json:"timestamp"`
	ExtraData             hexutil.Bytes       `json:"extraData"`
	BaseFeePerGas         *hexutil.Big        `json:"baseFeePerGas"`
	BlockHash             common.Hash         `json:"blockHash"`
	Transactions          []hexutil.Bytes     `json:"transactions"`
	Withdrawals           []*types.Withdrawal `json:"withdrawals,omitempty"`
	BlobGasUsed           *hexutil.Uint64     `json:"blobGasUsed,omitempty"`
	ExcessBlobGas         *hexutil.Uint64     `json:"excessBlobGas,omitempty"`
	ParentBeaconBlockRoot *common.Hash        `json:"parentBeaconBlockRoot,omitempty"`
	ExecutionRequests     []hexutil.Bytes     `json:"executionRequests,omitempty"`
}

// MarshalJSON encodes the payload per the Engine API wire format for its
// variant; fields the variant does not carry are omitted.
func (p *ExecutionPayload) MarshalJSON() ([]byte, error) {
	j := executionPayloadJSON{
		ParentHash:            p.ParentHash,
		FeeRecipient:          p.FeeRecipient,
		StateRoot:             p.StateRoot,
		ReceiptsRoot:          p.ReceiptsRoot,
		LogsBloom:             p.LogsBloom,
		PrevRandao:            p.PrevRandao,
		BlockNumber:           hexutil.Uint64(p.BlockNumber),
		GasLimit:              hexutil.Uint64(p.GasLimit),
		GasUsed:               hexutil.Uint64(p.GasUsed),
		Timestamp:             hexutil.Uint64(p.Timestamp),
		ExtraData:             p.ExtraData,
		BlockHash:             p.BlockHash,
		Withdrawals:           p.Withdrawals,
		ParentBeaconBlockRoot: p.ParentBeaconBlockRoot,
	}
	if p.BaseFeePerGas != nil {
		j.BaseFeePerGas = (*hexutil.Big)(p.BaseFeePerGas)
	}
	j.Transactions = make([]hexutil.Bytes, len(p.Transactions))
	for i, tx := range p.Transactions {
		j.Transactions[i] = tx
	}
	if p.BlobGasUsed != nil {
		v := hexutil.Uint64(*p.BlobGasUsed)
		j.BlobGasUsed = &v
	}
	if p.ExcessBlobGas != nil {
		v := hexutil.Uint64(*p.ExcessBlobGas)
		j.ExcessBlobGas = &v
	}
	if p.ExecutionRequests != nil {
		j.ExecutionRequests = make([]hexutil.Bytes, len(p.ExecutionRequests))
		for i, r := range p.ExecutionRequests {
			j.ExecutionRequests[i] = r
		}
	}
	return json.Marshal(&j)
}

// UnmarshalJSON decodes an executionPayload. The variant is inferred from
// which optional fields are present, the same way PayloadAttributes infers
// it; callers that know the calling method version should overwrite
// Variant afterwards.
func (p *ExecutionPayload) UnmarshalJSON(data []byte) error {
	var j executionPayloadJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return fmt.Errorf("enginetypes: executionPayload: %w", err)
	}
	p.ParentHash = j.ParentHash
	p.FeeRecipient = j.FeeRecipient
	p.StateRoot = j.StateRoot
	p.ReceiptsRoot = j.ReceiptsRoot
	p.LogsBloom = j.LogsBloom
	p.PrevRandao = j.PrevRandao
	p.BlockNumber = uint64(j.BlockNumber)
	p.GasLimit = uint64(j.GasLimit)
	p.GasUsed = uint64(j.GasUsed)
	p.Timestamp = uint64(j.Timestamp)
	p.ExtraData = j.ExtraData
	if j.BaseFeePerGas != nil {
		p.BaseFeePerGas = (*big.Int)(j.BaseFeePerGas)
	}
	p.BlockHash = j.BlockHash
	p.Transactions = make([][]byte, len(j.Transactions))
	for i, tx := range j.Transactions {
		p.Transactions[i] = tx
	}
	p.Withdrawals = j.Withdrawals
	p.ParentBeaconBlockRoot = j.ParentBeaconBlockRoot

	variant := VariantParis
	if j.Withdrawals != nil {
		variant = VariantShanghai
	}
	if j.BlobGasUsed != nil {
		p.BlobGasUsed = (*uint64)(j.BlobGasUsed)
		variant = VariantCancun
	}
	if j.ExcessBlobGas != nil {
		p.ExcessBlobGas = (*uint64)(j.ExcessBlobGas)
	}
	if len(j.ExecutionRequests) > 0 {
		p.ExecutionRequests = make([][]byte, len(j.ExecutionRequests))
		for i, r := range j.ExecutionRequests {
			p.ExecutionRequests[i] = r
		}
		variant = VariantPrague
	}
	p.Variant = variant
	return nil
}

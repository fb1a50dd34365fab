package enginetypes

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Payload/forkchoice status strings, per the execution-apis spec.
const (
	StatusValid            = "VALID"
	StatusInvalid          = "INVALID"
	StatusSyncing          = "SYNCING"
	StatusAccepted         = "ACCEPTED"
	StatusInvalidBlockHash = "INVALID_BLOCK_HASH"
)

// ForkchoiceStateV1 is the head/safe/finalized triple the CL advertises on
// every engine_forkchoiceUpdated call.
type ForkchoiceStateV1 struct {
	HeadBlockHash      common.Hash `json:"headBlockHash"`
	SafeBlockHash      common.Hash `json:"safeBlockHash"`
	FinalizedBlockHash common.Hash `json:"finalizedBlockHash"`
}

// Fingerprint is the raw (head, safe, finalized) key used by
// internal/fingerprint to identify the forkchoiceUpdated cache entry before
// any payload-attributes fingerprint is folded in.
func (s ForkchoiceStateV1) Fingerprint() string {
	return s.HeadBlockHash.Hex() + ":" + s.SafeBlockHash.Hex() + ":" + s.FinalizedBlockHash.Hex()
}

// PayloadStatusV1 is the payloadStatus object returned by newPayload and
// forkchoiceUpdated. Per spec, LatestValidHash and ValidationError are
// preserved verbatim from whatever response is being returned or
// synthesized.
type PayloadStatusV1 struct {
	Status          string
	LatestValidHash *common.Hash
	ValidationError *string
}

type payloadStatusJSON struct {
	Status          string       `json:"status"`
	LatestValidHash *common.Hash `json:"latestValidHash"`
	ValidationError *string      `json:"validationError"`
}

func (s PayloadStatusV1) MarshalJSON() ([]byte, error) {
	return json.Marshal(payloadStatusJSON{
		Status:          s.Status,
		LatestValidHash: s.LatestValidHash,
		ValidationError: s.ValidationError,
	})
}

func (s *PayloadStatusV1) UnmarshalJSON(data []byte) error {
	var j payloadStatusJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return fmt.Errorf("enginetypes: payloadStatus: %w", err)
	}
	s.Status = j.Status
	s.LatestValidHash = j.LatestValidHash
	s.ValidationError = j.ValidationError
	return nil
}

// Syncing is the canonical synthesized response used whenever eleel cannot
// (or, per the matcher, must not) vouch for a follower's request.
func Syncing() PayloadStatusV1 {
	return PayloadStatusV1{Status: StatusSyncing}
}

// PayloadID is the 8-byte identifier engine_forkchoiceUpdated returns when
// it starts building a payload, later passed back to engine_getPayload.
type PayloadID [8]byte

// NewPayloadID packs a monotonic counter value into a PayloadID. The
// counter occupies the low 8 bytes in big-endian order so ids sort and
// print in allocation order.
func NewPayloadID(counter uint64) PayloadID {
	var id PayloadID
	binary.BigEndian.PutUint64(id[:], counter)
	return id
}

func (id PayloadID) String() string { return "0x" + fmt.Sprintf("%x", [8]byte(id)) }

func (id PayloadID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

func (id *PayloadID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("enginetypes: payloadId: %w", err)
	}
	n, err := parsePayloadIDHex(s)
	if err != nil {
		return fmt.Errorf("enginetypes: payloadId: %w", err)
	}
	*id = n
	return nil
}

func parsePayloadIDHex(s string) (PayloadID, error) {
	var id PayloadID
	if len(s) != 18 || s[0] != '0' || s[1] != 'x' {
		return id, fmt.Errorf("invalid payload id %q: want 0x-prefixed 8-byte hex", s)
	}
	for i := 0; i < 8; i++ {
		b, err := hexByte(s[2+i*2], s[3+i*2])
		if err != nil {
			return id, err
		}
		id[i] = b
	}
	return id, nil
}

func hexByte(hi, lo byte) (byte, error) {
	h, err := hexNibble(hi)
	if err != nil {
		return 0, err
	}
	l, err := hexNibble(lo)
	if err != nil {
		return 0, err
	}
	return h<<4 | l, nil
}

func hexNibble(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	default:
		return 0, fmt.Errorf("invalid hex digit %q", c)
	}
}

// ForkChoiceResponse is the result of engine_forkchoiceUpdated.
type ForkChoiceResponse struct {
	PayloadStatus PayloadStatusV1 `json:"payloadStatus"`
	PayloadID     *PayloadID      `json:"payloadId"`
}

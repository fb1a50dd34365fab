// Package fingerprint derives the canonical cache keys: engine_newPayload
// is keyed on the payload's block hash and fork variant,
// engine_forkchoiceUpdated is keyed on the (head, safe, finalized) triple
// plus, when payload attributes are present, a fingerprint of those
// attributes.
package fingerprint

import "github.com/sigp/eleel/internal/enginetypes"

// NewPayload returns the cache key for an engine_newPayload* call.
func NewPayload(p *enginetypes.ExecutionPayload) string {
	return p.Fingerprint()
}

// ForkchoiceUpdated returns the cache key for an engine_forkchoiceUpdated*
// call. When attrs is non-nil the attributes fingerprint is folded in, so a
// build request and a bare head-advance under the same triple occupy
// distinct cache entries.
func ForkchoiceUpdated(state enginetypes.ForkchoiceStateV1, attrs *enginetypes.PayloadAttributes) string {
	key := state.Fingerprint()
	if attrs != nil {
		key += "|attrs:" + attrs.Fingerprint()
	}
	return key
}

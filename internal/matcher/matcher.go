// Package matcher implements component C5, the consistency checks eleel
// applies before it will answer a follower's forkchoiceUpdated call from
// cache or synthesize a response instead of forwarding upstream. Three
// modes are supported, in increasing order of risk:
//
//   - Exact: the follower's (head, safe, finalized) triple must match a
//     controller call byte for byte. Safest; the default.
//   - Loose: the head must match a controller-observed head, and the
//     safe/finalized hashes must each have been seen as a controller
//     safe/finalized hash at some point (not necessarily together).
//   - HeadOnly: only the head hash must match a controller-observed head.
//     This mode is intentionally permissive and can mask a follower that
//     has fallen behind on safe/finalized progress; it exists for
//     deployments that accept that tradeoff for latency, and must be
//     opted into explicitly.
package matcher

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/sigp/eleel/internal/cache"
	"github.com/sigp/eleel/internal/enginetypes"
	"github.com/sigp/eleel/internal/fingerprint"
)

// Mode selects the consistency policy.
type Mode int

const (
	// ModeExact requires a byte-for-byte match against a cached controller
	// response for this exact triple.
	ModeExact Mode = iota
	// ModeLoose allows the safe/finalized hashes to have been seen
	// independently of the current head.
	ModeLoose
	// ModeHeadOnly checks only that the head hash was seen.
	ModeHeadOnly
)

func (m Mode) String() string {
	switch m {
	case ModeExact:
		return "exact"
	case ModeLoose:
		return "loose"
	case ModeHeadOnly:
		return "head_only"
	default:
		return "unknown"
	}
}

// ParseMode parses a configuration string into a Mode. Unknown strings
// default to ModeExact, the safe choice, rather than silently degrading to
// a looser policy.
func ParseMode(s string) Mode {
	switch s {
	case "loose":
		return ModeLoose
	case "head_only":
		return ModeHeadOnly
	default:
		return ModeExact
	}
}

// Matcher evaluates a follower's forkchoiceUpdated call against what the
// controller has actually reported, using the block-status state and
// forkchoice response cache maintained by internal/cache.
type Matcher struct {
	mode   Mode
	status *cache.BlockStatus
	fcu    *cache.ForkchoiceCache
}

// New creates a Matcher operating in mode against fcu. Loose and head-only
// modes consult fcu.Status()'s rolling justified/finalized/head sets;
// exact mode additionally looks a follower's full (head, safe, finalized)
// triple up directly in fcu itself, since two controller triples can share
// a head while only the most recent is tracked by the rolling head set.
func New(mode Mode, fcu *cache.ForkchoiceCache) *Matcher {
	return &Matcher{mode: mode, status: fcu.Status(), fcu: fcu}
}

// Mode reports the matcher's configured mode.
func (m *Matcher) Mode() Mode { return m.mode }

// Check reports whether state is consistent enough with controller state,
// under the matcher's mode, to be answered with a cached controller status.
// knownHead reports whether the head has been seen from the controller.
// When consistent, it also returns the cached PayloadStatusV1 to reuse
// verbatim: in exact mode the one cached for this exact triple, in loose
// and head-only modes the most recent one cached for this head.
func (m *Matcher) Check(state enginetypes.ForkchoiceStateV1) (cached enginetypes.PayloadStatusV1, knownHead bool, consistent bool) {
	resp, headKnown := m.status.ResponseForHead(state.HeadBlockHash)
	switch m.mode {
	case ModeHeadOnly:
		if !headKnown {
			return enginetypes.PayloadStatusV1{}, false, false
		}
		return resp.Status, true, true
	case ModeLoose:
		if !headKnown {
			return enginetypes.PayloadStatusV1{}, false, false
		}
		safeOK := state.SafeBlockHash == (common.Hash{}) || m.status.IsJustified(state.SafeBlockHash)
		finalizedOK := state.FinalizedBlockHash == (common.Hash{}) || m.status.IsFinalized(state.FinalizedBlockHash)
		if !safeOK || !finalizedOK {
			return enginetypes.PayloadStatusV1{}, true, false
		}
		return resp.Status, true, true
	default: // ModeExact
		if !headKnown {
			return enginetypes.PayloadStatusV1{}, false, false
		}
		// Looked up against the full fingerprint-keyed cache rather than
		// resp, the latest-per-head entry: two controller triples sharing
		// a head must each stay independently matchable, not just the
		// most recently inserted one.
		entry, found := m.fcu.Get(fingerprint.ForkchoiceUpdated(state, nil))
		if !found {
			return enginetypes.PayloadStatusV1{}, true, false
		}
		return entry.Status, true, true
	}
}

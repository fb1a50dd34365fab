// Package enginetypes models the Engine API wire shapes that eleel caches,
// compares and fabricates: payload attributes, execution payloads, payload
// status, and forkchoice state, each tagged with the fork variant that
// produced it. The shapes vary release to release (Shanghai added
// withdrawals, Cancun added blob fields and the parent beacon root, and so
// on); each shape is one struct whose fork-specific fields are optional,
// tagged with a Variant, and the pieces of behaviour eleel actually needs
// (fingerprinting, hashing, materialising a dummy block) are methods on
// those structs.
package enginetypes

// Variant identifies the Engine API fork schedule a message belongs to.
type Variant int

const (
	// VariantUnknown is the zero value; never produced by a valid decode.
	VariantUnknown Variant = iota
	// VariantParis covers engine_newPayloadV1 and forkchoiceUpdatedV1
	// (pre-Shanghai, no withdrawals).
	VariantParis
	// VariantShanghai is engine_newPayloadV2 with withdrawals.
	VariantShanghai
	// VariantCancun is engine_newPayloadV3 / forkchoiceUpdatedV3: adds blob
	// gas fields and mandates a parent beacon block root.
	VariantCancun
	// VariantPrague is engine_newPayloadV4 / getPayloadV4: adds the EIP-7685
	// execution requests list.
	VariantPrague
)

func (v Variant) String() string {
	switch v {
	case VariantParis:
		return "paris"
	case VariantShanghai:
		return "shanghai"
	case VariantCancun:
		return "cancun"
	case VariantPrague:
		return "prague"
	default:
		return "unknown"
	}
}

// MethodVersion returns the "Vn" suffix used on Engine API method names for
// this variant, e.g. forkchoiceUpdated on VariantCancun is
// "engine_forkchoiceUpdatedV3".
func (v Variant) MethodVersion() int {
	switch v {
	case VariantParis:
		return 1
	case VariantShanghai:
		return 2
	case VariantCancun:
		return 3
	case VariantPrague:
		return 4
	default:
		return 0
	}
}

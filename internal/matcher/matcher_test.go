package matcher

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/sigp/eleel/internal/cache"
	"github.com/sigp/eleel/internal/enginetypes"
)

func seedFcu(t *testing.T, state enginetypes.ForkchoiceStateV1, status enginetypes.PayloadStatusV1) *cache.ForkchoiceCache {
	t.Helper()
	fc, err := cache.NewForkchoiceCache(16, 8, 8, nil)
	if err != nil {
		t.Fatalf("NewForkchoiceCache: %v", err)
	}
	fc.Insert(state.Fingerprint(), cache.CachedForkchoice{State: state, Status: status})
	return fc
}

func TestMatcherExactMatch(t *testing.T) {
	state := enginetypes.ForkchoiceStateV1{
		HeadBlockHash:      common.Hash{0x01},
		SafeBlockHash:      common.Hash{0x02},
		FinalizedBlockHash: common.Hash{0x03},
	}
	want := enginetypes.PayloadStatusV1{Status: enginetypes.StatusValid}
	fc := seedFcu(t, state, want)

	m := New(ModeExact, fc)
	got, known, ok := m.Check(state)
	if !known || !ok {
		t.Fatalf("expected exact match, known=%v ok=%v", known, ok)
	}
	if got.Status != enginetypes.StatusValid {
		t.Fatalf("unexpected status %q", got.Status)
	}
}

func TestMatcherExactMismatchOnSafe(t *testing.T) {
	state := enginetypes.ForkchoiceStateV1{
		HeadBlockHash:      common.Hash{0x01},
		SafeBlockHash:      common.Hash{0x02},
		FinalizedBlockHash: common.Hash{0x03},
	}
	fc := seedFcu(t, state, enginetypes.PayloadStatusV1{Status: enginetypes.StatusValid})

	m := New(ModeExact, fc)
	other := state
	other.SafeBlockHash = common.Hash{0x99}
	_, known, ok := m.Check(other)
	if !known {
		t.Fatal("head is known so this should not report unknown")
	}
	if ok {
		t.Fatal("differing safe hash must not match under exact mode")
	}
}

func TestMatcherExactUnknownHead(t *testing.T) {
	fc := seedFcu(t, enginetypes.ForkchoiceStateV1{HeadBlockHash: common.Hash{0x01}}, enginetypes.PayloadStatusV1{})
	m := New(ModeExact, fc)
	_, known, ok := m.Check(enginetypes.ForkchoiceStateV1{HeadBlockHash: common.Hash{0xff}})
	if known || ok {
		t.Fatal("unseen head must never match")
	}
}

func TestMatcherExactKeepsBothTriplesSharingAHead(t *testing.T) {
	first := enginetypes.ForkchoiceStateV1{
		HeadBlockHash:      common.Hash{0x01},
		SafeBlockHash:      common.Hash{0x02},
		FinalizedBlockHash: common.Hash{0x03},
	}
	second := first
	second.SafeBlockHash = common.Hash{0xaa}

	fc, err := cache.NewForkchoiceCache(16, 8, 8, nil)
	if err != nil {
		t.Fatalf("NewForkchoiceCache: %v", err)
	}
	fc.Insert(first.Fingerprint(), cache.CachedForkchoice{State: first, Status: enginetypes.PayloadStatusV1{Status: enginetypes.StatusValid}})
	fc.Insert(second.Fingerprint(), cache.CachedForkchoice{State: second, Status: enginetypes.PayloadStatusV1{Status: enginetypes.StatusValid}})

	m := New(ModeExact, fc)
	if _, known, ok := m.Check(first); !known || !ok {
		t.Fatalf("expected the older triple to still match exactly, known=%v ok=%v", known, ok)
	}
	if _, known, ok := m.Check(second); !known || !ok {
		t.Fatalf("expected the newer triple to match exactly, known=%v ok=%v", known, ok)
	}
}

func TestMatcherLooseAcceptsIndependentlySeenSafeAndFinalized(t *testing.T) {
	seen := enginetypes.ForkchoiceStateV1{
		HeadBlockHash:      common.Hash{0x10},
		SafeBlockHash:      common.Hash{0x20},
		FinalizedBlockHash: common.Hash{0x30},
	}
	// A later head that reuses the same safe/finalized hashes.
	later := enginetypes.ForkchoiceStateV1{
		HeadBlockHash:      common.Hash{0x11},
		SafeBlockHash:      common.Hash{0x20},
		FinalizedBlockHash: common.Hash{0x30},
	}
	fc, err := cache.NewForkchoiceCache(16, 8, 8, nil)
	if err != nil {
		t.Fatalf("NewForkchoiceCache: %v", err)
	}
	fc.Insert(seen.Fingerprint(), cache.CachedForkchoice{State: seen, Status: enginetypes.PayloadStatusV1{Status: enginetypes.StatusValid}})
	fc.Insert(later.Fingerprint(), cache.CachedForkchoice{State: later, Status: enginetypes.PayloadStatusV1{Status: enginetypes.StatusValid}})

	m := New(ModeLoose, fc)
	_, known, ok := m.Check(enginetypes.ForkchoiceStateV1{
		HeadBlockHash:      common.Hash{0x11},
		SafeBlockHash:      common.Hash{0x20},
		FinalizedBlockHash: common.Hash{0x30},
	})
	if !known || !ok {
		t.Fatalf("expected loose match, known=%v ok=%v", known, ok)
	}
}

func TestMatcherLooseRejectsUnseenSafe(t *testing.T) {
	fc, err := cache.NewForkchoiceCache(16, 8, 8, nil)
	if err != nil {
		t.Fatalf("NewForkchoiceCache: %v", err)
	}
	state := enginetypes.ForkchoiceStateV1{HeadBlockHash: common.Hash{0x01}}
	fc.Insert(state.Fingerprint(), cache.CachedForkchoice{State: state})

	m := New(ModeLoose, fc)
	_, known, ok := m.Check(enginetypes.ForkchoiceStateV1{
		HeadBlockHash: common.Hash{0x01},
		SafeBlockHash: common.Hash{0xde, 0xad},
	})
	if !known {
		t.Fatal("head was seen so known should be true")
	}
	if ok {
		t.Fatal("never-seen safe hash must not match under loose mode")
	}
}

func TestMatcherHeadOnlyIgnoresSafeAndFinalized(t *testing.T) {
	fc, err := cache.NewForkchoiceCache(16, 8, 8, nil)
	if err != nil {
		t.Fatalf("NewForkchoiceCache: %v", err)
	}
	state := enginetypes.ForkchoiceStateV1{HeadBlockHash: common.Hash{0x01}}
	fc.Insert(state.Fingerprint(), cache.CachedForkchoice{State: state, Status: enginetypes.PayloadStatusV1{Status: enginetypes.StatusValid}})

	m := New(ModeHeadOnly, fc)
	_, known, ok := m.Check(enginetypes.ForkchoiceStateV1{
		HeadBlockHash:      common.Hash{0x01},
		SafeBlockHash:      common.Hash{0xaa},
		FinalizedBlockHash: common.Hash{0xbb},
	})
	if !known || !ok {
		t.Fatalf("head-only mode should match on head alone, known=%v ok=%v", known, ok)
	}
}

func TestParseMode(t *testing.T) {
	cases := map[string]Mode{
		"exact":     ModeExact,
		"loose":     ModeLoose,
		"head_only": ModeHeadOnly,
		"garbage":   ModeExact,
		"":          ModeExact,
	}
	for in, want := range cases {
		if got := ParseMode(in); got != want {
			t.Fatalf("ParseMode(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestModeString(t *testing.T) {
	if ModeExact.String() != "exact" {
		t.Fatal("unexpected String() for ModeExact")
	}
	if ModeLoose.String() != "loose" {
		t.Fatal("unexpected String() for ModeLoose")
	}
	if ModeHeadOnly.String() != "head_only" {
		t.Fatal("unexpected String() for ModeHeadOnly")
	}
}

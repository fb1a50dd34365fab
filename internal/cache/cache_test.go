package cache

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/sigp/eleel/internal/enginetypes"
)

type recordingNotifier struct {
	keys []string
}

func (r *recordingNotifier) Publish(key string) { r.keys = append(r.keys, key) }

func TestPayloadCacheGetMiss(t *testing.T) {
	c, err := NewPayloadCache(4, nil)
	if err != nil {
		t.Fatalf("NewPayloadCache: %v", err)
	}
	if _, ok := c.Get("missing"); ok {
		t.Fatal("expected miss for empty cache")
	}
}

func TestPayloadCacheInsertGet(t *testing.T) {
	n := &recordingNotifier{}
	c, err := NewPayloadCache(4, n)
	if err != nil {
		t.Fatalf("NewPayloadCache: %v", err)
	}
	v := CachedPayload{Status: enginetypes.PayloadStatusV1{Status: enginetypes.StatusValid}}
	c.Insert("k1", v)

	got, ok := c.Get("k1")
	if !ok {
		t.Fatal("expected hit")
	}
	if got.Status.Status != enginetypes.StatusValid {
		t.Fatalf("unexpected status %q", got.Status.Status)
	}
	if len(n.keys) != 1 || n.keys[0] != "k1" {
		t.Fatalf("expected notifier to be published once with k1, got %v", n.keys)
	}
}

func TestPayloadCacheEviction(t *testing.T) {
	c, err := NewPayloadCache(2, nil)
	if err != nil {
		t.Fatalf("NewPayloadCache: %v", err)
	}
	c.Insert("a", CachedPayload{})
	c.Insert("b", CachedPayload{})
	c.Insert("c", CachedPayload{})

	if c.Len() != 2 {
		t.Fatalf("expected len 2 after eviction, got %d", c.Len())
	}
	if _, ok := c.Get("a"); ok {
		t.Fatal("oldest entry should have been evicted")
	}
	if _, ok := c.Get("c"); !ok {
		t.Fatal("newest entry should be present")
	}
}

func TestForkchoiceCacheInsertGet(t *testing.T) {
	n := &recordingNotifier{}
	c, err := NewForkchoiceCache(8, 4, 4, n)
	if err != nil {
		t.Fatalf("NewForkchoiceCache: %v", err)
	}
	state := enginetypes.ForkchoiceStateV1{
		HeadBlockHash:      common.Hash{0x01},
		SafeBlockHash:      common.Hash{0x02},
		FinalizedBlockHash: common.Hash{0x03},
	}
	v := CachedForkchoice{State: state, Status: enginetypes.PayloadStatusV1{Status: enginetypes.StatusValid}}
	c.Insert(state.Fingerprint(), v)

	got, ok := c.Get(state.Fingerprint())
	if !ok {
		t.Fatal("expected hit")
	}
	if got.State.HeadBlockHash != state.HeadBlockHash {
		t.Fatal("round-tripped state mismatch")
	}
	if len(n.keys) != 2 {
		t.Fatalf("expected a fingerprint notification plus a head notification, got %v", n.keys)
	}
}

func TestForkchoiceCacheStatusTracksJustifiedAndFinalized(t *testing.T) {
	c, err := NewForkchoiceCache(8, 4, 4, nil)
	if err != nil {
		t.Fatalf("NewForkchoiceCache: %v", err)
	}
	state := enginetypes.ForkchoiceStateV1{
		HeadBlockHash:      common.Hash{0x10},
		SafeBlockHash:      common.Hash{0x11},
		FinalizedBlockHash: common.Hash{0x12},
	}
	c.Insert(state.Fingerprint(), CachedForkchoice{State: state})

	status := c.Status()
	if !status.IsJustified(state.SafeBlockHash) {
		t.Fatal("expected safe block hash to be tracked as justified")
	}
	if !status.IsFinalized(state.FinalizedBlockHash) {
		t.Fatal("expected finalized block hash to be tracked")
	}
	if status.LatestHead() != state.HeadBlockHash {
		t.Fatalf("expected latest head %s, got %s", state.HeadBlockHash, status.LatestHead())
	}
	if _, ok := status.ResponseForHead(state.HeadBlockHash); !ok {
		t.Fatal("expected head index to resolve the cached response")
	}
}

func TestForkchoiceCacheStatusJustifiedCapacity(t *testing.T) {
	c, err := NewForkchoiceCache(16, 2, 2, nil)
	if err != nil {
		t.Fatalf("NewForkchoiceCache: %v", err)
	}
	for i := byte(0); i < 4; i++ {
		state := enginetypes.ForkchoiceStateV1{
			HeadBlockHash: common.Hash{i},
			SafeBlockHash: common.Hash{i + 100},
		}
		c.Insert(state.Fingerprint(), CachedForkchoice{State: state})
	}
	status := c.Status()
	if status.IsJustified(common.Hash{100}) {
		t.Fatal("oldest justified hash should have been evicted from the bounded set")
	}
	if !status.IsJustified(common.Hash{103}) {
		t.Fatal("most recent justified hash should still be tracked")
	}
}

func TestHeadNumbersObserveKeepsMax(t *testing.T) {
	var h HeadNumbers
	h.Observe(5)
	h.Observe(3)
	h.Observe(9)
	if got := h.Latest(); got != 9 {
		t.Fatalf("expected latest 9, got %d", got)
	}
}

// Package cache implements the bounded, fingerprint-keyed response caches:
// one LRU for engine_newPayload results, one for engine_forkchoiceUpdated
// results, and the small rolling sets of justified/finalized block hashes
// and the most recently observed controller head that the consistency
// matcher consults.
//
// The cache never performs I/O and never blocks. On every successful
// insert it publishes the key to a Notifier so that followers suspended in
// internal/waiter wake up; the cache holds no reference back to the
// waiter beyond that one-method interface, so there is exactly one arrow
// (insert -> wake) and no cycle.
package cache

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/sigp/eleel/internal/enginetypes"
)

// Notifier is the narrow interface the cache uses to wake waiters. The
// waiter package satisfies it; the cache package does not import waiter.
type Notifier interface {
	Publish(key string)
}

// noopNotifier discards publications; used when no waiter is wired, e.g.
// in unit tests of the cache alone.
type noopNotifier struct{}

func (noopNotifier) Publish(string) {}

// CachedPayload is the verbatim controller response to an
// engine_newPayload* call, keyed by fingerprint.NewPayload.
type CachedPayload struct {
	Status     enginetypes.PayloadStatusV1
	Variant    enginetypes.Variant
	InsertedAt time.Time
}

// CachedForkchoice is the verbatim controller response to an
// engine_forkchoiceUpdated* call, keyed by fingerprint.ForkchoiceUpdated.
type CachedForkchoice struct {
	State      enginetypes.ForkchoiceStateV1
	Status     enginetypes.PayloadStatusV1
	Variant    enginetypes.Variant
	InsertedAt time.Time
}

// PayloadCache is the bounded LRU backing engine_newPayload responses.
type PayloadCache struct {
	mu       sync.RWMutex
	entries  *lru.Cache[string, CachedPayload]
	notifier Notifier
}

// NewPayloadCache creates a PayloadCache with the given capacity. Capacity
// must be positive; zero-capacity caches are a Fatal startup error
// (validated by internal/config, not here).
func NewPayloadCache(capacity int, notifier Notifier) (*PayloadCache, error) {
	c, err := lru.New[string, CachedPayload](capacity)
	if err != nil {
		return nil, err
	}
	if notifier == nil {
		notifier = noopNotifier{}
	}
	return &PayloadCache{entries: c, notifier: notifier}, nil
}

// Get returns the cached response for key, if any.
func (p *PayloadCache) Get(key string) (CachedPayload, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.entries.Get(key)
}

// Insert records a controller response, overwriting any earlier entry for
// the same key, evicting the LRU entry if the cache is full, and waking
// any waiters subscribed to key.
func (p *PayloadCache) Insert(key string, v CachedPayload) {
	p.mu.Lock()
	p.entries.Add(key, v)
	p.mu.Unlock()
	p.notifier.Publish(key)
}

// Len reports current occupancy, for metrics and capacity invariant tests.
func (p *PayloadCache) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.entries.Len()
}

// ForkchoiceCache is the bounded LRU backing engine_forkchoiceUpdated
// responses, plus the block-status sets the matcher uses for loose/
// head-only relaxation.
type ForkchoiceCache struct {
	mu       sync.RWMutex
	entries  *lru.Cache[string, CachedForkchoice]
	notifier Notifier
	status   *BlockStatus
}

// NewForkchoiceCache creates a ForkchoiceCache. justifiedCap/finalizedCap
// size the rolling justified/finalized hash sets (spec default: 4).
func NewForkchoiceCache(capacity, justifiedCap, finalizedCap int, notifier Notifier) (*ForkchoiceCache, error) {
	c, err := lru.New[string, CachedForkchoice](capacity)
	if err != nil {
		return nil, err
	}
	status, err := newBlockStatus(justifiedCap, finalizedCap, capacity)
	if err != nil {
		return nil, err
	}
	if notifier == nil {
		notifier = noopNotifier{}
	}
	return &ForkchoiceCache{entries: c, notifier: notifier, status: status}, nil
}

// Get returns the cached response for the exact (head, safe, finalized[,
// attrs]) fingerprint, if any.
func (f *ForkchoiceCache) Get(key string) (CachedForkchoice, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.entries.Get(key)
}

// Insert records a controller forkchoiceUpdated response and folds the
// triple into the block-status sets before waking waiters on key. It also
// wakes waiters subscribed to HeadWaitKey(head), since the consistency
// matcher's loose/head-only modes accept a follower triple that never
// matches a cache key exactly but whose head has just become known.
func (f *ForkchoiceCache) Insert(key string, v CachedForkchoice) {
	f.mu.Lock()
	f.entries.Add(key, v)
	f.mu.Unlock()
	f.status.observe(v)
	f.notifier.Publish(key)
	f.notifier.Publish(HeadWaitKey(v.State.HeadBlockHash))
}

// HeadWaitKey is the waiter subscription key a follower should use when
// suspending on a forkchoiceUpdated call under the matcher, rather than
// the raw fingerprint, since the matcher may accept a response cached
// under a different (safe, finalized) pairing than the follower asked
// for.
func HeadWaitKey(head common.Hash) string {
	return "head:" + head.Hex()
}

// Len reports current occupancy.
func (f *ForkchoiceCache) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.entries.Len()
}

// Status exposes the block-status sets for the consistency matcher.
func (f *ForkchoiceCache) Status() *BlockStatus { return f.status }

// BlockStatus tracks recently seen justified/finalized block hashes and
// the controller heads observed so far, driving the loose and head-only
// consistency-matcher modes.
type BlockStatus struct {
	mu         sync.Mutex
	justified  *lru.Cache[common.Hash, struct{}]
	finalized  *lru.Cache[common.Hash, struct{}]
	headIndex  *lru.Cache[common.Hash, CachedForkchoice]
	latestHead common.Hash
}

func newBlockStatus(justifiedCap, finalizedCap, headCap int) (*BlockStatus, error) {
	j, err := lru.New[common.Hash, struct{}](justifiedCap)
	if err != nil {
		return nil, err
	}
	fz, err := lru.New[common.Hash, struct{}](finalizedCap)
	if err != nil {
		return nil, err
	}
	h, err := lru.New[common.Hash, CachedForkchoice](headCap)
	if err != nil {
		return nil, err
	}
	return &BlockStatus{justified: j, finalized: fz, headIndex: h}, nil
}

func (b *BlockStatus) observe(v CachedForkchoice) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if v.State.SafeBlockHash != (common.Hash{}) {
		b.justified.Add(v.State.SafeBlockHash, struct{}{})
	}
	if v.State.FinalizedBlockHash != (common.Hash{}) {
		b.finalized.Add(v.State.FinalizedBlockHash, struct{}{})
	}
	b.headIndex.Add(v.State.HeadBlockHash, v)
	b.latestHead = v.State.HeadBlockHash
}

// IsJustified reports whether hash was recently seen as a controller safe
// block hash.
func (b *BlockStatus) IsJustified(hash common.Hash) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.justified.Contains(hash)
}

// IsFinalized reports whether hash was recently seen as a controller
// finalized block hash.
func (b *BlockStatus) IsFinalized(hash common.Hash) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.finalized.Contains(hash)
}

// LatestHead returns the most recently observed controller head.
func (b *BlockStatus) LatestHead() common.Hash {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latestHead
}

// ResponseForHead returns the most recent cached controller response whose
// head matches hash, if the head has been seen.
func (b *BlockStatus) ResponseForHead(hash common.Hash) (CachedForkchoice, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.headIndex.Get(hash)
}

// HeadNumbers tracks the highest execution block number the cache has seen
// from a VALID controller newPayload response, independent of the
// forkchoice head hash tracking above; it drives the newPayload waiter's
// staleness cutoff.
type HeadNumbers struct {
	mu     sync.Mutex
	latest uint64
}

// Observe records a newly seen block number if it is higher than any seen
// so far.
func (h *HeadNumbers) Observe(number uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if number > h.latest {
		h.latest = number
	}
}

// Latest returns the highest block number observed so far.
func (h *HeadNumbers) Latest() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.latest
}

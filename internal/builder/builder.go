// Package builder implements component C6, the dummy payload-builder
// state machine that serves engine_forkchoiceUpdated calls carrying
// payloadAttributes and the engine_getPayload*/engine_newPayload* calls
// that follow. It never contacts a real engine: every payload it ever
// returns is fabricated from the attributes it was given and is invalid
// against chain state, by design, since eleel is a multiplexer and never
// executes transactions.
package builder

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/sigp/eleel/internal/enginetypes"
)

// ErrUnknownPayload is returned by GetPayload when the id was never
// allocated or has since been evicted, surfaced by the router as the
// Engine API's -38001 UnknownPayload error.
var ErrUnknownPayload = errors.New("builder: unknown payload id")

// state is the BuildRecord's position in the Prepared -> Delivered
// lifecycle.
type state int

const (
	statePrepared state = iota
	stateDelivered
)

// BuildRecord holds everything needed to materialise a dummy payload on
// demand, plus the materialised payload itself once delivered so repeat
// engine_getPayload calls are idempotent.
type BuildRecord struct {
	mu      sync.Mutex
	state   state
	attrs   *enginetypes.PayloadAttributes
	parent  enginetypes.ParentContext
	payload *enginetypes.ExecutionPayload
}

// Builder is the process-wide singleton build-record state: an LRU from
// payload id to BuildRecord, a monotonic counter, and an index from the
// block hash of every payload this process ever built to its record, so
// that a later engine_newPayload for that hash can be recognised as an
// echo of eleel's own work. Recency is driven by the
// golang-lru/v2 Cache itself: both StartBuild's Add and GetPayload's Get
// touch an entry's recency, so a record that keeps being polled for its
// payload survives capacity pressure longer than one nobody has asked
// about since it was prepared.
type Builder struct {
	mu        sync.RWMutex
	records   *lru.Cache[enginetypes.PayloadID, *BuildRecord]
	byHash    map[common.Hash]*BuildRecord
	counter   uint64
	extraData string
}

// New creates a Builder. capacity bounds how many BuildRecords are kept
// before the least-recently-used is evicted; extraData is the configured
// extra_data string stamped into every payload this process builds.
func New(capacity int, extraData string) *Builder {
	if capacity <= 0 {
		capacity = 256
	}
	b := &Builder{
		byHash:    make(map[common.Hash]*BuildRecord, capacity),
		extraData: extraData,
	}
	records, err := lru.NewWithEvict(capacity, b.onEvict)
	if err != nil {
		// capacity is validated positive above; NewWithEvict only errors on
		// a non-positive size.
		records, _ = lru.New[enginetypes.PayloadID, *BuildRecord](256)
	}
	b.records = records
	return b
}

// onEvict drops the byHash entry for a BuildRecord the LRU has just
// evicted, so LookupByHash never serves a payload its own record no
// longer exists to back. It runs synchronously inside Add/Get, on the
// goroutine that already holds b.mu, so it must not try to acquire it
// again; only rec's own lock is taken here.
func (b *Builder) onEvict(_ enginetypes.PayloadID, rec *BuildRecord) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.payload != nil {
		delete(b.byHash, rec.payload.BlockHash)
	}
}

// StartBuild allocates a fresh payload id and a Prepared BuildRecord for
// attrs anchored at parent, evicting the least-recently-used record if the
// builder is at capacity. It never forwards attrs anywhere; the caller is
// responsible for forwarding the bare forkchoice state to the primary
// engine separately.
func (b *Builder) StartBuild(attrs *enginetypes.PayloadAttributes, parent enginetypes.ParentContext) enginetypes.PayloadID {
	id := enginetypes.NewPayloadID(atomic.AddUint64(&b.counter, 1))
	rec := &BuildRecord{state: statePrepared, attrs: attrs, parent: parent}

	b.mu.Lock()
	b.records.Add(id, rec)
	b.mu.Unlock()
	return id
}

// GetPayload materialises (on first call) or returns (on repeat calls)
// the dummy execution payload for id, transitioning its record from
// Prepared to Delivered and refreshing its LRU recency.
func (b *Builder) GetPayload(id enginetypes.PayloadID) (*enginetypes.ExecutionPayload, error) {
	b.mu.Lock()
	rec, ok := b.records.Get(id)
	b.mu.Unlock()
	if !ok {
		return nil, ErrUnknownPayload
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.state == stateDelivered {
		return rec.payload, nil
	}

	payload, err := rec.attrs.Materialize(rec.parent, b.extraData)
	if err != nil {
		return nil, err
	}
	rec.payload = payload
	rec.state = stateDelivered

	b.mu.Lock()
	b.byHash[payload.BlockHash] = rec
	b.mu.Unlock()

	return payload, nil
}

// LookupByHash reports whether hash belongs to a payload this process
// built, and if so, returns it. Used to serve the newPayload echo
// short-circuit without contacting the primary engine.
func (b *Builder) LookupByHash(hash common.Hash) (*enginetypes.ExecutionPayload, bool) {
	b.mu.RLock()
	rec, ok := b.byHash[hash]
	b.mu.RUnlock()
	if !ok {
		return nil, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.payload == nil {
		return nil, false
	}
	return rec.payload, true
}

// Len reports how many BuildRecords are currently live, for metrics.
func (b *Builder) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.records.Len()
}

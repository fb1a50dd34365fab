// Package router implements component C7: classifying each JSON-RPC
// request by method, dispatching it to the right component for the
// caller's role, and assembling responses (including batches) in the
// shape the HTTP surface can write straight back to the caller.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/sigp/eleel/internal/auth"
	"github.com/sigp/eleel/internal/builder"
	"github.com/sigp/eleel/internal/cache"
	"github.com/sigp/eleel/internal/engineclient"
	"github.com/sigp/eleel/internal/enginetypes"
	"github.com/sigp/eleel/internal/fingerprint"
	"github.com/sigp/eleel/internal/jsonrpc"
	"github.com/sigp/eleel/internal/matcher"
	"github.com/sigp/eleel/internal/metrics"
	"github.com/sigp/eleel/internal/waiter"
)

func roleLabel(role auth.Role) string {
	if role == auth.RoleController {
		return "controller"
	}
	return "follower"
}

// Timing bundles the configured suspension knobs.
type Timing struct {
	NewPayloadWait       time.Duration
	ForkchoiceWait       time.Duration
	NewPayloadWaitCutoff uint64
}

// Router is the process-wide C7 singleton. It holds shared references to
// every other component; it owns no cache state of its own beyond the
// small parent-context index newPayload observations feed into the
// builder.
type Router struct {
	engine      *engineclient.Client
	newPayloads *cache.PayloadCache
	fcu         *cache.ForkchoiceCache
	hub         *waiter.Hub
	match       *matcher.Matcher
	build       *builder.Builder
	heads       *cache.HeadNumbers
	timing      Timing

	mu      sync.Mutex
	parents map[common.Hash]parentInfo

	upstream sync.Mutex
	lastOK   bool
	lastSeen time.Time
}

type parentInfo struct {
	number   uint64
	gasLimit uint64
	baseFee  *big.Int
}

const (
	defaultGasLimit = uint64(30_000_000)
)

var defaultBaseFee = big.NewInt(1_000_000_000)

// New creates a Router wired to the given singletons.
func New(engine *engineclient.Client, newPayloads *cache.PayloadCache, fcu *cache.ForkchoiceCache, hub *waiter.Hub, match *matcher.Matcher, build *builder.Builder, heads *cache.HeadNumbers, timing Timing) *Router {
	return &Router{
		engine:      engine,
		newPayloads: newPayloads,
		fcu:         fcu,
		hub:         hub,
		match:       match,
		build:       build,
		heads:       heads,
		timing:      timing,
		parents:     make(map[common.Hash]parentInfo),
	}
}

// Dispatch handles a single JSON-RPC request for a caller authenticated
// as role. It never returns an error itself: every failure mode is
// represented as a jsonrpc.Response so the caller always gets back a
// well-formed JSON-RPC envelope.
func (r *Router) Dispatch(ctx context.Context, role auth.Role, req jsonrpc.Request) jsonrpc.Response {
	if req.Version != "2.0" {
		return jsonrpc.NewError(req.ID, jsonrpc.InvalidRequestCode, "jsonrpc version must be \"2.0\"")
	}

	var params []json.RawMessage
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return jsonrpc.NewError(req.ID, jsonrpc.InvalidParamsCode, "params must be an array")
		}
	}

	switch {
	case strings.HasPrefix(req.Method, "engine_newPayload"):
		return r.handleNewPayload(ctx, role, req.ID, req.Method, params)
	case strings.HasPrefix(req.Method, "engine_forkchoiceUpdated"):
		return r.handleForkchoiceUpdated(ctx, role, req.ID, req.Method, params)
	case strings.HasPrefix(req.Method, "engine_getPayload") && !strings.HasPrefix(req.Method, "engine_getPayloadBodiesBy"):
		return r.handleGetPayload(ctx, req.ID, req.Method, params)
	case req.Method == "engine_exchangeCapabilities":
		return r.handleExchangeCapabilities(ctx, req.ID, params)
	case req.Method == "engine_exchangeTransitionConfigurationV1",
		strings.HasPrefix(req.Method, "engine_getPayloadBodiesBy"):
		return r.forward(ctx, req.ID, req.Method, params)
	case strings.HasPrefix(req.Method, "eth_"), strings.HasPrefix(req.Method, "net_"), strings.HasPrefix(req.Method, "web3_"):
		return r.forward(ctx, req.ID, req.Method, params)
	default:
		return jsonrpc.NewError(req.ID, jsonrpc.MethodNotFoundCode, fmt.Sprintf("method not found: %s", req.Method))
	}
}

// DispatchBatch handles a batch of requests, running each independently
// and reassembling the results in input order. Notifications produce no
// response element.
func (r *Router) DispatchBatch(ctx context.Context, role auth.Role, reqs []jsonrpc.Request) []jsonrpc.Response {
	results := make([]jsonrpc.Response, len(reqs))
	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req jsonrpc.Request) {
			defer wg.Done()
			results[i] = r.Dispatch(ctx, role, req)
		}(i, req)
	}
	wg.Wait()

	out := make([]jsonrpc.Response, 0, len(reqs))
	for i, req := range reqs {
		if req.IsNotification() {
			continue
		}
		out = append(out, results[i])
	}
	return out
}

func (r *Router) forward(ctx context.Context, id json.RawMessage, method string, params []json.RawMessage) jsonrpc.Response {
	args := make([]any, len(params))
	for i, p := range params {
		args[i] = p
	}
	result, err := r.engine.Forward(ctx, method, args)
	r.recordUpstream(err == nil)
	if err != nil {
		return upstreamError(id, err)
	}
	return jsonrpc.NewResult(id, result)
}

func upstreamError(id json.RawMessage, err error) jsonrpc.Response {
	return jsonrpc.NewError(id, jsonrpc.InternalErrorCode, fmt.Sprintf("upstream error: %v", err))
}

// recordUpstream notes whether the most recent call to the controller
// engine succeeded, for the /health endpoint.
func (r *Router) recordUpstream(ok bool) {
	r.upstream.Lock()
	defer r.upstream.Unlock()
	r.lastOK = ok
	r.lastSeen = time.Now()
}

// EngineHealthy reports whether the most recent call to the controller
// engine succeeded, and when that call was made. ok is true and lastSeen
// is zero if no call has been made yet.
func (r *Router) EngineHealthy() (ok bool, lastSeen time.Time) {
	r.upstream.Lock()
	defer r.upstream.Unlock()
	if r.lastSeen.IsZero() {
		return true, time.Time{}
	}
	return r.lastOK, r.lastSeen
}

// --- engine_newPayload ---

func (r *Router) handleNewPayload(ctx context.Context, role auth.Role, id json.RawMessage, method string, params []json.RawMessage) jsonrpc.Response {
	if len(params) == 0 {
		return jsonrpc.NewError(id, jsonrpc.InvalidParamsCode, "missing executionPayload")
	}
	var payload enginetypes.ExecutionPayload
	if err := json.Unmarshal(params[0], &payload); err != nil {
		return jsonrpc.NewError(id, jsonrpc.InvalidParamsCode, "malformed executionPayload")
	}
	payload.Variant = variantForMethod(method, payload.Variant)
	r.recordParent(&payload)

	roleTag := roleLabel(role)

	if built, ok := r.build.LookupByHash(payload.BlockHash); ok {
		metrics.NewPayloadTotal.WithLabelValues(roleTag, "echo_short_circuit").Inc()
		status := enginetypes.PayloadStatusV1{Status: enginetypes.StatusValid, LatestValidHash: &built.BlockHash}
		return jsonrpc.NewResult(id, status)
	}

	key := fingerprint.NewPayload(&payload)

	if role == auth.RoleController {
		start := time.Now()
		status, err := r.engine.NewPayload(ctx, method, &payload, extraArgs(params)...)
		metrics.UpstreamRequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
		r.recordUpstream(err == nil)
		if err != nil {
			metrics.UpstreamErrorsTotal.WithLabelValues(upstreamErrorKind(err)).Inc()
			return upstreamError(id, err)
		}
		r.newPayloads.Insert(key, cache.CachedPayload{Status: status, Variant: payload.Variant, InsertedAt: time.Now()})
		metrics.CacheSize.WithLabelValues("new_payload").Set(float64(r.newPayloads.Len()))
		if status.Status == enginetypes.StatusValid {
			r.heads.Observe(payload.BlockNumber)
			metrics.HeadBlockNumber.Set(float64(r.heads.Latest()))
		}
		metrics.NewPayloadTotal.WithLabelValues(roleTag, "forwarded").Inc()
		return jsonrpc.NewResult(id, status)
	}

	if cached, ok := r.newPayloads.Get(key); ok {
		metrics.NewPayloadTotal.WithLabelValues(roleTag, "cache_hit").Inc()
		return jsonrpc.NewResult(id, cached.Status)
	}

	if !(waiter.Eligibility{LatestHead: r.heads.Latest, WaitCutoff: r.timing.NewPayloadWaitCutoff}).ShouldWaitForNewPayload(payload.BlockNumber) {
		metrics.NewPayloadTotal.WithLabelValues(roleTag, "synthesized_syncing").Inc()
		return jsonrpc.NewResult(id, enginetypes.Syncing())
	}

	lookup := func(k string) (enginetypes.PayloadStatusV1, bool) {
		v, ok := r.newPayloads.Get(k)
		return v.Status, ok
	}
	waitStart := time.Now()
	status, ok := waiter.Wait(ctx, r.hub, key, r.timing.NewPayloadWait, lookup)
	metrics.WaiterSuspendDuration.Observe(time.Since(waitStart).Seconds())
	if !ok {
		metrics.WaiterWakeTotal.WithLabelValues("new_payload", "timeout").Inc()
		metrics.NewPayloadTotal.WithLabelValues(roleTag, "synthesized_syncing").Inc()
		return jsonrpc.NewResult(id, enginetypes.Syncing())
	}
	metrics.WaiterWakeTotal.WithLabelValues("new_payload", "woken").Inc()
	metrics.NewPayloadTotal.WithLabelValues(roleTag, "woken").Inc()
	return jsonrpc.NewResult(id, status)
}

// upstreamErrorKind classifies a forwarded-call failure for the
// eleel_upstream_errors_total metric: a transport failure never reached
// the engine, while any other error carries a JSON-RPC error response back.
func upstreamErrorKind(err error) string {
	if engineclient.IsTransport(err) {
		return "transport"
	}
	return "rpc"
}

// extraArgs recovers the trailing arguments of an engine_newPayload call
// (versioned hashes, parent beacon block root, execution requests) beyond
// the executionPayload itself, to be forwarded verbatim.
func extraArgs(params []json.RawMessage) []any {
	if len(params) <= 1 {
		return nil
	}
	out := make([]any, len(params)-1)
	for i, p := range params[1:] {
		out[i] = p
	}
	return out
}

func (r *Router) recordParent(p *enginetypes.ExecutionPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	baseFee := p.BaseFeePerGas
	if baseFee == nil {
		baseFee = defaultBaseFee
	}
	r.parents[p.BlockHash] = parentInfo{number: p.BlockNumber, gasLimit: p.GasLimit, baseFee: baseFee}
}

func (r *Router) parentContext(head common.Hash) enginetypes.ParentContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.parents[head]; ok {
		return enginetypes.ParentContext{Hash: head, Number: info.number, GasLimit: info.gasLimit, BaseFee: info.baseFee}
	}
	return enginetypes.ParentContext{Hash: head, Number: 0, GasLimit: defaultGasLimit, BaseFee: defaultBaseFee}
}

// --- engine_forkchoiceUpdated ---

func (r *Router) handleForkchoiceUpdated(ctx context.Context, role auth.Role, id json.RawMessage, method string, params []json.RawMessage) jsonrpc.Response {
	if len(params) == 0 {
		return jsonrpc.NewError(id, jsonrpc.InvalidParamsCode, "missing forkchoiceState")
	}
	var state enginetypes.ForkchoiceStateV1
	if err := json.Unmarshal(params[0], &state); err != nil {
		return jsonrpc.NewError(id, jsonrpc.InvalidParamsCode, "malformed forkchoiceState")
	}

	var attrs *enginetypes.PayloadAttributes
	if len(params) > 1 && len(params[1]) > 0 && string(params[1]) != "null" {
		var a enginetypes.PayloadAttributes
		if err := json.Unmarshal(params[1], &a); err != nil {
			return jsonrpc.NewError(id, jsonrpc.InvalidParamsCode, "malformed payloadAttributes")
		}
		a.Variant = variantForMethod(method, a.Variant)
		attrs = &a
	}

	roleTag := roleLabel(role)

	if attrs != nil {
		payloadID := r.build.StartBuild(attrs, r.parentContext(state.HeadBlockHash))
		metrics.BuilderRecords.Set(float64(r.build.Len()))
		if role == auth.RoleController {
			// The primary engine must keep tracking the controller's head,
			// but it never sees the attributes: they are eleel's own
			// fabrication, never the controller's real building intent.
			start := time.Now()
			_, err := r.engine.ForkchoiceUpdated(ctx, method, state, nil)
			metrics.UpstreamRequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
			r.recordUpstream(err == nil)
			if err != nil {
				metrics.UpstreamErrorsTotal.WithLabelValues(upstreamErrorKind(err)).Inc()
				return upstreamError(id, err)
			}
		}
		metrics.ForkchoiceUpdatedTotal.WithLabelValues(roleTag, "registered_build").Inc()
		resp := enginetypes.ForkChoiceResponse{
			PayloadStatus: enginetypes.PayloadStatusV1{Status: enginetypes.StatusValid},
			PayloadID:     &payloadID,
		}
		return jsonrpc.NewResult(id, resp)
	}

	key := fingerprint.ForkchoiceUpdated(state, nil)

	if role == auth.RoleController {
		start := time.Now()
		resp, err := r.engine.ForkchoiceUpdated(ctx, method, state, nil)
		metrics.UpstreamRequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
		r.recordUpstream(err == nil)
		if err != nil {
			metrics.UpstreamErrorsTotal.WithLabelValues(upstreamErrorKind(err)).Inc()
			return upstreamError(id, err)
		}
		r.fcu.Insert(key, cache.CachedForkchoice{State: state, Status: resp.PayloadStatus, InsertedAt: time.Now()})
		metrics.CacheSize.WithLabelValues("forkchoice").Set(float64(r.fcu.Len()))
		metrics.ForkchoiceUpdatedTotal.WithLabelValues(roleTag, "forwarded").Inc()
		return jsonrpc.NewResult(id, resp)
	}

	status, known, ok := r.match.Check(state)
	if known && ok {
		metrics.ForkchoiceUpdatedTotal.WithLabelValues(roleTag, "consistent").Inc()
		return jsonrpc.NewResult(id, enginetypes.ForkChoiceResponse{PayloadStatus: status})
	}

	waitKey := cache.HeadWaitKey(state.HeadBlockHash)
	lookup := func(string) (enginetypes.PayloadStatusV1, bool) {
		s, k, o := r.match.Check(state)
		return s, k && o
	}
	waitStart := time.Now()
	status, ok = waiter.Wait(ctx, r.hub, waitKey, r.timing.ForkchoiceWait, lookup)
	metrics.WaiterSuspendDuration.Observe(time.Since(waitStart).Seconds())
	if !ok {
		metrics.WaiterWakeTotal.WithLabelValues("forkchoice_updated", "timeout").Inc()
		metrics.ForkchoiceUpdatedTotal.WithLabelValues(roleTag, "synthesized_syncing").Inc()
		status = enginetypes.Syncing()
	} else {
		metrics.WaiterWakeTotal.WithLabelValues("forkchoice_updated", "woken").Inc()
		metrics.ForkchoiceUpdatedTotal.WithLabelValues(roleTag, "woken").Inc()
	}
	return jsonrpc.NewResult(id, enginetypes.ForkChoiceResponse{PayloadStatus: status})
}

// --- engine_getPayload ---

// getPayloadResult is the Engine API's envelope for engine_getPayload
// from V2 onward: the payload plus its claimed block value and, from
// Cancun on, a blobs bundle (always empty here, since the dummy builder
// never attaches blobs) and shouldOverrideBuilder.
type getPayloadResult struct {
	ExecutionPayload      *enginetypes.ExecutionPayload `json:"executionPayload"`
	BlockValue            string                        `json:"blockValue"`
	BlobsBundle           *blobsBundle                  `json:"blobsBundle,omitempty"`
	ShouldOverrideBuilder bool                          `json:"shouldOverrideBuilder,omitempty"`
	ExecutionRequests     []string                      `json:"executionRequests,omitempty"`
}

type blobsBundle struct {
	Commitments []string `json:"commitments"`
	Proofs      []string `json:"proofs"`
	Blobs       []string `json:"blobs"`
}

// handleExchangeCapabilities answers engine_exchangeCapabilities from the
// controller's own advertised capability list, rather than forwarding
// blindly: a follower asking this of eleel is asking what eleel itself
// speaks, and eleel always speaks whatever its controller speaks.
func (r *Router) handleExchangeCapabilities(ctx context.Context, id json.RawMessage, params []json.RawMessage) jsonrpc.Response {
	var requested []string
	if len(params) > 0 {
		if err := json.Unmarshal(params[0], &requested); err != nil {
			return jsonrpc.NewError(id, jsonrpc.InvalidParamsCode, "malformed capabilities list")
		}
	}
	supported, err := r.engine.ExchangeCapabilities(ctx, requested)
	r.recordUpstream(err == nil)
	if err != nil {
		return upstreamError(id, err)
	}
	return jsonrpc.NewResult(id, supported)
}

func (r *Router) handleGetPayload(ctx context.Context, id json.RawMessage, method string, params []json.RawMessage) jsonrpc.Response {
	if len(params) == 0 {
		return jsonrpc.NewError(id, jsonrpc.InvalidParamsCode, "missing payloadId")
	}
	var pid enginetypes.PayloadID
	if err := json.Unmarshal(params[0], &pid); err != nil {
		return jsonrpc.NewError(id, jsonrpc.InvalidParamsCode, "malformed payloadId")
	}

	payload, err := r.build.GetPayload(pid)
	if err != nil {
		if errors.Is(err, builder.ErrUnknownPayload) {
			metrics.GetPayloadTotal.WithLabelValues("unknown_payload").Inc()
			return jsonrpc.NewError(id, jsonrpc.UnknownPayloadCode, "unknown payload")
		}
		metrics.GetPayloadTotal.WithLabelValues("error").Inc()
		return upstreamError(id, err)
	}
	metrics.GetPayloadTotal.WithLabelValues("ok").Inc()
	metrics.BuilderRecords.Set(float64(r.build.Len()))

	if methodVersion(method) == 1 {
		return jsonrpc.NewResult(id, payload)
	}

	result := getPayloadResult{ExecutionPayload: payload, BlockValue: "0x0"}
	if payload.Variant >= enginetypes.VariantCancun {
		result.BlobsBundle = &blobsBundle{Commitments: []string{}, Proofs: []string{}, Blobs: []string{}}
	}
	if payload.Variant >= enginetypes.VariantPrague {
		result.ExecutionRequests = []string{}
	}
	return jsonrpc.NewResult(id, result)
}

// variantForMethod resolves the fork variant from the method's version
// suffix when it disambiguates more precisely than field-presence
// inference did (e.g. newPayloadV2 pre-Shanghai vs with withdrawals looks
// identical from the wire shape alone in some malformed inputs).
func variantForMethod(method string, inferred enginetypes.Variant) enginetypes.Variant {
	switch methodVersion(method) {
	case 1:
		return enginetypes.VariantParis
	case 2:
		if inferred == enginetypes.VariantUnknown || inferred == enginetypes.VariantParis {
			return enginetypes.VariantShanghai
		}
		return inferred
	case 3:
		return enginetypes.VariantCancun
	case 4:
		return enginetypes.VariantPrague
	default:
		return inferred
	}
}

func methodVersion(method string) int {
	idx := strings.LastIndex(method, "V")
	if idx < 0 || idx == len(method)-1 {
		return 0
	}
	n := 0
	for _, c := range method[idx+1:] {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}

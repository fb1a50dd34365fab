// Package httpapi implements component C8: the HTTP surface that accepts
// Engine API and generic JSON-RPC traffic from the controller and its
// followers, authenticates every request, and hands it to the router.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/sigp/eleel/internal/auth"
	"github.com/sigp/eleel/internal/jsonrpc"
	"github.com/sigp/eleel/internal/metrics"
	"github.com/sigp/eleel/internal/router"
)

// defaultBodyLimitBytes is used when New is given a non-positive limit. A
// real executionPayload with a full block of transactions can run into
// the low megabytes; this leaves generous headroom while still rejecting
// obviously abusive bodies before they are fully buffered.
const defaultBodyLimitBytes = 32 << 20

// Server is the process-wide C8 singleton: one net/http server exposing
// three routes over the same router and verifier.
//
//   - "/canonical" is reserved for the controller; a follower token
//     presented here is rejected rather than silently downgraded, since a
//     misconfigured follower pointed at the wrong URL must fail loudly.
//   - "/" accepts both controller and follower tokens, the role coming
//     from whichever secret the bearer token matches.
//   - "/health" reports liveness without requiring authentication, for
//     container orchestration probes.
type Server struct {
	verify    *auth.Verifier
	route     *router.Router
	log       log.Logger
	startedAt time.Time
	bodyLimit int64

	mu       sync.Mutex
	listener net.Listener
	http     *http.Server
}

// New creates a Server. verify authenticates every request on
// "/canonical" and "/"; route dispatches authenticated requests.
// bodyLimitBytes is the configured body_limit_mb; a non-positive value
// falls back to defaultBodyLimitBytes.
func New(verify *auth.Verifier, route *router.Router, bodyLimitBytes int64) *Server {
	if bodyLimitBytes <= 0 {
		bodyLimitBytes = defaultBodyLimitBytes
	}
	return &Server{verify: verify, route: route, log: log.New("component", "httpapi"), startedAt: time.Now(), bodyLimit: bodyLimitBytes}
}

// Start binds addr and serves until the process calls Stop, or the
// listener fails. It blocks, like net/http.Server.Serve; callers
// typically run it in its own goroutine.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("httpapi: listen %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/canonical", s.handleCanonical)
	mux.HandleFunc("/", s.handleGeneral)
	mux.HandleFunc("/health", s.handleHealth)

	s.mu.Lock()
	s.listener = ln
	s.http = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	s.mu.Unlock()

	s.log.Info("httpapi listening", "addr", ln.Addr())
	if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("httpapi: serve: %w", err)
	}
	return nil
}

// Addr returns the bound listener address, useful when Start was given
// port 0.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop gracefully shuts the server down, letting in-flight requests
// (including followers suspended in the waiter) drain up to ctx's
// deadline.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// authFailureReason maps a Verify error to a low-cardinality label for the
// eleel_auth_failures_total metric.
func authFailureReason(err error) string {
	switch {
	case errors.Is(err, auth.ErrNoCredentials):
		return "no_credentials"
	case errors.Is(err, auth.ErrUnknownSecret):
		return "unknown_secret"
	case errors.Is(err, auth.ErrInvalidToken):
		return "invalid_token"
	default:
		return "other"
	}
}

// healthReport is the /health response body. The HTTP status is always
// 200: an unreachable controller means followers should keep retrying,
// not that the proxy process itself is down.
type healthReport struct {
	Status           string `json:"status"`
	UptimeSeconds    int64  `json:"uptime_seconds"`
	EngineReachable  bool   `json:"engine_reachable"`
	EngineLastSeenAt *int64 `json:"engine_last_seen_unix,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ok, lastSeen := s.route.EngineHealthy()
	report := healthReport{
		Status:          "ok",
		UptimeSeconds:   int64(time.Since(s.startedAt).Seconds()),
		EngineReachable: ok,
	}
	if !lastSeen.IsZero() {
		t := lastSeen.Unix()
		report.EngineLastSeenAt = &t
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}

// handleCanonical is the controller-only route; any caller whose token
// does not resolve to auth.RoleController is rejected here rather than
// downgraded to follower treatment, since serving a misrouted follower as
// if it were the controller would poison the cache with untrusted data.
func (s *Server) handleCanonical(w http.ResponseWriter, r *http.Request) {
	role, _, err := s.authenticate(w, r)
	if err != nil {
		return
	}
	if role != auth.RoleController {
		http.Error(w, "unauthorized: /canonical accepts only the controller's token", http.StatusUnauthorized)
		return
	}
	s.serve(w, r, role)
}

func (s *Server) handleGeneral(w http.ResponseWriter, r *http.Request) {
	role, _, err := s.authenticate(w, r)
	if err != nil {
		return
	}
	s.serve(w, r, role)
}

// authenticate writes an HTTP-level error response and returns a non-nil
// error if the caller's bearer token does not verify; callers must stop
// processing the request when err is non-nil.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (auth.Role, string, error) {
	role, name, err := s.verify.Verify(r.Header.Get("Authorization"))
	if err != nil {
		metrics.AuthFailuresTotal.WithLabelValues(authFailureReason(err)).Inc()
		http.Error(w, "unauthorized: "+err.Error(), http.StatusUnauthorized)
		return auth.RoleUnknown, "", err
	}
	return role, name, nil
}

// serve reads the JSON-RPC body, dispatches it (single request or batch)
// through the router, and writes the JSON-RPC response(s). Per the
// Engine API's HTTP conventions, a parse or protocol-level failure is
// still delivered as HTTP 200 with a JSON-RPC error envelope; only
// transport-level failures (body too large, wrong HTTP method) use a
// non-200 status.
func (s *Server) serve(w http.ResponseWriter, r *http.Request, role auth.Role) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.bodyLimit+1))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	if int64(len(body)) > s.bodyLimit {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	defer r.Body.Close()

	trimmed := bytes.TrimSpace(body)
	w.Header().Set("Content-Type", "application/json")

	if len(trimmed) == 0 {
		json.NewEncoder(w).Encode(jsonrpc.ParseError())
		return
	}

	if trimmed[0] == '[' {
		var reqs []jsonrpc.Request
		if err := json.Unmarshal(trimmed, &reqs); err != nil {
			json.NewEncoder(w).Encode(jsonrpc.ParseError())
			return
		}
		if len(reqs) == 0 {
			json.NewEncoder(w).Encode(jsonrpc.InvalidRequest())
			return
		}
		resps := s.route.DispatchBatch(r.Context(), role, reqs)
		json.NewEncoder(w).Encode(resps)
		return
	}

	var req jsonrpc.Request
	if err := json.Unmarshal(trimmed, &req); err != nil {
		json.NewEncoder(w).Encode(jsonrpc.ParseError())
		return
	}
	if req.IsNotification() {
		w.WriteHeader(http.StatusOK)
		return
	}
	resp := s.route.Dispatch(r.Context(), role, req)
	json.NewEncoder(w).Encode(resp)
}

package engineclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

type rpcRequest struct {
	Method string            `json:"method"`
	ID     json.RawMessage   `json:"id"`
	Params []json.RawMessage `json:"params"`
}

func newFakeEngine(t *testing.T, secret []byte, handle func(method string) (any, error)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			t.Errorf("missing bearer token on request")
		}
		tokenStr := strings.TrimPrefix(auth, "Bearer ")
		_, err := jwt.Parse(tokenStr, func(*jwt.Token) (any, error) { return secret, nil })
		if err != nil {
			t.Errorf("invalid jwt on request: %v", err)
		}

		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}

		result, handlerErr := handle(req.Method)
		resp := map[string]any{"jsonrpc": "2.0", "id": json.RawMessage(req.ID)}
		if handlerErr != nil {
			resp["error"] = map[string]any{"code": -32000, "message": handlerErr.Error()}
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestDialMintsFreshTokenPerCall(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	var calls int
	srv := newFakeEngine(t, secret, func(method string) (any, error) {
		calls++
		return []string{"engine_newPayloadV3"}, nil
	})
	defer srv.Close()

	c, err := Dial(context.Background(), srv.URL, secret, "")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if _, err := c.ExchangeCapabilities(context.Background(), []string{"engine_newPayloadV3"}); err != nil {
		t.Fatalf("ExchangeCapabilities: %v", err)
	}
	if _, err := c.ExchangeCapabilities(context.Background(), []string{"engine_newPayloadV3"}); err != nil {
		t.Fatalf("ExchangeCapabilities (2nd): %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls reaching the fake engine, got %d", calls)
	}
}

func TestMintTokenCarriesKeyID(t *testing.T) {
	c := &Client{secret: []byte("secret-key-padded-to-32-bytes!!"), keyID: "primary"}
	tokenStr, err := c.mintToken()
	if err != nil {
		t.Fatalf("mintToken: %v", err)
	}
	parsed, err := jwt.Parse(tokenStr, func(*jwt.Token) (any, error) { return c.secret, nil })
	if err != nil {
		t.Fatalf("parse minted token: %v", err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		t.Fatal("expected MapClaims")
	}
	if claims["id"] != "primary" {
		t.Fatalf("expected id claim %q, got %v", "primary", claims["id"])
	}
	iat, ok := claims["iat"].(float64)
	if !ok {
		t.Fatal("expected numeric iat claim")
	}
	if drift := time.Since(time.Unix(int64(iat), 0)); drift < 0 || drift > 5*time.Second {
		t.Fatalf("iat too far from now: %s", drift)
	}
}

func TestCallSurfacesJSONRPCErrorAsNonTransport(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	srv := newFakeEngine(t, secret, func(method string) (any, error) {
		return nil, errUnsupportedFork
	})
	defer srv.Close()

	c, err := Dial(context.Background(), srv.URL, secret, "")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	_, callErr := c.ExchangeCapabilities(context.Background(), nil)
	if callErr == nil {
		t.Fatal("expected an error")
	}
	if IsTransport(callErr) {
		t.Fatal("a JSON-RPC error response must not be classified as a transport failure")
	}
}

type sentinelErr string

func (e sentinelErr) Error() string { return string(e) }

const errUnsupportedFork = sentinelErr("unsupported fork")

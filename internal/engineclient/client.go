// Package engineclient implements component C1: the sole outbound
// connection to the real execution engine designated as primary (the
// "controller"). Every call is authenticated with a freshly minted JWT,
// since the Engine API requires a token whose iat claim is within a
// narrow window of the server's clock.
package engineclient

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/golang-jwt/jwt/v4"

	"github.com/sigp/eleel/internal/enginetypes"
)

// Error distinguishes a well-formed JSON-RPC error response (the engine
// answered, but rejected the call) from a transport failure (the engine
// could not be reached at all); the router and matcher need to treat
// these very differently.
type Error struct {
	Transport bool
	Err       error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// IsTransport reports whether err represents a failure to reach the
// engine at all, as opposed to a JSON-RPC error response from it.
func IsTransport(err error) bool {
	var ce *Error
	if ok := asClientError(err, &ce); ok {
		return ce.Transport
	}
	// Anything that did not come from this client (context deadline, dial
	// failure surfaced directly by rpc.Client) is treated as transport.
	return true
}

func asClientError(err error, target **Error) bool {
	ce, ok := err.(*Error)
	if ok {
		*target = ce
	}
	return ok
}

// Client wraps a go-ethereum rpc.Client pointed at the controller's
// Engine API endpoint, re-signing a JWT on every call so the token never
// goes stale mid-session.
type Client struct {
	rpc    *rpc.Client
	secret []byte
	keyID  string
	log    log.Logger
}

// Dial connects to the controller's Engine API endpoint at url,
// authenticating every request with a JWT HS256-signed by secret. keyID,
// when non-empty, is carried as the "id" claim so a controller serving
// multiple multiplexers can tell them apart in its own logs.
func Dial(ctx context.Context, url string, secret []byte, keyID string) (*Client, error) {
	c := &Client{secret: secret, keyID: keyID, log: log.New("component", "engineclient")}
	client, err := rpc.DialOptions(ctx, url, rpc.WithHTTPAuth(c.authHeader))
	if err != nil {
		return nil, fmt.Errorf("engineclient: dial %s: %w", url, err)
	}
	c.rpc = client
	c.log.Info("connected to controller engine", "url", url)
	return c, nil
}

// Close releases the underlying connection.
func (c *Client) Close() {
	if c.rpc != nil {
		c.rpc.Close()
	}
}

func (c *Client) authHeader(h http.Header) error {
	token, err := c.mintToken()
	if err != nil {
		return err
	}
	h.Set("Authorization", "Bearer "+token)
	return nil
}

func (c *Client) mintToken() (string, error) {
	claims := jwt.MapClaims{"iat": time.Now().Unix()}
	if c.keyID != "" {
		claims["id"] = c.keyID
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("engineclient: mint jwt: %w", err)
	}
	return signed, nil
}

// call performs a single JSON-RPC call against the controller, wrapping
// the result in Error so callers can distinguish transport failure from a
// JSON-RPC error answer.
func (c *Client) call(ctx context.Context, result any, method string, args ...any) error {
	err := c.rpc.CallContext(ctx, result, method, args...)
	if err == nil {
		return nil
	}
	if rpcErr, ok := err.(rpc.Error); ok {
		_ = rpcErr
		return &Error{Transport: false, Err: err}
	}
	return &Error{Transport: true, Err: err}
}

// NewPayload forwards an engine_newPayload_vN call to the controller.
// method must be the exact versioned method name the router selected for
// this variant (e.g. "engine_newPayloadV3"); extraArgs carries any
// trailing arguments the variant requires (versioned hashes, parent
// beacon root, execution requests).
func (c *Client) NewPayload(ctx context.Context, method string, payload *enginetypes.ExecutionPayload, extraArgs ...any) (enginetypes.PayloadStatusV1, error) {
	args := append([]any{payload}, extraArgs...)
	var status enginetypes.PayloadStatusV1
	if err := c.call(ctx, &status, method, args...); err != nil {
		return enginetypes.PayloadStatusV1{}, err
	}
	return status, nil
}

// ForkchoiceUpdated forwards an engine_forkchoiceUpdated_vN call to the
// controller. attrs may be nil for a bare head-advance.
func (c *Client) ForkchoiceUpdated(ctx context.Context, method string, state enginetypes.ForkchoiceStateV1, attrs *enginetypes.PayloadAttributes) (enginetypes.ForkChoiceResponse, error) {
	var resp enginetypes.ForkChoiceResponse
	var err error
	if attrs == nil {
		err = c.call(ctx, &resp, method, state, nil)
	} else {
		err = c.call(ctx, &resp, method, state, attrs)
	}
	if err != nil {
		return enginetypes.ForkChoiceResponse{}, err
	}
	return resp, nil
}

// ExchangeCapabilities forwards engine_exchangeCapabilities.
func (c *Client) ExchangeCapabilities(ctx context.Context, methods []string) ([]string, error) {
	var resp []string
	if err := c.call(ctx, &resp, "engine_exchangeCapabilities", methods); err != nil {
		return nil, err
	}
	return resp, nil
}

// Forward is the generic pass-through path for every non-Engine method
// (eth_*, net_*, web3_*) and for Engine meta calls that need no special
// handling beyond forwarding.
func (c *Client) Forward(ctx context.Context, method string, params []any) (any, error) {
	var resp any
	if err := c.call(ctx, &resp, method, params...); err != nil {
		return nil, err
	}
	return resp, nil
}

// HeadBlockNumber resolves the controller's current head block number via
// eth_getBlockByNumber("latest"), used to seed the newPayload waiter's
// staleness cutoff on startup.
func (c *Client) HeadBlockNumber(ctx context.Context) (uint64, common.Hash, error) {
	var block struct {
		Number string      `json:"number"`
		Hash   common.Hash `json:"hash"`
	}
	if err := c.call(ctx, &block, "eth_getBlockByNumber", "latest", false); err != nil {
		return 0, common.Hash{}, err
	}
	n, err := parseHexUint(block.Number)
	if err != nil {
		return 0, common.Hash{}, fmt.Errorf("engineclient: parse head block number %q: %w", block.Number, err)
	}
	return n, block.Hash, nil
}

func parseHexUint(s string) (uint64, error) {
	var n uint64
	_, err := fmt.Sscanf(s, "0x%x", &n)
	return n, err
}

// Package config loads eleel's TOML configuration: the controller engine
// endpoint, the per-client secrets used to authenticate callers, cache
// sizing, wait timings, and the consistency-matcher mode.
package config

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/sigp/eleel/internal/auth"
)

// Config is the top-level configuration file shape.
type Config struct {
	// ListenAddr serves the Engine API/JSON-RPC surface of internal/httpapi:
	// "/canonical", "/", and "/health" all share this one listener.
	ListenAddr  string `toml:"listen_addr"`
	MetricsAddr string `toml:"metrics_addr"`

	// BodyLimitMB bounds a single JSON-RPC request body in internal/httpapi;
	// a body exactly at the limit is accepted, one byte over is 413.
	BodyLimitMB int `toml:"body_limit_mb"`

	Controller  ControllerConfig `toml:"controller"`
	Secrets     []SecretConfig   `toml:"secrets"`
	SecretsFile string           `toml:"secrets_file"`

	Cache   CacheConfig   `toml:"cache"`
	Timing  TimingConfig  `toml:"timing"`
	Builder BuilderConfig `toml:"builder"`

	// ConsistencyMode selects the forkchoiceUpdated matcher policy: exact,
	// loose, or head_only. See internal/matcher for the tradeoffs of each.
	ConsistencyMode string `toml:"consistency_mode"`

	LogLevel string `toml:"log_level"`
}

// ControllerConfig names the primary execution engine eleel multiplexes
// to, and the JWT secret/key id it authenticates itself with.
type ControllerConfig struct {
	URL          string `toml:"url"`
	JWTSecretHex string `toml:"jwt_secret_hex"`
	KeyID        string `toml:"key_id"`
}

// SecretConfig is one configured client credential, matching auth.Secret.
// Role must be "controller" or "follower".
type SecretConfig struct {
	Name   string `toml:"name"`
	KeyHex string `toml:"key_hex"`
	Role   string `toml:"role"`
}

// CacheConfig sizes the bounded LRUs of internal/cache.
type CacheConfig struct {
	NewPayloadCapacity int `toml:"new_payload_capacity"`
	ForkchoiceCapacity int `toml:"forkchoice_capacity"`
	JustifiedCapacity  int `toml:"justified_capacity"`
	FinalizedCapacity  int `toml:"finalized_capacity"`
}

// TimingConfig sizes the follower suspension deadlines of internal/waiter.
type TimingConfig struct {
	NewPayloadWaitMillis int `toml:"new_payload_wait_millis"`
	ForkchoiceWaitMillis int `toml:"fcu_wait_millis"`

	// NewPayloadWaitCutoff bounds how far behind the latest confirmed head
	// a follower's newPayload block number may be and still be worth
	// suspending on; anything further behind gets an instant SYNCING. Zero
	// disables waiting entirely.
	NewPayloadWaitCutoff uint64 `toml:"new_payload_wait_cutoff"`
}

// BuilderConfig sizes and tags the dummy payload builder of internal/builder.
type BuilderConfig struct {
	Capacity  int    `toml:"capacity"`
	ExtraData string `toml:"extra_data"`
}

// Default returns a Config with the same defaults a fresh deployment
// should start from.
func Default() Config {
	return Config{
		ListenAddr:  "0.0.0.0:8551",
		MetricsAddr: "0.0.0.0:9090",
		BodyLimitMB: 32,
		Cache: CacheConfig{
			NewPayloadCapacity: 64,
			ForkchoiceCapacity: 64,
			JustifiedCapacity:  4,
			FinalizedCapacity:  4,
		},
		Timing: TimingConfig{
			NewPayloadWaitMillis: 2000,
			ForkchoiceWaitMillis: 2500,
			NewPayloadWaitCutoff: 64,
		},
		Builder: BuilderConfig{
			Capacity:  256,
			ExtraData: "Eleel",
		},
		ConsistencyMode: "exact",
		LogLevel:        "info",
	}
}

// Load reads and parses a TOML config file at path, starting from
// Default() so fields the file omits keep their defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.SecretsFile != "" {
		extra, err := loadSecretsFile(cfg.SecretsFile)
		if err != nil {
			return cfg, err
		}
		cfg.Secrets = append(cfg.Secrets, extra...)
	}
	return cfg, nil
}

// secretsFile is the shape of a standalone TOML secrets file, kept
// separate from the main config so it can carry tighter filesystem
// permissions and be mounted/rotated independently in production.
type secretsFile struct {
	Secrets []SecretConfig `toml:"secrets"`
}

func loadSecretsFile(path string) ([]SecretConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read secrets file %s: %w", path, err)
	}
	var sf secretsFile
	if err := toml.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("config: parse secrets file %s: %w", path, err)
	}
	return sf.Secrets, nil
}

// Validate checks the configuration for obvious misconfiguration before
// any subsystem is started.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("config: listen_addr must not be empty")
	}
	if c.BodyLimitMB <= 0 {
		return fmt.Errorf("config: body_limit_mb must be positive")
	}
	if c.Controller.URL == "" {
		return fmt.Errorf("config: controller.url must not be empty")
	}
	if c.Controller.JWTSecretHex == "" {
		return fmt.Errorf("config: controller.jwt_secret_hex must not be empty")
	}
	if len(c.Secrets) == 0 {
		return fmt.Errorf("config: at least one [[secrets]] entry is required")
	}
	sawController := false
	for i, s := range c.Secrets {
		if s.Name == "" {
			return fmt.Errorf("config: secrets[%d].name must not be empty", i)
		}
		if s.KeyHex == "" {
			return fmt.Errorf("config: secrets[%d].key_hex must not be empty", i)
		}
		switch s.Role {
		case "controller":
			sawController = true
		case "follower":
		default:
			return fmt.Errorf("config: secrets[%d].role must be \"controller\" or \"follower\", got %q", i, s.Role)
		}
	}
	if !sawController {
		return fmt.Errorf("config: at least one [[secrets]] entry must have role \"controller\"")
	}
	if c.Cache.NewPayloadCapacity <= 0 {
		return fmt.Errorf("config: cache.new_payload_capacity must be positive")
	}
	if c.Cache.ForkchoiceCapacity <= 0 {
		return fmt.Errorf("config: cache.forkchoice_capacity must be positive")
	}
	if c.Cache.JustifiedCapacity <= 0 || c.Cache.FinalizedCapacity <= 0 {
		return fmt.Errorf("config: cache.justified_capacity and finalized_capacity must be positive")
	}
	if c.Timing.NewPayloadWaitMillis < 0 || c.Timing.ForkchoiceWaitMillis < 0 {
		return fmt.Errorf("config: timing wait millis must not be negative")
	}
	switch c.ConsistencyMode {
	case "exact", "loose", "head_only":
	default:
		return fmt.Errorf("config: unknown consistency_mode %q", c.ConsistencyMode)
	}
	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error", "crit":
	default:
		return fmt.Errorf("config: unknown log_level %q", c.LogLevel)
	}
	return nil
}

// AuthSecrets decodes the configured client secrets into the form
// internal/auth's Verifier consumes.
func (c *Config) AuthSecrets() ([]auth.Secret, error) {
	out := make([]auth.Secret, 0, len(c.Secrets))
	for _, s := range c.Secrets {
		key, err := hex.DecodeString(s.KeyHex)
		if err != nil {
			return nil, fmt.Errorf("config: secret %q: invalid key_hex: %w", s.Name, err)
		}
		var role auth.Role
		switch s.Role {
		case "controller":
			role = auth.RoleController
		case "follower":
			role = auth.RoleFollower
		}
		out = append(out, auth.Secret{Name: s.Name, Key: key, Role: role})
	}
	return out, nil
}

// BodyLimitBytes converts BodyLimitMB to the byte count internal/httpapi
// enforces per request.
func (c *Config) BodyLimitBytes() int64 {
	return int64(c.BodyLimitMB) << 20
}

// ControllerSecret decodes the controller's own outbound JWT secret.
func (c *Config) ControllerSecret() ([]byte, error) {
	key, err := hex.DecodeString(c.Controller.JWTSecretHex)
	if err != nil {
		return nil, fmt.Errorf("config: controller.jwt_secret_hex: %w", err)
	}
	return key, nil
}

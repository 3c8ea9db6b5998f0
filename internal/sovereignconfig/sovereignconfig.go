// Package sovereignconfig loads the top-level configuration a sovereign
// process starts from: how it obtains its signing keys (freshly generated,
// or synced from a running leader), which governance policy authorizes
// peers during key-sync, and which ports its listeners bind.
package sovereignconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sovereign-tee/sovereign/infrastructure/config"
	"github.com/sovereign-tee/sovereign/internal/governance"
)

// SecretKeysFromKind selects how a sovereign obtains its signing keys at
// startup.
type SecretKeysFromKind string

const (
	// Generate creates NumKeys fresh secp256k1 keys locally.
	Generate SecretKeysFromKind = "generate"
	// KeySync requests key material from a running leader over the
	// key-sync protocol, listening on Port for the leader's connection.
	KeySync SecretKeysFromKind = "key-sync"
)

// SecretKeysFrom configures key-material acquisition.
type SecretKeysFrom struct {
	Kind    SecretKeysFromKind `yaml:"kind" json:"kind"`
	NumKeys uint32             `yaml:"num-keys,omitempty" json:"num-keys,omitempty"`
	Port    uint32             `yaml:"port,omitempty" json:"port,omitempty"`
}

// Config is a sovereign's complete startup configuration, loaded from YAML.
type Config struct {
	SecretKeysFrom       SecretKeysFrom    `yaml:"secret-keys-from" json:"secret-keys-from"`
	Governance           governance.Policy `yaml:"governance" json:"governance"`
	AltNames             []string          `yaml:"alt-names,omitempty" json:"alt-names,omitempty"`
	KeySyncPort          uint32            `yaml:"key-sync-port" json:"key-sync-port"`
	MonitoringPort       uint32            `yaml:"monitoring-port" json:"monitoring-port"`
	HTTPAttestationPort  uint32            `yaml:"http-attestation-port" json:"http-attestation-port"`
	HTTPSAttestationPort uint32            `yaml:"https-attestation-port" json:"https-attestation-port"`
	// RPCSocketPath is where the local Unix-domain signing RPC listens.
	// Defaults to DefaultRPCSocketPath when empty.
	RPCSocketPath string `yaml:"rpc-socket-path,omitempty" json:"rpc-socket-path,omitempty"`
	// TraceLevel is 0 (errors only) through 4 (trace), mirroring the
	// original implementation's tracing verbosity knob.
	TraceLevel int `yaml:"trace-level" json:"trace-level"`
}

// DefaultRPCSocketPath is used when a Config leaves RPCSocketPath empty.
const DefaultRPCSocketPath = "/run/sovereign/sign.sock"

// RPCSocket returns the configured RPC socket path, or DefaultRPCSocketPath
// if unset.
func (c *Config) RPCSocket() string {
	if c.RPCSocketPath == "" {
		return DefaultRPCSocketPath
	}
	return c.RPCSocketPath
}

// Load reads and validates a Config from a YAML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sovereign config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse sovereign config: %w", err)
	}
	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides lets an operator override a handful of deployment-time
// settings without editing the YAML file, using the same "_FILE"-suffixed
// secret-mount convention the rest of the stack relies on for operator
// secrets.
func (c *Config) applyEnvOverrides() {
	c.RPCSocketPath = config.EnvOrSecret("SOVEREIGN_RPC_SOCKET_PATH", c.RPCSocketPath)
	if altNames := config.GetEnv("SOVEREIGN_ALT_NAMES", ""); altNames != "" {
		c.AltNames = config.SplitAndTrimCSV(altNames)
	}
	c.TraceLevel = config.GetEnvInt("SOVEREIGN_TRACE_LEVEL", c.TraceLevel)
}

// Validate checks that cfg describes a runnable sovereign.
func (c *Config) Validate() error {
	switch c.SecretKeysFrom.Kind {
	case Generate:
		if c.SecretKeysFrom.NumKeys < 2 || c.SecretKeysFrom.NumKeys > 100000 {
			return fmt.Errorf("secret-keys-from.num-keys must be between 2 and 100000, was %d", c.SecretKeysFrom.NumKeys)
		}
	case KeySync:
		if c.SecretKeysFrom.Port == 0 {
			return fmt.Errorf("secret-keys-from.port is required for key-sync")
		}
	default:
		return fmt.Errorf("secret-keys-from.kind must be %q or %q, was %q", Generate, KeySync, c.SecretKeysFrom.Kind)
	}

	switch c.Governance.Kind {
	case governance.TestingOnly:
	case governance.Safe:
		if c.Governance.Safe == nil {
			return fmt.Errorf("governance.safe is required when governance.kind is %q", governance.Safe)
		}
	default:
		return fmt.Errorf("governance.kind must be %q or %q, was %q", governance.TestingOnly, governance.Safe, c.Governance.Kind)
	}

	if c.KeySyncPort == 0 {
		return fmt.Errorf("key-sync-port is required")
	}
	if c.TraceLevel < 0 || c.TraceLevel > 4 {
		return fmt.Errorf("trace-level must be between 0 and 4, was %d", c.TraceLevel)
	}
	return nil
}

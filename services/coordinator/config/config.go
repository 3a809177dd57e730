package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"bitmordca/crypto"
)

// Config captures the runtime settings for the coordinator daemon.
type Config struct {
	ListenAddress string  `yaml:"listen"`
	Environment   string  `yaml:"environment"`
	ChainID       uint64  `yaml:"chain_id"`
	Signer        Signer  `yaml:"signer"`
	Penalty       Penalty `yaml:"penalty"`
	Ledger        Ledger  `yaml:"ledger"`
}

// Ledger configures the daemon-hosted ledger state. An empty data_dir keeps
// the ledger in memory, for development deployments. Owner and vault are
// bech32 addresses; both may be left unset when the deployment never drives
// the admin surface through this process.
type Ledger struct {
	DataDir string `yaml:"data_dir"`
	Owner   string `yaml:"owner"`
	Vault   string `yaml:"vault"`
}

// Signer describes where the trusted private key is loaded from. Exactly one
// of the two sources must be set; a file is preferred for production.
type Signer struct {
	KeyHex  string `yaml:"key_hex"`
	KeyFile string `yaml:"key_file"`
}

// Penalty overrides the default early-exit penalty bounds, in basis points.
type Penalty struct {
	MinBps uint64 `yaml:"min_bps"`
	MaxBps uint64 `yaml:"max_bps"`
}

// Load reads the YAML configuration from disk and validates the result.
func Load(path string) (Config, error) {
	cfg := Config{
		ListenAddress: ":8547",
		Environment:   "dev",
		Penalty:       Penalty{MinBps: 100, MaxBps: 5000},
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first configuration problem found.
func (c Config) Validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		return fmt.Errorf("config: listen address required")
	}
	if c.ChainID == 0 {
		return fmt.Errorf("config: chain_id required")
	}
	keyHex := strings.TrimSpace(c.Signer.KeyHex)
	keyFile := strings.TrimSpace(c.Signer.KeyFile)
	if keyHex == "" && keyFile == "" {
		return fmt.Errorf("config: signer key required")
	}
	if keyHex != "" && keyFile != "" {
		return fmt.Errorf("config: signer key_hex and key_file are mutually exclusive")
	}
	if c.Penalty.MaxBps > 10_000 {
		return fmt.Errorf("config: penalty max_bps out of range")
	}
	if c.Penalty.MinBps > c.Penalty.MaxBps {
		return fmt.Errorf("config: penalty min_bps exceeds max_bps")
	}
	for field, addr := range map[string]string{"ledger.owner": c.Ledger.Owner, "ledger.vault": c.Ledger.Vault} {
		if strings.TrimSpace(addr) == "" {
			continue
		}
		if _, err := crypto.DecodeAddress(strings.TrimSpace(addr)); err != nil {
			return fmt.Errorf("config: invalid %s address: %w", field, err)
		}
	}
	return nil
}

// OwnerAddress decodes the configured owner address, zero when unset.
func (l Ledger) OwnerAddress() ([20]byte, error) { return decodeOptionalAddress(l.Owner) }

// VaultAddress decodes the configured vault address, zero when unset.
func (l Ledger) VaultAddress() ([20]byte, error) { return decodeOptionalAddress(l.Vault) }

func decodeOptionalAddress(addr string) ([20]byte, error) {
	var out [20]byte
	trimmed := strings.TrimSpace(addr)
	if trimmed == "" {
		return out, nil
	}
	decoded, err := crypto.DecodeAddress(trimmed)
	if err != nil {
		return out, err
	}
	copy(out[:], decoded.Bytes())
	return out, nil
}

// SignerKeyHex resolves the signer key material, reading the key file when
// configured.
func (c Config) SignerKeyHex() (string, error) {
	if keyHex := strings.TrimSpace(c.Signer.KeyHex); keyHex != "" {
		return keyHex, nil
	}
	raw, err := os.ReadFile(strings.TrimSpace(c.Signer.KeyFile))
	if err != nil {
		return "", fmt.Errorf("read signer key file: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}

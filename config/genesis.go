package config

import (
	"fmt"
	"math/big"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"yieldsource/crypto"
)

// Genesis seeds a fresh deployment: the adapter's roles, the facility's
// interest parameters, and any initial underlying balances to mint. It is
// consulted only when the state database is empty.
type Genesis struct {
	Owner        string           `yaml:"owner"`
	AssetManager string           `yaml:"asset_manager"`
	APRBps       uint64           `yaml:"apr_bps"`
	InitialRate  string           `yaml:"initial_rate"`
	Balances     []GenesisBalance `yaml:"balances"`
}

type GenesisBalance struct {
	Address string `yaml:"address"`
	Amount  string `yaml:"amount"`
}

// LoadGenesis parses and validates the genesis file at path.
func LoadGenesis(path string) (*Genesis, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("genesis: read %s: %w", path, err)
	}
	gen := &Genesis{}
	if err := yaml.Unmarshal(raw, gen); err != nil {
		return nil, fmt.Errorf("genesis: parse %s: %w", path, err)
	}
	if err := gen.Validate(); err != nil {
		return nil, err
	}
	return gen, nil
}

// Validate checks addresses and numeric fields without mutating state.
func (g *Genesis) Validate() error {
	if _, err := crypto.DecodeAddress(strings.TrimSpace(g.Owner)); err != nil {
		return fmt.Errorf("genesis: owner: %w", err)
	}
	if manager := strings.TrimSpace(g.AssetManager); manager != "" {
		if _, err := crypto.DecodeAddress(manager); err != nil {
			return fmt.Errorf("genesis: asset_manager: %w", err)
		}
	}
	if rate := strings.TrimSpace(g.InitialRate); rate != "" {
		parsed, ok := new(big.Int).SetString(rate, 10)
		if !ok || parsed.Sign() <= 0 {
			return fmt.Errorf("genesis: initial_rate %q is not a positive integer", g.InitialRate)
		}
	}
	for i, balance := range g.Balances {
		if _, err := crypto.DecodeAddress(strings.TrimSpace(balance.Address)); err != nil {
			return fmt.Errorf("genesis: balances[%d]: %w", i, err)
		}
		amount, ok := new(big.Int).SetString(strings.TrimSpace(balance.Amount), 10)
		if !ok || amount.Sign() <= 0 {
			return fmt.Errorf("genesis: balances[%d]: amount %q is not a positive integer", i, balance.Amount)
		}
	}
	return nil
}

// OwnerAddress returns the validated owner.
func (g *Genesis) OwnerAddress() (crypto.Address, error) {
	return crypto.DecodeAddress(strings.TrimSpace(g.Owner))
}

// AssetManagerAddress returns the validated asset manager, zero when unset.
func (g *Genesis) AssetManagerAddress() (crypto.Address, error) {
	manager := strings.TrimSpace(g.AssetManager)
	if manager == "" {
		return crypto.Address{}, nil
	}
	return crypto.DecodeAddress(manager)
}

// Rate returns the configured initial exchange rate, nil when unset.
func (g *Genesis) Rate() *big.Int {
	rate := strings.TrimSpace(g.InitialRate)
	if rate == "" {
		return nil
	}
	parsed, _ := new(big.Int).SetString(rate, 10)
	return parsed
}

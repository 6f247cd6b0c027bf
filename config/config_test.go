package config

import (
	"os"
	"path/filepath"
	"testing"

	"yieldsource/crypto"
)

func TestLoadCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":8545" {
		t.Fatalf("listen address %q", cfg.ListenAddress)
	}
	if cfg.Auth.SecretEnv != "YS_AUTH_SECRET" {
		t.Fatalf("secret env %q", cfg.Auth.SecretEnv)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default file not written: %v", err)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.ListenAddress != cfg.ListenAddress || reloaded.HistoryDSN != cfg.HistoryDSN {
		t.Fatalf("reload mismatch: %+v vs %+v", reloaded, cfg)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("ListenAddress = \":9000\"\nDataDir = \"/tmp/ys\"\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":9000" {
		t.Fatalf("listen address %q", cfg.ListenAddress)
	}
	if cfg.HistoryDSN != filepath.Join("/tmp/ys", "history.db") {
		t.Fatalf("history dsn %q", cfg.HistoryDSN)
	}
	if cfg.RateLimit.RequestsPerMinute != 600 || cfg.RateLimit.Burst != 20 {
		t.Fatalf("rate limit defaults %+v", cfg.RateLimit)
	}
}

func TestAuthSecretFromEnvironment(t *testing.T) {
	cfg := &Config{Auth: AuthConfig{Enabled: true, SecretEnv: "YS_TEST_SECRET"}}
	t.Setenv("YS_TEST_SECRET", "")
	if _, err := cfg.AuthSecret(); err == nil {
		t.Fatal("expected error for empty secret")
	}
	t.Setenv("YS_TEST_SECRET", "hunter2")
	secret, err := cfg.AuthSecret()
	if err != nil {
		t.Fatalf("auth secret: %v", err)
	}
	if secret != "hunter2" {
		t.Fatalf("secret %q", secret)
	}
}

func testGenesisAddress(t *testing.T, b byte) string {
	t.Helper()
	raw := make([]byte, crypto.AddressLength)
	raw[crypto.AddressLength-1] = b
	return crypto.NewAddress(crypto.AccountPrefix, raw).String()
}

func TestLoadGenesis(t *testing.T) {
	owner := testGenesisAddress(t, 1)
	holder := testGenesisAddress(t, 2)
	doc := "owner: " + owner + "\n" +
		"apr_bps: 500\n" +
		"initial_rate: \"1000000000000000000\"\n" +
		"balances:\n" +
		"  - address: " + holder + "\n" +
		"    amount: \"1000\"\n"
	path := filepath.Join(t.TempDir(), "genesis.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	gen, err := LoadGenesis(path)
	if err != nil {
		t.Fatalf("load genesis: %v", err)
	}
	got, err := gen.OwnerAddress()
	if err != nil {
		t.Fatalf("owner: %v", err)
	}
	if got.String() != owner {
		t.Fatalf("owner %s, want %s", got, owner)
	}
	manager, err := gen.AssetManagerAddress()
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	if !manager.IsZero() {
		t.Fatalf("manager %s, want zero", manager)
	}
	if gen.Rate() == nil || gen.Rate().Sign() <= 0 {
		t.Fatalf("rate %v", gen.Rate())
	}
}

func TestGenesisRejectsBadAddress(t *testing.T) {
	path := filepath.Join(t.TempDir(), "genesis.yaml")
	if err := os.WriteFile(path, []byte("owner: not-an-address\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadGenesis(path); err == nil {
		t.Fatal("expected error for malformed owner")
	}
}

func TestGenesisRejectsBadAmount(t *testing.T) {
	owner := testGenesisAddress(t, 1)
	doc := "owner: " + owner + "\nbalances:\n  - address: " + owner + "\n    amount: \"-5\"\n"
	path := filepath.Join(t.TempDir(), "genesis.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadGenesis(path); err == nil {
		t.Fatal("expected error for negative amount")
	}
}

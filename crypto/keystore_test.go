package crypto

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestKeystoreRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "keys", "operator.json")

	if err := SaveToKeystore(path, key, "hunter2"); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := LoadFromKeystore(path, "hunter2")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !bytes.Equal(loaded.Bytes(), key.Bytes()) {
		t.Fatal("loaded key differs from the saved one")
	}
	if !loaded.PubKey().Address().Equal(key.PubKey().Address()) {
		t.Fatal("loaded key derives a different address")
	}
}

func TestKeystoreWrongPassphrase(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "operator.json")
	if err := SaveToKeystore(path, key, "correct"); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := LoadFromKeystore(path, "wrong"); err == nil {
		t.Fatal("expected decryption failure")
	}
}

func TestKeystoreRejectsNilKeyAndEmptyPath(t *testing.T) {
	if err := SaveToKeystore("somewhere.json", nil, "x"); err == nil {
		t.Fatal("expected error for nil key")
	}
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if err := SaveToKeystore("", key, "x"); err == nil {
		t.Fatal("expected error for empty path")
	}
	if _, err := LoadFromKeystore("", "x"); err == nil {
		t.Fatal("expected error for empty path")
	}
}

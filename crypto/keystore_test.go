package crypto

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/keystore"
)

func useLightScrypt(t *testing.T) {
	t.Helper()
	n, p := scryptN, scryptP
	scryptN, scryptP = keystore.LightScryptN, keystore.LightScryptP
	t.Cleanup(func() { scryptN, scryptP = n, p })
}

func TestKeystoreRoundTrip(t *testing.T) {
	useLightScrypt(t)
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "keys", "relayer.keystore")
	if err := SaveToKeystore(path, key, "hunter2"); err != nil {
		t.Fatalf("save: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600 permissions, got %v", info.Mode().Perm())
	}
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("scratch directory left behind: %v", entries)
	}

	loaded, err := LoadFromKeystore(path, "hunter2")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Address() != key.Address() {
		t.Fatalf("address mismatch: %s != %s", loaded.Address().Hex(), key.Address().Hex())
	}
	if _, err := LoadFromKeystore(path, "wrong"); err == nil {
		t.Fatalf("expected wrong passphrase to fail")
	}
}

func TestKeystoreUsesStandardScrypt(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "relayer.keystore")
	if err := SaveToKeystore(path, key, "hunter2"); err != nil {
		t.Fatalf("save: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var encrypted struct {
		Crypto struct {
			KDF       string `json:"kdf"`
			KDFParams struct {
				N int `json:"n"`
				P int `json:"p"`
			} `json:"kdfparams"`
		} `json:"crypto"`
	}
	if err := json.Unmarshal(raw, &encrypted); err != nil {
		t.Fatalf("decode keystore: %v", err)
	}
	if encrypted.Crypto.KDF != "scrypt" {
		t.Fatalf("unexpected kdf %q", encrypted.Crypto.KDF)
	}
	if encrypted.Crypto.KDFParams.N != keystore.StandardScryptN || encrypted.Crypto.KDFParams.P != keystore.StandardScryptP {
		t.Fatalf("expected standard scrypt cost, got n=%d p=%d", encrypted.Crypto.KDFParams.N, encrypted.Crypto.KDFParams.P)
	}
}

func TestPrivateKeyFromHex(t *testing.T) {
	key, err := PrivateKeyFromHex("0x59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := key.Address().Hex(); got != "0x70997970C51812dc3A010C7d01b50e0d17dc79C8" {
		t.Fatalf("unexpected address %s", got)
	}
	if _, err := PrivateKeyFromHex("  "); err == nil {
		t.Fatalf("expected empty key to fail")
	}
}

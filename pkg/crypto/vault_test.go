package crypto

import (
	"errors"
	"strings"
	"testing"
)

func TestVaultRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	v, err := NewVault(map[int]string{1: key})
	if err != nil {
		t.Fatalf("NewVault failed: %v", err)
	}

	for _, plain := range []string{"", "access-token-123", strings.Repeat("x", 512)} {
		sealed, err := v.Encrypt(plain)
		if err != nil {
			t.Fatalf("Encrypt failed: %v", err)
		}
		if !strings.HasPrefix(sealed, "tok.v1.") || !IsSealed(sealed) {
			t.Errorf("unexpected sealed form %q", sealed)
		}
		got, err := v.Decrypt(sealed)
		if err != nil {
			t.Fatalf("Decrypt failed: %v", err)
		}
		if got != plain {
			t.Errorf("decrypted = %q, want %q", got, plain)
		}
	}
}

func TestVaultNonceVaries(t *testing.T) {
	v, _ := NewVault(map[int]string{1: "passphrase"})
	a, _ := v.Encrypt("same")
	b, _ := v.Encrypt("same")
	if a == b {
		t.Errorf("two seals of the same token should differ")
	}
}

func TestVaultRejectsTampering(t *testing.T) {
	v, _ := NewVault(map[int]string{1: "passphrase"})
	sealed, _ := v.Encrypt("secret")

	b := []byte(sealed)
	i := len(b) - 5
	if b[i] == 'A' {
		b[i] = 'B'
	} else {
		b[i] = 'A'
	}
	tampered := string(b)
	if _, err := v.Decrypt(tampered); !errors.Is(err, ErrDecryptionFailed) && !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("expected decryption failure, got %v", err)
	}
	for _, bad := range []string{"", "plain-token", "tok.vx.abc", "tok.v1"} {
		if _, err := v.Decrypt(bad); !errors.Is(err, ErrInvalidCiphertext) {
			t.Errorf("Decrypt(%q) = %v, want ErrInvalidCiphertext", bad, err)
		}
	}

	other, _ := NewVault(map[int]string{1: "different"})
	if _, err := other.Decrypt(sealed); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("wrong key should fail, got %v", err)
	}
}

func TestVaultRotation(t *testing.T) {
	old, _ := NewVault(map[int]string{1: "first"})
	sealed, _ := old.Encrypt("token")

	v, err := NewVault(map[int]string{1: "first", 2: "second"})
	if err != nil {
		t.Fatalf("NewVault failed: %v", err)
	}
	if v.Version() != 2 {
		t.Fatalf("current version = %d, want 2", v.Version())
	}
	rotated, err := v.Rotate(sealed)
	if err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	if !strings.HasPrefix(rotated, "tok.v2.") {
		t.Errorf("rotated token not on v2: %q", rotated)
	}
	again, _ := v.Rotate(rotated)
	if again != rotated {
		t.Errorf("rotating a current token should be a no-op")
	}
	if got, _ := v.Decrypt(rotated); got != "token" {
		t.Errorf("rotated token decrypts to %q", got)
	}

	onlyNew, _ := NewVault(map[int]string{2: "second"})
	if _, err := onlyNew.Decrypt(sealed); !errors.Is(err, ErrUnknownVersion) {
		t.Errorf("expected ErrUnknownVersion, got %v", err)
	}
}

func TestNewVaultNeedsKey(t *testing.T) {
	if _, err := NewVault(map[int]string{1: ""}); !errors.Is(err, ErrNoKeys) {
		t.Errorf("expected ErrNoKeys, got %v", err)
	}
	if _, err := NewVault(map[int]string{0: "x"}); err == nil {
		t.Errorf("version 0 should be rejected")
	}
}

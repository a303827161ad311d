package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func testKey(t *testing.T) string {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return base64.StdEncoding.EncodeToString(key)
}

func TestNewAESEncryptor(t *testing.T) {
	tests := []struct {
		name        string
		key         string
		errContains string
	}{
		{"empty", "", "empty"},
		{"not base64", "!!!not-base64!!!", "base64"},
		{"short key", base64.StdEncoding.EncodeToString([]byte("too-short")), "32 bytes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAESEncryptor(tt.key)
			if err == nil {
				t.Fatalf("NewAESEncryptor(%q) error = nil", tt.key)
			}
			if !strings.Contains(err.Error(), tt.errContains) {
				t.Errorf("error = %v, want containing %q", err, tt.errContains)
			}
		})
	}

	enc, err := NewAESEncryptor(testKey(t))
	if err != nil {
		t.Fatalf("valid key rejected: %v", err)
	}
	if len(enc.KeyID()) != 8 {
		t.Errorf("KeyID() = %q, want 8 hex chars", enc.KeyID())
	}
}

func TestEncryptStringRoundTrip(t *testing.T) {
	enc, err := NewAESEncryptor(testKey(t))
	if err != nil {
		t.Fatal(err)
	}
	for _, in := range []string{"refresh-token", "def50200a1b2c3", strings.Repeat("x", 4096), "ünïcödé"} {
		sealed, err := EncryptString(enc, in)
		if err != nil {
			t.Fatalf("EncryptString(%q) error = %v", in, err)
		}
		if sealed == in {
			t.Errorf("sealed value equals plaintext")
		}
		out, err := DecryptString(enc, sealed)
		if err != nil {
			t.Fatalf("DecryptString error = %v", err)
		}
		if out != in {
			t.Errorf("round trip = %q, want %q", out, in)
		}
	}
}

func TestEncryptStringEmpty(t *testing.T) {
	enc, _ := NewAESEncryptor(testKey(t))
	sealed, err := EncryptString(enc, "")
	if err != nil || sealed != "" {
		t.Errorf("EncryptString(\"\") = %q, %v; want empty, nil", sealed, err)
	}
	plain, err := DecryptString(enc, "")
	if err != nil || plain != "" {
		t.Errorf("DecryptString(\"\") = %q, %v; want empty, nil", plain, err)
	}
}

func TestEncryptNonDeterministic(t *testing.T) {
	enc, _ := NewAESEncryptor(testKey(t))
	a, _ := EncryptString(enc, "same")
	b, _ := EncryptString(enc, "same")
	if a == b {
		t.Error("two encryptions of the same plaintext produced identical output")
	}
}

func TestDecryptFailures(t *testing.T) {
	enc, _ := NewAESEncryptor(testKey(t))
	other, _ := NewAESEncryptor(testKey(t))
	sealed, _ := EncryptString(enc, "refresh-token")

	raw, _ := base64.StdEncoding.DecodeString(sealed)
	raw[len(raw)-1] ^= 0xff
	tampered := base64.StdEncoding.EncodeToString(raw)

	if _, err := DecryptString(other, sealed); !errors.Is(err, ErrDecrypt) {
		t.Errorf("wrong key: error = %v, want ErrDecrypt", err)
	}
	if _, err := DecryptString(enc, tampered); !errors.Is(err, ErrDecrypt) {
		t.Errorf("tampered: error = %v, want ErrDecrypt", err)
	}
	if _, err := DecryptString(enc, "bm9wZQ=="); err == nil {
		t.Error("short ciphertext should fail")
	}
	if _, err := DecryptString(enc, "%%%"); err == nil {
		t.Error("invalid base64 should fail")
	}
}

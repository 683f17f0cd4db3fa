package crypto

import (
	"strings"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	key := DeriveKey("our shared secret", "")

	sealed, err := Encrypt(key, "meet at noon")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if sealed == "meet at noon" {
		t.Fatal("ciphertext equals plaintext")
	}

	plain, err := Decrypt(key, sealed)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if plain != "meet at noon" {
		t.Errorf("round trip mismatch: %q", plain)
	}
}

func TestDeriveKey_Deterministic(t *testing.T) {
	a := DeriveKey("passphrase", "")
	b := DeriveKey("passphrase", DefaultSalt)
	if string(a) != string(b) {
		t.Error("empty salt must select the default salt")
	}
	c := DeriveKey("passphrase", "other-salt")
	if string(a) == string(c) {
		t.Error("different salts must derive different keys")
	}
}

func TestDecrypt_WrongKey(t *testing.T) {
	sealed, err := Encrypt(DeriveKey("right", ""), "secret")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := Decrypt(DeriveKey("wrong", ""), sealed); err == nil {
		t.Fatal("expected an error under the wrong key")
	}
}

func TestDecrypt_Tampered(t *testing.T) {
	key := DeriveKey("passphrase", "")
	sealed, err := Encrypt(key, "secret")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	// Flip one character of the base64 body.
	tampered := []byte(sealed)
	mid := len(tampered) / 2
	if tampered[mid] == 'A' {
		tampered[mid] = 'B'
	} else {
		tampered[mid] = 'A'
	}
	if _, err := Decrypt(key, string(tampered)); err == nil {
		t.Fatal("expected an error for a tampered payload")
	}
}

func TestDecrypt_Garbage(t *testing.T) {
	key := DeriveKey("passphrase", "")
	for _, payload := range []string{"", "!!!", strings.Repeat("A", 8)} {
		if _, err := Decrypt(key, payload); err == nil {
			t.Errorf("expected an error for payload %q", payload)
		}
	}
}

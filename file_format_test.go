package vaultfs

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	cfg := testConfig()
	key := testKey(t)
	h, err := NewHeader(key, testPassword, cfg.KeyWrap, cfg.Verifier)
	if err != nil {
		t.Fatalf("NewHeader() error = %v", err)
	}

	var buf bytes.Buffer
	n, err := h.WriteTo(&buf)
	if err != nil || n != HeaderSize {
		t.Fatalf("WriteTo() = %d, %v, want %d", n, err, HeaderSize)
	}

	var got Header
	if _, err := got.ReadFrom(&buf); err != nil {
		t.Fatalf("ReadFrom() error = %v", err)
	}
	if got != *h {
		t.Error("header changed across WriteTo/ReadFrom")
	}

	unwrapped, err := got.UnwrapKey(testPassword, cfg.KeyWrap)
	if err != nil {
		t.Fatalf("UnwrapKey() error = %v", err)
	}
	if !bytes.Equal(unwrapped, key) {
		t.Error("UnwrapKey() returned a different master key")
	}
}

func TestHeaderPasswordChecks(t *testing.T) {
	cfg := testConfig()
	h, err := NewHeader(testKey(t), testPassword, cfg.KeyWrap, cfg.Verifier)
	if err != nil {
		t.Fatalf("NewHeader() error = %v", err)
	}

	tests := []struct {
		name     string
		password []byte
		want     bool
	}{
		{"correct", testPassword, true},
		{"wrong", []byte("wrong"), false},
		{"case differs", bytes.ToUpper(testPassword), false},
		{"empty", []byte{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := h.VerifyPassword(tt.password, cfg.Verifier); got != tt.want {
				t.Errorf("VerifyPassword() = %v, want %v", got, tt.want)
			}
			_, err := h.UnwrapKey(tt.password, cfg.KeyWrap)
			if tt.want && err != nil {
				t.Errorf("UnwrapKey() error = %v", err)
			}
			if !tt.want && err == nil {
				t.Error("UnwrapKey() accepted a wrong password")
			}
		})
	}
}

func TestHeaderSaltsDiffer(t *testing.T) {
	cfg := testConfig()
	key := testKey(t)
	a, _ := NewHeader(key, testPassword, cfg.KeyWrap, cfg.Verifier)
	b, _ := NewHeader(key, testPassword, cfg.KeyWrap, cfg.Verifier)
	if a.WrappedKey == b.WrappedKey {
		t.Error("two headers for the same key share the wrapped key bytes")
	}
	if a.Verifier == b.Verifier {
		t.Error("two headers share the verifier bytes")
	}
}

func TestReadHeaderTruncated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.vault")
	if err := os.WriteFile(path, make([]byte, 100), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := ReadHeader(path)
	if !IsCorruptionError(err) {
		t.Fatalf("ReadHeader() error = %v, want CorruptionError", err)
	}
	var ce *CorruptionError
	if errors.As(err, &ce) && ce.Path != path {
		t.Errorf("CorruptionError.Path = %q, want %q", ce.Path, path)
	}
	if !errors.Is(err, ErrCorrupt) {
		t.Errorf("error does not wrap ErrCorrupt: %v", err)
	}
}

func TestPKCS7(t *testing.T) {
	tests := []struct {
		name string
		in   int
		want int
	}{
		{"empty", 0, 16},
		{"partial", 5, 16},
		{"full block adds a block", 16, 32},
		{"master key", 64, 80},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := bytes.Repeat([]byte{7}, tt.in)
			padded := pkcs7Pad(in, 16)
			if len(padded) != tt.want {
				t.Fatalf("len(pkcs7Pad()) = %d, want %d", len(padded), tt.want)
			}
			out, err := pkcs7Unpad(padded, 16)
			if err != nil || !bytes.Equal(out, in) {
				t.Errorf("pkcs7Unpad() = %x, %v", out, err)
			}
		})
	}

	bad := bytes.Repeat([]byte{3}, 16)
	bad[15] = 17
	if _, err := pkcs7Unpad(bad, 16); err == nil {
		t.Error("pkcs7Unpad() accepted an oversized pad byte")
	}
}

func TestPasswordKeyProvider(t *testing.T) {
	kp := NewPasswordKeyProvider([]byte("pw"), PBKDF2Params{Iterations: 4, KeySize: 48, SaltSize: 16})
	salt, err := kp.GenerateSalt()
	if err != nil || len(salt) != 16 {
		t.Fatalf("GenerateSalt() = %d bytes, %v", len(salt), err)
	}
	k1, _ := kp.DeriveKey(salt)
	k2, _ := kp.DeriveKey(salt)
	if !bytes.Equal(k1, k2) || len(k1) != 48 {
		t.Error("DeriveKey() is not deterministic for a fixed salt")
	}

	if _, err := NewPasswordKeyProvider(nil, PBKDF2Params{}).DeriveKey(salt); err == nil {
		t.Error("DeriveKey() accepted an empty password")
	}
}

func TestKeyProviderDefaults(t *testing.T) {
	pw := []byte("pw")
	tests := []struct {
		name string
		kp   *PasswordKeyProvider
		want PBKDF2Params
	}{
		{"key wrap zero value", NewPasswordKeyProvider(pw, PBKDF2Params{}), DefaultKeyWrapParams()},
		{"verifier zero value", newVerifierKeyProvider(pw, PBKDF2Params{}), DefaultVerifierParams()},
		{"verifier keeps iterations", newVerifierKeyProvider(pw, PBKDF2Params{Iterations: 8}),
			PBKDF2Params{Iterations: 8, HashFunc: SHA256, SaltSize: 32, KeySize: 32}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.kp.params != tt.want {
				t.Fatalf("params = %+v, want %+v", tt.kp.params, tt.want)
			}
		})
	}
}

func TestHeaderZeroVerifierParams(t *testing.T) {
	cfg := testConfig()
	h, err := NewHeader(testKey(t), testPassword, cfg.KeyWrap, PBKDF2Params{})
	if err != nil {
		t.Fatalf("NewHeader() error = %v", err)
	}
	if !h.VerifyPassword(testPassword, DefaultVerifierParams()) {
		t.Fatal("verifier built from zero params does not match the verifier defaults")
	}
	if !h.VerifyPassword(testPassword, PBKDF2Params{}) {
		t.Fatal("VerifyPassword() rejected zero params")
	}
}

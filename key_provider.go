package vaultfs

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// KeyProvider derives keys from a secret and a salt
type KeyProvider interface {
	// DeriveKey derives a key from the given salt
	DeriveKey(salt []byte) ([]byte, error)

	// GenerateSalt generates a new random salt
	GenerateSalt() ([]byte, error)
}

// PasswordKeyProvider implements KeyProvider using PBKDF2
type PasswordKeyProvider struct {
	password []byte
	params   PBKDF2Params
}

// NewPasswordKeyProvider creates a password-based key provider. Zero
// parameter fields take the key-wrap defaults.
func NewPasswordKeyProvider(password []byte, params PBKDF2Params) *PasswordKeyProvider {
	return &PasswordKeyProvider{
		password: password,
		params:   fillParams(params, DefaultKeyWrapParams()),
	}
}

// newVerifierKeyProvider is NewPasswordKeyProvider with the verifier defaults
func newVerifierKeyProvider(password []byte, params PBKDF2Params) *PasswordKeyProvider {
	return &PasswordKeyProvider{
		password: password,
		params:   fillParams(params, DefaultVerifierParams()),
	}
}

func fillParams(params, defaults PBKDF2Params) PBKDF2Params {
	if params.Iterations == 0 {
		params.Iterations = defaults.Iterations
	}
	if params.SaltSize == 0 {
		params.SaltSize = defaults.SaltSize
	}
	if params.KeySize == 0 {
		params.KeySize = defaults.KeySize
	}
	return params
}

// DeriveKey derives params.KeySize bytes from the password and salt
func (p *PasswordKeyProvider) DeriveKey(salt []byte) ([]byte, error) {
	if len(p.password) == 0 {
		return nil, errors.New("password cannot be empty")
	}
	if len(salt) == 0 {
		return nil, errors.New("salt cannot be empty")
	}

	return pbkdf2.Key(p.password, salt, p.params.Iterations, p.params.KeySize, p.params.HashFunc.New()), nil
}

// GenerateSalt generates a new random salt
func (p *PasswordKeyProvider) GenerateSalt() ([]byte, error) {
	salt := make([]byte, p.params.SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// GenerateMasterKey returns a fresh random 64-byte master key
func GenerateMasterKey() ([]byte, error) {
	key := make([]byte, MasterKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate master key: %w", err)
	}
	return key, nil
}

// wrapKey encrypts the master key with AES-256-CBC under a key and IV derived
// from the provider, returning salt followed by ciphertext.
func wrapKey(masterKey []byte, kp KeyProvider) ([wrappedKeySize]byte, error) {
	var out [wrappedKeySize]byte
	if len(masterKey) != MasterKeySize {
		return out, NewValidationError("key", len(masterKey), fmt.Sprintf("master key must be %d bytes", MasterKeySize))
	}

	salt, err := kp.GenerateSalt()
	if err != nil {
		return out, err
	}
	if len(salt)+wrappedKeyCipherSize != wrappedKeySize {
		return out, NewValidationError("salt", len(salt), "key wrap salt does not fit the header")
	}

	block, iv, err := wrapCipher(kp, salt)
	if err != nil {
		return out, err
	}

	plain := pkcs7Pad(masterKey, aes.BlockSize)
	ct := make([]byte, len(plain))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, plain)

	copy(out[:], salt)
	copy(out[len(salt):], ct)
	return out, nil
}

// unwrapKey reverses wrapKey. Any failure to decrypt to a well-formed
// master key is reported as ErrWrongPassword.
func unwrapKey(field []byte, kp KeyProvider, saltSize int) ([]byte, error) {
	if len(field) != wrappedKeySize || saltSize <= 0 || saltSize >= wrappedKeySize {
		return nil, ErrCorrupt
	}
	salt := field[:saltSize]
	ct := field[saltSize:]
	if len(ct)%aes.BlockSize != 0 {
		return nil, ErrCorrupt
	}

	block, iv, err := wrapCipher(kp, salt)
	if err != nil {
		return nil, err
	}

	plain := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ct)

	key, err := pkcs7Unpad(plain, aes.BlockSize)
	if err != nil || len(key) != MasterKeySize {
		return nil, ErrWrongPassword
	}
	return key, nil
}

func wrapCipher(kp KeyProvider, salt []byte) (cipher.Block, []byte, error) {
	derived, err := kp.DeriveKey(salt)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to derive key: %w", err)
	}
	if len(derived) != 32+aes.BlockSize {
		return nil, nil, NewValidationError("key_size", len(derived), "key wrap needs 48 derived bytes")
	}

	block, err := aes.NewCipher(derived[:32])
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	return block, derived[32:], nil
}

// newVerifier returns a random salt followed by the password digest.
func newVerifier(kp KeyProvider) ([verifierSize]byte, error) {
	var out [verifierSize]byte

	salt, err := kp.GenerateSalt()
	if err != nil {
		return out, err
	}
	digest, err := kp.DeriveKey(salt)
	if err != nil {
		return out, fmt.Errorf("failed to derive verifier: %w", err)
	}
	if len(salt)+len(digest) != verifierSize {
		return out, NewValidationError("verifier", len(salt)+len(digest), "verifier does not fit the header")
	}

	copy(out[:], salt)
	copy(out[len(salt):], digest)
	return out, nil
}

// checkVerifier recomputes the digest and compares in constant time.
func checkVerifier(field []byte, kp KeyProvider, saltSize int) bool {
	if len(field) != verifierSize || saltSize <= 0 || saltSize >= verifierSize {
		return false
	}
	digest, err := kp.DeriveKey(field[:saltSize])
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(digest, field[saltSize:]) == 1
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(bytes.Clone(data), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("invalid padded length")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize {
		return nil, errors.New("invalid padding")
	}
	pad := data[len(data)-n:]
	if subtle.ConstantTimeCompare(pad, bytes.Repeat([]byte{byte(n)}, n)) != 1 {
		return nil, errors.New("invalid padding")
	}
	return data[:len(data)-n], nil
}

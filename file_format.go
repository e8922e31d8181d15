package vaultfs

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
)

const (
	// wrappedKeySize holds the key-wrap salt and the padded master key ciphertext
	wrappedKeySize = 96

	// wrappedKeyCipherSize is the CBC output for a 64-byte key with full-block padding
	wrappedKeyCipherSize = 80

	// verifierSize holds the verifier salt and digest
	verifierSize = 64

	verifierOffset = wrappedKeySize
	paddingOffset  = verifierOffset + verifierSize
	paddingSize    = HeaderSize - paddingOffset
)

// Header is the fixed 4096-byte container header. The payload starts
// immediately after it.
type Header struct {
	WrappedKey [wrappedKeySize]byte // salt(16) || AES-256-CBC(master key)
	Verifier   [verifierSize]byte   // salt(32) || PBKDF2 digest(32)
	Padding    [paddingSize]byte    // random filler
}

// NewHeader wraps masterKey and computes the verifier with the given parameters
func NewHeader(masterKey, password []byte, keyWrap, verifier PBKDF2Params) (*Header, error) {
	h := &Header{}

	wrapped, err := wrapKey(masterKey, NewPasswordKeyProvider(password, keyWrap))
	if err != nil {
		return nil, fmt.Errorf("failed to wrap key: %w", err)
	}
	h.WrappedKey = wrapped

	v, err := newVerifier(newVerifierKeyProvider(password, verifier))
	if err != nil {
		return nil, fmt.Errorf("failed to create verifier: %w", err)
	}
	h.Verifier = v

	if _, err := rand.Read(h.Padding[:]); err != nil {
		return nil, fmt.Errorf("failed to generate padding: %w", err)
	}
	return h, nil
}

// MarshalBinary returns the 4096 header bytes
func (h *Header) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, HeaderSize)
	buf = append(buf, h.WrappedKey[:]...)
	buf = append(buf, h.Verifier[:]...)
	buf = append(buf, h.Padding[:]...)
	return buf, nil
}

// UnmarshalBinary parses exactly HeaderSize bytes
func (h *Header) UnmarshalBinary(data []byte) error {
	if len(data) != HeaderSize {
		return &CorruptionError{Message: fmt.Sprintf("header must be %d bytes, got %d", HeaderSize, len(data))}
	}
	copy(h.WrappedKey[:], data[:verifierOffset])
	copy(h.Verifier[:], data[verifierOffset:paddingOffset])
	copy(h.Padding[:], data[paddingOffset:])
	return nil
}

// WriteTo writes the header to the given writer
func (h *Header) WriteTo(w io.Writer) (int64, error) {
	buf, err := h.MarshalBinary()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(buf)
	if err != nil {
		return int64(n), fmt.Errorf("failed to write header: %w", err)
	}
	return int64(n), nil
}

// ReadFrom reads the header from the given reader
func (h *Header) ReadFrom(r io.Reader) (int64, error) {
	buf := make([]byte, HeaderSize)
	n, err := io.ReadFull(r, buf)
	if err != nil {
		return int64(n), &CorruptionError{Message: "header is truncated", Err: fmt.Errorf("%w: %v", ErrCorrupt, err)}
	}
	return int64(n), h.UnmarshalBinary(buf)
}

// VerifyPassword checks the password against the verifier field only
func (h *Header) VerifyPassword(password []byte, params PBKDF2Params) bool {
	kp := newVerifierKeyProvider(password, params)
	return checkVerifier(h.Verifier[:], kp, kp.params.SaltSize)
}

// UnwrapKey recovers the master key from the wrapped-key field
func (h *Header) UnwrapKey(password []byte, params PBKDF2Params) ([]byte, error) {
	kp := NewPasswordKeyProvider(password, params)
	return unwrapKey(h.WrappedKey[:], kp, kp.params.SaltSize)
}

// ReadHeader reads the header of the container at path
func ReadHeader(path string) (*Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, NewIOError("open", path, err)
	}
	defer f.Close()

	h := &Header{}
	if _, err := h.ReadFrom(f); err != nil {
		var ce *CorruptionError
		if errors.As(err, &ce) {
			ce.Path = path
		}
		return nil, err
	}
	return h, nil
}

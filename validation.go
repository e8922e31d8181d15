package vaultfs

import (
	"crypto/aes"
	"fmt"
)

// Input validation helpers shared by the streams and the container layer

// ValidateKey checks if a key has the correct size
func ValidateKey(key []byte, expectedSize int) error {
	if key == nil {
		return &ValidationError{
			Field:   "key",
			Message: "key cannot be nil",
		}
	}

	if len(key) != expectedSize {
		return &ValidationError{
			Field:   "key",
			Value:   len(key),
			Message: fmt.Sprintf("invalid key size: got %d bytes, expected %d bytes", len(key), expectedSize),
		}
	}

	return nil
}

// ValidateSectorSize checks that size is a positive multiple of the AES block size
func ValidateSectorSize(size int) error {
	if size <= 0 || size%aes.BlockSize != 0 {
		return &ValidationError{
			Field:   "sector_size",
			Value:   size,
			Message: fmt.Sprintf("sector size must be a positive multiple of %d", aes.BlockSize),
		}
	}
	return nil
}

// ValidatePassword rejects empty passwords
func ValidatePassword(password []byte) error {
	if len(password) == 0 {
		return &ValidationError{
			Field:   "password",
			Message: "password cannot be empty",
		}
	}
	return nil
}

// ValidateOffset checks if a stream offset is valid
func ValidateOffset(offset int64) error {
	if offset < 0 {
		return ErrNegativeOffset
	}
	return nil
}

// ValidateReadWrite checks common preconditions for read/write operations
func ValidateReadWrite(buf []byte, position int64) error {
	if buf == nil {
		return ErrNilBuffer
	}
	return ValidateOffset(position)
}

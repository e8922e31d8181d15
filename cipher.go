package vaultfs

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
)

const tweakSize = aes.BlockSize

// sectorCipher is a tweakable AES-256 transform applied per sector. The
// first half of the master key drives the data cipher, the second half
// encrypts the sector index into the initial tweak.
type sectorCipher struct {
	data  cipher.Block
	tweak cipher.Block
	size  int
}

func newSectorCipher(key []byte, sectorSize int) (*sectorCipher, error) {
	if err := ValidateKey(key, MasterKeySize); err != nil {
		return nil, err
	}
	if err := ValidateSectorSize(sectorSize); err != nil {
		return nil, err
	}

	data, err := aes.NewCipher(key[:32])
	if err != nil {
		return nil, fmt.Errorf("failed to create data cipher: %w", err)
	}
	tweak, err := aes.NewCipher(key[32:])
	if err != nil {
		return nil, fmt.Errorf("failed to create tweak cipher: %w", err)
	}

	return &sectorCipher{data: data, tweak: tweak, size: sectorSize}, nil
}

// initialTweak encrypts the little-endian sector index with the tweak key.
func (c *sectorCipher) initialTweak(index int64) [tweakSize]byte {
	var t [tweakSize]byte
	binary.LittleEndian.PutUint64(t[:8], uint64(index))
	c.tweak.Encrypt(t[:], t[:])
	return t
}

// transform encrypts or decrypts one whole sector in place.
func (c *sectorCipher) transform(sector []byte, index int64, encrypt bool) {
	t := c.initialTweak(index)
	for pos := 0; pos < len(sector); pos += aes.BlockSize {
		b := sector[pos : pos+aes.BlockSize]
		xorTweak(b, &t)
		if encrypt {
			c.data.Encrypt(b, b)
		} else {
			c.data.Decrypt(b, b)
		}
		xorTweak(b, &t)

		if pos+aes.BlockSize < len(sector) {
			doubleTweak(&t)
		}
	}
}

func xorTweak(b []byte, t *[tweakSize]byte) {
	for i := range t {
		b[i] ^= t[i]
	}
}

// doubleTweak multiplies the tweak by x in GF(2^128). Byte 15 is the least
// significant byte, so the carry travels from byte 15 toward byte 0 and the
// reduction folds back into byte 15.
func doubleTweak(t *[tweakSize]byte) {
	var carry byte
	for i := tweakSize - 1; i >= 0; i-- {
		b := t[i]
		t[i] = b<<1 | carry
		carry = b >> 7
	}
	if carry != 0 {
		t[tweakSize-1] ^= 0x87
	}
}

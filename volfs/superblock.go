package volfs

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	bin "github.com/saylorsolutions/binmap"
)

const (
	superMagic   uint64 = 0x7661756c74667331 // "vaultfs1"
	superVersion uint8  = 1

	// superSize is the byte span read for one superblock slot
	superSize = 512

	minBlockSize = 512
	maxBlockSize = 65536
)

type superblock struct {
	magic        uint64
	version      uint8
	blockSize    uint64
	totalBlocks  uint64
	generation   uint64
	metaStart    uint64
	metaBlocks   uint64
	metaLength   uint64
	metaChecksum uint64
	idHigh       uint64
	idLow        uint64
}

func (sb *superblock) mapper() bin.Mapper {
	return bin.MapSequence(
		bin.Int(&sb.magic),
		bin.Byte(&sb.version),
		bin.Int(&sb.blockSize),
		bin.Int(&sb.totalBlocks),
		bin.Int(&sb.generation),
		bin.Int(&sb.metaStart),
		bin.Int(&sb.metaBlocks),
		bin.Int(&sb.metaLength),
		bin.Int(&sb.metaChecksum),
		bin.Int(&sb.idHigh),
		bin.Int(&sb.idLow),
	)
}

func (sb *superblock) id() uuid.UUID {
	var u uuid.UUID
	binary.BigEndian.PutUint64(u[:8], sb.idHigh)
	binary.BigEndian.PutUint64(u[8:], sb.idLow)
	return u
}

func (sb *superblock) setID(u uuid.UUID) {
	sb.idHigh = binary.BigEndian.Uint64(u[:8])
	sb.idLow = binary.BigEndian.Uint64(u[8:])
}

// slot is the superblock slot the current generation is written to
func (sb *superblock) slot() uint64 {
	return sb.generation % 2
}

// encode returns superSize bytes: the fields, their xxhash, then zeros.
func (sb *superblock) encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := sb.mapper().Write(&buf, binary.BigEndian); err != nil {
		return nil, fmt.Errorf("failed to encode superblock: %w", err)
	}
	out := make([]byte, superSize)
	n := copy(out, buf.Bytes())
	binary.BigEndian.PutUint64(out[n:], xxhash.Sum64(buf.Bytes()))
	return out, nil
}

func decodeSuperblock(data []byte) (*superblock, error) {
	r := bytes.NewReader(data)
	sb := &superblock{}
	if err := sb.mapper().Read(r, binary.BigEndian); err != nil {
		return nil, fmt.Errorf("%w: superblock: %v", ErrCorrupt, err)
	}
	if sb.magic != superMagic {
		return nil, fmt.Errorf("%w: bad superblock magic", ErrCorrupt)
	}

	n := int(r.Size()) - r.Len()
	if len(data) < n+8 {
		return nil, fmt.Errorf("%w: short superblock", ErrCorrupt)
	}
	if binary.BigEndian.Uint64(data[n:]) != xxhash.Sum64(data[:n]) {
		return nil, fmt.Errorf("%w: superblock checksum mismatch", ErrCorrupt)
	}
	if sb.version > superVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, sb.version)
	}
	if !validBlockSize(sb.blockSize) || sb.totalBlocks < minBlocks {
		return nil, fmt.Errorf("%w: bad geometry", ErrCorrupt)
	}
	if sb.metaStart < superSlots || sb.metaStart+sb.metaBlocks > sb.totalBlocks ||
		sb.metaLength > sb.metaBlocks*sb.blockSize {
		return nil, fmt.Errorf("%w: metadata out of range", ErrCorrupt)
	}
	return sb, nil
}

func validBlockSize(n uint64) bool {
	return n >= minBlockSize && n <= maxBlockSize && n&(n-1) == 0
}

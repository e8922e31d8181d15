package volfs

import "math/bits"

// allocator tracks used blocks in an in-memory bitmap. It is rebuilt from
// the metadata tree when a volume is opened.
type allocator struct {
	words []uint64
	total uint64
	used  uint64
	low   uint64 // no free block below this index
}

func newAllocator(total uint64) *allocator {
	return &allocator{
		words: make([]uint64, (total+63)/64),
		total: total,
	}
}

func (a *allocator) isUsed(b uint64) bool {
	return a.words[b/64]&(1<<(b%64)) != 0
}

func (a *allocator) mark(start, count uint64) {
	for b := start; b < start+count && b < a.total; b++ {
		if !a.isUsed(b) {
			a.words[b/64] |= 1 << (b % 64)
			a.used++
		}
	}
}

func (a *allocator) free(start, count uint64) {
	for b := start; b < start+count && b < a.total; b++ {
		if a.isUsed(b) {
			a.words[b/64] &^= 1 << (b % 64)
			a.used--
		}
	}
	if start < a.low {
		a.low = start
	}
}

// nextFree returns the lowest free block at or after from.
func (a *allocator) nextFree(from uint64) (uint64, bool) {
	for w := from / 64; w < uint64(len(a.words)); w++ {
		word := a.words[w]
		if w == from/64 {
			word |= (1 << (from % 64)) - 1
		}
		if word == ^uint64(0) {
			continue
		}
		b := w*64 + uint64(bits.TrailingZeros64(^word))
		if b >= a.total {
			return 0, false
		}
		return b, true
	}
	return 0, false
}

// alloc takes goal if it is free, otherwise the lowest free block.
func (a *allocator) alloc(goal uint64) (uint64, error) {
	if goal > 0 && goal < a.total && !a.isUsed(goal) {
		a.mark(goal, 1)
		return goal, nil
	}
	b, ok := a.nextFree(a.low)
	if !ok {
		return 0, ErrNoSpace
	}
	a.low = b + 1
	a.mark(b, 1)
	return b, nil
}

// allocRun takes the lowest run of count contiguous free blocks.
func (a *allocator) allocRun(count uint64) (uint64, error) {
	if count == 0 {
		return 0, nil
	}
	start, ok := a.nextFree(a.low)
	for ok {
		end := start
		for end < a.total && end-start < count && !a.isUsed(end) {
			end++
		}
		if end-start == count {
			a.mark(start, count)
			if start == a.low {
				a.low = start + count
			}
			return start, nil
		}
		start, ok = a.nextFree(end)
	}
	return 0, ErrNoSpace
}

func (a *allocator) freeBlocks() uint64 {
	return a.total - a.used
}

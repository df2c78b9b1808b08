package pgm

import (
	"errors"
)

// inconsistent erasure map handed to decode
var ErrFecArith = errors.New("inconsistent erasure map")

// ReedSolomon is a systematic RS(n,k) codec over GF(2^8) built from a
// Vandermonde matrix at points alpha^0..alpha^(n-1). The top k x k submatrix
// is inverted out so rows 0..k-1 of the generator are the identity and data
// blocks pass through unchanged; rows k..n-1 produce parity.
//
// The codec is byte-wise and length-independent: a block may be any length
// and shorter blocks are treated as zero-padded. It holds no mutable state
// after construction, so one codec may be shared across goroutines.
type ReedSolomon struct {
	n int
	k int
	// n rows x k cols, rows 0..k-1 identity
	generator []uint8
}

// NewReedSolomon accepts any 2 <= k < n <= 255. The transport layer
// additionally restricts k to powers of two in [2, 128] at configuration
// time.
func NewReedSolomon(n int, k int) (*ReedSolomon, error) {
	if k < 2 || n < k+1 || 255 < n {
		return nil, ErrFecInvalidParams
	}

	// Vandermonde: v[i][j] = alpha^(i*j)
	vandermonde := make([]uint8, n*k)
	for i := 0; i < n; i += 1 {
		for j := 0; j < k; j += 1 {
			vandermonde[i*k+j] = gfExp[(i*j)%255]
		}
	}

	// invert the top k x k and multiply through for a systematic generator
	top := make([]uint8, k*k)
	copy(top, vandermonde[:k*k])
	if err := gfMatrixInvert(top, k); err != nil {
		return nil, err
	}
	generator := make([]uint8, n*k)
	for i := 0; i < k; i += 1 {
		generator[i*k+i] = 1
	}
	for i := k; i < n; i += 1 {
		for j := 0; j < k; j += 1 {
			var acc uint8
			for m := 0; m < k; m += 1 {
				acc ^= gfMul(vandermonde[i*k+m], top[m*k+j])
			}
			generator[i*k+j] = acc
		}
	}

	return &ReedSolomon{
		n:         n,
		k:         k,
		generator: generator,
	}, nil
}

func (self *ReedSolomon) N() int {
	return self.n
}

func (self *ReedSolomon) K() int {
	return self.k
}

// Encode xors the parity block with index parityIndex (0 <= parityIndex < n-k)
// for the k source blocks into dst. dst must be zeroed first for a clean
// parity block.
func (self *ReedSolomon) Encode(src [][]byte, dst []byte, parityIndex int) error {
	if len(src) != self.k {
		return ErrFecInsufficient
	}
	if parityIndex < 0 || self.n-self.k <= parityIndex {
		return ErrFecInvalidParams
	}
	row := self.generator[(self.k+parityIndex)*self.k : (self.k+parityIndex+1)*self.k]
	for j, block := range src {
		gfMulAddSlice(dst, block, row[j])
	}
	return nil
}

// DecodeParityInline reconstructs erased source blocks in place. blocks has
// k entries; position i holds the surviving block for generator row
// offsets[i]. Positions where offsets[i] == i are intact data and are not
// touched. Positions where offsets[i] >= k hold a parity block that is
// rewritten with the reconstructed source block i.
func (self *ReedSolomon) DecodeParityInline(blocks [][]byte, offsets []uint8) error {
	if len(blocks) != self.k || len(offsets) != self.k {
		return ErrFecInsufficient
	}
	decode, err := self.decodeMatrix(offsets)
	if err != nil {
		return err
	}
	if decode == nil {
		// nothing erased
		return nil
	}

	// snapshot the surviving blocks the reconstruction reads from
	survivors := make([][]byte, self.k)
	for i := 0; i < self.k; i += 1 {
		if offsets[i] != uint8(i) {
			survivor := make([]byte, len(blocks[i]))
			copy(survivor, blocks[i])
			survivors[i] = survivor
		} else {
			survivors[i] = blocks[i]
		}
	}
	for i := 0; i < self.k; i += 1 {
		if offsets[i] == uint8(i) {
			continue
		}
		dst := blocks[i]
		for j := range dst {
			dst[j] = 0
		}
		for m := 0; m < self.k; m += 1 {
			gfMulAddSlice(dst, survivors[m], decode[i*self.k+m])
		}
	}
	return nil
}

// DecodeParityAppended is the same algorithm with parity placed after the
// data block group: blocks has n entries, data at 0..k-1 with erased entries
// present but stale, parity appended at k... offsets[i] names the row whose
// block stands in for source position i; the block itself is read from
// blocks[offsets[i]]. Reconstructed source blocks are written to blocks[i].
func (self *ReedSolomon) DecodeParityAppended(blocks [][]byte, offsets []uint8) error {
	if len(blocks) != self.n || len(offsets) != self.k {
		return ErrFecInsufficient
	}
	decode, err := self.decodeMatrix(offsets)
	if err != nil {
		return err
	}
	if decode == nil {
		return nil
	}

	survivors := make([][]byte, self.k)
	for i := 0; i < self.k; i += 1 {
		survivors[i] = blocks[offsets[i]]
	}
	for i := 0; i < self.k; i += 1 {
		if offsets[i] == uint8(i) {
			continue
		}
		dst := blocks[i]
		for j := range dst {
			dst[j] = 0
		}
		for m := 0; m < self.k; m += 1 {
			gfMulAddSlice(dst, survivors[m], decode[i*self.k+m])
		}
	}
	return nil
}

// decodeMatrix inverts the submatrix of surviving generator rows. Returns
// nil when offsets name exactly rows 0..k-1, meaning nothing to do.
func (self *ReedSolomon) decodeMatrix(offsets []uint8) ([]uint8, error) {
	erased := false
	seen := make(map[uint8]bool, self.k)
	for i, offset := range offsets {
		if self.n <= int(offset) {
			return nil, ErrFecArith
		}
		if seen[offset] {
			return nil, ErrFecArith
		}
		seen[offset] = true
		if offset != uint8(i) {
			erased = true
		}
	}
	if !erased {
		return nil, nil
	}
	decode := make([]uint8, self.k*self.k)
	for i, offset := range offsets {
		copy(decode[i*self.k:(i+1)*self.k], self.generator[int(offset)*self.k:(int(offset)+1)*self.k])
	}
	if err := gfMatrixInvert(decode, self.k); err != nil {
		return nil, err
	}
	return decode, nil
}

package pgm

// GF(2^8) arithmetic with primitive polynomial 0x11D. The exp table is
// doubled so products of two logs index without a modulo reduction.
// Tables are read-only after init.

const gfPoly = 0x11D

var gfExp [510]uint8
var gfLog [256]uint8

func init() {
	x := 1
	for i := 0; i < 255; i += 1 {
		gfExp[i] = uint8(x)
		gfExp[i+255] = uint8(x)
		gfLog[x] = uint8(i)
		x <<= 1
		if x&0x100 != 0 {
			x ^= gfPoly
		}
	}
}

func gfMul(a uint8, b uint8) uint8 {
	if a == 0 || b == 0 {
		return 0
	}
	return gfExp[int(gfLog[a])+int(gfLog[b])]
}

func gfDiv(a uint8, b uint8) uint8 {
	if b == 0 {
		panic("division by zero in GF(2^8)")
	}
	if a == 0 {
		return 0
	}
	return gfExp[int(gfLog[a])+255-int(gfLog[b])]
}

// dst ^= c * src, byte-wise over the shorter of the two
func gfMulAddSlice(dst []byte, src []byte, c uint8) {
	if c == 0 {
		return
	}
	n := len(dst)
	if len(src) < n {
		n = len(src)
	}
	if c == 1 {
		for i := 0; i < n; i += 1 {
			dst[i] ^= src[i]
		}
		return
	}
	logC := int(gfLog[c])
	for i := 0; i < n; i += 1 {
		if src[i] != 0 {
			dst[i] ^= gfExp[logC+int(gfLog[src[i]])]
		}
	}
}

// in-place Gauss-Jordan inversion of a size x size matrix in row-major order
func gfMatrixInvert(m []uint8, size int) error {
	// augment with identity
	work := make([]uint8, size*2*size)
	for i := 0; i < size; i += 1 {
		copy(work[i*2*size:i*2*size+size], m[i*size:(i+1)*size])
		work[i*2*size+size+i] = 1
	}
	for col := 0; col < size; col += 1 {
		// find pivot
		pivot := -1
		for row := col; row < size; row += 1 {
			if work[row*2*size+col] != 0 {
				pivot = row
				break
			}
		}
		if pivot < 0 {
			return ErrFecArith
		}
		if pivot != col {
			for j := 0; j < 2*size; j += 1 {
				work[col*2*size+j], work[pivot*2*size+j] = work[pivot*2*size+j], work[col*2*size+j]
			}
		}
		// scale pivot row
		c := work[col*2*size+col]
		for j := 0; j < 2*size; j += 1 {
			work[col*2*size+j] = gfDiv(work[col*2*size+j], c)
		}
		// eliminate other rows
		for row := 0; row < size; row += 1 {
			if row == col {
				continue
			}
			c := work[row*2*size+col]
			if c == 0 {
				continue
			}
			for j := 0; j < 2*size; j += 1 {
				work[row*2*size+j] ^= gfMul(c, work[col*2*size+j])
			}
		}
	}
	for i := 0; i < size; i += 1 {
		copy(m[i*size:(i+1)*size], work[i*2*size+size:i*2*size+2*size])
	}
	return nil
}

package minting

import "math/bits"

// u128 is a minimal unsigned 128 bit integer, just big enough for the
// fixed point cloud unit math and the unit-second consumption accumulators,
// which overflow 64 bits over a period.
type u128 struct {
	Hi uint64
	Lo uint64
}

func mul128(a, b uint64) u128 {
	hi, lo := bits.Mul64(a, b)
	return u128{Hi: hi, Lo: lo}
}

func (x u128) add(y u128) u128 {
	lo, carry := bits.Add64(x.Lo, y.Lo, 0)
	hi, _ := bits.Add64(x.Hi, y.Hi, carry)
	return u128{Hi: hi, Lo: lo}
}

func (x u128) sub(y u128) u128 {
	lo, borrow := bits.Sub64(x.Lo, y.Lo, 0)
	hi, _ := bits.Sub64(x.Hi, y.Hi, borrow)
	return u128{Hi: hi, Lo: lo}
}

// div divides by a 64 bit divisor, truncating.
func (x u128) div(d uint64) u128 {
	q1 := x.Hi / d
	r := x.Hi % d
	q0, _ := bits.Div64(r, x.Lo, d)
	return u128{Hi: q1, Lo: q0}
}

func (x u128) less(y u128) bool {
	if x.Hi != y.Hi {
		return x.Hi < y.Hi
	}
	return x.Lo < y.Lo
}

func min128(x, y u128) u128 {
	if x.less(y) {
		return x
	}
	return y
}

// u64 truncates to 64 bits. Callers only do this after dividing back into
// the 64 bit range.
func (x u128) u64() uint64 {
	return x.Lo
}

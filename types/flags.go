package types

import "math/bits"

// FlagKind records which operation produced the lazy flags.
type FlagKind uint8

const (
	FlagsNone FlagKind = iota
	FlagsAdd
	FlagsSub
	FlagsLogic
)

// Flags is a lazily evaluated condition-code record. Only the operands and the
// result are stored; ZF/SF/CF/OF are derived on demand at Width bits.
type Flags struct {
	Kind   FlagKind
	Width  uint8
	A      uint64
	B      uint64
	Result uint64
}

// MakeFlags records a flag-setting operation with every value truncated to
// width, so records built from 64-bit IR temporaries and from guest operands
// compare equal.
func MakeFlags(kind FlagKind, width uint8, a, b, result uint64) Flags {
	m := Mask(width)
	return Flags{Kind: kind, Width: width, A: a & m, B: b & m, Result: result & m}
}

// Mask returns the low-width bit mask.
func Mask(width uint8) uint64 {
	if width >= 64 || width == 0 {
		return ^uint64(0)
	}
	return (uint64(1) << width) - 1
}

// SignExtend sign-extends the low width bits of v to 64 bits.
func SignExtend(v uint64, width uint8) uint64 {
	if width >= 64 || width == 0 {
		return v
	}
	shift := 64 - width
	return uint64(int64(v<<shift) >> shift)
}

// ByteSwap reverses the low width/8 bytes of v.
func ByteSwap(v uint64, width uint8) uint64 {
	switch width {
	case 16:
		return uint64(bits.ReverseBytes16(uint16(v)))
	case 32:
		return uint64(bits.ReverseBytes32(uint32(v)))
	case 64:
		return bits.ReverseBytes64(v)
	}
	return v & Mask(width)
}

func (f Flags) msb() uint64 {
	w := f.Width
	if w == 0 {
		w = 64
	}
	return uint64(1) << (w - 1)
}

func (f Flags) zf() bool { return f.Result&Mask(f.Width) == 0 }
func (f Flags) sf() bool { return f.Result&f.msb() != 0 }

func (f Flags) cf() bool {
	m := Mask(f.Width)
	switch f.Kind {
	case FlagsAdd:
		return f.Result&m < f.A&m
	case FlagsSub:
		return f.A&m < f.B&m
	}
	return false
}

func (f Flags) of() bool {
	switch f.Kind {
	case FlagsAdd:
		return (^(f.A ^ f.B) & (f.A ^ f.Result) & f.msb()) != 0
	case FlagsSub:
		return ((f.A ^ f.B) & (f.A ^ f.Result) & f.msb()) != 0
	}
	return false
}

// Eval evaluates c against the recorded flags.
func (f Flags) Eval(c Cond) bool {
	if f.Kind == FlagsSub {
		return Compare(c, f.A, f.B, f.Width)
	}
	zf, sf, cf, of := f.zf(), f.sf(), f.cf(), f.of()
	switch c {
	case CondEQ:
		return zf
	case CondNE:
		return !zf
	case CondLT:
		return sf != of
	case CondGE:
		return sf == of
	case CondLE:
		return zf || sf != of
	case CondGT:
		return !zf && sf == of
	case CondLTU:
		return cf
	case CondGEU:
		return !cf
	case CondLEU:
		return cf || zf
	case CondGTU:
		return !cf && !zf
	}
	return false
}

// Compare evaluates c as a direct comparison of a and b at width bits.
func Compare(c Cond, a, b uint64, width uint8) bool {
	m := Mask(width)
	ua, ub := a&m, b&m
	sa, sb := int64(SignExtend(ua, width)), int64(SignExtend(ub, width))
	switch c {
	case CondEQ:
		return ua == ub
	case CondNE:
		return ua != ub
	case CondLT:
		return sa < sb
	case CondGE:
		return sa >= sb
	case CondLE:
		return sa <= sb
	case CondGT:
		return sa > sb
	case CondLTU:
		return ua < ub
	case CondGEU:
		return ua >= ub
	case CondLEU:
		return ua <= ub
	case CondGTU:
		return ua > ub
	}
	return false
}

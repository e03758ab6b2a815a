package vm

// ---------------------------------------------------------------------------
// Integer arithmetic
// ---------------------------------------------------------------------------
//
// Go defines signed overflow as two's-complement wraparound, so the plain
// operators already give 32-bit semantics. Only division and remainder can
// fail.

// Add returns a+b with 32-bit wraparound.
func Add(a, b int32) int32 { return a + b }

// Sub returns a-b with 32-bit wraparound.
func Sub(a, b int32) int32 { return a - b }

// Mul returns a*b with 32-bit wraparound.
func Mul(a, b int32) int32 { return a * b }

// Neg returns -a with 32-bit wraparound (Neg(MinInt32) == MinInt32).
func Neg(a int32) int32 { return -a }

// Div returns a/b truncated toward zero.
// Fails with an ArithmeticFault when b is zero. MinInt32 / -1 wraps to MinInt32.
func Div(a, b int32) (int32, error) {
	if b == 0 {
		return 0, NewFault(ArithmeticFault, "Division by zero")
	}
	return a / b, nil
}

// Rem returns the remainder of truncating division; its sign follows a.
func Rem(a, b int32) (int32, error) {
	if b == 0 {
		return 0, NewFault(ArithmeticFault, "Division by zero")
	}
	return a % b, nil
}

// And, Or and Xor are bitwise operations.
func And(a, b int32) int32 { return a & b }
func Or(a, b int32) int32  { return a | b }
func Xor(a, b int32) int32 { return a ^ b }

// Shl shifts left by the low 5 bits of n.
func Shl(a, n int32) int32 { return a << (uint32(n) & 31) }

// Shr is an arithmetic right shift by the low 5 bits of n.
func Shr(a, n int32) int32 { return a >> (uint32(n) & 31) }

// Ushr is a logical right shift by the low 5 bits of n.
func Ushr(a, n int32) int32 { return int32(uint32(a) >> (uint32(n) & 31)) }

// Compare returns -1, 0 or 1.
func Compare(a, b int32) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

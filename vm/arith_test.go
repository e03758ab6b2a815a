package vm

import (
	"errors"
	"math"
	"testing"
)

func TestWrappingArithmetic(t *testing.T) {
	if got := Add(math.MaxInt32, 1); got != math.MinInt32 {
		t.Errorf("MaxInt32 + 1 = %d, want MinInt32", got)
	}
	if got := Sub(math.MinInt32, 1); got != math.MaxInt32 {
		t.Errorf("MinInt32 - 1 = %d, want MaxInt32", got)
	}
	if got := Mul(1<<16, 1<<16); got != 0 {
		t.Errorf("2^16 * 2^16 = %d, want 0", got)
	}
	if got := Neg(math.MinInt32); got != math.MinInt32 {
		t.Errorf("-MinInt32 = %d, want MinInt32", got)
	}
}

func TestDivTruncatesTowardZero(t *testing.T) {
	tests := []struct {
		a, b, q, r int32
	}{
		{7, 2, 3, 1},
		{-7, 2, -3, -1},
		{7, -2, -3, 1},
		{-7, -2, 3, -1},
		{math.MinInt32, -1, math.MinInt32, 0},
	}
	for _, tt := range tests {
		q, err := Div(tt.a, tt.b)
		if err != nil || q != tt.q {
			t.Errorf("Div(%d, %d) = %d, %v, want %d", tt.a, tt.b, q, err, tt.q)
		}
		r, err := Rem(tt.a, tt.b)
		if err != nil || r != tt.r {
			t.Errorf("Rem(%d, %d) = %d, %v, want %d", tt.a, tt.b, r, err, tt.r)
		}
	}
}

func TestDivByZeroFaults(t *testing.T) {
	for _, fn := range []func(int32, int32) (int32, error){Div, Rem} {
		_, err := fn(5, 0)
		var f *Fault
		if !errors.As(err, &f) {
			t.Fatalf("error = %v, want *Fault", err)
		}
		if f.Kind != ArithmeticFault {
			t.Errorf("fault kind = %v, want ArithmeticFault", f.Kind)
		}
	}
}

func TestShifts(t *testing.T) {
	if got := Shl(1, 33); got != 2 {
		t.Errorf("1 << 33 = %d, want 2 (distance masked)", got)
	}
	if got := Shr(-8, 1); got != -4 {
		t.Errorf("-8 >> 1 = %d, want -4", got)
	}
	if got := Ushr(-1, 28); got != 15 {
		t.Errorf("-1 >>> 28 = %d, want 15", got)
	}
}

func TestCompare(t *testing.T) {
	if Compare(math.MinInt32, math.MaxInt32) != -1 || Compare(3, 3) != 0 || Compare(4, -4) != 1 {
		t.Error("Compare is not a total order over int32")
	}
}

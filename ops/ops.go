// Package ops provides the common operators for scans and reductions:
// sums, products, minima, maxima, and bitwise operations, each with its
// identity element and, for element types with a WGSL counterpart, its
// shader form.
//
// Every call returns a new Operator. Kernels are compiled per operator,
// so keep and reuse the returned operator rather than calling these
// functions per scan.
package ops

import (
	"fmt"
	"math"
	"strconv"

	"github.com/x448/float16"
	"golang.org/x/exp/constraints"

	"github.com/exascience/parscan"
)

// Number are the element types the arithmetic operators accept.
type Number interface {
	constraints.Integer | constraints.Float
}

// Sum returns addition, with identity 0.
func Sum[T Number]() *parscan.Operator[T] {
	return withShader(parscan.NewOperator("add", func(a, b T) T { return a + b }, 0), "a + b", 0)
}

// Product returns multiplication, with identity 1.
func Product[T Number]() *parscan.Operator[T] {
	return withShader(parscan.NewOperator("mul", func(a, b T) T { return a * b }, 1), "a * b", 1)
}

// Max returns the maximum, with the lowest value of T as identity, which
// is -Inf for floating-point types.
func Max[T Number]() *parscan.Operator[T] {
	identity := Lowest[T]()
	return withShader(parscan.NewOperator("max", func(a, b T) T {
		if b > a {
			return b
		}
		return a
	}, identity), "max(a, b)", identity)
}

// Min returns the minimum, with the highest value of T as identity, which
// is +Inf for floating-point types.
func Min[T Number]() *parscan.Operator[T] {
	identity := Highest[T]()
	return withShader(parscan.NewOperator("min", func(a, b T) T {
		if b < a {
			return b
		}
		return a
	}, identity), "min(a, b)", identity)
}

// And returns bitwise and, with all bits set as identity.
func And[T constraints.Integer]() *parscan.Operator[T] {
	var zero T
	return withShader(parscan.NewOperator("and", func(a, b T) T { return a & b }, ^zero), "a & b", ^zero)
}

// Or returns bitwise or, with identity 0.
func Or[T constraints.Integer]() *parscan.Operator[T] {
	return withShader(parscan.NewOperator("or", func(a, b T) T { return a | b }, 0), "a | b", 0)
}

// Xor returns bitwise exclusive or, with identity 0.
func Xor[T constraints.Integer]() *parscan.Operator[T] {
	return withShader(parscan.NewOperator("xor", func(a, b T) T { return a ^ b }, 0), "a ^ b", 0)
}

// HalfSum returns addition of half-precision floats. Every step rounds
// the sum to the nearest half-precision value.
func HalfSum() *parscan.Operator[float16.Float16] {
	return parscan.NewOperator("add", func(a, b float16.Float16) float16.Float16 {
		return float16.Fromfloat32(a.Float32() + b.Float32())
	}, float16.Fromfloat32(0)).WithWGSL("f16", "a + b", "0.0h")
}

// HalfMax returns the maximum of half-precision floats, with identity
// -Inf.
func HalfMax() *parscan.Operator[float16.Float16] {
	return parscan.NewOperator("max", func(a, b float16.Float16) float16.Float16 {
		if b.Float32() > a.Float32() {
			return b
		}
		return a
	}, float16.Inf(-1)).WithShader(parscan.WGSL{
		ScalarType: "f16",
		Combine:    "max(a, b)",
		Identity:   "bitcast<vec2<f16>>(identity_bits).x",
		Decls:      identityBits(uint32(float16.Inf(-1).Bits())),
	})
}

// Lowest returns the smallest value of T, or -Inf for floating-point
// types.
func Lowest[T Number]() T {
	switch {
	case isFloat[T]():
		return T(math.Inf(-1))
	case isUnsigned[T]():
		return 0
	}
	// Doubling a negative value overflows to 0 right after the lowest.
	lowest := T(0) - 1
	for next := lowest * 2; next < lowest; next *= 2 {
		lowest = next
	}
	return lowest
}

// Highest returns the largest value of T, or +Inf for floating-point
// types.
func Highest[T Number]() T {
	switch {
	case isFloat[T]():
		return T(math.Inf(1))
	case isUnsigned[T]():
		return T(0) - 1
	}
	return -(Lowest[T]() + 1)
}

func isFloat[T Number]() bool {
	one := T(1)
	return one/2 != 0
}

func isUnsigned[T Number]() bool {
	return T(0)-1 > 0
}

// withShader attaches the shader form for the element types WGSL has.
func withShader[T Number](op *parscan.Operator[T], combine string, identity T) *parscan.Operator[T] {
	var scalar, literal string
	switch v := any(identity).(type) {
	case int32:
		scalar = "i32"
		if v == math.MinInt32 {
			literal = "(-2147483647i - 1i)"
		} else {
			literal = strconv.FormatInt(int64(v), 10) + "i"
		}
	case uint32:
		scalar, literal = "u32", strconv.FormatUint(uint64(v), 10)+"u"
	case float32:
		if math.IsInf(float64(v), 0) {
			return op.WithShader(parscan.WGSL{
				ScalarType: "f32",
				Combine:    combine,
				Identity:   "bitcast<f32>(identity_bits)",
				Decls:      identityBits(math.Float32bits(v)),
			})
		}
		scalar, literal = "f32", strconv.FormatFloat(float64(v), 'g', -1, 32)+"f"
	default:
		return op
	}
	return op.WithWGSL(scalar, combine, literal)
}

// identityBits declares the bit pattern of an infinite identity. WGSL
// rejects constant expressions that evaluate to an infinity, so the
// identity is read from a private variable at run time.
func identityBits(bits uint32) string {
	return fmt.Sprintf("var<private> identity_bits: u32 = 0x%08xu;", bits)
}

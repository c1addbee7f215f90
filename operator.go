package parscan

import (
	"sync/atomic"

	"github.com/exascience/parscan/kernel"
)

var nextOperatorID atomic.Uint64

// An Operator is an associative binary operation with an identity
// element. The operation does not need to be commutative: every scan and
// reduce combines elements strictly from left to right.
//
// Operators are immutable. Every operator gets its own identity, so two
// operators created from the same functions never share compiled kernels.
type Operator[T any] struct {
	id       uint64
	name     string
	combine  func(a, b T) T
	identity T
	wgsl     *WGSL
}

// WGSL is the shader form of an operator. Combine is a WGSL expression
// over the two operands a and b, and Identity an expression of type
// ScalarType. Decls holds module-scope declarations the two expressions
// use, if any.
type WGSL struct {
	ScalarType string
	Combine    string
	Identity   string
	Decls      string
}

// NewOperator returns the operator with the given combine function and
// identity element. The name appears in kernel names and logs.
func NewOperator[T any](name string, combine func(a, b T) T, identity T) *Operator[T] {
	return &Operator[T]{
		id:       nextOperatorID.Add(1),
		name:     name,
		combine:  combine,
		identity: identity,
	}
}

// WithWGSL returns a new operator that also carries a shader form.
func (op *Operator[T]) WithWGSL(scalarType, combine, identity string) *Operator[T] {
	return op.WithShader(WGSL{ScalarType: scalarType, Combine: combine, Identity: identity})
}

// WithShader is like WithWGSL, for shader forms that need declarations.
func (op *Operator[T]) WithShader(form WGSL) *Operator[T] {
	result := *op
	result.id = nextOperatorID.Add(1)
	result.wgsl = &form
	return &result
}

// Name returns the operator name.
func (op *Operator[T]) Name() string { return op.name }

// Combine applies the operation.
func (op *Operator[T]) Combine(a, b T) T { return op.combine(a, b) }

// Identity returns the identity element.
func (op *Operator[T]) Identity() T { return op.identity }

// Shader returns the shader form of the operator, if any.
func (op *Operator[T]) Shader() (WGSL, bool) {
	if op.wgsl == nil {
		return WGSL{}, false
	}
	return *op.wgsl, true
}

func (op *Operator[T]) validate() error {
	switch {
	case op == nil:
		return configurationErrorf("nil operator")
	case op.id == 0:
		return configurationErrorf("operator %q was not created by NewOperator and has no identity element", op.name)
	case op.combine == nil:
		return configurationErrorf("operator %q has no combine function", op.name)
	}
	return nil
}

func (op *Operator[T]) monoid() kernel.Monoid[T] {
	return kernel.Monoid[T]{Combine: op.combine, Identity: op.identity}
}

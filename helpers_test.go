package parscan_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/exascience/parscan"
	"github.com/exascience/parscan/device"
)

// small is a layout of 8 elements per block, so that a few dozen
// elements already need several recursion levels.
var small = parscan.Config{ThreadsPerBlock: 4, ElementsPerThread: 2, MaxIdlePerKey: 4, MaxLevels: 8}

func newContext(t *testing.T, d *device.Device, config parscan.Config, options ...parscan.Option) *parscan.Context {
	t.Helper()
	c, err := parscan.NewContext(d, append([]parscan.Option{parscan.WithConfig(config)}, options...)...)
	require.NoError(t, err)
	return c
}

func add(a, b int) int { return a + b }

func iota1(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i + 1
	}
	return out
}

// affine is x -> a*x + b modulo affinePrime. Composition is associative
// but not commutative.
type affine struct{ a, b uint64 }

const affinePrime = 1_000_003

// composeAffine returns "f then g".
func composeAffine(f, g affine) affine {
	return affine{a: g.a * f.a % affinePrime, b: (g.a*f.b + g.b) % affinePrime}
}

// mat2 is a 2×2 matrix modulo affinePrime.
type mat2 [4]uint64

func mulMat2(x, y mat2) mat2 {
	return mat2{
		(x[0]*y[0] + x[1]*y[2]) % affinePrime,
		(x[0]*y[1] + x[1]*y[3]) % affinePrime,
		(x[2]*y[0] + x[3]*y[2]) % affinePrime,
		(x[2]*y[1] + x[3]*y[3]) % affinePrime,
	}
}

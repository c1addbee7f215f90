package parscan_test

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"

	"github.com/exascience/parscan"
	"github.com/exascience/parscan/device"
	"github.com/exascience/parscan/ops"
	"github.com/exascience/parscan/sequential"
)

func ExampleScanSlice() {
	c, err := parscan.NewContext(device.New(), parscan.WithConfig(parscan.DefaultConfig()))
	if err != nil {
		panic(err)
	}
	sum := ops.Sum[int]()
	a := []int{1, 2, 3, 4, 5, 6, 7, 8}

	scanned, err := parscan.ScanSlice(context.Background(), c, a, sum)
	if err != nil {
		panic(err)
	}
	total, err := parscan.ReduceSlice(context.Background(), c, a, sum)
	if err != nil {
		panic(err)
	}
	fmt.Println(scanned)
	fmt.Println(total)

	// Output:
	// [0 1 3 6 10 15 21 28]
	// 36
}

func ExampleScan() {
	ctx := context.Background()
	d := device.New()
	c, err := parscan.NewContext(d, parscan.WithConfig(parscan.DefaultConfig()))
	if err != nil {
		panic(err)
	}
	buf, err := device.FromSlice(d, []string{"a", "b", "c", "d"}, device.ReadWrite)
	if err != nil {
		panic(err)
	}
	concat := parscan.NewOperator("concat", func(a, b string) string { return a + b }, "")
	if _, err = parscan.Scan(c, buf, concat); err != nil {
		panic(err)
	}
	result, err := buf.Read(ctx)
	if err != nil {
		panic(err)
	}
	fmt.Printf("%q\n", result)

	// Output:
	// ["" "a" "ab" "abc"]
}

func TestReduceOfEmptyIsIdentity(t *testing.T) {
	ctx := context.Background()
	d := device.New()
	c := newContext(t, d, parscan.DefaultConfig())

	buf, err := device.Alloc[int](d, 0, device.Read)
	require.NoError(t, err)
	res, err := parscan.Reduce(c, buf, ops.Sum[int]())
	require.NoError(t, err)
	got, err := res.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, got)

	maxResult, err := parscan.ReduceSlice(ctx, c, nil, ops.Max[float64]())
	require.NoError(t, err)
	assert.True(t, math.IsInf(maxResult, -1))
}

func TestRunningMaximum(t *testing.T) {
	ctx := context.Background()
	c := newContext(t, device.New(), parscan.DefaultConfig())
	rng := rand.New(rand.NewPCG(1, 2))
	a := make([]float64, 5000)
	for i := range a {
		a[i] = rng.Float64()*2000 - 1000
	}

	got, err := parscan.ScanSlice(ctx, c, a, ops.Max[float64]())
	require.NoError(t, err)
	require.Len(t, got, len(a))
	assert.True(t, math.IsInf(got[0], -1))
	for i := 1; i < len(a); i++ {
		require.Equal(t, floats.Max(a[:i]), got[i], "index %d", i)
	}

	total, err := parscan.ReduceSlice(ctx, c, a, ops.Max[float64]())
	require.NoError(t, err)
	assert.Equal(t, floats.Max(a), total)
}

func TestBoundaries(t *testing.T) {
	ctx := context.Background()
	d := device.New()
	for _, tc := range []struct {
		config parscan.Config
		n      int
		levels int
	}{
		{parscan.DefaultConfig(), 0, 1},
		{parscan.DefaultConfig(), 1, 1},
		{parscan.DefaultConfig(), 2048, 1},
		{parscan.DefaultConfig(), 2049, 2},
		{small, 7, 1},
		{small, 8, 1},
		{small, 9, 2},
		{small, 64, 2},
		{small, 65, 3},
		{small, 512, 3},
		{small, 513, 4},
		{small, 1000, 4},
	} {
		t.Run(fmt.Sprintf("%s/n=%d", tc.config.Layout(), tc.n), func(t *testing.T) {
			c := newContext(t, d, tc.config)
			input := iota1(tc.n)
			sum := ops.Sum[int]()

			buf, err := device.FromSlice(d, input, device.ReadWrite)
			require.NoError(t, err)
			defer buf.Release()
			var timing *parscan.Timing
			_, err = parscan.Scan(c, buf, sum, parscan.WithTiming(func(tm *parscan.Timing) { timing = tm }))
			require.NoError(t, err)
			got, err := buf.Read(ctx)
			require.NoError(t, err)
			assert.Equal(t, sequential.Sum(input), got)
			require.NotNil(t, timing)
			assert.Equal(t, tc.levels, timing.Levels)
			assert.Equal(t, 2*tc.levels-1, timing.Dispatches)

			total, err := parscan.ReduceSlice(ctx, c, input, sum)
			require.NoError(t, err)
			assert.Equal(t, tc.n*(tc.n+1)/2, total)
		})
	}
}

func TestRandomLengthsMatchSequential(t *testing.T) {
	ctx := context.Background()
	d := device.New()
	rng := rand.New(rand.NewPCG(3, 4))
	configs := []parscan.Config{
		small,
		{ThreadsPerBlock: 1, ElementsPerThread: 3, MaxIdlePerKey: 1, MaxLevels: 16},
		{ThreadsPerBlock: 8, ElementsPerThread: 1, MaxLevels: 8},
		{ThreadsPerBlock: 32, ElementsPerThread: 5, MaxLevels: 8, ReuseScratch: true, MaxIdlePerKey: 2},
	}
	minOp, maxOp, sumOp := ops.Min[int64](), ops.Max[int64](), ops.Sum[int64]()
	for _, config := range configs {
		c := newContext(t, d, config)
		for i := 0; i < 10; i++ {
			n := rng.IntN(3000)
			input := make([]int64, n)
			for j := range input {
				input[j] = rng.Int64N(1<<20) - 1<<19
			}
			for _, op := range []*parscan.Operator[int64]{minOp, maxOp, sumOp} {
				got, err := parscan.ScanSlice(ctx, c, input, op)
				require.NoError(t, err)
				require.Equal(t, sequential.ExclusiveScan(input, op.Combine, op.Identity()), got,
					"%s, %s, n=%d", config.Layout(), op.Name(), n)
				total, err := parscan.ReduceSlice(ctx, c, input, op)
				require.NoError(t, err)
				require.Equal(t, sequential.Reduce(input, op.Combine, op.Identity()), total)
			}
		}
	}
}

func TestFloatSumWithinTolerance(t *testing.T) {
	ctx := context.Background()
	c := newContext(t, device.New(), small)
	rng := rand.New(rand.NewPCG(5, 6))
	a := make([]float64, 777)
	for i := range a {
		a[i] = rng.Float64()
	}
	got, err := parscan.ScanSlice(ctx, c, a, ops.Sum[float64]())
	require.NoError(t, err)

	want := make([]float64, len(a))
	floats.CumSum(want[1:], a[:len(a)-1])
	assert.True(t, floats.EqualApprox(want, got, 1e-9))
}

func TestNonCommutativeOperators(t *testing.T) {
	ctx := context.Background()
	c := newContext(t, device.New(), small)
	rng := rand.New(rand.NewPCG(7, 8))

	identity := mat2{1, 0, 0, 1}
	matmul := parscan.NewOperator("matmul", mulMat2, identity)
	matrices := make([]mat2, 200)
	for i := range matrices {
		for j := range matrices[i] {
			matrices[i][j] = rng.Uint64N(affinePrime)
		}
	}
	got, err := parscan.ScanSlice(ctx, c, matrices, matmul)
	require.NoError(t, err)
	assert.Equal(t, sequential.ExclusiveScan(matrices, mulMat2, identity), got)
	total, err := parscan.ReduceSlice(ctx, c, matrices, matmul)
	require.NoError(t, err)
	assert.Equal(t, sequential.Reduce(matrices, mulMat2, identity), total)

	compose := parscan.NewOperator("compose", composeAffine, affine{a: 1})
	maps := make([]affine, 300)
	for i := range maps {
		maps[i] = affine{a: rng.Uint64N(affinePrime), b: rng.Uint64N(affinePrime)}
	}
	gotMaps, err := parscan.ScanSlice(ctx, c, maps, compose)
	require.NoError(t, err)
	assert.Equal(t, sequential.ExclusiveScan(maps, composeAffine, affine{a: 1}), gotMaps)

	letters := strings.Split("the quick brown fox jumps over the lazy dog", "")
	concat := parscan.NewOperator("concat", func(a, b string) string { return a + b }, "")
	total2, err := parscan.ReduceSlice(ctx, c, letters, concat)
	require.NoError(t, err)
	assert.Equal(t, "the quick brown fox jumps over the lazy dog", total2)
}

func TestDeterminism(t *testing.T) {
	ctx := context.Background()
	c := newContext(t, device.New(), parscan.DefaultConfig())
	rng := rand.New(rand.NewPCG(9, 10))
	a := make([]float32, 10000)
	for i := range a {
		a[i] = rng.Float32()*2 - 1
	}
	sum := ops.Sum[float32]()
	first, err := parscan.ScanSlice(ctx, c, a, sum)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		again, err := parscan.ScanSlice(ctx, c, a, sum)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}

func TestScanTo(t *testing.T) {
	ctx := context.Background()
	d := device.New()
	c := newContext(t, d, small)
	input := iota1(50)
	src, err := device.FromSlice(d, input, device.Read)
	require.NoError(t, err)
	dst, err := device.Alloc[int](d, 50, device.ReadWrite)
	require.NoError(t, err)

	out, err := parscan.ScanTo(c, dst, src, ops.Sum[int]())
	require.NoError(t, err)
	assert.Same(t, dst, out)
	got, err := dst.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, sequential.Sum(input), got)
	unchanged, err := src.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, input, unchanged)

	// Same buffer: an in-place scan.
	_, err = parscan.ScanTo(c, dst, dst, ops.Sum[int]())
	require.NoError(t, err)
	twice, err := dst.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, sequential.Sum(sequential.Sum(input)), twice)
}

func TestReduceLeavesInputUntouched(t *testing.T) {
	ctx := context.Background()
	d := device.New()
	c := newContext(t, d, small)
	input := iota1(100)
	buf, err := device.FromSlice(d, input, device.Read)
	require.NoError(t, err)
	var timing *parscan.Timing
	res, err := parscan.Reduce(c, buf, ops.Sum[int](), parscan.WithTiming(func(tm *parscan.Timing) { timing = tm }))
	require.NoError(t, err)
	got, err := res.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{5050}, got)
	after, err := buf.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, input, after)

	require.NotNil(t, timing)
	assert.Equal(t, 3, timing.Levels)
	assert.Equal(t, 3, timing.Dispatches)
	elapsed, err := timing.Wait(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, int64(elapsed), int64(0))
}

func TestConcurrentCalls(t *testing.T) {
	ctx := context.Background()
	reuse := small
	reuse.ReuseScratch = true
	c := newContext(t, device.New(), reuse)
	sum := ops.Sum[int]()

	var wg sync.WaitGroup
	errs := make([]error, 16)
	results := make([][]int, 16)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = parscan.ScanSlice(ctx, c, iota1(100+i), sum)
		}()
	}
	wg.Wait()
	for i := range errs {
		require.NoError(t, errs[i])
		assert.Equal(t, sequential.Sum(iota1(100+i)), results[i])
	}
	assert.Equal(t, int64(1), c.Cache().Compilations())
}

package parscan_test

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exascience/parscan"
	"github.com/exascience/parscan/device"
	"github.com/exascience/parscan/ops"
	"github.com/exascience/parscan/sequential"
)

func TestDistinctOperatorsDoNotShareEntries(t *testing.T) {
	ctx := context.Background()
	d := device.New()
	c := newContext(t, d, small)

	first := parscan.NewOperator("add", add, 0)
	second := parscan.NewOperator("add", add, 0)
	input := iota1(30)
	for _, op := range []*parscan.Operator[int]{first, second, first} {
		got, err := parscan.ScanSlice(ctx, c, input, op)
		require.NoError(t, err)
		assert.Equal(t, sequential.Sum(input), got)
	}
	assert.Equal(t, 2, c.Cache().Len())
	assert.Equal(t, int64(2), c.Cache().Compilations())
	assert.Equal(t, int64(6), d.Stats().Compilations)
	runtime.KeepAlive(first)
	runtime.KeepAlive(second)
}

func TestSharedCacheKeysByDeviceAndLayout(t *testing.T) {
	ctx := context.Background()
	cache := parscan.NewPipelineCache()
	sum := ops.Sum[int]()
	d := device.New()
	c1 := newContext(t, d, small, parscan.WithPipelineCache(cache))
	c2 := newContext(t, d, small, parscan.WithPipelineCache(cache))
	c3 := newContext(t, d, parscan.DefaultConfig(), parscan.WithPipelineCache(cache))
	c4 := newContext(t, device.New(), small, parscan.WithPipelineCache(cache))

	for _, c := range []*parscan.Context{c1, c2, c3, c4} {
		_, err := parscan.ScanSlice(ctx, c, iota1(20), sum)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, cache.Len())
	assert.Equal(t, int64(3), cache.Compilations())
	runtime.KeepAlive(c4)

	cache.Purge()
	assert.Zero(t, cache.Len())
}

func TestConcurrentFirstUseCompilesOnce(t *testing.T) {
	ctx := context.Background()
	d := device.New()
	c := newContext(t, d, small)
	op := parscan.NewOperator("add", add, 0)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := parscan.ScanSlice(ctx, c, iota1(10), op)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), c.Cache().Compilations())
	assert.Equal(t, int64(3), d.Stats().Compilations)
}

func TestCompileFailureIsCached(t *testing.T) {
	unsupported := errors.New("unsupported operation")
	var hookCalls atomic.Int32
	d := device.New(device.WithCompileHook(func(desc device.KernelDesc) error {
		hookCalls.Add(1)
		return unsupported
	}))
	c := newContext(t, d, small)
	op := parscan.NewOperator("add", add, 0)
	buf, err := device.FromSlice(d, iota1(10), device.ReadWrite)
	require.NoError(t, err)

	_, err = parscan.Scan(c, buf, op)
	require.Error(t, err)
	assert.True(t, parscan.IsBackendError(err))
	assert.ErrorIs(t, err, unsupported)

	_, again := parscan.Scan(c, buf, op)
	assert.Equal(t, err, again)
	_, reduceErr := parscan.Reduce(c, buf, op)
	assert.Equal(t, err, reduceErr)

	assert.Equal(t, int32(1), hookCalls.Load())
	assert.Equal(t, int64(1), c.Cache().Compilations())
	assert.Equal(t, 1, c.Cache().Len())
	assert.Zero(t, d.Stats().Dispatches)
}

func TestCacheEvictsCollectedOperators(t *testing.T) {
	ctx := context.Background()
	c := newContext(t, device.New(), small)
	func() {
		op := parscan.NewOperator("add", add, 0)
		_, err := parscan.ScanSlice(ctx, c, iota1(10), op)
		require.NoError(t, err)
	}()
	require.Equal(t, 1, c.Cache().Len())
	require.Eventually(t, func() bool {
		runtime.GC()
		return c.Cache().Len() == 0
	}, 10*time.Second, 10*time.Millisecond)
}

func TestCacheEvictsCollectedDevices(t *testing.T) {
	ctx := context.Background()
	cache := parscan.NewPipelineCache()
	sum := ops.Sum[int]()
	func() {
		c := newContext(t, device.New(), small, parscan.WithPipelineCache(cache))
		_, err := parscan.ScanSlice(ctx, c, iota1(10), sum)
		require.NoError(t, err)
	}()
	require.Equal(t, 1, cache.Len())
	require.Eventually(t, func() bool {
		runtime.GC()
		return cache.Len() == 0
	}, 10*time.Second, 10*time.Millisecond)
	runtime.KeepAlive(sum)
}

func TestShaders(t *testing.T) {
	d := device.New()
	withShaders := small
	withShaders.CompileShaders = true
	c := newContext(t, d, withShaders)

	// Operators without a shader form only get device kernels.
	k, err := parscan.Shaders(c, ops.Sum[int64]())
	require.NoError(t, err)
	assert.Nil(t, k)

	sum := ops.Sum[int32]()
	form, ok := sum.Shader()
	require.True(t, ok)
	assert.Equal(t, parscan.WGSL{ScalarType: "i32", Combine: "a + b", Identity: "0i"}, form)
	k, err = parscan.Shaders(c, sum)
	if err != nil {
		// naga does not implement every WGSL feature yet; the failure is
		// cached like any compilation failure.
		assert.True(t, parscan.IsBackendError(err))
		_, again := parscan.Shaders(c, sum)
		assert.Equal(t, err, again)
		t.Skipf("Skipping: naga cannot compile the scan kernels: %v", err)
	}
	require.NotNil(t, k)
	assert.NotEmpty(t, k.Scan.SPIRV)
	assert.Contains(t, k.Scan.Source, "return a + b;")
}

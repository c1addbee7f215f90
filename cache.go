package parscan

import (
	"runtime"
	"sync"
	"sync/atomic"
	"weak"

	"k8s.io/klog/v2"

	"github.com/exascience/parscan/device"
	"github.com/exascience/parscan/kernel"
	psync "github.com/exascience/parscan/sync"
	"github.com/exascience/parscan/wgsl"
)

type cacheKey struct {
	device   uint64
	operator uint64
	layout   kernel.Layout
	shaders  bool
}

// Hash implements sync.Hasher.
func (k cacheKey) Hash() uint64 {
	const prime = 1099511628211
	h := uint64(14695981039346656037)
	for _, v := range [...]uint64{k.device, k.operator, uint64(k.layout.ThreadsPerBlock), uint64(k.layout.ElementsPerThread)} {
		h ^= v
		h *= prime
	}
	if k.shaders {
		h ^= 1
		h *= prime
	}
	return h
}

type cacheEntry struct {
	once    sync.Once
	set     *kernel.Set
	shaders *wgsl.Kernels
	err     error
}

/*
A PipelineCache holds the compiled kernels of every (device, operator,
block layout) combination that has been used. Kernels are compiled on
first use, exactly once per combination even when many goroutines ask
for them at the same time. A failed compilation is cached as well and
returned to every later request for the same combination.

The cache does not keep devices or operators alive. Once a device or
an operator has been garbage collected, its entries are evicted.

A PipelineCache is safe for concurrent use, and can be shared between
contexts with WithPipelineCache.
*/
type PipelineCache struct {
	entries      *psync.Map[cacheKey, *cacheEntry]
	compilations atomic.Int64

	mu        sync.Mutex
	operators map[uint64]struct{}
	devices   map[uint64]struct{}
}

// NewPipelineCache returns an empty cache.
func NewPipelineCache() *PipelineCache {
	return &PipelineCache{
		entries:   psync.NewMap[cacheKey, *cacheEntry](0),
		operators: make(map[uint64]struct{}),
		devices:   make(map[uint64]struct{}),
	}
}

// Len returns the number of cached entries, failed ones included.
func (c *PipelineCache) Len() int { return c.entries.Len() }

// Compilations returns how many entries have been compiled since the
// cache was created.
func (c *PipelineCache) Compilations() int64 { return c.compilations.Load() }

// Purge drops every entry.
func (c *PipelineCache) Purge() {
	n := c.entries.DeleteIf(func(cacheKey, *cacheEntry) bool { return true })
	klog.V(1).Infof("pipeline cache: purged %d entries", n)
}

func (c *PipelineCache) evictOperator(id uint64) {
	c.mu.Lock()
	delete(c.operators, id)
	c.mu.Unlock()
	n := c.entries.DeleteIf(func(key cacheKey, _ *cacheEntry) bool { return key.operator == id })
	klog.V(1).Infof("pipeline cache: operator %d collected, evicted %d entries", id, n)
}

func (c *PipelineCache) evictDevice(id uint64) {
	c.mu.Lock()
	delete(c.devices, id)
	c.mu.Unlock()
	n := c.entries.DeleteIf(func(key cacheKey, _ *cacheEntry) bool { return key.device == id })
	klog.V(1).Infof("pipeline cache: device %d collected, evicted %d entries", id, n)
}

// watch registers the eviction of the entries of d and op once they
// become unreachable. The cleanups only hold a weak pointer to the cache.
func watch[T any](c *PipelineCache, d *device.Device, op *Operator[T]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	wc := weak.Make(c)
	if _, ok := c.devices[d.ID()]; !ok {
		c.devices[d.ID()] = struct{}{}
		runtime.AddCleanup(d, func(id uint64) {
			if c := wc.Value(); c != nil {
				c.evictDevice(id)
			}
		}, d.ID())
	}
	if _, ok := c.operators[op.id]; !ok {
		c.operators[op.id] = struct{}{}
		runtime.AddCleanup(op, func(id uint64) {
			if c := wc.Value(); c != nil {
				c.evictOperator(id)
			}
		}, op.id)
	}
}

// lookupKernels returns the kernels of op for d and l, compiling them if
// needed. Failures are BackendErrors.
func lookupKernels[T any](c *PipelineCache, d *device.Device, op *Operator[T], l kernel.Layout, shaders bool) (*cacheEntry, error) {
	key := cacheKey{device: d.ID(), operator: op.id, layout: l, shaders: shaders}
	entry, loaded := c.entries.LoadOrStore(key, new(cacheEntry))
	if !loaded {
		watch(c, d, op)
	}
	entry.once.Do(func() {
		c.compilations.Add(1)
		klog.V(1).Infof("pipeline cache: compiling operator %q for device %s, layout %s", op.name, d, l)
		set, err := kernel.Compile(d, op.name, op.monoid(), l)
		if err != nil {
			entry.err = backendError("compiling operator "+op.name, err)
			klog.Warningf("pipeline cache: %v", entry.err)
			return
		}
		if shaders {
			if form, ok := op.Shader(); ok {
				k, err := wgsl.Compile(wgsl.Operator{
					Name:       op.name,
					ScalarType: form.ScalarType,
					Combine:    form.Combine,
					Identity:   form.Identity,
					Decls:      form.Decls,
				}, l)
				if err != nil {
					entry.err = backendError("compiling shaders of operator "+op.name, err)
					klog.Warningf("pipeline cache: %v", entry.err)
					return
				}
				entry.shaders = k
			} else {
				klog.V(2).Infof("pipeline cache: operator %q has no shader form", op.name)
			}
		}
		entry.set = set
	})
	if entry.err != nil {
		return nil, entry.err
	}
	return entry, nil
}

// Shaders returns the compiled shaders of op for the layout of c, when
// the context compiles shaders and op has a shader form.
func Shaders[T any](c *Context, op *Operator[T]) (*wgsl.Kernels, error) {
	if err := op.validate(); err != nil {
		return nil, err
	}
	entry, err := lookupKernels(c.cache, c.dev, op, c.config.Layout(), c.config.CompileShaders)
	if err != nil {
		return nil, err
	}
	return entry.shaders, nil
}

package parscan

import (
	"context"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/exascience/parscan/device"
)

/*
A Context binds scans and reductions to one device stream, with one
configuration, one pipeline cache, and one scratch pool.

All calls on a Context submit their dispatches to the same stream, so
they execute in the order they were made. A Context is safe for
concurrent use; concurrent calls interleave their dispatch sequences
on the stream, but never share scratch buffers.
*/
type Context struct {
	dev    *device.Device
	stream *device.Stream
	config Config
	cache  *PipelineCache
	pool   *ScratchPool
}

type contextOptions struct {
	config    *Config
	cache     *PipelineCache
	stream    *device.Stream
	configErr error
}

// An Option configures a Context.
type Option func(o *contextOptions)

// WithConfig sets the configuration. Without it, NewContext parses the
// PARSCAN_CONFIG environment variable, or uses DefaultConfig.
func WithConfig(config Config) Option {
	return func(o *contextOptions) { o.config = &config }
}

// WithConfigString sets the configuration from a ParseConfig string.
func WithConfigString(config string) Option {
	return func(o *contextOptions) {
		c, err := ParseConfig(config)
		if err != nil {
			o.configErr = err
			return
		}
		o.config = &c
	}
}

// WithPipelineCache shares a cache between contexts. By default, every
// context has its own cache.
func WithPipelineCache(cache *PipelineCache) Option {
	return func(o *contextOptions) { o.cache = cache }
}

// WithStream submits the work of the context to stream instead of the
// default stream of the device.
func WithStream(stream *device.Stream) Option {
	return func(o *contextOptions) { o.stream = stream }
}

// NewContext returns a context for d. The block layout is checked against
// the device limits.
func NewContext(d *device.Device, options ...Option) (*Context, error) {
	if d == nil {
		return nil, configurationErrorf("nil device")
	}
	var o contextOptions
	for _, option := range options {
		option(&o)
	}
	if o.configErr != nil {
		return nil, o.configErr
	}
	var config Config
	if o.config != nil {
		config = *o.config
	} else {
		var err error
		if config, err = configFromEnv(); err != nil {
			return nil, errors.WithMessagef(err, "parsing $%s", ConfigEnvVar)
		}
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	if err := d.Err(); err != nil {
		return nil, backendError("creating context", err)
	}
	limits := d.Limits()
	if config.ThreadsPerBlock > limits.MaxThreadsPerGroup {
		return nil, capacityError("threads per block", config.ThreadsPerBlock, limits.MaxThreadsPerGroup)
	}
	if config.ThreadsPerBlock > limits.MaxSharedElements {
		return nil, capacityError("group-local elements", config.ThreadsPerBlock, limits.MaxSharedElements)
	}
	c := &Context{
		dev:    d,
		stream: o.stream,
		config: config,
		cache:  o.cache,
	}
	if c.stream == nil {
		c.stream = d.DefaultStream()
	} else if c.stream.Device() != d {
		return nil, configurationErrorf("stream %s does not belong to device %s", c.stream, d)
	}
	if c.cache == nil {
		c.cache = NewPipelineCache()
	}
	c.pool = newScratchPool(d, config)
	klog.V(1).Infof("parscan: context on %s with %s", c.stream, config)
	return c, nil
}

// Device returns the device of the context.
func (c *Context) Device() *device.Device { return c.dev }

// Stream returns the stream the context submits to.
func (c *Context) Stream() *device.Stream { return c.stream }

// Config returns the configuration of the context.
func (c *Context) Config() Config { return c.config }

// Cache returns the pipeline cache of the context.
func (c *Context) Cache() *PipelineCache { return c.cache }

// Scratch returns the scratch pool of the context.
func (c *Context) Scratch() *ScratchPool { return c.pool }

// Sync waits until the stream has executed everything submitted so far,
// and returns the first failure since the previous Sync.
func (c *Context) Sync(ctx context.Context) error {
	if err := c.stream.Sync(ctx); err != nil {
		return backendError("executing stream "+c.stream.String(), err)
	}
	return nil
}

// Close waits for the stream and releases the idle scratch buffers.
func (c *Context) Close(ctx context.Context) error {
	err := c.Sync(ctx)
	c.pool.Drain()
	return err
}

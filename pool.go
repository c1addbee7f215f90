package parscan

import (
	"reflect"
	"sync"

	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"

	"github.com/exascience/parscan/device"
)

type scratchKey struct {
	elem  reflect.Type
	level int
	size  int
}

type scratch struct {
	key scratchKey
	buf interface{ Release() }
}

/*
A ScratchPool provides the sums buffers of the recursion levels of a
call. Buffers are borrowed for exactly one call and given back only
once the device has executed every dispatch of that call, so two calls
never share a buffer.

Without reuse, every buffer is allocated for its call and released
afterwards. With reuse, given back buffers stay with the pool, at most
MaxIdlePerKey of them per element type, level, and size, and later
calls take them before allocating new ones.
*/
type ScratchPool struct {
	dev     *device.Device
	reuse   bool
	maxIdle int

	mu   sync.Mutex
	idle map[scratchKey][]interface{ Release() }
	hits int64
}

func newScratchPool(d *device.Device, config Config) *ScratchPool {
	return &ScratchPool{
		dev:     d,
		reuse:   config.ReuseScratch,
		maxIdle: config.MaxIdlePerKey,
		idle:    make(map[scratchKey][]interface{ Release() }),
	}
}

// acquire returns a buffer of exactly size elements for level.
func acquire[T any](p *ScratchPool, level, size int) (*device.Buffer[T], scratch, error) {
	key := scratchKey{elem: reflect.TypeFor[T](), level: level, size: size}
	if p.reuse {
		p.mu.Lock()
		if list := p.idle[key]; len(list) > 0 {
			buf := list[len(list)-1]
			list[len(list)-1] = nil
			p.idle[key] = list[:len(list)-1]
			p.hits++
			p.mu.Unlock()
			klog.V(3).Infof("scratch pool: reusing level %d buffer of %d %v", level, size, key.elem)
			return buf.(*device.Buffer[T]), scratch{key, buf}, nil
		}
		p.mu.Unlock()
	}
	buf, err := device.Alloc[T](p.dev, size, device.ReadWrite)
	if err != nil {
		return nil, scratch{}, err
	}
	return buf, scratch{key, buf}, nil
}

// giveBack returns buffers borrowed by one call. It is called from the
// stream, after the last dispatch of the call.
func (p *ScratchPool) giveBack(items []scratch) {
	if !p.reuse {
		for _, item := range items {
			item.buf.Release()
		}
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, item := range items {
		if len(p.idle[item.key]) < p.maxIdle {
			p.idle[item.key] = append(p.idle[item.key], item.buf)
		} else {
			item.buf.Release()
		}
	}
}

// Idle returns the number of buffers the pool currently keeps.
func (p *ScratchPool) Idle() (n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, list := range p.idle {
		n += len(list)
	}
	return
}

// Reused returns how many buffers were taken from the pool instead of
// being allocated.
func (p *ScratchPool) Reused() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hits
}

// Drain releases every idle buffer to the device.
func (p *ScratchPool) Drain() {
	p.mu.Lock()
	idle := p.idle
	p.idle = make(map[scratchKey][]interface{ Release() })
	p.mu.Unlock()
	var count int
	for _, list := range idle {
		for _, buf := range list {
			buf.Release()
			count++
		}
	}
	if count > 0 {
		klog.V(2).Infof("scratch pool: drained %d buffers, %s still allocated on %s",
			count, humanize.IBytes(uint64(p.dev.Stats().AllocatedBytes)), p.dev)
	}
}

package device

import (
	"sync"
	"weak"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/exascience/parscan/internal"
)

// Body is the code every thread of a dispatch runs.
type Body func(inv *Invocation)

// KernelDesc describes a kernel to compile.
type KernelDesc struct {
	Name string

	// ThreadsPerGroup is the number of threads of every group.
	ThreadsPerGroup int

	// SharedElements is the size of the group-local storage, checked
	// against Limits.MaxSharedElements.
	SharedElements int

	// NewShared allocates the group-local storage of one group. It may
	// be nil for kernels without group-local storage.
	NewShared func() any

	Body Body
}

// Pipeline is a compiled kernel, ready to be dispatched. It does not keep
// its device alive.
type Pipeline struct {
	dev  weak.Pointer[Device]
	desc KernelDesc
}

// Name returns the kernel name.
func (p *Pipeline) Name() string { return p.desc.Name }

// ThreadsPerGroup returns the group size the kernel was compiled with.
func (p *Pipeline) ThreadsPerGroup() int { return p.desc.ThreadsPerGroup }

// Device returns the device the pipeline was compiled for, or nil once
// that device has been garbage collected.
func (p *Pipeline) Device() *Device { return p.dev.Value() }

// Compile turns a kernel description into a dispatchable pipeline.
func Compile(d *Device, desc KernelDesc) (*Pipeline, error) {
	if err := d.Err(); err != nil {
		return nil, err
	}
	if desc.Body == nil {
		return nil, errors.Errorf("device %s: kernel %q has no body", d.name, desc.Name)
	}
	if desc.ThreadsPerGroup <= 0 || desc.ThreadsPerGroup > d.limits.MaxThreadsPerGroup {
		return nil, errors.Wrapf(ErrLimit, "device %s: kernel %q with %d threads per group, maximum is %d",
			d.name, desc.Name, desc.ThreadsPerGroup, d.limits.MaxThreadsPerGroup)
	}
	if desc.SharedElements > d.limits.MaxSharedElements {
		return nil, errors.Wrapf(ErrLimit, "device %s: kernel %q with %d shared elements, maximum is %d",
			d.name, desc.Name, desc.SharedElements, d.limits.MaxSharedElements)
	}
	if d.compileHook != nil {
		if err := d.compileHook(desc); err != nil {
			return nil, errors.Wrapf(err, "device %s: compiling kernel %q", d.name, desc.Name)
		}
	}
	d.compilations.Add(1)
	klog.V(2).Infof("device %s: compiled kernel %q (%d threads per group)", d.name, desc.Name, desc.ThreadsPerGroup)
	return &Pipeline{dev: weak.Make(d), desc: desc}, nil
}

// Invocation is the view one thread has of a dispatch.
type Invocation struct {
	// Group is the index of the thread group in the grid.
	Group int

	// Local is the index of the thread in its group.
	Local int

	// Threads is the number of threads per group.
	Threads int

	// Args are the bindings the dispatch was issued with.
	Args Bindings

	g *group
}

// Barrier blocks until every running thread of the group has reached it.
// Writes to group-local or device memory made before the barrier are
// visible to every thread of the group after it.
func (inv *Invocation) Barrier() {
	inv.g.barrier.wait()
}

// Shared returns the group-local storage created by KernelDesc.NewShared.
func Shared[T any](inv *Invocation) []T {
	return inv.g.shared.([]T)
}

type group struct {
	shared  any
	barrier *barrier
}

var errBarrierBroken = errors.New("device: group barrier broken")

// barrier is a reusable group barrier. Threads that exit leave the
// barrier, so they no longer count towards later phases.
type barrier struct {
	mu      sync.Mutex
	cond    sync.Cond
	parties int
	waiting int
	phase   uint64
	broken  bool
}

func newBarrier(parties int) *barrier {
	b := &barrier{parties: parties}
	b.cond.L = &b.mu
	return b
}

func (b *barrier) wait() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.broken {
		panic(errBarrierBroken)
	}
	b.waiting++
	if b.waiting == b.parties {
		b.advance()
		return
	}
	phase := b.phase
	for phase == b.phase && !b.broken {
		b.cond.Wait()
	}
	if phase == b.phase {
		panic(errBarrierBroken)
	}
}

// advance must be called with b.mu held.
func (b *barrier) advance() {
	b.waiting = 0
	b.phase++
	b.cond.Broadcast()
}

func (b *barrier) leave() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.parties--
	if b.waiting > 0 && b.waiting == b.parties {
		b.advance()
	}
}

func (b *barrier) breakAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.broken = true
	b.cond.Broadcast()
}

// runGroup runs every thread of one group and waits for them.
func (p *Pipeline) runGroup(index int, args Bindings) error {
	threads := p.desc.ThreadsPerGroup
	g := &group{barrier: newBarrier(threads)}
	if p.desc.NewShared != nil {
		g.shared = p.desc.NewShared()
	}
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	run := func(local int) {
		defer wg.Done()
		defer func() {
			if r := recover(); r != nil {
				if r != errBarrierBroken {
					mu.Lock()
					if firstErr == nil {
						firstErr = errors.WithStack(&KernelPanic{
							Kernel: p.desc.Name,
							Group:  index,
							Thread: local,
							Value:  internal.WrapPanic(r),
						})
					}
					mu.Unlock()
				}
				g.barrier.breakAll()
				return
			}
			g.barrier.leave()
		}()
		p.desc.Body(&Invocation{Group: index, Local: local, Threads: threads, Args: args, g: g})
	}
	wg.Add(threads)
	for local := 1; local < threads; local++ {
		go run(local)
	}
	run(0)
	wg.Wait()
	return firstErr
}

package device

import (
	"context"
	"sync"
	"time"
	"weak"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/exascience/parscan/parallel"
)

// Binding is one resource bound to a dispatch, with the access the kernel
// needs. An Overwrite binding is written in full and never read, so the
// kernel does not depend on its previous contents.
type Binding struct {
	Resource  Resource
	Write     bool
	Overwrite bool
}

// Bindings are the arguments of a dispatch. Kernels type-assert
// Invocation.Args back to their own argument type.
type Bindings interface {
	Bind() []Binding
}

type command struct {
	label    string
	run      func() error
	bindings []Binding

	// always commands run even after an earlier command failed.
	always bool
}

// Stream is an ordered queue of device commands.
//
// Commands run one after the other on a worker goroutine that is started
// when work is submitted and exits when the queue is empty. A failing
// command marks the buffers it writes as failed. A later command that
// reads a failed buffer, on any stream, is skipped and passes the failure
// on to the buffers it would have written, so Buffer.Read reports the
// failure of exactly the work that produced the buffer. Host callbacks
// registered with Then and timestamps always run.
type Stream struct {
	dev  *Device
	name string

	mu      sync.Mutex
	queue   []*command
	running bool
	err     error
}

func newStream(d *Device, name string) *Stream {
	return &Stream{dev: d, name: name}
}

// Device returns the device of the stream.
func (s *Stream) Device() *Device { return s.dev }

func (s *Stream) String() string { return s.dev.name + "/" + s.name }

func (s *Stream) enqueue(c *command) {
	s.mu.Lock()
	s.queue = append(s.queue, c)
	if !s.running {
		s.running = true
		go s.drain()
	}
	s.mu.Unlock()
}

func (s *Stream) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.running = false
			s.mu.Unlock()
			return
		}
		c := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		if !c.always {
			if err := s.dev.Err(); err != nil {
				s.fail(err)
				failWrites(c.bindings, err)
				continue
			}
			if err := failedInput(c.bindings); err != nil {
				klog.V(3).Infof("stream %s: skipping %s, an input has failed", s, c.label)
				failWrites(c.bindings, err)
				continue
			}
		}
		if err := c.run(); err != nil {
			err = errors.Wrapf(err, "stream %s: %s", s, c.label)
			s.fail(err)
			failWrites(c.bindings, err)
			continue
		}
		for _, b := range c.bindings {
			if b.Overwrite && b.Resource != nil {
				b.Resource.state().failure.Store(nil)
			}
		}
	}
}

// failedInput returns the failure of the first binding whose previous
// contents the command depends on.
func failedInput(bindings []Binding) error {
	for _, b := range bindings {
		if b.Resource == nil || b.Overwrite {
			continue
		}
		if p := b.Resource.state().failure.Load(); p != nil {
			return *p
		}
	}
	return nil
}

func failWrites(bindings []Binding, err error) {
	for _, b := range bindings {
		if b.Write && b.Resource != nil {
			b.Resource.state().failure.Store(&err)
		}
	}
}

func (s *Stream) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		klog.Warningf("stream %s: %v", s, err)
		s.err = err
	}
}

func (s *Stream) checkBindings(bindings []Binding) error {
	for i, binding := range bindings {
		if binding.Resource == nil {
			continue
		}
		rs := binding.Resource.state()
		switch {
		case rs.dev != s.dev:
			return errors.Wrapf(ErrForeign, "binding %d", i)
		case rs.released.Load():
			return errors.Wrapf(ErrReleased, "binding %d", i)
		case binding.Write && rs.access&Write == 0:
			return errors.Wrapf(ErrReadOnly, "binding %d", i)
		}
	}
	return nil
}

// Dispatch submits groups thread groups of the pipeline. Invalid
// dispatches are rejected immediately and nothing is submitted.
func (s *Stream) Dispatch(p *Pipeline, bindings Bindings, groups int) error {
	if err := s.dev.Err(); err != nil {
		return err
	}
	if p.dev != weak.Make(s.dev) {
		return errors.Wrapf(ErrForeign, "dispatching kernel %q on stream %s", p.desc.Name, s)
	}
	if groups < 0 || groups > s.dev.limits.MaxGroupsPerDispatch {
		return errors.Wrapf(ErrLimit, "dispatching kernel %q over %d groups, maximum is %d",
			p.desc.Name, groups, s.dev.limits.MaxGroupsPerDispatch)
	}
	var bound []Binding
	if bindings != nil {
		bound = bindings.Bind()
	}
	if err := s.checkBindings(bound); err != nil {
		return errors.WithMessagef(err, "dispatching kernel %q", p.desc.Name)
	}
	s.dev.dispatches.Add(1)
	klog.V(3).Infof("stream %s: dispatch %q over %d groups", s, p.desc.Name, groups)
	s.enqueue(&command{
		label:    "kernel " + p.desc.Name,
		bindings: bound,
		run: func() error {
			return parallel.Range(0, groups, s.dev.parallelism, func(low, high int) error {
				for g := low; g < high; g++ {
					if err := p.runGroup(g, bindings); err != nil {
						return err
					}
				}
				return nil
			})
		},
	})
	return nil
}

// Copy submits a copy of src into dst. Both buffers must have the same
// length.
func Copy[T any](s *Stream, dst, src *Buffer[T]) error {
	if err := s.dev.Err(); err != nil {
		return err
	}
	if dst.Len() != src.Len() {
		return errors.Errorf("stream %s: copying %d elements into a buffer of %d", s, src.Len(), dst.Len())
	}
	bound := []Binding{{Resource: dst, Write: true, Overwrite: true}, {Resource: src}}
	if err := s.checkBindings(bound); err != nil {
		return errors.WithMessage(err, "copying buffer")
	}
	s.enqueue(&command{
		label:    "copy",
		bindings: bound,
		run: func() error {
			copy(dst.data, src.data)
			return nil
		},
	})
	return nil
}

// Then submits a host callback. It runs after every command submitted
// before it, even if one of them failed.
func (s *Stream) Then(callback func()) {
	s.enqueue(&command{
		label:  "callback",
		always: true,
		run: func() error {
			callback()
			return nil
		},
	})
}

// Timestamp is a point in a stream's execution, captured when the stream
// reaches it.
type Timestamp struct {
	done chan struct{}
	at   time.Time
}

// Timestamp submits a timestamp query.
func (s *Stream) Timestamp() *Timestamp {
	ts := &Timestamp{done: make(chan struct{})}
	s.enqueue(&command{
		label:  "timestamp",
		always: true,
		run: func() error {
			ts.at = time.Now()
			close(ts.done)
			return nil
		},
	})
	return ts
}

// Wait blocks until the stream has reached the timestamp.
func (ts *Timestamp) Wait(ctx context.Context) (time.Time, error) {
	select {
	case <-ts.done:
		return ts.at, nil
	case <-ctx.Done():
		return time.Time{}, ctx.Err()
	}
}

// wait blocks until every command submitted so far has run.
func (s *Stream) wait(ctx context.Context) error {
	done := make(chan struct{})
	s.Then(func() { close(done) })
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sync waits until every command submitted so far has run. It returns
// the first failure of a command of this stream since the previous Sync,
// and clears it. A lost device is reported by every Sync.
func (s *Stream) Sync(ctx context.Context) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	err := s.err
	s.err = nil
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.dev.Err()
}

// pending returns the failure Sync would report, without clearing it.
func (s *Stream) pending() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

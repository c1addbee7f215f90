package kernel

import (
	"github.com/exascience/parscan/device"
)

// BlockScan returns the kernel that rewrites each block of ScanArgs.Data
// with its exclusive scan, relative to the start of the block, and stores
// the aggregate of the block's elements in ScanArgs.Sums[block].
//
// Positions at or beyond ScanArgs.Length count as the identity and are
// never read nor written.
func BlockScan[T any](name string, m Monoid[T], l Layout) device.KernelDesc {
	return blockKernel(name, m, l, false)
}

// BlockReduce returns the kernel that only stores the aggregate of each
// block of ReduceArgs.Data in ReduceArgs.Sums[block]. It runs the first two
// phases of BlockScan and produces the same aggregates.
func BlockReduce[T any](name string, m Monoid[T], l Layout) device.KernelDesc {
	return blockKernel(name, m, l, true)
}

func blockKernel[T any](name string, m Monoid[T], l Layout, reduceOnly bool) device.KernelDesc {
	threads := l.ThreadsPerBlock
	return device.KernelDesc{
		Name:            name,
		ThreadsPerGroup: threads,
		SharedElements:  threads,
		NewShared:       func() any { return make([]T, threads) },
		Body: func(inv *device.Invocation) {
			data, sums, length := inv.Args.(blockArgs[T]).views()
			shared := device.Shared[T](inv)
			combine, identity := m.Combine, m.Identity
			tid := inv.Local
			base := inv.Group*l.ElementsPerBlock() + tid*l.ElementsPerThread

			// Local fold, in element order.
			partials := make([]T, l.ElementsPerThread)
			acc := identity
			for j := range partials {
				if i := base + j; i < length {
					acc = combine(acc, data[i])
				}
				partials[j] = acc
			}
			shared[tid] = acc

			// Upsweep.
			for s := 1; s < threads; s <<= 1 {
				inv.Barrier()
				if (tid+1)%(2*s) == 0 {
					shared[tid] = combine(shared[tid-s], shared[tid])
				}
			}
			if tid == threads-1 {
				sums[inv.Group] = shared[tid]
				shared[tid] = identity
			}
			if reduceOnly {
				return
			}

			// Downsweep.
			for s := threads / 2; s >= 1; s >>= 1 {
				inv.Barrier()
				if (tid+1)%(2*s) == 0 {
					left := shared[tid-s]
					shared[tid-s] = shared[tid]
					shared[tid] = combine(shared[tid], left)
				}
			}

			inv.Barrier()
			prefix := shared[tid]
			for j := range partials {
				i := base + j
				if i >= length {
					break
				}
				if j == 0 {
					data[i] = prefix
				} else {
					data[i] = combine(prefix, partials[j-1])
				}
			}
		},
	}
}

// UniformAdd returns the kernel that replaces every element i of
// AddArgs.Data below AddArgs.Length with
// combine(AddArgs.Carries[block of i], element).
func UniformAdd[T any](name string, m Monoid[T], l Layout) device.KernelDesc {
	return device.KernelDesc{
		Name:            name,
		ThreadsPerGroup: l.ThreadsPerBlock,
		Body: func(inv *device.Invocation) {
			args := inv.Args.(*AddArgs[T])
			data := args.Data.Data()
			carry := args.Carries.Data()[inv.Group]
			base := inv.Group*l.ElementsPerBlock() + inv.Local*l.ElementsPerThread
			end := min(base+l.ElementsPerThread, args.Length)
			for i := base; i < end; i++ {
				data[i] = m.Combine(carry, data[i])
			}
		},
	}
}

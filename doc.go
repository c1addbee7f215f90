/*
Package parscan computes prefix scans and reductions of large arrays
on a massively parallel device, for any associative binary operator
with an identity element.

A scan follows the work-efficient scheme of Blelloch: the array is cut
into blocks, every block is scanned by one thread group, the aggregates
of the blocks are scanned recursively in the same way, and the scanned
aggregates are finally folded back into their blocks. Every element is
combined a constant number of times, and the recursion depth is
logarithmic in the length of the array, with the elements per block as
the base.

Operators only need to be associative. They are never assumed to be
commutative: every combination takes its operands from left to right,
so matrix products or function compositions scan correctly.

Parscan provides the following subpackages:

parscan/device provides the device the scans run on: buffers, compiled
kernels, ordered streams of dispatches, and thread groups with
group-local memory and barriers, emulated with goroutines.

parscan/kernel provides the block scan, block reduce, and uniform add
kernels.

parscan/ops provides common operators.

parscan/wgsl provides the same kernels as WGSL compute shaders,
compiled to SPIR-V.

parscan/parallel provides the functions that spread the thread groups
of a dispatch over goroutines.

parscan/sequential provides sequential scans and reductions, for
testing and debugging purposes.

parscan/sync provides the concurrent map behind the pipeline cache.

See https://www.cs.cmu.edu/~guyb/papers/Ble93.pdf for the algorithm,
and the chapter on parallel prefix sums in GPU Gems 3 for its mapping
to thread groups.
*/
package parscan

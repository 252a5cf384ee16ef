// Package kmemory implements the kernel memory manager: a frame-granular
// physical allocator over a fixed pool, and virtual address spaces with
// page-granular mappings.
//
// Address spaces are the trust boundary for every user-supplied
// (pointer, length) pair: Resolve produces a bounds- and permission-checked
// view or fails BadAddress. A single byte outside a mapped,
// permission-compatible range invalidates the whole request.
//
// Detected inconsistency (double free, freeing an address outside the pool)
// escalates through the fatal handler instead of returning an error: it
// signals a memory-safety compromise that cannot be contained.
package kmemory

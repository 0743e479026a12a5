// Package v3d implements the submission path for the VideoCore IV 3D engine:
// untrusted bin control lists are validated and relocated into kernel-owned
// buffers, queued for asynchronous hardware execution, and tracked to
// completion through a monotonically increasing sequence counter. Freed
// buffers pass through a size-bucketed cache with age-based eviction so that
// per-frame allocations are cheap.
//
// The package talks to hardware only through the hw package's Controller;
// command-stream validation lives in the cl package.
package v3d

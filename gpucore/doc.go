// Package gpucore defines the boundary between the dispatch engine and the
// devices it drives.
//
// The engine never talks to hardware directly. A backend exposes an [Adapter]
// that reports its limits as [gputypes.Limits] and opens a [Driver]. The
// driver owns the physical resources and executes recorded command lists.
//
//	               +------------------+
//	               |     dispatch     |
//	               | (validation,     |
//	               |  queues, faults) |
//	               +--------+---------+
//	                        |  gpucore.Driver
//	         +--------------+--------------+
//	         |                             |
//	+--------v--------+          +--------v--------+
//	| backend/native  |          |backend/software |
//	|   (wgpu hal)    |          |  (CPU workers)  |
//	+-----------------+          +-----------------+
//
// # Resource IDs
//
// Resources are named by opaque IDs ([BufferID], [BindGroupID], [PipelineID])
// allocated by the engine. Drivers keep the mapping between IDs and their own
// objects. ID 0 ([InvalidID]) is never issued.
//
// # Errors
//
// Drivers report failures by wrapping [ErrDeviceLost] or [ErrValidation].
// The engine turns these into completion faults.
package gpucore

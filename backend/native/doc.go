// Package native provides a Pure Go GPU backend built on gogpu/wgpu/hal.
//
// Kernels run from their SPIR-V (compiled by naga) or WGSL source. Each
// dispatch is encoded as its own compute pass, so pass boundaries order
// the writes of one dispatch before the reads of the next. Command lists
// are submitted with a fence and waited on until the context is done.
//
// The backend registers itself as "native" on import. Build with the
// nogpu tag to leave it out.
//
// A host application that already owns a device (for example a gogpu
// window) shares it through AdapterFromProvider.
package native

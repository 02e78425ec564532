// Package dispatch runs compute kernels on a GPU or a CPU reference device.
//
// # Overview
//
// dispatch is the host side of GPU compute: it negotiates device limits,
// tracks buffers and binding groups, validates pipelines against the
// bindings a kernel declares, partitions workloads into workgroups, and
// submits recorded command buffers for asynchronous, in-order execution.
//
// # Quick Start
//
//	import (
//		"github.com/gogpu/dispatch"
//		"github.com/gogpu/dispatch/backend"
//		_ "github.com/gogpu/dispatch/backend/software"
//		"github.com/gogpu/dispatch/kernel"
//	)
//
//	adapter, err := backend.Default()
//	dev, err := dispatch.AcquireDevice(adapter)
//	defer dev.Release()
//
//	k, err := kernel.CompileWGSL("add", source)
//	pipe, err := dev.BuildPipeline(k, dispatch.LayoutFor(k), "main")
//
//	enc := dev.BeginEncoding("add")
//	enc.BindPipeline(pipe)
//	enc.BindGroup(0, group)
//	enc.DispatchWork([3]uint32{n, 1, 1})
//	cb, err := enc.Finish()
//
//	done, err := dev.Submit(cb)
//	err = done.Wait(ctx)
//
// # Architecture
//
// The library is organized into:
//   - dispatch: devices, resources, pipelines, partitioning, encoding, queues
//   - gpucore: the adapter and driver boundary implemented by backends
//   - kernel: kernel descriptions, WGSL reflection and compilation (naga)
//   - backend: adapter registry; backend/native (wgpu/hal) and
//     backend/software (CPU reference)
//   - config: YAML engine profiles
//
// # Errors
//
// Configuration, construction and recording errors are returned
// synchronously and match the sentinels of this package with errors.Is.
// Execution faults are delivered through [Completion] as *[FaultError].
package dispatch

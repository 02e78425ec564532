// Package backend selects the adapter a device is acquired from.
//
// Backends register an adapter factory from init() functions and are
// selected at runtime. Import the backends you want linked in:
//
//	import (
//		_ "github.com/gogpu/dispatch/backend/native"
//		_ "github.com/gogpu/dispatch/backend/software"
//	)
//
// # Backend Selection
//
// Use Default() to get an adapter from the best available backend, or Get()
// to request a specific backend by name:
//
//	adapter, err := backend.Default()
//
//	// Or request a specific backend
//	adapter, err := backend.Get(backend.Software)
//
// Default tries the native backend first and falls back to the software
// backend when no GPU adapter can be opened.
package backend

// Package wasm documents the guest ABI for building fabric agent
// modules.
//
// This package is designed for use with TinyGo and the WASI target. An
// agent binary is a plain WASM module; the fabric validates its header,
// compiles it, and drives it through a small set of exports.
//
// Usage (in a TinyGo agent):
//
//	//go:build tinygo
//
//	package main
//
//	import "unsafe"
//
//	// Export required memory management:
//	//export malloc
//	func malloc(size uint32) uintptr { ... }
//
//	//export free
//	func free(ptr uintptr, size uint32) { ... }
//
//	// Export the execution entrypoint:
//	//export execute
//	func execute(ptr uintptr, size uint32) (ptr uintptr, size uint32) { ... }
//
// # Required Exports
//
// The guest module must export:
//
//   - execute(ptr uintptr, len uint32) (ptr uintptr, len uint32):
//     run one task. The host writes the task payload into guest memory
//     via malloc and passes its location; the return value locates the
//     result bytes, which the host reads and then releases via free.
//   - malloc(size uint32) uintptr: allocate memory for host-to-guest
//     data transfer
//   - free(ptr uintptr, size uint32): free memory (can be a no-op
//     with GC)
//
// # Optional Exports
//
//   - _init(): called once after instantiation, before the agent is
//     claimable
//   - health() uint32: health probe; see the Health constants. An
//     agent without a health export is assumed healthy while it keeps
//     answering.
//
// # Execution model
//
// Each execute call runs under a deadline derived from the effective
// resource quota. When the deadline expires the host interrupts the
// guest and the instance is handed to the heartbeat monitor for a
// health re-check; a guest that cannot answer the next probe is
// evicted. Memory is capped at instantiation by the sandbox's page
// limit, so in-guest allocations beyond the quota simply fail.
package wasm

// Health status codes returned by the optional health export.
const (
	HealthHealthy   uint32 = 0
	HealthDegraded  uint32 = 1
	HealthUnhealthy uint32 = 2
	HealthCritical  uint32 = 3 // 3 and above
)

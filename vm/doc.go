// Package vm implements the litevm execution engine.
//
// This package contains:
//   - Tagged value representation with 32-bit wraparound arithmetic
//   - Handle-based heap of objects and arrays
//   - Frames and an explicit call stack
//   - Exception dispatcher (Running, Unwinding, Handled, Escaped)
//   - Bytecode format, builder, verifier and interpreter
//   - Native bridges and a resolved-method cache
package vm

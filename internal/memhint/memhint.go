// Package memhint issues best-effort requests to return memory to the OS
// between heavy pipeline steps.
package memhint

import (
	"log/slog"
	"runtime/debug"
	"sync/atomic"
)

// Hinter asks the runtime to reclaim memory. Implementations must be safe
// for concurrent use and must never fail.
type Hinter interface {
	Reclaim(reason string)
}

// Runtime forces a GC and releases freed memory back to the OS.
type Runtime struct {
	calls atomic.Int64
}

func (r *Runtime) Reclaim(reason string) {
	n := r.calls.Add(1)
	debug.FreeOSMemory()
	slog.Debug("memory reclaimed", "reason", reason, "count", n)
}

// Calls returns how many hints were issued.
func (r *Runtime) Calls() int64 { return r.calls.Load() }

// Func adapts a plain function to Hinter.
type Func func(reason string)

func (f Func) Reclaim(reason string) { f(reason) }

// Nop ignores every hint.
type Nop struct{}

func (Nop) Reclaim(string) {}

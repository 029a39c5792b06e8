package application

import (
	"sync/atomic"

	domainerrors "heirloom/contexts/estate-settlement/estate-registry/domain/errors"
)

// ExecutionGuard is a non-reentrant in-progress flag for entry points that
// move assets. Share one guard (by pointer) between every copy of Service.
type ExecutionGuard struct {
	busy atomic.Bool
}

// Enter claims the guard. The returned release func must run on every exit
// path, normally via defer. A nil guard never blocks.
func (g *ExecutionGuard) Enter() (func(), error) {
	if g == nil {
		return func() {}, nil
	}
	if !g.busy.CompareAndSwap(false, true) {
		return nil, domainerrors.ErrReentrantCall
	}
	return func() { g.busy.Store(false) }, nil
}

// Busy reports whether a guarded call is in flight.
func (g *ExecutionGuard) Busy() bool {
	return g != nil && g.busy.Load()
}

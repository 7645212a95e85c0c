package scheduler

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidJob      = errors.New("scheduler: invalid job")
	ErrJobExists       = errors.New("scheduler: job already exists")
	ErrUnknownClass    = errors.New("scheduler: unknown resource class")
	ErrClosed          = errors.New("scheduler: closed")
	ErrJobNotFound     = errors.New("scheduler: job not found")
	ErrInvalidPhase    = errors.New("scheduler: invalid phase")
	ErrPhaseRegression = errors.New("scheduler: phase regression")
	ErrJobTerminal     = errors.New("scheduler: job already terminal")
	ErrJobNotRunning   = errors.New("scheduler: job not running")
)

// PanicError carries a value recovered from a panicking work item.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap exposes the panic value when it was an error, so callers can match
// sentinels such as job.ErrResourceExhausted.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

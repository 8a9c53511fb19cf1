package m2mi

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidCfg       = errors.New("layer: invalid options")
	ErrNotInitialized   = errors.New("layer: not started")
	ErrShutdown         = errors.New("layer: shutting down")
	ErrInvalidArgument  = errors.New("layer: invalid argument")
	ErrInvalidInterface = errors.New("layer: invalid target interface")

	ErrExportFailure     = errors.New("export: could not update transport filter")
	ErrHandleDetached    = errors.New("export: handle is not attached to an object exported in this layer")
	ErrInvocationFailure = errors.New("invocation: outgoing broadcast failed")
	ErrTargetPanic       = errors.New("invocation: target method panicked")

	ErrInvalidFrame  = errors.New("codec: invalid frame")
	ErrUnknownFormat = errors.New("codec: unknown format")
)

// InvocationError is reported by the worker pool when a delivery to a
// target did not complete normally.
type InvocationError struct {
	Invocation *Invocation
	Target     any
	Cause      error
}

func (ie *InvocationError) Error() string {
	return fmt.Sprintf("invocation %s on %T failed: %s", ie.Invocation, ie.Target, ie.Cause)
}

func (ie *InvocationError) Unwrap() error {
	return ie.Cause
}

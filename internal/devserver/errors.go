package devserver

import (
	"errors"
	"fmt"
)

// ErrServerStart is the kind of every ServerStartError.
var ErrServerStart = errors.New("dev server start failed")

// ServerStartError reports that the listener could not be bound.
type ServerStartError struct {
	Addr string
	Err  error
}

func (e *ServerStartError) Error() string {
	return fmt.Sprintf("start dev server on %s: %v", e.Addr, e.Err)
}

func (e *ServerStartError) Unwrap() []error { return []error{ErrServerStart, e.Err} }

package task

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateTask = errors.New("duplicate task")
	ErrUnknownTask   = errors.New("unknown task")
)

// DuplicateTaskError is returned when a name is registered twice.
type DuplicateTaskError struct {
	Name string
}

func (e *DuplicateTaskError) Error() string {
	return fmt.Sprintf("%s: %q", ErrDuplicateTask.Error(), e.Name)
}

func (e *DuplicateTaskError) Unwrap() error { return ErrDuplicateTask }

// UnknownTaskError is returned when a name was never registered.
type UnknownTaskError struct {
	Name string
}

func (e *UnknownTaskError) Error() string {
	return fmt.Sprintf("%s: %q", ErrUnknownTask.Error(), e.Name)
}

func (e *UnknownTaskError) Unwrap() error { return ErrUnknownTask }

// TaskFailedError records the innermost named task that failed.
type TaskFailedError struct {
	Task string
	Err  error
}

func (e *TaskFailedError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("task %s: %v", e.Task, e.Err)
}

func (e *TaskFailedError) Unwrap() error { return e.Err }

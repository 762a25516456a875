package pipeline

import (
	"errors"
	"fmt"
)

var (
	ErrTransformation = errors.New("transformation failed")
	ErrFileSystem     = errors.New("file system error")
)

// TransformationError is reported when a collaborator rejects one input file.
type TransformationError struct {
	Stage string
	Path  string
	Err   error
}

func (e *TransformationError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Stage, e.Path, e.Err)
}

func (e *TransformationError) Unwrap() []error { return []error{ErrTransformation, e.Err} }

// FileSystemError wraps missing sources and read/write failures.
type FileSystemError struct {
	Op   string
	Path string
	Err  error
}

func (e *FileSystemError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FileSystemError) Unwrap() []error { return []error{ErrFileSystem, e.Err} }

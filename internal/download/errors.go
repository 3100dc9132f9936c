package download

import (
	"errors"
	"fmt"

	"mediaserver/internal/logging"
)

var (
	// ErrShuttingDown indicates the manager is no longer accepting new downloads
	ErrShuttingDown = errors.New("shutting_down")

	// ErrInvalidURL indicates the source URL is empty or not http(s)
	ErrInvalidURL = errors.New("invalid_url")

	// ErrInvalidPath indicates the destination path sanitized down to nothing
	ErrInvalidPath = errors.New("invalid_path")

	// ErrLengthMismatch indicates the body did not match the advertised Content-Length
	ErrLengthMismatch = errors.New("length_mismatch")

	// ErrSlotInvariant is the panic value for a task releasing a slot it does
	// not own, or releasing it twice.
	ErrSlotInvariant = errors.New("slot_invariant_violation")
)

// RequestError is a transfer failure on the network side: connect, TLS,
// non-2xx status or a mid-stream read error.
type RequestError struct {
	URL string
	Err error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request %s: %v", logging.RedactURL(e.URL), e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// FileSystemError is a transfer failure on the local side.
type FileSystemError struct {
	Op   string
	Path string
	Err  error
}

func (e *FileSystemError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FileSystemError) Unwrap() error { return e.Err }

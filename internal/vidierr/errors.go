// Package vidierr holds the error taxonomy shared by the local engine, the
// device pool and the remote proxy. Callers match with errors.Is.
package vidierr

import "errors"

var (
	// ErrConnectionTimeout: the remote service did not answer in time. The
	// proxy that returned it must be closed and recreated to retry.
	ErrConnectionTimeout = errors.New("connection timeout")

	// ErrInvalidDeviceReference: a device id outside the enumerated pool.
	ErrInvalidDeviceReference = errors.New("invalid device reference")

	// ErrState: the operation is not valid in the current lifecycle state.
	ErrState = errors.New("invalid state")

	// ErrProcessing: a tool execution could not produce a result.
	ErrProcessing = errors.New("processing error")

	// ErrNumericInstability: a tool execution produced non-finite values.
	ErrNumericInstability = errors.New("numeric instability")

	// ErrInvalidToolReference: an unknown tool name or a dangling upstream.
	ErrInvalidToolReference = errors.New("invalid tool reference")

	// ErrNotFound: a named workspace, stream or sample does not exist.
	ErrNotFound = errors.New("not found")

	// ErrExists: a name is already taken.
	ErrExists = errors.New("already exists")
)

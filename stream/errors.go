// SPDX-FileCopyrightText: © 2024 The stream-go authors
// SPDX-License-Identifier: AGPL-3.0-only

package stream

import (
	"errors"
	"fmt"

	"github.com/interledger/stream-go/core/frames"
)

var (
	// ErrClosed is returned when an operation is attempted on a closed
	// connection or stream.
	ErrClosed = errors.New("stream: closed")

	// ErrStreamIDBlocked is returned when no more local stream ids are
	// available under the remote's ceiling.
	ErrStreamIDBlocked = errors.New("stream: maximum stream id exceeded")

	// ErrIdleTimeout is the error a connection is destroyed with when
	// the idle timer fires.
	ErrIdleTimeout = errors.New("Connection timed out due to inactivity")
)

// ConnectionError is a fatal condition that terminated the connection.
type ConnectionError struct {
	Code frames.ErrorCode
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("stream: connection error: %v: %v", e.Code, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func newConnectionError(code frames.ErrorCode, f string, a ...interface{}) error {
	return &ConnectionError{Code: code, Err: fmt.Errorf(f, a...)}
}

// RemoteCloseError reports a ConnectionClose received from the peer
// with an error code other than NoError.
type RemoteCloseError struct {
	Code    frames.ErrorCode
	Message string
}

func (e *RemoteCloseError) Error() string {
	return fmt.Sprintf("stream: closed by remote: %v: %s", e.Code, e.Message)
}

// PathError reports a terminal failure learned from the path, such as
// a final reject or an unusable maximum packet amount.
type PathError struct {
	Code string
	Err  error
}

func (e *PathError) Error() string {
	return fmt.Sprintf("stream: path error (%s): %v", e.Code, e.Err)
}

func (e *PathError) Unwrap() error { return e.Err }

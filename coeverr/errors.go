// Package coeverr defines the error kinds that cross the runtime's
// suspension boundary: timeouts, cancellation, transport failures and
// pool exhaustion.
package coeverr

import (
	"fmt"
	"syscall"

	"github.com/pkg/errors"
)

// Sentinel kinds, checked with errors.Is at call sites.
var (
	// Timeout is raised when a wait's deadline elapses before its
	// condition fires. Recoverable: the caller typically retries.
	Timeout = errors.New("coev: timeout")

	// WaitAbort is raised when a wait was invalidated out from under the
	// caller: the fd was closed or the scheduler is shutting down.
	WaitAbort = errors.New("coev: wait aborted")

	// Exit is the cooperative-cancellation sentinel delivered by
	// ThrowInto for external cancellation.
	Exit = errors.New("coev: exit")

	// Busy is raised when a second waiter attempts to register on an
	// (fd, direction) pair that already has one. Programmer error.
	Busy = errors.New("coev: fd direction already has a waiter")

	// NoEndpointsConnectable is raised when every endpoint in a pool's
	// list failed to connect.
	NoEndpointsConnectable = errors.New("coev: no endpoints connectable")

	// TooManyConnections is raised when a parked Get() exceeds the
	// pool's cumulative busy_wait deadline.
	TooManyConnections = errors.New("coev: too many connections")
)

// SocketError wraps a transport-level failure with the errno that caused
// it, matching spec.md's SocketError(message, errno). Callers that see
// one through a pool Handle mark the connection dead with
// Handle.MarkDead.
type SocketError struct {
	Op      string
	Errno   syscall.Errno
	cause   error
	message string
}

// NewSocketError builds a SocketError, capturing a stack trace via
// github.com/pkg/errors so the failing syscall site survives across the
// coroutine suspension point that eventually observes it.
func NewSocketError(op string, err error) *SocketError {
	se := &SocketError{Op: op, cause: errors.WithStack(err)}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		se.Errno = errno
	}
	se.message = fmt.Sprintf("coev: socket error during %s: %v", op, err)
	return se
}

func (e *SocketError) Error() string { return e.message }

func (e *SocketError) Unwrap() error { return e.cause }

// Temporary reports whether the underlying errno is EAGAIN/EWOULDBLOCK/
// EINTR/EINPROGRESS (IsRetryable), i.e. not actually fatal — callers
// should not see these surface as SocketError since the runtime
// translates them into waits, but the classification is exposed for
// direct syscall callers.
func (e *SocketError) Temporary() bool {
	return IsRetryable(e.Errno)
}

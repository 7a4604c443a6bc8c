package etcd

import (
	"fmt"

	"github.com/pingcap/errors"
)

var (
	// ErrEmptyKey is returned when an operation is given an empty key.
	ErrEmptyKey = errors.New("key must not be empty")
	// ErrLeaseExpired is returned by every lease operation once the lease
	// is known to be expired. The state is terminal for the lease object.
	ErrLeaseExpired = errors.New("lease expired")
	// ErrWatchClosed is returned when operating on a watcher that has
	// already terminated.
	ErrWatchClosed = errors.New("watch stream closed")
)

// StoreError is a structured error returned by the gateway, e.g.
// {"code": 3, "error": "etcdserver: duplicate key given in txn request"}.
type StoreError struct {
	Code    int
	Message string
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store error (code=%d): %s", e.Code, e.Message)
}

// ProtocolError reports a response the client could not make sense of.
// It is always fatal to the current call and never retried.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}

func protocolErrorf(format string, args ...interface{}) error {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

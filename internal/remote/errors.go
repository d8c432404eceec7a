package remote

import (
	"errors"
	"fmt"
)

// Operation names used in OperationError.
const (
	OpSelect = "select"
	OpInsert = "insert"
	OpUpsert = "upsert"
	OpPing   = "ping"
)

// ErrorKind classifies a failed remote operation.
type ErrorKind string

const (
	// KindTransport covers failures to reach the store at all.
	KindTransport ErrorKind = "transport"
	// KindAPI covers errors reported by the store itself.
	KindAPI ErrorKind = "api"
	// KindAuth covers rejected credentials.
	KindAuth ErrorKind = "auth"
)

var (
	// ErrUnauthorized is wrapped by operations rejected for bad credentials.
	ErrUnauthorized = errors.New("remote store rejected credentials")
	// ErrUnsupportedType is returned by the factory for an unknown backend type.
	ErrUnsupportedType = errors.New("unsupported remote type")
)

// OperationError is a failed select, insert, upsert or ping.
type OperationError struct {
	Op    string
	Table string
	Kind  ErrorKind
	Err   error
}

func (e *OperationError) Error() string {
	if e.Table == "" {
		return fmt.Sprintf("remote %s failed (%s): %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("remote %s on %s failed (%s): %v", e.Op, e.Table, e.Kind, e.Err)
}

func (e *OperationError) Unwrap() error {
	if e.Kind == KindAuth && !errors.Is(e.Err, ErrUnauthorized) {
		return errors.Join(ErrUnauthorized, e.Err)
	}
	return e.Err
}

// NewOperationError wraps err with the operation that produced it.
func NewOperationError(op, table string, kind ErrorKind, err error) error {
	return &OperationError{Op: op, Table: table, Kind: kind, Err: err}
}

// ConnectionSetupError is returned when a client cannot be constructed.
type ConnectionSetupError struct {
	Type string
	Err  error
}

func (e *ConnectionSetupError) Error() string {
	return fmt.Sprintf("failed to set up %s remote client: %v", e.Type, e.Err)
}

func (e *ConnectionSetupError) Unwrap() error {
	return e.Err
}

// IsAuthError reports whether err was caused by rejected credentials.
func IsAuthError(err error) bool {
	if errors.Is(err, ErrUnauthorized) {
		return true
	}
	var opErr *OperationError
	return errors.As(err, &opErr) && opErr.Kind == KindAuth
}

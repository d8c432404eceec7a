package record

import (
	"errors"
	"fmt"
)

// ErrMalformedRecord is returned when a remote row cannot be parsed into a record.
var ErrMalformedRecord = errors.New("malformed record")

// MalformedError describes which field of which record kind failed to parse.
type MalformedError struct {
	Kind   string
	Field  string
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed %s record: field %q %s", e.Kind, e.Field, e.Reason)
}

func (*MalformedError) Unwrap() error {
	return ErrMalformedRecord
}

func missingField(kind, field string) error {
	return &MalformedError{Kind: kind, Field: field, Reason: "is required"}
}

func invalidField(kind, field string, value any) error {
	return &MalformedError{Kind: kind, Field: field, Reason: fmt.Sprintf("has unexpected type %T", value)}
}

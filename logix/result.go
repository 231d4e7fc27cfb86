package logix

import (
	"errors"
	"fmt"
	"time"

	"eiptag/cip"
)

// Op is a tag operation.
type Op int

const (
	OpRead Op = iota
	OpWrite
)

func (o Op) String() string {
	if o == OpWrite {
		return "write"
	}
	return "read"
}

// TagRequest is one item of a batch. Value and Type are used by writes only;
// TypeUnknown lets the client resolve or infer the type.
type TagRequest struct {
	Name  string
	Op    Op
	Value any
	Type  DataType
}

// Read builds a read request.
func Read(name string) TagRequest { return TagRequest{Name: name, Op: OpRead} }

// Write builds a write request.
func Write(name string, value any, typ ...DataType) TagRequest {
	r := TagRequest{Name: name, Op: OpWrite, Value: value}
	if len(typ) > 0 {
		r.Type = typ[0]
	}
	return r
}

// TagResult is the outcome of one tag operation. Err is set whenever Success
// is false. For reads Value holds the first element and Values all elements;
// for writes Value is what was sent.
type TagResult struct {
	Name    string
	Op      Op
	Success bool
	Value   Value
	Values  []Value
	Status  cip.Status
	Err     error
	Elapsed time.Duration
}

func (r TagResult) String() string {
	if !r.Success {
		return fmt.Sprintf("%s %s: %v", r.Op, r.Name, r.Err)
	}
	if len(r.Values) > 1 {
		return fmt.Sprintf("%s = %v (%s[%d])", r.Name, r.Values, r.Value.Type(), len(r.Values))
	}
	return fmt.Sprintf("%s = %s (%s)", r.Name, r.Value, r.Value.Type())
}

// notFoundError is a missing tag. It matches both ErrTagNotFound and the
// controller's *cip.StatusError.
type notFoundError struct {
	status *cip.StatusError
}

func (e *notFoundError) Error() string {
	return ErrTagNotFound.Error() + ": " + e.status.Status.String()
}

func (e *notFoundError) Unwrap() []error {
	return []error{ErrTagNotFound, e.status}
}

// fail fills in the failure fields of r, tagging err with the tag name.
func (r *TagResult) fail(err error) {
	var se *cip.StatusError
	if errors.As(err, &se) {
		r.Status = se.Status
		if notFound(se.Status) && !errors.Is(err, ErrTagNotFound) {
			err = &notFoundError{status: se}
		}
	}
	r.Success = false
	r.Err = fmt.Errorf("tag %q: %w", r.Name, err)
}

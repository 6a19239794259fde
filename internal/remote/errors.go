package remote

import (
	"errors"
	"fmt"
	"sort"

	"github.com/aws/smithy-go"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrPermissionDenied is returned by drivers that model access policy locally.
var ErrPermissionDenied = errors.New("remote: permission denied")

// WriteError describes a failed remote write with enough context to diagnose
// access-policy problems: the operation, the target path and the payload.
type WriteError struct {
	Operation string
	Path      string
	Payload   map[string]any
	Err       error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("remote %s %s: %v", e.Operation, e.Path, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// PayloadFields lists the top-level payload keys in sorted order.
func (e *WriteError) PayloadFields() []string {
	fields := make([]string, 0, len(e.Payload))
	for key := range e.Payload {
		fields = append(fields, key)
	}
	sort.Strings(fields)
	return fields
}

// IsPermissionDenied reports whether err is a remote-write-denied condition,
// as opposed to a transient or connectivity failure.
func IsPermissionDenied(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermissionDenied) {
		return true
	}
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated:
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return true
		}
	}
	return false
}

package service

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies a scan failure. The routing layer maps kinds to
// status codes; bulk outcomes carry only the Code.
type ErrorKind string

const (
	KindNotFound    ErrorKind = "not_found"
	KindValidation  ErrorKind = "validation"
	KindConflict    ErrorKind = "conflict"
	KindUnavailable ErrorKind = "unavailable"
	KindInternal    ErrorKind = "internal"
)

// Failure codes.
const (
	CodeInvalidTimestamp     = "INVALID_TIMESTAMP"
	CodeMissingField         = "MISSING_FIELD"
	CodeBadgeNotFound        = "BADGE_NOT_FOUND"
	CodeBadgeNotAssigned     = "BADGE_NOT_ASSIGNED"
	CodeBadgeInactive        = "BADGE_INACTIVE"
	CodeUnsupportedBadgeType = "UNSUPPORTED_BADGE_TYPE"
	CodePersonNotFound       = "PERSON_NOT_FOUND"
	CodeUnknownKiosk         = "UNKNOWN_KIOSK"
	CodeDuplicateScan        = "DUPLICATE_SCAN"
	CodeDuplicateInBatch     = "DUPLICATE_IN_BATCH"
	CodeOutOfOrderScan       = "OUT_OF_ORDER_SCAN"
	CodeConcurrentScan       = "CONCURRENT_SCAN"
	CodeCancelled            = "CANCELLED"
	CodeTimeout              = "TIMEOUT"
	CodeInternal             = "INTERNAL_ERROR"
)

// ScanError is the failure value returned by the scan processors.
type ScanError struct {
	Kind    ErrorKind
	Code    string
	Message string
	Err     error // underlying cause, if any
}

func (e *ScanError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return e.Code + ": " + e.Message
}

func (e *ScanError) Unwrap() error { return e.Err }

func newError(kind ErrorKind, code, format string, args ...any) *ScanError {
	return &ScanError{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsScanError extracts a ScanError from err's chain.
func AsScanError(err error) (*ScanError, bool) {
	var se *ScanError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// classify turns any error into a ScanError. Context errors become
// CANCELLED or TIMEOUT; anything unrecognised is INTERNAL_ERROR.
func classify(err error) *ScanError {
	if se, ok := AsScanError(err); ok {
		return se
	}
	switch {
	case errors.Is(err, context.Canceled):
		return &ScanError{Kind: KindUnavailable, Code: CodeCancelled, Message: "request cancelled", Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &ScanError{Kind: KindUnavailable, Code: CodeTimeout, Message: "store operation timed out", Err: err}
	default:
		return &ScanError{Kind: KindInternal, Code: CodeInternal, Message: "internal error", Err: err}
	}
}

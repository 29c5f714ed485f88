// Package failure defines the error taxonomy surfaced by the edit pipeline.
//
// Every error that ends a job carries a Kind. InvalidInput is returned to the
// submitter and never persisted; every other kind is recorded on the job as
// "<kind>: <detail>".
package failure

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure.
type Kind string

const (
	KindInvalidInput Kind = "invalid_input"
	KindParse        Kind = "parse_failure"
	KindProcessing   Kind = "processing_failure"
	KindPublish      Kind = "publish_failure"
	KindInternal     Kind = "internal_failure"
)

// Diagnostic causes.
const (
	CauseValidation        = "validation"
	CauseLLMCall           = "llm_call"
	CauseSchema            = "schema"
	CauseTimeout           = "timeout"
	CauseTransport         = "transport"
	CauseEngineRejected    = "engine_rejected"
	CauseEngineError       = "engine_error"
	CauseEngineUnavailable = "engine_unavailable"
	CauseMalformedResponse = "malformed_response"
	CauseUpload            = "upload"
	CauseQueueFull         = "queue_full"
	CauseAbandoned         = "abandoned"
	CausePanic             = "panic"
	CauseStore             = "store"
)

// Error is a classified failure.
type Error struct {
	Kind       Kind
	Cause      string
	Detail     string
	Violations []string // only for KindInvalidInput
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Cause != "" {
		b.WriteString(" (")
		b.WriteString(e.Cause)
		b.WriteString(")")
	}
	if d := e.describe(); d != "" {
		b.WriteString(": ")
		b.WriteString(d)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) describe() string {
	switch {
	case len(e.Violations) > 0:
		return strings.Join(e.Violations, "; ")
	case e.Detail != "" && e.Err != nil:
		return e.Detail + ": " + e.Err.Error()
	case e.Detail != "":
		return e.Detail
	case e.Err != nil:
		return e.Err.Error()
	}
	return ""
}

// New builds a classified error.
func New(kind Kind, cause, detail string, err error) *Error {
	return &Error{Kind: kind, Cause: cause, Detail: detail, Err: err}
}

// InvalidInput reports every violated submission constraint.
func InvalidInput(violations ...string) *Error {
	return &Error{Kind: KindInvalidInput, Cause: CauseValidation, Violations: violations}
}

func Parse(cause string, err error, format string, args ...any) *Error {
	return New(KindParse, cause, fmt.Sprintf(format, args...), err)
}

func Processing(cause string, err error, format string, args ...any) *Error {
	return New(KindProcessing, cause, fmt.Sprintf(format, args...), err)
}

func Publish(cause string, err error, format string, args ...any) *Error {
	return New(KindPublish, cause, fmt.Sprintf(format, args...), err)
}

func Internal(cause string, err error, format string, args ...any) *Error {
	return New(KindInternal, cause, fmt.Sprintf(format, args...), err)
}

// As returns the first classified error in the chain.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// KindOf returns the Kind of err. Unclassified errors are internal failures.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if fe, ok := As(err); ok {
		return fe.Kind
	}
	return KindInternal
}

// CauseOf returns the diagnostic cause of err, if classified.
func CauseOf(err error) string {
	if fe, ok := As(err); ok {
		return fe.Cause
	}
	return ""
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Reason renders the human readable failure reason persisted on a job.
// It is never empty for a non-nil error.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	fe, ok := As(err)
	if !ok {
		return fmt.Sprintf("%s: %s", KindInternal, err.Error())
	}
	d := fe.describe()
	if d == "" {
		d = "unspecified"
	}
	if fe.Cause != "" {
		return fmt.Sprintf("%s: %s (%s)", fe.Kind, d, fe.Cause)
	}
	return fmt.Sprintf("%s: %s", fe.Kind, d)
}

package model

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind classifies a stage failure.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindConfiguration
	KindDependency
	KindProcessing
	KindResource
	KindTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case KindConfiguration:
		return "ConfigurationError"
	case KindDependency:
		return "DependencyError"
	case KindProcessing:
		return "ProcessingError"
	case KindResource:
		return "ResourceError"
	case KindTimeout:
		return "TimeoutError"
	}
	return "UnknownError"
}

// MarshalText renders the kind by name in JSON and YAML output.
func (k ErrorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText parses a kind written by MarshalText.
func (k *ErrorKind) UnmarshalText(text []byte) error {
	for c := KindUnknown; c <= KindTimeout; c++ {
		if c.String() == string(text) {
			*k = c
			return nil
		}
	}
	return errors.Errorf("unknown error kind %q", text)
}

// Error is the typed failure returned by stages and the orchestrator.
type Error struct {
	Kind  ErrorKind
	Stage string
	Err   error
}

func (e *Error) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s in stage %s: %v", e.Kind, e.Stage, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Cause lets errors.Cause from github.com/pkg/errors walk through Error.
func (e *Error) Cause() error { return e.Err }

// NewError wraps err with a kind. A nil err yields nil.
func NewError(kind ErrorKind, stage string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Stage: stage, Err: err}
}

// Errorf builds a typed error from a format string.
func Errorf(kind ErrorKind, stage, format string, args ...interface{}) error {
	return &Error{Kind: kind, Stage: stage, Err: errors.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost *Error in err's chain, or
// KindUnknown.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// WithStage returns err tagged with stage. Errors that are already typed keep
// their kind; untyped errors become ProcessingErrors.
func WithStage(stage string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Stage == "" {
			return &Error{Kind: e.Kind, Stage: stage, Err: e.Err}
		}
		return err
	}
	return &Error{Kind: KindProcessing, Stage: stage, Err: err}
}

// ErrorInfo is the serialisable form of an Error carried by a ProcessResult.
type ErrorInfo struct {
	Kind    ErrorKind `json:"kind"`
	Stage   string    `json:"stage,omitempty"`
	Message string    `json:"message"`
}

// NewErrorInfo summarises err. A nil err yields nil.
func NewErrorInfo(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	info := &ErrorInfo{Kind: KindOf(err), Message: err.Error()}
	var e *Error
	if errors.As(err, &e) {
		info.Stage = e.Stage
		info.Message = e.Err.Error()
	}
	return info
}

package core

import (
	"errors"
	"fmt"
)

// Kind classifies the failures the model service reports to callers.
type Kind string

const (
	KindInvalidArgument      Kind = "InvalidArgument"
	KindModelNotFound        Kind = "ModelNotFound"
	KindEvaluatorCreation    Kind = "EvaluatorCreationError"
	KindScoring              Kind = "ScoringError"
	KindSummary              Kind = "SummaryError"
	KindAdditionalParameters Kind = "AdditionalParametersError"
)

// Error is a classified model service failure. Err holds the original cause.
type Error struct {
	Kind    Kind
	ModelID string
	Message string
	Err     error
}

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrInvalidArgument      = &Error{Kind: KindInvalidArgument}
	ErrModelNotFound        = &Error{Kind: KindModelNotFound}
	ErrEvaluatorCreation    = &Error{Kind: KindEvaluatorCreation}
	ErrScoring              = &Error{Kind: KindScoring}
	ErrSummary              = &Error{Kind: KindSummary}
	ErrAdditionalParameters = &Error{Kind: KindAdditionalParameters}
)

// NewError returns a classified error wrapping cause.
func NewError(kind Kind, modelID, message string, cause error) *Error {
	return &Error{Kind: kind, ModelID: modelID, Message: message, Err: cause}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinels by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.ModelID == "" && t.Err == nil && t.Kind == e.Kind
}

// KindOf returns the kind of the outermost *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

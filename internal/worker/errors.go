package worker

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/seantiz/kiln/internal/engine"
)

// Kind is the closed set of failures a request can end in.
type Kind string

const (
	KindEngineStart         Kind = "engine_start"
	KindEncryptionRequired  Kind = "encryption_required"
	KindConfiguration       Kind = "configuration"
	KindMalformedEnvelope   Kind = "malformed_envelope"
	KindInvalidCiphertext   Kind = "invalid_ciphertext"
	KindInvalidWorkflow     Kind = "invalid_workflow"
	KindWrongFormat         Kind = "wrong_format"
	KindEngineCommunication Kind = "engine_communication"
	KindExecutionFailed     Kind = "execution_failed"
)

// Kinds lists every Kind.
var Kinds = []Kind{
	KindEngineStart,
	KindEncryptionRequired,
	KindConfiguration,
	KindMalformedEnvelope,
	KindInvalidCiphertext,
	KindInvalidWorkflow,
	KindWrongFormat,
	KindEngineCommunication,
	KindExecutionFailed,
}

// Error is a classified request failure. Message is safe to return to the
// caller; Cause is kept for logs and error reporting only.
type Error struct {
	Kind    Kind
	Message string
	Hint    string
	Cause   error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Cause }

func newError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// executionError classifies an error returned while running a job on the
// engine. The message names the cause the way callers have always parsed it:
// "execution_failed: <CauseName>: <message>".
func executionError(err error) *Error {
	kind := KindExecutionFailed
	if engine.IsKind(err, engine.KindCommunication) {
		kind = KindEngineCommunication
	}
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf("execution_failed: %s: %s", causeName(err), err.Error()),
		Cause:   err,
	}
}

func causeName(err error) string {
	var ee *engine.Error
	if errors.As(err, &ee) {
		switch ee.Kind {
		case engine.KindRejected:
			return "EngineRejectedJob"
		case engine.KindCommunication:
			return "EngineCommunicationError"
		case engine.KindExecution:
			return "EngineExecutionError"
		}
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "DeadlineExceeded"
	case errors.Is(err, context.Canceled):
		return "Canceled"
	}

	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() == "" {
		return "Error"
	}
	return t.Name()
}

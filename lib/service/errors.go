package service

import (
	"errors"

	"github.com/gravitational/trace"
)

// Code is a domain-level error code crossing the service boundary.
type Code string

const (
	CodeUnauthorized            Code = "UnauthorizedError"
	CodeInvalidCredential       Code = "InvalidCredential"
	CodeInvalidArgument         Code = "InvalidArgument"
	CodeInvalidSessionToken     Code = "InvalidSessionToken"
	CodeServiceError            Code = "ServiceError"
	CodeInvalidCertificate      Code = "InvalidCertificate"
	CodePolicyException         Code = "PolicyException"
	CodeInvalidConfiguration    Code = "InvalidConfiguration"
	CodeCloudServiceInteraction Code = "CloudServiceInteraction"
)

type codedError struct {
	err  error
	code Code
}

func (e *codedError) Error() string { return e.err.Error() }

func (e *codedError) Unwrap() error { return e.err }

// withCode tags err with an explicit code, overriding the class-based
// mapping in ErrorCode.
func withCode(err error, code Code) error {
	if err == nil {
		return nil
	}
	return &codedError{err: err, code: code}
}

// ErrorCode translates an internal error into the external code. Tagged
// errors keep their tag; everything else maps by error class.
func ErrorCode(err error) Code {
	if err == nil {
		return ""
	}
	var coded *codedError
	if errors.As(err, &coded) {
		return coded.code
	}
	switch {
	case trace.IsAccessDenied(err):
		return CodeUnauthorized
	case trace.IsNotFound(err):
		return CodeInvalidSessionToken
	case trace.IsConnectionProblem(err), trace.IsLimitExceeded(err):
		return CodeCloudServiceInteraction
	case trace.IsBadParameter(err), trace.IsNotImplemented(err):
		return CodeInvalidArgument
	}
	return CodeServiceError
}

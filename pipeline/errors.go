package pipeline

import (
	"fmt"
	"net/http"
)

// Kind classifies a pipeline fault. The kind decides the response
// status and the sanitized message served to the client.
type Kind int

const (
	KindInternal Kind = iota
	KindAuthentication
	KindRateLimit
	KindQuota
	KindRouting
	KindUnavailable
	KindValidation
	KindTransform
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication"
	case KindRateLimit:
		return "rate-limit"
	case KindQuota:
		return "quota"
	case KindRouting:
		return "routing"
	case KindUnavailable:
		return "backend-unavailable"
	case KindValidation:
		return "validation"
	case KindTransform:
		return "transform"
	case KindTimeout:
		return "timeout"
	default:
		return "internal"
	}
}

func (k Kind) defaultStatus() int {
	switch k {
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindRateLimit, KindQuota:
		return http.StatusTooManyRequests
	case KindRouting:
		return http.StatusNotFound
	case KindUnavailable:
		return http.StatusServiceUnavailable
	case KindValidation:
		return http.StatusBadRequest
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// safeMessage is what the client sees. Internal detail, backend URLs
// and wrapped causes stay in the logs.
func (k Kind) safeMessage() string {
	switch k {
	case KindAuthentication:
		return "authentication failed"
	case KindRateLimit:
		return "rate limit exceeded"
	case KindQuota:
		return "quota exceeded"
	case KindRouting:
		return "no matching backend"
	case KindUnavailable:
		return "backend unavailable"
	case KindValidation:
		return "invalid request"
	case KindTimeout:
		return "upstream timeout"
	default:
		return "internal error"
	}
}

// Error is a fault raised by a policy or by the executor itself.
type Error struct {
	Kind Kind

	// Status overrides the kind's default response status when set.
	Status int

	err error
}

func perror(kind Kind, err error) *Error {
	return &Error{Kind: kind, err: err}
}

func perrorf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%v: %v", e.Kind, e.err)
}

func (e *Error) Unwrap() error { return e.err }

func (e *Error) status() int {
	if e.Status != 0 {
		return e.Status
	}
	return e.Kind.defaultStatus()
}

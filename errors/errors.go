// Package errors defines the domain error kinds used across the orchestrator
// and their translation to HTTP status codes.
package errors

import (
	"fmt"
	"net/http"
)

// Kind enumerates the structured domain error kinds.
type Kind string

const (
	KindNoPortsAvailable      Kind = "NoPortsAvailable"
	KindProviderError         Kind = "ProviderError"
	KindDaemonStartFailed     Kind = "DaemonStartFailed"
	KindDaemonStopFailed      Kind = "DaemonStopFailed"
	KindNavigationFailed      Kind = "NavigationFailed"
	KindConnectionFailed      Kind = "ConnectionFailed"
	KindInvalidResponse       Kind = "InvalidResponse"
	KindNoContainerDefinitions Kind = "NoContainerDefinitions"
	KindSessionNotFound       Kind = "SessionNotFound"
	KindUnauthorized          Kind = "Unauthorized"
	KindInvalidSubdomain      Kind = "InvalidSubdomain"
	KindUpstreamTimeout       Kind = "UpstreamTimeout"
	KindValidation            Kind = "Validation"
	KindInternal              Kind = "Internal"
)

// statusByKind maps a domain error kind to the HTTP status a handler should
// surface it as. Caller faults are 4xx, provider/internal faults are 5xx.
var statusByKind = map[Kind]int{
	KindNoPortsAvailable:       http.StatusServiceUnavailable,
	KindProviderError:          http.StatusBadGateway,
	KindDaemonStartFailed:      http.StatusBadGateway,
	KindDaemonStopFailed:       http.StatusBadGateway,
	KindNavigationFailed:       http.StatusBadGateway,
	KindConnectionFailed:       http.StatusBadGateway,
	KindInvalidResponse:        http.StatusBadGateway,
	KindNoContainerDefinitions: http.StatusUnprocessableEntity,
	KindSessionNotFound:        http.StatusNotFound,
	KindUnauthorized:           http.StatusUnauthorized,
	KindInvalidSubdomain:       http.StatusBadRequest,
	KindUpstreamTimeout:        http.StatusGatewayTimeout,
	KindValidation:             http.StatusBadRequest,
	KindInternal:               http.StatusInternalServerError,
}

// Error is the single structured error type carried through the system.
// SessionId and Detail are populated where the originating kind calls for
// them; Code carries a provider-specific error code for ProviderError.
type Error struct {
	Kind      Kind
	SessionId string
	Detail    string
	Code      string
	Err       error
}

func (e *Error) Error() string {
	if e.SessionId != "" {
		if e.Detail != "" {
			return fmt.Sprintf("%s: session=%s: %s", e.Kind, e.SessionId, e.Detail)
		}
		return fmt.Sprintf("%s: session=%s", e.Kind, e.SessionId)
	}
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus returns the status code a handler should respond with.
func (e *Error) HTTPStatus() int {
	if status, ok := statusByKind[e.Kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// New builds a bare error of the given kind.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Wrap builds an error of the given kind wrapping an underlying cause.
func Wrap(kind Kind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// ForSession builds an error of the given kind scoped to a session.
func ForSession(kind Kind, sessionId, detail string) *Error {
	return &Error{Kind: kind, SessionId: sessionId, Detail: detail}
}

// NoPortsAvailable builds the port-exhaustion boundary error.
func NoPortsAvailable(kind string) *Error {
	return &Error{Kind: KindNoPortsAvailable, Detail: fmt.Sprintf("no free port for kind %q", kind)}
}

// ProviderError wraps a Sandbox Provider failure, carrying its code.
func ProviderError(code, message string) *Error {
	return &Error{Kind: KindProviderError, Code: code, Detail: message}
}

// DaemonStartFailed builds the daemon start failure.
func DaemonStartFailed(sessionId, detail string) *Error {
	return &Error{Kind: KindDaemonStartFailed, SessionId: sessionId, Detail: detail}
}

// DaemonStopFailed builds the daemon stop failure.
func DaemonStopFailed(sessionId, detail string) *Error {
	return &Error{Kind: KindDaemonStopFailed, SessionId: sessionId, Detail: detail}
}

// NavigationFailed builds the daemon navigate failure.
func NavigationFailed(sessionId, url, detail string) *Error {
	return &Error{Kind: KindNavigationFailed, SessionId: sessionId, Detail: fmt.Sprintf("url=%s: %s", url, detail)}
}

// ConnectionFailed builds a controller connectivity/parse failure.
func ConnectionFailed(sessionId, detail string) *Error {
	return &Error{Kind: KindConnectionFailed, SessionId: sessionId, Detail: detail}
}

// NoContainerDefinitions builds the empty-project failure.
func NoContainerDefinitions(projectId string) *Error {
	return &Error{Kind: KindNoContainerDefinitions, Detail: fmt.Sprintf("project %q declares no container definitions", projectId)}
}

// SessionNotFound builds the lookup-miss failure.
func SessionNotFound(sessionId string) *Error {
	return &Error{Kind: KindSessionNotFound, SessionId: sessionId, Detail: "session not found"}
}

// InvalidSubdomain builds the Host-parse failure.
func InvalidSubdomain(host string) *Error {
	return &Error{Kind: KindInvalidSubdomain, Detail: fmt.Sprintf("invalid subdomain host %q", host)}
}

// UpstreamTimeout builds the proxy/controller timeout failure.
func UpstreamTimeout(detail string) *Error {
	return &Error{Kind: KindUpstreamTimeout, Detail: detail}
}

// AsError reports whether err is (or wraps) an *Error and returns it.
func AsError(err error) (*Error, bool) {
	var de *Error
	if err == nil {
		return nil, false
	}
	if e, ok := err.(*Error); ok {
		return e, true
	}
	if u, ok := err.(interface{ Unwrap() error }); ok {
		return AsError(u.Unwrap())
	}
	return de, false
}

// ValidationErrors accumulates field-level validation failures behind a
// ValidationErrs()/.Add()/.Err() builder.
type ValidationErrors struct {
	fields map[string]string
	order  []string
}

// ValidationErrs starts a new accumulator.
func ValidationErrs() *ValidationErrors {
	return &ValidationErrors{fields: make(map[string]string)}
}

// Add records a field-level error.
func (v *ValidationErrors) Add(field, message string) {
	if _, exists := v.fields[field]; !exists {
		v.order = append(v.order, field)
	}
	v.fields[field] = message
}

// Empty reports whether any errors were recorded.
func (v *ValidationErrors) Empty() bool {
	return len(v.fields) == 0
}

// Err returns nil if no errors were recorded, else a *Error of kind
// Validation describing every field failure.
func (v *ValidationErrors) Err() error {
	if v.Empty() {
		return nil
	}
	detail := ""
	for i, field := range v.order {
		if i > 0 {
			detail += "; "
		}
		detail += fmt.Sprintf("%s: %s", field, v.fields[field])
	}
	return &Error{Kind: KindValidation, Detail: detail}
}

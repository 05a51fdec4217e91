package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
)

type Kind string

const (
	KindIntegrationNotConfigured Kind = "IntegrationNotConfigured"
	KindIntegrationDisabled      Kind = "IntegrationDisabled"
	KindReauthorizationRequired  Kind = "ReauthorizationRequired"
	KindRateLimited              Kind = "RateLimited"
	KindTransientNetwork         Kind = "TransientNetworkError"
	KindValidation               Kind = "ValidationError"
	KindMapping                  Kind = "MappingError"
	KindNotFound                 Kind = "NotFound"
	KindSyncInProgress           Kind = "SyncInProgress"
	KindUnknown                  Kind = "Unknown"
)

var statusCodes = map[Kind]int{
	KindIntegrationNotConfigured: http.StatusNotFound,
	KindIntegrationDisabled:      http.StatusConflict,
	KindReauthorizationRequired:  http.StatusUnauthorized,
	KindRateLimited:              http.StatusTooManyRequests,
	KindTransientNetwork:         http.StatusBadGateway,
	KindValidation:               http.StatusUnprocessableEntity,
	KindMapping:                  http.StatusUnprocessableEntity,
	KindNotFound:                 http.StatusNotFound,
	KindSyncInProgress:           http.StatusConflict,
}

// Fatal kinds are surfaced to the user and never retried.
func (k Kind) Fatal() bool {
	switch k {
	case KindIntegrationNotConfigured, KindIntegrationDisabled, KindReauthorizationRequired:
		return true
	}
	return false
}

// Retryable kinds are retried by the API caller before being surfaced.
func (k Kind) Retryable() bool {
	return k == KindRateLimited || k == KindTransientNetwork
}

type IntegrationError struct {
	Kind            Kind
	Message         string
	IntegrationType string
	Err             error
}

func New(kind Kind, msg string) *IntegrationError {
	return &IntegrationError{Kind: kind, Message: msg}
}

func Newf(kind Kind, format string, args ...any) *IntegrationError {
	return &IntegrationError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind to err. The cause stays reachable through errors.Is/As.
func Wrap(kind Kind, err error, msg string) *IntegrationError {
	return &IntegrationError{Kind: kind, Message: msg, Err: err}
}

func (e *IntegrationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *IntegrationError) Unwrap() error {
	return e.Err
}

func (e *IntegrationError) ErrorKind() Kind {
	return e.Kind
}

func (e *IntegrationError) WithIntegration(t string) *IntegrationError {
	e.IntegrationType = t
	return e
}

func (e *IntegrationError) ToHTTPError() *httperror.HTTPError {
	code, ok := statusCodes[e.Kind]
	if !ok {
		code = http.StatusInternalServerError
	}
	herr := httperror.NewHTTPError(code, e.Message).AddMetaValue("kind", string(e.Kind))
	if e.IntegrationType != "" {
		herr = herr.AddMetaValue("integrationType", e.IntegrationType)
	}
	return herr
}

// kinded is implemented by errors that classify themselves, such as API errors.
type kinded interface {
	ErrorKind() Kind
}

// KindOf classifies err; errors that carry no kind are KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var k kinded
	if stderrors.As(err, &k) {
		return k.ErrorKind()
	}
	if httperror.IsHTTPError(err) && httperror.GetStatusCode(err) == http.StatusNotFound {
		return KindNotFound
	}
	return KindUnknown
}

func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// ToHTTPError converts any error for the HTTP edge.
func ToHTTPError(err error) error {
	var ie *IntegrationError
	if stderrors.As(err, &ie) {
		return ie.ToHTTPError()
	}
	var k kinded
	if stderrors.As(err, &k) {
		return (&IntegrationError{Kind: k.ErrorKind(), Message: err.Error()}).ToHTTPError()
	}
	return err
}

func NotConfigured(integrationType string) *IntegrationError {
	return Newf(KindIntegrationNotConfigured, "%s integration is not configured", integrationType).WithIntegration(integrationType)
}

func Disabled(integrationType, status string) *IntegrationError {
	return Newf(KindIntegrationDisabled, "%s integration is %s", integrationType, status).WithIntegration(integrationType)
}

func ReauthorizationRequired(integrationType string, err error) *IntegrationError {
	return Wrap(KindReauthorizationRequired, err, fmt.Sprintf("%s authorization is no longer valid, reconnect the integration", integrationType)).WithIntegration(integrationType)
}

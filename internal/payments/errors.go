package payments

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	pkgerrors "github.com/angelmondragon/bookshop-backend/pkg/errors"
)

// ErrorKind classifies provider failures by how a caller should react.
type ErrorKind string

const (
	KindAuth        ErrorKind = "auth"
	KindRateLimited ErrorKind = "rate_limited"
	KindClient      ErrorKind = "client"
	KindServer      ErrorKind = "server"
	KindTransport   ErrorKind = "transport"
)

// GatewayError is the normalized failure returned by every Gateway.
type GatewayError struct {
	Provider   string
	Op         string
	Kind       ErrorKind
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *GatewayError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s: %s (status %d): %v", e.Provider, e.Op, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Provider, e.Op, e.Kind, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// Retryable reports whether repeating the same call may succeed.
func (e *GatewayError) Retryable() bool {
	switch e.Kind {
	case KindRateLimited, KindServer, KindTransport:
		return true
	default:
		return false
	}
}

// KindForStatus maps an HTTP status to an ErrorKind. Zero means the request
// never produced a response.
func KindForStatus(status int) ErrorKind {
	switch {
	case status == 0:
		return KindTransport
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status >= 400 && status < 500:
		return KindClient
	default:
		return KindServer
	}
}

func newGatewayError(provider, op string, status int, retryAfter time.Duration, err error) *GatewayError {
	return &GatewayError{
		Provider:   provider,
		Op:         op,
		Kind:       KindForStatus(status),
		StatusCode: status,
		RetryAfter: retryAfter,
		Err:        err,
	}
}

// AsGatewayError extracts a GatewayError from err's chain.
func AsGatewayError(err error) (*GatewayError, bool) {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr, true
	}
	return nil, false
}

// ToAPIError converts a gateway failure into the typed error surfaced by HTTP handlers.
func ToAPIError(err error) error {
	gwErr, ok := AsGatewayError(err)
	if !ok {
		return err
	}
	details := map[string]any{"provider": gwErr.Provider, "kind": string(gwErr.Kind)}
	switch gwErr.Kind {
	case KindAuth:
		return pkgerrors.Wrap(pkgerrors.CodeGateway, err, "payment provider rejected our credentials").WithDetails(details)
	case KindRateLimited:
		if gwErr.RetryAfter > 0 {
			details["retryAfterSeconds"] = int(gwErr.RetryAfter.Round(time.Second).Seconds())
		}
		return pkgerrors.Wrap(pkgerrors.CodeRateLimit, err, "payment provider is rate limiting requests").WithDetails(details)
	case KindClient:
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "payment was rejected by the provider").WithDetails(details)
	default:
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "payment provider unavailable").WithDetails(details)
	}
}

package apicaller

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Ramsey-B/clover/pkg/errors"
	"github.com/Ramsey-B/clover/pkg/models"
)

const maxErrorBody = 512

// ApiError is a failed exchange with an external system. StatusCode 0 means
// the request never produced a response.
type ApiError struct {
	IntegrationType models.IntegrationType
	Method          string
	URL             string
	StatusCode      int
	// RetryAfter is set from the Retry-After header on 429 and 503 responses.
	RetryAfter time.Duration
	Body       string
	Err        error
}

func (e *ApiError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s %s %s failed: %v", e.IntegrationType, e.Method, e.URL, e.Err)
	}
	msg := fmt.Sprintf("%s %s %s returned %d %s", e.IntegrationType, e.Method, e.URL, e.StatusCode, http.StatusText(e.StatusCode))
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

func (e *ApiError) Unwrap() error {
	return e.Err
}

func (e *ApiError) ErrorKind() errors.Kind {
	switch {
	case e.StatusCode == 0 || e.StatusCode >= 500:
		return errors.KindTransientNetwork
	case e.StatusCode == http.StatusTooManyRequests:
		return errors.KindRateLimited
	case e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden:
		return errors.KindReauthorizationRequired
	case e.StatusCode == http.StatusNotFound:
		return errors.KindNotFound
	default:
		return errors.KindValidation
	}
}

func truncate(body []byte) string {
	if len(body) <= maxErrorBody {
		return string(body)
	}
	return string(body[:maxErrorBody]) + "..."
}

// StatusCode returns the HTTP status of an ApiError anywhere in err's chain, or 0.
func StatusCode(err error) int {
	var apiErr *ApiError
	if stderrors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

func IsNotFound(err error) bool {
	return StatusCode(err) == http.StatusNotFound
}

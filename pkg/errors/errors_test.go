package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/stretchr/testify/assert"
)

type selfClassifying struct{ kind Kind }

func (s selfClassifying) Error() string   { return "api failure" }
func (s selfClassifying) ErrorKind() Kind { return s.kind }

func TestKindOf(t *testing.T) {
	t.Run("should classify integration errors through wrapping", func(t *testing.T) {
		err := fmt.Errorf("sync failed: %w", NotConfigured("hubspot"))
		assert.Equal(t, KindIntegrationNotConfigured, KindOf(err))
		assert.True(t, KindOf(err).Fatal())
	})

	t.Run("should classify self classifying errors", func(t *testing.T) {
		assert.Equal(t, KindRateLimited, KindOf(selfClassifying{kind: KindRateLimited}))
		assert.True(t, KindRateLimited.Retryable())
	})

	t.Run("should map 404 http errors to not found", func(t *testing.T) {
		assert.Equal(t, KindNotFound, KindOf(httperror.NewHTTPError(http.StatusNotFound, "missing")))
	})

	t.Run("should fall back to unknown", func(t *testing.T) {
		assert.Equal(t, KindUnknown, KindOf(stderrors.New("plain")))
		assert.Equal(t, Kind(""), KindOf(nil))
	})
}

func TestToHTTPError(t *testing.T) {
	t.Run("should carry the status code for the kind", func(t *testing.T) {
		err := ToHTTPError(ReauthorizationRequired("salesforce", stderrors.New("invalid_grant")))
		assert.True(t, httperror.IsHTTPError(err))
		assert.Equal(t, http.StatusUnauthorized, httperror.GetStatusCode(err))
	})

	t.Run("should keep the cause reachable", func(t *testing.T) {
		cause := stderrors.New("root")
		err := Wrap(KindTransientNetwork, cause, "call failed")
		assert.ErrorIs(t, err, cause)
	})

	t.Run("should pass through unclassified errors", func(t *testing.T) {
		plain := stderrors.New("plain")
		assert.Equal(t, plain, ToHTTPError(plain))
	})
}

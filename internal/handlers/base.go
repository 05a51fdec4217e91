package handlers

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/pkg/context"
	"github.com/Ramsey-B/clover/pkg/models"
)

// RequestValidator plugs go-playground/validator into echo's Validate.
type RequestValidator struct {
	validate *validator.Validate
}

func NewRequestValidator() *RequestValidator {
	return &RequestValidator{validate: validator.New(validator.WithRequiredStructEnabled())}
}

func (v *RequestValidator) Validate(i any) error {
	err := v.validate.Struct(i)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !stderrors.As(err, &verrs) {
		return BadRequest(err.Error())
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msg := fmt.Sprintf("%s failed '%s'", fe.Namespace(), fe.Tag())
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		msgs = append(msgs, msg)
	}
	return BadRequest("invalid request: " + strings.Join(msgs, "; "))
}

// bind decodes the body into req and validates it.
func bind(c echo.Context, req any) error {
	if err := c.Bind(req); err != nil {
		return BadRequest("invalid request body")
	}
	return c.Validate(req)
}

// GetUserID returns the authenticated user.
func GetUserID(c echo.Context) (string, error) {
	userID := context.GetUserID(c.Request().Context())
	if userID == "" {
		return "", Unauthorized("authentication required")
	}
	return userID, nil
}

// ParseIntegrationType reads the :type path parameter.
func ParseIntegrationType(c echo.Context) (models.IntegrationType, error) {
	t, err := models.ParseIntegrationType(c.Param("type"))
	if err != nil {
		return "", BadRequest(err.Error())
	}
	return t, nil
}

// userAndType reads both request identifiers integration routes need.
func userAndType(c echo.Context) (string, models.IntegrationType, error) {
	userID, err := GetUserID(c)
	if err != nil {
		return "", "", err
	}
	t, err := ParseIntegrationType(c)
	if err != nil {
		return "", "", err
	}
	c.SetRequest(c.Request().WithContext(context.SetIntegrationType(c.Request().Context(), string(t))))
	return userID, t, nil
}

func SuccessResponse(c echo.Context, data any) error {
	return c.JSON(http.StatusOK, data)
}

func CreatedResponse(c echo.Context, data any) error {
	return c.JSON(http.StatusCreated, data)
}

func NoContentResponse(c echo.Context) error {
	return c.NoContent(http.StatusNoContent)
}

func BadRequest(message string) error {
	return httperror.NewHTTPError(http.StatusBadRequest, message)
}

func Unauthorized(message string) error {
	return httperror.NewHTTPError(http.StatusUnauthorized, message)
}

package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/Proton-105/xo-arena/internal/errors"
	"github.com/Proton-105/xo-arena/internal/i18n"
)

// ErrorBody is the JSON shape of every failed request.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

var errBadRequest = apperrors.NewValidationError(apperrors.CodeValidation, "request body is invalid")

func respond(c *gin.Context, data any) {
	c.JSON(http.StatusOK, data)
}

// fail classifies err, logs it through the error handler and writes a localized body.
func (a *API) fail(c *gin.Context, err error) {
	report := a.errors.Handle(c.Request.Context(), err)

	message := report.UserMessage
	if a.catalog != nil {
		message = i18n.ErrorMessage(a.catalog.Translator(a.language(c)), report.Code, message)
	}

	c.AbortWithStatusJSON(statusFor(report), ErrorBody{Error: ErrorDetail{
		Code:      report.Code,
		Message:   message,
		Retryable: report.Retryable,
	}})
}

func statusFor(r apperrors.Report) int {
	switch r.Code {
	case apperrors.CodeForbidden:
		return http.StatusForbidden
	case apperrors.CodeRateLimited:
		return http.StatusTooManyRequests
	}

	switch r.Kind {
	case apperrors.KindValidation:
		return http.StatusBadRequest
	case apperrors.KindNotFound:
		return http.StatusNotFound
	case apperrors.KindStateConflict, apperrors.KindResource:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// language prefers the lang query parameter over Accept-Language negotiation.
func (a *API) language(c *gin.Context) string {
	if lang := c.Query("lang"); lang != "" {
		return lang
	}
	return a.catalog.Negotiate(c.GetHeader("Accept-Language"))
}

package http

import (
	"errors"
	"net/http"

	"github.com/fyrsmithlabs/docqa/internal/rag"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// StatusClientClosedRequest is reported when the client went away before
// the response was ready.
const StatusClientClosedRequest = 499

// statusFor maps an error kind to the HTTP status returned for it.
func statusFor(kind rag.Kind) int {
	switch kind {
	case rag.KindValidation, rag.KindChunking, rag.KindDecode:
		return http.StatusBadRequest
	case rag.KindConfiguration:
		return http.StatusServiceUnavailable
	case rag.KindTimeout:
		return http.StatusGatewayTimeout
	case rag.KindCanceled:
		return StatusClientClosedRequest
	case rag.KindEmbedding, rag.KindGeneration:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// kindForStatus names errors raised by echo itself.
func kindForStatus(status int) string {
	switch status {
	case http.StatusNotFound:
		return "not_found"
	case http.StatusMethodNotAllowed:
		return "method_not_allowed"
	case http.StatusRequestEntityTooLarge:
		return "too_large"
	case http.StatusServiceUnavailable:
		return string(rag.KindConfiguration)
	}
	if status >= 400 && status < 500 {
		return string(rag.KindValidation)
	}
	return "internal"
}

// errorHandler writes every error as {"error": {"kind", "message"}}.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var (
		status int
		body   ErrorBody
		re     *rag.Error
		he     *echo.HTTPError
	)
	switch {
	case errors.As(err, &re):
		status = statusFor(re.Kind)
		body = ErrorBody{Kind: string(re.Kind), Message: re.Message}
	case errors.As(err, &he):
		status = he.Code
		msg, ok := he.Message.(string)
		if !ok {
			msg = http.StatusText(he.Code)
		}
		body = ErrorBody{Kind: kindForStatus(he.Code), Message: msg}
	default:
		status = http.StatusInternalServerError
		body = ErrorBody{Kind: "internal", Message: "internal server error"}
	}

	if status >= 500 {
		s.logger.Error("request failed",
			zap.String("uri", c.Request().RequestURI),
			zap.Int("status", status),
			zap.String("kind", body.Kind),
			zap.Error(err))
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, ErrorResponse{Error: body})
	}
	if err != nil {
		s.logger.Warn("writing error response failed", zap.Error(err))
	}
}

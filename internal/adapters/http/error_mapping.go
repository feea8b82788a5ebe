package httpadapter

import (
	"context"
	"errors"
	"net/http"

	"github.com/kirillkom/scholarchat/internal/core/domain"
)

// statusClientClosedRequest is logged when the client went away mid-request.
const statusClientClosedRequest = 499

func mapErrorToHTTPStatus(err error) int {
	switch {
	case domain.IsKind(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case domain.IsKind(err, domain.ErrSessionNotFound):
		return http.StatusNotFound
	case domain.IsKind(err, domain.ErrIngestionInProgress),
		domain.IsKind(err, domain.ErrSessionBusy):
		return http.StatusConflict
	case domain.IsKind(err, domain.ErrIngestion):
		return http.StatusUnprocessableEntity
	case domain.IsKind(err, domain.ErrTemporary):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled):
		return statusClientClosedRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

package resilience

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/kirillkom/scholarchat/internal/core/domain"
)

// StatusCoder is implemented by errors that carry an upstream HTTP status.
type StatusCoder interface {
	error
	HTTPStatus() int
}

// RetryableHTTPStatus reports whether an upstream HTTP status is worth retrying.
func RetryableHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// ClassifyHTTP classifies failures of a JSON-over-HTTP dependency such as
// Ollama or Qdrant. Transport errors and 408/429/5xx replies are retried
// and count against the breaker; other statuses mean the request itself is
// wrong and do neither. Caller cancellation is never recorded.
func ClassifyHTTP(err error) ErrorClassification {
	var (
		status StatusCoder
		netErr net.Error
	)
	switch {
	case err == nil:
		return ErrorClassification{}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrorClassification{}
	case IsCircuitOpen(err):
		return ErrorClassification{Retryable: true, RecordFailure: true}
	case errors.As(err, &status):
		retry := RetryableHTTPStatus(status.HTTPStatus())
		return ErrorClassification{Retryable: retry, RecordFailure: retry}
	case errors.As(err, &netErr):
		return ErrorClassification{Retryable: true, RecordFailure: true}
	default:
		return ErrorClassification{RecordFailure: true}
	}
}

// MarkTemporary wraps err in domain.ErrTemporary when ClassifyHTTP would
// retry it, so callers can answer 503 instead of 500.
func MarkTemporary(operation string, err error) error {
	if err == nil || domain.IsKind(err, domain.ErrTemporary) {
		return err
	}
	if ClassifyHTTP(err).Retryable {
		return domain.WrapError(domain.ErrTemporary, operation, err)
	}
	return err
}

package ollama

import (
	"fmt"
	"strings"
)

// StatusError is a non-2xx reply from the Ollama server. Body holds the
// first 2KiB of the response, which usually carries Ollama's own message
// (for example "model \"x\" not found, try pulling it first").
type StatusError struct {
	Operation string
	Code      int
	Body      string
}

func (e *StatusError) Error() string {
	msg := strings.TrimSpace(e.Body)
	if msg == "" {
		return fmt.Sprintf("ollama %s: HTTP %d", e.Operation, e.Code)
	}
	return fmt.Sprintf("ollama %s: HTTP %d: %s", e.Operation, e.Code, msg)
}

func (e *StatusError) HTTPStatus() int {
	return e.Code
}

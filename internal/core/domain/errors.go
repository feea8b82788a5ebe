package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrTemporary           = errors.New("temporary failure")
	ErrIngestion           = errors.New("ingestion failed")
	ErrIngestionInProgress = errors.New("ingestion already in progress")
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionBusy         = errors.New("session is busy")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}

// IngestionError identifies the document and stage that aborted a batch.
type IngestionError struct {
	Filename string
	Stage    string
	Err      error
}

func (e *IngestionError) Error() string {
	return fmt.Sprintf("ingest %s: %s: %v", e.Filename, e.Stage, e.Err)
}

func (e *IngestionError) Unwrap() []error {
	return []error{ErrIngestion, e.Err}
}

// UserMessage renders err as a short human-readable sentence.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var ingestErr *IngestionError
	switch {
	case errors.As(err, &ingestErr):
		return fmt.Sprintf("Error processing documents: could not %s %q: %s", ingestErr.Stage, ingestErr.Filename, rootCause(ingestErr.Err))
	case errors.Is(err, ErrIngestionInProgress):
		return "Documents are already being processed. Please wait and try again."
	case errors.Is(err, ErrSessionNotFound):
		return "Error: session not found."
	case errors.Is(err, ErrSessionBusy):
		return "Error: the previous question in this session is still being answered."
	case errors.Is(err, context.DeadlineExceeded), isTimeout(err):
		return "Error: the language model did not respond in time. Please try again."
	case errors.Is(err, ErrTemporary):
		return "Error: the model service is temporarily unavailable. Please try again."
	default:
		return "Error: " + rootCause(err)
	}
}

func isTimeout(err error) bool {
	var timeout interface{ Timeout() bool }
	return errors.As(err, &timeout) && timeout.Timeout()
}

// rootCause follows the wrapped chain to its innermost error. For errors that
// wrap several (WrapError, IngestionError) the last one is the cause.
func rootCause(err error) string {
	for {
		var next error
		switch e := err.(type) {
		case interface{ Unwrap() []error }:
			if errs := e.Unwrap(); len(errs) > 0 {
				next = errs[len(errs)-1]
			}
		case interface{ Unwrap() error }:
			next = e.Unwrap()
		}
		if next == nil {
			break
		}
		err = next
	}
	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		return "unknown error"
	}
	return msg
}

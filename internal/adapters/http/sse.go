package httpadapter

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/kirillkom/scholarchat/internal/core/domain"
	"github.com/kirillkom/scholarchat/internal/core/ports"
)

type streamDelta struct {
	Delta string `json:"delta"`
}

type streamDone struct {
	Text    string                  `json:"text"`
	Sources []domain.RetrievedChunk `json:"sources"`
}

type streamFailure struct {
	Error string `json:"error"`
}

// writeStream relays an answer stream as server-sent events: one "delta"
// event per fragment, then "done" with the final text, or "error" with the
// message recorded in the session.
func (rt *Router) writeStream(w http.ResponseWriter, r *http.Request, stream ports.AnswerStream) {
	defer stream.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming is not supported by response writer")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		fragment, err := stream.Next(ctx)
		switch {
		case err == nil:
			if fragment == "" {
				continue
			}
			if writeEvent(w, "delta", streamDelta{Delta: fragment}) != nil {
				return
			}
			flusher.Flush()
		case errors.Is(err, io.EOF):
			sources := stream.Sources()
			if sources == nil {
				sources = []domain.RetrievedChunk{}
			}
			_ = writeEvent(w, "done", streamDone{Text: stream.Text(), Sources: sources})
			flusher.Flush()
			return
		case ctx.Err() != nil:
			slog.Info("answer_stream_abandoned", "request_id", requestIDFromContext(ctx))
			return
		default:
			_ = writeEvent(w, "error", streamFailure{Error: stream.Text()})
			flusher.Flush()
			return
		}
	}
}

func writeEvent(w io.Writer, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

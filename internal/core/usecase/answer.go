package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/kirillkom/scholarchat/internal/core/domain"
	"github.com/kirillkom/scholarchat/internal/core/ports"
)

// AnswerObserver receives per-turn answer outcomes, typically for metrics.
type AnswerObserver interface {
	ObserveAnswer(mode string, retrieved int, noContext bool, failed bool, duration time.Duration)
}

// RetrieverFactory builds the retrieval handle cached on a session.
type RetrieverFactory func() domain.Retriever

// AnswerUseCase is the retrieval-augmented answer pipeline.
type AnswerUseCase struct {
	kb           ports.KnowledgeBaseReader
	newRetriever RetrieverFactory
	completion   ports.CompletionService
	opts         domain.GenerationOptions
	observer     AnswerObserver
}

func NewAnswerUseCase(
	kb ports.KnowledgeBaseReader,
	newRetriever RetrieverFactory,
	completion ports.CompletionService,
	opts domain.GenerationOptions,
) *AnswerUseCase {
	return &AnswerUseCase{
		kb:           kb,
		newRetriever: newRetriever,
		completion:   completion,
		opts:         opts,
	}
}

func (uc *AnswerUseCase) WithObserver(observer AnswerObserver) *AnswerUseCase {
	uc.observer = observer
	return uc
}

// Ask answers one question and appends both sides of the turn to the session.
// Retrieval and generation failures become an "Error: ..." assistant message;
// only validation errors and caller cancellation are returned as errors.
func (uc *AnswerUseCase) Ask(ctx context.Context, session *domain.Session, question string) (*domain.Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "ask", errors.New("question is required"))
	}
	if err := session.Acquire(ctx); err != nil {
		return nil, err
	}
	defer session.Release()

	started := time.Now()
	session.Append(domain.RoleUser, question)

	kb := uc.kb.Current()
	if kb == nil {
		session.Append(domain.RoleAssistant, NoDocumentsResponse)
		uc.observe("blocking", 0, true, false, started)
		return &domain.Answer{Text: NoDocumentsResponse, Sources: []domain.RetrievedChunk{}}, nil
	}

	chunks, err := uc.retrieverFor(session, kb).Retrieve(ctx, question)
	if err != nil {
		return uc.failTurn(ctx, session, err, started)
	}

	text, err := uc.completion.Complete(ctx, buildAnswerPrompt(question, chunks), uc.opts)
	if err != nil {
		return uc.failTurn(ctx, session, err, started)
	}

	session.Append(domain.RoleAssistant, text)
	uc.observe("blocking", len(chunks), len(chunks) == 0, false, started)
	return &domain.Answer{Text: text, Sources: chunks}, nil
}

// AskStream starts a streamed answer. The session turn stays held until the
// stream reaches EOF, fails, or is closed.
func (uc *AnswerUseCase) AskStream(ctx context.Context, session *domain.Session, question string) (ports.AnswerStream, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "ask", errors.New("question is required"))
	}
	if err := session.Acquire(ctx); err != nil {
		return nil, err
	}

	started := time.Now()
	session.Append(domain.RoleUser, question)

	kb := uc.kb.Current()
	if kb == nil {
		return newStaticTurn(session, NoDocumentsResponse, false, func(string, bool) {
			uc.observe("stream", 0, true, false, started)
		}), nil
	}

	chunks, err := uc.retrieverFor(session, kb).Retrieve(ctx, question)
	if err != nil {
		return uc.failStream(ctx, session, err, started)
	}

	inner, err := uc.completion.Stream(ctx, buildAnswerPrompt(question, chunks), uc.opts)
	if err != nil {
		return uc.failStream(ctx, session, err, started)
	}
	return newTurnStream(session, inner, chunks, func(_ string, failed bool) {
		uc.observe("stream", len(chunks), len(chunks) == 0, failed, started)
	}), nil
}

// retrieverFor returns the session's retriever, rebuilding it when the
// knowledge base changed since it was cached.
func (uc *AnswerUseCase) retrieverFor(session *domain.Session, kb *domain.KnowledgeBase) domain.Retriever {
	if r, ok := session.RetrieverFor(kb.Generation); ok {
		return r
	}
	r := uc.newRetriever()
	session.Bind(kb.Generation, r)
	return r
}

func (uc *AnswerUseCase) failTurn(ctx context.Context, session *domain.Session, err error, started time.Time) (*domain.Answer, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	msg := domain.UserMessage(err)
	slog.Error("answer_failed", "session_id", session.ID, "error", err)
	session.Append(domain.RoleAssistant, msg)
	uc.observe("blocking", 0, false, true, started)
	return &domain.Answer{Text: msg, Sources: []domain.RetrievedChunk{}, Failed: true}, nil
}

func (uc *AnswerUseCase) failStream(ctx context.Context, session *domain.Session, err error, started time.Time) (ports.AnswerStream, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		session.Release()
		return nil, ctxErr
	}
	slog.Error("answer_failed", "session_id", session.ID, "error", err)
	return newStaticTurn(session, domain.UserMessage(err), true, func(string, bool) {
		uc.observe("stream", 0, false, true, started)
	}), nil
}

func (uc *AnswerUseCase) observe(mode string, retrieved int, noContext, failed bool, started time.Time) {
	if uc.observer != nil {
		uc.observer.ObserveAnswer(mode, retrieved, noContext, failed, time.Since(started))
	}
}

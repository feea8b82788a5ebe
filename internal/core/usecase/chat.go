package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kirillkom/scholarchat/internal/core/domain"
	"github.com/kirillkom/scholarchat/internal/core/ports"
)

// DefaultChatModels mirrors the model picker of the plain chat app.
var DefaultChatModels = []domain.ChatModel{
	{Label: "1.5B Parameters", Name: "deepseek-r1:1.5b"},
	{Label: "7B Parameters", Name: "deepseek-r1:latest"},
}

// ChatUseCase is plain chat without retrieval: one system instruction and the
// user's message, answered by the selected model.
type ChatUseCase struct {
	completion  ports.CompletionService
	models      []domain.ChatModel
	temperature float64
	numCtx      int
}

func NewChatUseCase(completion ports.CompletionService, models []domain.ChatModel, temperature float64, numCtx int) *ChatUseCase {
	if len(models) == 0 {
		models = DefaultChatModels
	}
	return &ChatUseCase{
		completion:  completion,
		models:      models,
		temperature: temperature,
		numCtx:      numCtx,
	}
}

func (uc *ChatUseCase) Models() []domain.ChatModel {
	out := make([]domain.ChatModel, len(uc.models))
	copy(out, uc.models)
	return out
}

func (uc *ChatUseCase) Send(ctx context.Context, session *domain.Session, model, message string) (*domain.Answer, error) {
	opts, message, err := uc.prepare(model, message)
	if err != nil {
		return nil, err
	}
	if err := session.Acquire(ctx); err != nil {
		return nil, err
	}
	defer session.Release()

	session.Append(domain.RoleUser, message)
	text, err := uc.completion.Complete(ctx, buildChatPrompt(message), opts)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		msg := domain.UserMessage(err)
		slog.Error("chat_failed", "session_id", session.ID, "model", opts.Model, "error", err)
		session.Append(domain.RoleAssistant, msg)
		return &domain.Answer{Text: msg, Failed: true}, nil
	}
	session.Append(domain.RoleAssistant, text)
	return &domain.Answer{Text: text}, nil
}

func (uc *ChatUseCase) SendStream(ctx context.Context, session *domain.Session, model, message string) (ports.AnswerStream, error) {
	opts, message, err := uc.prepare(model, message)
	if err != nil {
		return nil, err
	}
	if err := session.Acquire(ctx); err != nil {
		return nil, err
	}

	session.Append(domain.RoleUser, message)
	inner, err := uc.completion.Stream(ctx, buildChatPrompt(message), opts)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			session.Release()
			return nil, ctxErr
		}
		slog.Error("chat_failed", "session_id", session.ID, "model", opts.Model, "error", err)
		return newStaticTurn(session, domain.UserMessage(err), true, nil), nil
	}
	return newTurnStream(session, inner, nil, nil), nil
}

func (uc *ChatUseCase) prepare(model, message string) (domain.GenerationOptions, string, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return domain.GenerationOptions{}, "", domain.WrapError(domain.ErrInvalidInput, "chat", errors.New("message is required"))
	}
	resolved, err := uc.resolveModel(model)
	if err != nil {
		return domain.GenerationOptions{}, "", err
	}
	return domain.GenerationOptions{
		Model:       resolved.Name,
		Temperature: uc.temperature,
		NumCtx:      uc.numCtx,
	}, message, nil
}

// resolveModel accepts a model name or label; empty selects the first model.
func (uc *ChatUseCase) resolveModel(model string) (domain.ChatModel, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return uc.models[0], nil
	}
	for _, m := range uc.models {
		if m.Name == model || strings.EqualFold(m.Label, model) {
			return m, nil
		}
	}
	return domain.ChatModel{}, domain.WrapError(domain.ErrInvalidInput, "chat", fmt.Errorf("unknown model %q", model))
}

package domain

import (
	"context"
	"time"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Prompt is the structured input of the completion service: a system
// instruction followed by chat messages.
type Prompt struct {
	System   string    `json:"system"`
	Messages []Message `json:"messages"`
}

type GenerationOptions struct {
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	NumCtx      int     `json:"num_ctx,omitempty"`
}

// TextStream is a finite, forward-only sequence of generated text fragments.
// Next returns io.EOF after the last fragment. Close may be called at any
// point to abandon the stream.
type TextStream interface {
	Next(ctx context.Context) (string, error)
	Close() error
}

// ChatModel is a selectable chat model: a display label and the model name
// sent to the completion service.
type ChatModel struct {
	Label string `json:"label"`
	Name  string `json:"name"`
}

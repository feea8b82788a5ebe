package ollama

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/scholarchat/internal/core/domain"
	"github.com/kirillkom/scholarchat/internal/infrastructure/resilience"
)

type Client struct {
	baseURL    string
	genModel   string
	embedModel string
	httpClient *http.Client
	// streamClient has no overall timeout; streams are bounded by the caller's context.
	streamClient *http.Client
	executor     *resilience.Executor
}

type Option func(*Client)

func WithExecutor(executor *resilience.Executor) Option {
	return func(c *Client) {
		c.executor = executor
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func New(baseURL, genModel, embedModel string, opts ...Option) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		genModel:     genModel,
		embedModel:   embedModel,
		httpClient:   &http.Client{Timeout: 120 * time.Second},
		streamClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// run executes fn through the resilience executor when one is configured.
func (c *Client) run(ctx context.Context, operation string, fn func(context.Context) error) error {
	var err error
	if c.executor == nil {
		err = fn(ctx)
	} else {
		err = c.executor.Execute(ctx, operation, fn, resilience.ClassifyHTTP)
	}
	return resilience.MarkTemporary(operation, err)
}

type Embedder struct {
	client *Client
}

func NewEmbedder(client *Client) *Embedder {
	return &Embedder{client: client}
}

func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	request := embedRequest{
		Model: e.client.embedModel,
		Input: texts,
	}

	var response embedResponse
	err := e.client.run(ctx, "ollama.embed", func(ctx context.Context) error {
		return e.client.postJSON(ctx, "/api/embed", request, &response, "embed")
	})
	if err != nil {
		return nil, err
	}
	if len(response.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama embed: expected %d vectors, got %d", len(texts), len(response.Embeddings))
	}
	return response.Embeddings, nil
}

func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil, fmt.Errorf("empty embedding result")
	}
	return vectors[0], nil
}

// Generator is the chat completion service backed by /api/chat.
type Generator struct {
	client *Client
}

func NewGenerator(client *Client) *Generator {
	return &Generator{client: client}
}

func (g *Generator) Complete(ctx context.Context, prompt domain.Prompt, opts domain.GenerationOptions) (string, error) {
	request := g.client.chatRequest(prompt, opts, false)

	var response chatChunk
	err := g.client.run(ctx, "ollama.chat", func(ctx context.Context) error {
		return g.client.postJSON(ctx, "/api/chat", request, &response, "chat")
	})
	if err != nil {
		return "", err
	}
	if response.Error != "" {
		return "", fmt.Errorf("ollama chat: %s", response.Error)
	}
	return strings.TrimSpace(response.Message.Content), nil
}

// Stream opens a streaming chat completion. Only opening the stream is
// retried; a failure after the first fragment surfaces from Next.
func (g *Generator) Stream(ctx context.Context, prompt domain.Prompt, opts domain.GenerationOptions) (domain.TextStream, error) {
	request := g.client.chatRequest(prompt, opts, true)

	var resp *http.Response
	err := g.client.run(ctx, "ollama.chat_stream", func(ctx context.Context) error {
		r, err := g.client.openStream(ctx, "/api/chat", request, "chat")
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return newChatStream(resp.Body), nil
}

func (c *Client) chatRequest(prompt domain.Prompt, opts domain.GenerationOptions, stream bool) chatRequest {
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = c.genModel
	}

	messages := make([]chatMessage, 0, len(prompt.Messages)+1)
	if strings.TrimSpace(prompt.System) != "" {
		messages = append(messages, chatMessage{Role: string(domain.RoleSystem), Content: prompt.System})
	}
	for _, msg := range prompt.Messages {
		messages = append(messages, chatMessage{Role: string(msg.Role), Content: msg.Content})
	}

	return chatRequest{
		Model:    model,
		Messages: messages,
		Stream:   stream,
		Options: chatOptions{
			Temperature: opts.Temperature,
			NumCtx:      opts.NumCtx,
		},
	}
}

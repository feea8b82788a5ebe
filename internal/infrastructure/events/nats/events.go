package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/kirillkom/scholarchat/internal/core/domain"
	"github.com/kirillkom/scholarchat/internal/infrastructure/resilience"
)

// Events broadcasts knowledge-base updates to every process sharing the index.
type Events struct {
	conn     *nats.Conn
	subject  string
	origin   string
	executor *resilience.Executor
}

type Options struct {
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
}

// envelope is the wire form of an update. Origin lets a process skip its own
// announcements.
type envelope struct {
	Origin        string               `json:"origin"`
	KnowledgeBase domain.KnowledgeBase `json:"knowledge_base"`
}

func New(url, subject string, options Options) (*Events, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}

	conn, err := nats.Connect(
		url,
		nats.Name("scholarchat"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Events{
		conn:     conn,
		subject:  subject,
		origin:   uuid.NewString(),
		executor: options.ResilienceExecutor,
	}, nil
}

func (e *Events) Close() {
	if e.conn != nil {
		e.conn.Close()
	}
}

func (e *Events) PublishKnowledgeBaseUpdated(ctx context.Context, kb domain.KnowledgeBase) error {
	payload, err := encodeUpdate(e.origin, kb)
	if err != nil {
		return err
	}
	call := func(_ context.Context) error {
		if err := e.conn.Publish(e.subject, payload); err != nil {
			return fmt.Errorf("nats publish: %w", err)
		}
		return nil
	}

	if e.executor != nil {
		err = e.executor.Execute(ctx, "nats.publish", call, classifyPublishError)
	} else {
		err = call(ctx)
	}
	return asTemporary(err)
}

// SubscribeKnowledgeBaseUpdated blocks until ctx is done, invoking handler for
// updates published by other processes.
func (e *Events) SubscribeKnowledgeBaseUpdated(ctx context.Context, handler func(context.Context, domain.KnowledgeBase) error) error {
	sub, err := e.conn.Subscribe(e.subject, func(msg *nats.Msg) {
		if ctx.Err() != nil {
			return
		}
		origin, kb, err := decodeUpdate(msg.Data)
		if err != nil {
			slog.Warn("kb_event_decode_failed", "error", err)
			return
		}
		if origin == e.origin {
			return
		}
		if err := handler(ctx, kb); err != nil {
			slog.Error("kb_event_handler_failed", "kb_id", kb.ID, "generation", kb.Generation, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	if err := e.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	return nil
}

func encodeUpdate(origin string, kb domain.KnowledgeBase) ([]byte, error) {
	payload, err := json.Marshal(envelope{Origin: origin, KnowledgeBase: kb})
	if err != nil {
		return nil, fmt.Errorf("marshal kb event: %w", err)
	}
	return payload, nil
}

func decodeUpdate(data []byte) (string, domain.KnowledgeBase, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", domain.KnowledgeBase{}, fmt.Errorf("unmarshal kb event: %w", err)
	}
	if env.KnowledgeBase.ID == "" {
		return "", domain.KnowledgeBase{}, fmt.Errorf("kb event without id")
	}
	return env.Origin, env.KnowledgeBase, nil
}

package cli

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/kirillkom/scholarchat/internal/core/domain"
	"github.com/kirillkom/scholarchat/internal/core/ports"
)

// Services are the pipelines the commands drive. The CLI process owns a
// single session shared by every turn of a command.
type Services struct {
	Ingest  ports.KnowledgeBaseIngestor
	KB      ports.KnowledgeBaseReader
	Answers ports.QuestionAnswerer
	Chat    ports.ChatService
}

// ServicesFactory builds the services on first use so that flag errors and
// help output never touch external dependencies.
type ServicesFactory func(ctx context.Context) (*Services, error)

type runtime struct {
	factory  ServicesFactory
	services *Services
	session  *domain.Session
}

func (rt *runtime) load(ctx context.Context) (*Services, error) {
	if rt.services != nil {
		return rt.services, nil
	}
	if rt.factory == nil {
		return nil, errors.New("services not configured")
	}
	services, err := rt.factory(ctx)
	if err != nil {
		return nil, err
	}
	rt.services = services
	return services, nil
}

func NewRootCommand(factory ServicesFactory) *cobra.Command {
	rt := &runtime{
		factory: factory,
		session: domain.NewSession("cli"),
	}

	root := &cobra.Command{
		Use:   "scholarchat",
		Short: "Ask questions about your textbooks",
		Long: `ScholarChat builds a knowledge base from uploaded documents and answers
questions using only their content, with a local Ollama model.`,
		SilenceUsage: true,
	}

	root.AddCommand(
		newIngestCommand(rt),
		newClearCommand(rt),
		newAskCommand(rt),
		newChatCommand(rt),
		newModelsCommand(rt),
		newDocumentsCommand(rt),
	)
	return root
}

package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kirillkom/scholarchat/internal/core/domain"
	"github.com/kirillkom/scholarchat/internal/core/ports"
)

func newAskCommand(rt *runtime) *cobra.Command {
	var showSources bool

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a question about the ingested documents",
		Long: `Retrieves the most relevant passages from the knowledge base and streams an
answer grounded in them. Without a question argument an interactive session
starts; type "exit" to leave.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			services, err := rt.load(cmd.Context())
			if err != nil {
				return err
			}
			turn := func(ctx context.Context, question string) error {
				stream, err := services.Answers.AskStream(ctx, rt.session, question)
				if err != nil {
					return err
				}
				if err := relay(ctx, cmd, stream); err != nil {
					return err
				}
				if showSources {
					printSources(cmd, stream.Sources())
				}
				return nil
			}

			if len(args) == 1 {
				return turn(cmd.Context(), args[0])
			}
			return repl(cmd, cmd.InOrStdin(), "Ask a question: ", turn)
		},
	}
	cmd.Flags().BoolVar(&showSources, "sources", false, "print the passages the answer is based on")
	return cmd
}

func newChatCommand(rt *runtime) *cobra.Command {
	var model string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with a model without document retrieval",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			services, err := rt.load(cmd.Context())
			if err != nil {
				return err
			}
			return repl(cmd, cmd.InOrStdin(), "You: ", func(ctx context.Context, message string) error {
				stream, err := services.Chat.SendStream(ctx, rt.session, model, message)
				if err != nil {
					return err
				}
				return relay(ctx, cmd, stream)
			})
		},
	}
	cmd.Flags().StringVarP(&model, "model", "m", "", "model name or label (see 'models')")
	return cmd
}

func newModelsCommand(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List selectable chat models",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			services, err := rt.load(cmd.Context())
			if err != nil {
				return err
			}
			for _, m := range services.Chat.Models() {
				cmd.Printf("  %-18s %s\n", m.Label, m.Name)
			}
			return nil
		},
	}
}

// relay prints fragments as they arrive. A failed stream has already
// recorded its error message, which is printed in place of the answer.
func relay(ctx context.Context, cmd *cobra.Command, stream ports.AnswerStream) error {
	defer stream.Close()
	for {
		fragment, err := stream.Next(ctx)
		switch {
		case err == nil:
			cmd.Print(fragment)
		case errors.Is(err, io.EOF):
			cmd.Println()
			return nil
		case ctx.Err() != nil:
			cmd.Println()
			return ctx.Err()
		default:
			cmd.Println()
			cmd.PrintErrln(stream.Text())
			return nil
		}
	}
}

func printSources(cmd *cobra.Command, sources []domain.RetrievedChunk) {
	if len(sources) == 0 {
		return
	}
	cmd.Println("Sources:")
	for i, s := range sources {
		cmd.Printf("  [%d] %s, page %d\n", i+1, s.Source.Filename, s.Source.Page)
	}
}

// repl reads one line per turn until EOF or "exit". Invalid input is reported
// and the loop continues.
func repl(cmd *cobra.Command, in io.Reader, prompt string, turn func(context.Context, string) error) error {
	scanner := bufio.NewScanner(in)
	for {
		cmd.Print(prompt)
		if !scanner.Scan() {
			cmd.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case strings.EqualFold(line, "exit"), strings.EqualFold(line, "quit"):
			return nil
		}
		if err := turn(cmd.Context(), line); err != nil {
			if domain.IsKind(err, domain.ErrInvalidInput) {
				cmd.PrintErrln(domain.UserMessage(err))
				continue
			}
			return fmt.Errorf("turn failed: %w", err)
		}
	}
}

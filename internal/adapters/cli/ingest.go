package cli

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kirillkom/scholarchat/internal/core/domain"
)

func newIngestCommand(rt *runtime) *cobra.Command {
	var replace bool

	cmd := &cobra.Command{
		Use:   "ingest [files...]",
		Short: "Add documents to the knowledge base",
		Long: `Loads, chunks and embeds the given documents and writes them to the vector
index. The whole batch is rejected if any document fails.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			services, err := rt.load(cmd.Context())
			if err != nil {
				return err
			}

			uploads := make([]domain.Upload, 0, len(args))
			for _, path := range args {
				f, err := os.Open(path)
				if err != nil {
					return fmt.Errorf("open %s: %w", path, err)
				}
				defer f.Close()
				uploads = append(uploads, domain.Upload{
					Filename: filepath.Base(path),
					MimeType: mime.TypeByExtension(filepath.Ext(path)),
					Body:     f,
				})
			}

			cmd.Println("Processing documents...")
			kb, err := services.Ingest.Ingest(cmd.Context(), uploads, domain.IngestOptions{Replace: replace})
			if err != nil {
				cmd.PrintErrln(domain.UserMessage(err))
				return err
			}
			cmd.Printf("Documents processed successfully! %d documents, %d chunks indexed.\n", len(kb.Documents), kb.Chunks)
			return nil
		},
	}
	cmd.Flags().BoolVar(&replace, "replace", false, "replace the knowledge base with the given documents")
	return cmd
}

func newClearCommand(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove every document from the knowledge base",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			services, err := rt.load(cmd.Context())
			if err != nil {
				return err
			}
			if err := services.Ingest.Clear(cmd.Context()); err != nil {
				cmd.PrintErrln(domain.UserMessage(err))
				return err
			}
			cmd.Println("Knowledge base cleared.")
			return nil
		},
	}
}

func newDocumentsCommand(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "documents",
		Short: "List documents in the knowledge base",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			services, err := rt.load(cmd.Context())
			if err != nil {
				return err
			}
			entries, err := services.KB.Documents(cmd.Context())
			if err != nil {
				return fmt.Errorf("list documents: %w", err)
			}
			if len(entries) == 0 {
				if kb := services.KB.Current(); kb != nil {
					for _, name := range kb.Documents {
						cmd.Printf("  %s\n", name)
					}
					cmd.Printf("%d chunks indexed.\n", kb.Chunks)
					return nil
				}
				cmd.Println("No documents ingested.")
				return nil
			}
			for _, e := range entries {
				cmd.Printf("  %s  (%d pages, %d chunks, %s)\n", e.Filename, e.Pages, e.Chunks, e.Status)
			}
			return nil
		},
	}
}

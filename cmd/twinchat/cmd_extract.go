package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"twinchat/internal/corpus"
)

var (
	extractUser   string
	extractCorpus string
)

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Extract a persona profile from an exported message corpus",
	Long: `Reads an exported message history (JSON), drops noise and service
messages, runs persona extraction, and saves the profile. Re-running
replaces the profile wholesale.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		msgs, err := corpus.Load(extractCorpus)
		if err != nil {
			return err
		}
		cleaned := corpus.Clean(msgs, cleanOptions(cfg))
		logger.Info("Corpus cleaned",
			zap.Int("raw", len(msgs)),
			zap.Int("kept", len(cleaned)))

		store := newPersonaStore(cfg, logger)
		profile, err := store.ExtractAndSave(cmd.Context(), extractUser, cleaned)
		if err != nil {
			return fmt.Errorf("extraction failed: %w", err)
		}

		fmt.Printf("Profile saved for %s (method: %s, source messages: %d)\n",
			extractUser, profile.Method, profile.SourceMessages)
		if clauses := profile.SummaryClauses(); len(clauses) > 0 {
			fmt.Println("  " + strings.Join(clauses, ". "))
		}
		if len(profile.Interests) > 0 {
			fmt.Println("  Интересы: " + strings.Join(profile.Interests, ", "))
		}
		if profile.IsEmpty() {
			fmt.Println("  (no structured facts found; the model will answer from retrieval only)")
		}
		return nil
	},
}

func init() {
	extractCmd.Flags().StringVarP(&extractUser, "user", "u", "", "User id the profile belongs to")
	extractCmd.Flags().StringVar(&extractCorpus, "corpus", "", "Path to the exported message JSON")
	extractCmd.MarkFlagRequired("user")
	extractCmd.MarkFlagRequired("corpus")
}

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"twinchat/internal/embedding"
	"twinchat/internal/retrieval"
)

var statusUser string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pipeline state: config, profile, index, backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("Config:    llm=%s @ %s, embedding=%s, data=%s\n",
			cfg.LLM.Model, cfg.LLM.BaseURL, cfg.Embedding.Provider, cfg.Storage.DataDir)

		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()

		engine, err := newEmbeddingEngine(cfg)
		switch {
		case err != nil:
			fmt.Printf("Backend:   unavailable (%v)\n", err)
		default:
			if hc, ok := engine.(embedding.HealthChecker); ok {
				if herr := hc.HealthCheck(ctx); herr != nil {
					fmt.Printf("Backend:   unreachable (%v)\n", herr)
					engine = nil
				} else {
					fmt.Printf("Backend:   ok (%s)\n", engine.Name())
				}
			} else {
				fmt.Printf("Backend:   configured (%s)\n", engine.Name())
			}
		}

		if statusUser == "" {
			return nil
		}

		store := newPersonaStore(cfg, logger)
		profile, perr := store.Load(statusUser)
		if perr != nil {
			fmt.Printf("Profile:   missing for %s\n", statusUser)
		} else {
			fmt.Printf("Profile:   %s (method: %s, extracted: %s, source messages: %d)\n",
				statusUser, profile.Method,
				profile.ExtractedAt.Format("2006-01-02"), profile.SourceMessages)
		}

		if engine == nil {
			fmt.Println("Index:     skipped (no embedding backend)")
			return nil
		}
		idx, ierr := retrieval.Open(indexPath(cfg, statusUser), engine, cfg.Embedding.BatchSize, logger)
		if ierr != nil {
			fmt.Printf("Index:     unavailable (%v)\n", ierr)
			return nil
		}
		defer idx.Close()
		stats, serr := idx.Stats(ctx)
		if serr != nil || stats.Documents == 0 {
			fmt.Println("Index:     empty (run `twinchat index` to build it)")
			return nil
		}
		fmt.Printf("Index:     %d documents (engine: %s, built: %s)\n",
			stats.Documents, stats.Engine, stats.BuiltAt)
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVarP(&statusUser, "user", "u", "", "Also report this user's profile and index")
}

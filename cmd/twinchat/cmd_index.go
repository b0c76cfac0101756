package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"twinchat/internal/corpus"
	"twinchat/internal/embedding"
	"twinchat/internal/retrieval"
)

var (
	indexUser   string
	indexCorpus string
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Rebuild the similarity index over historical messages",
	Long: `Embeds every cleaned corpus message and rebuilds the retrieval index
atomically: readers keep the previous index until the new one is complete.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		msgs, err := corpus.Load(indexCorpus)
		if err != nil {
			return err
		}
		cleaned := corpus.Clean(msgs, cleanOptions(cfg))
		if len(cleaned) == 0 {
			return fmt.Errorf("no usable messages in %s", indexCorpus)
		}

		engine, err := newEmbeddingEngine(cfg)
		if err != nil {
			return err
		}
		if hc, ok := engine.(embedding.HealthChecker); ok {
			if err := hc.HealthCheck(cmd.Context()); err != nil {
				return fmt.Errorf("embedding backend unavailable: %w", err)
			}
		}

		idx, err := retrieval.Open(indexPath(cfg, indexUser), engine, cfg.Embedding.BatchSize, logger)
		if err != nil {
			return err
		}
		defer idx.Close()

		logger.Info("Building index",
			zap.String("user", indexUser),
			zap.Int("documents", len(cleaned)),
			zap.String("engine", engine.Name()))
		if err := idx.Build(cmd.Context(), cleaned); err != nil {
			return fmt.Errorf("index build failed: %w", err)
		}

		stats, err := idx.Stats(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("Index ready: %d documents (engine: %s, built: %s)\n",
			stats.Documents, stats.Engine, stats.BuiltAt)
		return nil
	},
}

func init() {
	indexCmd.Flags().StringVarP(&indexUser, "user", "u", "", "User id the index belongs to")
	indexCmd.Flags().StringVar(&indexCorpus, "corpus", "", "Path to the exported message JSON")
	indexCmd.MarkFlagRequired("user")
	indexCmd.MarkFlagRequired("corpus")
}

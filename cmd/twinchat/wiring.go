package main

import (
	"path/filepath"

	"go.uber.org/zap"

	"twinchat/internal/config"
	"twinchat/internal/corpus"
	"twinchat/internal/embedding"
	"twinchat/internal/history"
	"twinchat/internal/inference"
	"twinchat/internal/orchestrator"
	"twinchat/internal/persona"
	"twinchat/internal/prompt"
	"twinchat/internal/retrieval"
	"twinchat/internal/retry"
	"twinchat/internal/sanitize"
)

// indexPath returns the per-user retrieval database location.
func indexPath(cfg *config.Config, userID string) string {
	name := filepath.Base(cfg.Storage.DatabasePath)
	if name == "." || name == "/" {
		name = "index.db"
	}
	return filepath.Join(cfg.Storage.DataDir, "users", userID, name)
}

func cleanOptions(cfg *config.Config) corpus.CleanOptions {
	opts := corpus.DefaultCleanOptions()
	if cfg.Retrieval.MinMessageLength > 0 {
		opts.MinLength = cfg.Retrieval.MinMessageLength
	}
	if cfg.Retrieval.MaxMessageLength > 0 {
		opts.MaxLength = cfg.Retrieval.MaxMessageLength
	}
	return opts
}

func newLLMClient(cfg *config.Config, logger *zap.Logger) *inference.OllamaClient {
	return inference.NewOllamaClient(inference.Config{
		BaseURL:        cfg.LLM.BaseURL,
		Model:          cfg.LLM.Model,
		Timeout:        cfg.GetLLMTimeout(),
		MaxPromptChars: cfg.LLM.MaxPromptChars,
		Retry: retry.Policy{
			MaxAttempts: cfg.LLM.MaxAttempts,
			BaseDelay:   cfg.GetRetryDelay(),
		},
	}, logger)
}

func newEmbeddingEngine(cfg *config.Config) (embedding.Engine, error) {
	return embedding.NewEngine(embedding.Config{
		Provider:       cfg.Embedding.Provider,
		OllamaEndpoint: cfg.Embedding.OllamaEndpoint,
		OllamaModel:    cfg.Embedding.OllamaModel,
		GenAIAPIKey:    cfg.Embedding.GenAIAPIKey,
		GenAIModel:     cfg.Embedding.GenAIModel,
	})
}

// newExtractor builds the configured extraction strategy. The deterministic
// rule extractor is the primary; the model-assisted one layers on top and
// degrades back to rules when the backend is down.
func newExtractor(cfg *config.Config, logger *zap.Logger) persona.Extractor {
	opts := persona.RuleOptions{
		MaxInterests:   cfg.Persona.MaxInterests,
		MaxSampleSize:  cfg.Persona.MaxSampleSize,
		MinNameLength:  cfg.Persona.MinNameLength,
		MaxValueLength: cfg.Persona.MaxValueLength,
	}
	if cfg.Persona.Strategy == "model" {
		return persona.NewModelExtractor(newLLMClient(cfg, logger), opts, logger)
	}
	return persona.NewRuleExtractor(opts, logger)
}

func newPersonaStore(cfg *config.Config, logger *zap.Logger) *persona.Store {
	return persona.NewStore(cfg.Storage.DataDir, newExtractor(cfg, logger), logger)
}

// newOrchestratorFactory wires the full answer pipeline for one user. A
// missing profile or index is tolerated: the pipeline runs with whatever
// persona context exists.
func newOrchestratorFactory(cfg *config.Config, logger *zap.Logger) orchestrator.Factory {
	return func(userID string) (*orchestrator.Orchestrator, error) {
		store := newPersonaStore(cfg, logger)
		profile, err := store.Load(userID)
		if err != nil {
			logger.Warn("No persona profile, answering without one",
				zap.String("user", userID), zap.Error(err))
			profile = nil
		}

		var retriever orchestrator.Retriever
		var closer func() error
		if engine, err := newEmbeddingEngine(cfg); err == nil {
			idx, ierr := retrieval.Open(indexPath(cfg, userID), engine, cfg.Embedding.BatchSize, logger)
			if ierr != nil {
				logger.Warn("Retrieval index unavailable",
					zap.String("user", userID), zap.Error(ierr))
			} else {
				retriever = idx
				closer = idx.Close
			}
		} else {
			logger.Warn("Embedding engine unavailable", zap.Error(err))
		}

		return orchestrator.New(orchestrator.Deps{
			UserID:    userID,
			Profile:   profile,
			Retriever: retriever,
			History:   history.NewStore(cfg.Storage.DataDir, cfg.History.MaxTurns, logger),
			Builder: prompt.NewBuilder(prompt.Config{
				CharBudget:      cfg.Prompt.CharBudget,
				HistoryTurns:    cfg.Prompt.HistoryTurns,
				MaxFacts:        cfg.Prompt.MaxFacts,
				SnippetMaxChars: cfg.Retrieval.SnippetMaxChars,
			}, logger),
			Client: newLLMClient(cfg, logger),
			Formatter: sanitize.NewFormatter(sanitize.Config{
				LeakMarkers:       cfg.Sanitize.LeakMarkers,
				ExampleMarkers:    cfg.Sanitize.ExampleMarkers,
				StructuralMarkers: cfg.Sanitize.StructuralMarkers,
				MinLength:         cfg.Sanitize.MinLength,
				MaxLength:         cfg.Sanitize.MaxLength,
				MinAlphaRatio:     cfg.Sanitize.MinAlphaRatio,
				MaxCharRepeat:     cfg.Sanitize.MaxCharRepeat,
			}, logger),
			Closer: closer,
		}, orchestrator.Config{
			TopK:               cfg.Retrieval.TopK,
			GenerationAttempts: cfg.LLM.GenerationAttempts,
			FallbackReply:      cfg.LLM.FallbackReply,
		}, logger), nil
	}
}

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/suPer8Hu/colony-core/internal/ai"
	"github.com/suPer8Hu/colony-core/internal/config"
	"github.com/suPer8Hu/colony-core/internal/jobs"
	"github.com/suPer8Hu/colony-core/internal/store/redisstore"
	"github.com/suPer8Hu/colony-core/internal/worker"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer rds.Close()

	// Provider registry: agent types may be registered by name; anything else goes to AI_PROVIDER.
	reg := ai.NewRegistry()
	reg.Register("ollama", func(ctx context.Context, model string) (ai.Provider, error) {
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OllamaModel
		}
		return ai.NewOllamaProvider(cfg.OllamaBaseURL, m), nil
	})
	reg.Register("openrouter", func(ctx context.Context, model string) (ai.Provider, error) {
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OpenRouterModel
		}
		return ai.NewOpenRouterProvider(cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey, m,
			cfg.OpenRouterSiteURL, cfg.OpenRouterAppName), nil
	})

	svc := jobs.NewService(jobs.NewRepo(rds, cfg.JobTTL, cfg.JobQueueKey), cfg.DefaultAgentType)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rds.Ping(ctx); err != nil {
		log.Fatalf("redis ping: %v", err)
	}

	log.Printf("worker started, queue=%s concurrency=%d provider=%s", cfg.JobQueueKey, cfg.WorkerConcurrency, cfg.AIProvider)

	r := &worker.Runner{
		Jobs:             svc,
		Registry:         reg,
		FallbackProvider: cfg.AIProvider,
		Concurrency:      cfg.WorkerConcurrency,
	}
	r.Run(ctx)
	log.Printf("worker shutting down")
}

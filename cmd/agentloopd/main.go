// Command agentloopd is the daemon entrypoint: it loads configuration,
// wires the repository/credentials/LLM stack, and runs the chat turn
// HTTP-free background workers until SIGINT/SIGTERM. Grounded on the
// teacher's cmd/orchestrator/main.go wiring shape (config.Load ->
// observability.InitLogger -> backend construction -> signal-driven
// graceful shutdown).
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"agentloop/internal/chatturn"
	"agentloop/internal/config"
	"agentloop/internal/convworker"
	"agentloop/internal/coord"
	"agentloop/internal/credentials"
	"agentloop/internal/llmclient"
	"agentloop/internal/llmclient/anthropic"
	"agentloop/internal/llmclient/gemini"
	"agentloop/internal/llmclient/openai"
	"agentloop/internal/notifybus"
	"agentloop/internal/obs"
	"agentloop/internal/repository"
	"agentloop/internal/repository/memory"
	"agentloop/internal/repository/postgres"
	"agentloop/internal/skills"
	"agentloop/internal/taskworker"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("agentloopd")
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config.yaml")
	skillsDir := flag.String("skills-dir", "skills", "directory of skill markdown files")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	obs.InitLogger(cfg.LogPath, cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	encryptionKey, err := hex.DecodeString(cfg.EncryptionKey)
	if err != nil {
		return fmt.Errorf("decode encryption_key: %w", err)
	}

	repo, closeRepo, err := buildRepository(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("build repository: %w", err)
	}
	defer closeRepo()

	loaded, loadErrs := skills.LoadDir(*skillsDir)
	for _, e := range loadErrs {
		log.Warn().Err(e).Msg("agentloopd: skill load")
	}
	registry := skills.NewStaticRegistry(loaded)

	asm := credentials.New(credentials.AESGCMDecryptor{}, registry, log.Logger)

	llm, err := buildLLMClient(ctx, cfg.LLM)
	if err != nil {
		return fmt.Errorf("build llm client: %w", err)
	}

	notifier, closeNotifier := buildNotifier(cfg)
	defer closeNotifier()

	lease, closeLease := buildLease(cfg.Redis)
	defer closeLease()

	metrics := obs.Metrics(obs.NewOtelMetrics())

	proc := chatturn.New(repo, asm, llm, encryptionKey, metrics, log.Logger, time.Now)
	_ = proc // constructed but not exposed: this daemon has no HTTP/RPC front door

	convWorker := convworker.New(repo, asm, llm, encryptionKey, notifier, lease, metrics, log.Logger, time.Now, convworker.Config{
		PollInterval:   cfg.Conversations.PollInterval,
		MaxConcurrency: cfg.Conversations.MaxConcurrency,
		LeaseTTL:       time.Duration(cfg.Conversations.ClaimLeaseSeconds) * time.Second,
		MaxRetries:     cfg.Conversations.MaxRetries,
	})
	taskWorker := taskworker.New(repo, asm, llm, encryptionKey, notifier, lease, metrics, log.Logger, time.Now, taskworker.Config{
		PollInterval:   cfg.Tasks.PollInterval,
		MaxConcurrency: cfg.Tasks.MaxConcurrency,
		LeaseTTL:       time.Duration(cfg.Tasks.ClaimLeaseSeconds) * time.Second,
		MaxRetries:     cfg.Tasks.MaxRetries,
	})

	log.Info().Str("provider", cfg.LLM.Provider).Str("database", cfg.Database.Driver).Msg("agentloopd starting")

	go convWorker.Run(ctx)
	go taskWorker.Run(ctx)

	<-ctx.Done()
	log.Info().Msg("agentloopd shutting down")
	return nil
}

func buildRepository(ctx context.Context, dbcfg config.DatabaseConfig) (repository.Repository, func(), error) {
	if dbcfg.Driver == "postgres" {
		pool, err := pgxpool.New(ctx, dbcfg.ConnectionString)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		store := postgres.New(pool)
		if err := store.Init(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("init postgres schema: %w", err)
		}
		return store, func() { store.Close() }, nil
	}
	return memory.New(time.Now), func() {}, nil
}

func buildLLMClient(ctx context.Context, cfg config.LLMConfig) (llmclient.Client, error) {
	switch cfg.Provider {
	case "openai":
		return openai.New(cfg.OpenAI.APIKey, cfg.OpenAI.Model, http.DefaultClient), nil
	case "gemini":
		return gemini.New(ctx, cfg.Gemini.APIKey, cfg.Gemini.Model, http.DefaultClient)
	default:
		return anthropic.New(cfg.Anthropic.APIKey, cfg.Anthropic.Model, http.DefaultClient), nil
	}
}

func buildNotifier(cfg *config.Config) (notifybus.Bus, func()) {
	if len(cfg.Kafka.Brokers) == 0 {
		return notifybus.NoopBus{}, func() {}
	}
	writer := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Balancer: &kafka.LeastBytes{},
	}
	return notifybus.NewKafkaBus(writer, cfg.Kafka.Topic), func() {
		if err := writer.Close(); err != nil {
			log.Error().Err(err).Msg("agentloopd: close kafka writer")
		}
	}
}

func buildLease(cfg config.RedisConfig) (coord.Lease, func()) {
	if cfg.Addr == "" {
		return coord.NoopLease{}, func() {}
	}
	hostname, _ := os.Hostname()
	lease, err := coord.NewRedisLease(cfg.Addr, hostname)
	if err != nil {
		log.Warn().Err(err).Msg("agentloopd: redis lease init failed, falling back to no-op")
		return coord.NoopLease{}, func() {}
	}
	return lease, func() {
		if err := lease.Close(); err != nil {
			log.Error().Err(err).Msg("agentloopd: close redis lease")
		}
	}
}

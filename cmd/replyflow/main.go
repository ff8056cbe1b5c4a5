package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/replyflow/replyflow/internal/brain"
	"github.com/replyflow/replyflow/internal/httpapi"
	"github.com/replyflow/replyflow/internal/platform"
	"github.com/replyflow/replyflow/internal/replyflow"
)

func main() {
	addr := os.Getenv("REPLYFLOW_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	appSecret := os.Getenv("REPLYFLOW_APP_SECRET")
	if appSecret == "" {
		log.Fatal("REPLYFLOW_APP_SECRET is required")
	}
	verifyToken := os.Getenv("REPLYFLOW_VERIFY_TOKEN")
	if verifyToken == "" {
		log.Fatal("REPLYFLOW_VERIFY_TOKEN is required")
	}

	backend, err := buildStateBackendFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize state backend: %v", err)
	}

	rulesPath := os.Getenv("REPLYFLOW_RULES_FILE")
	if rulesPath == "" {
		rulesPath = "rules.yaml"
	}
	ruleStore, err := replyflow.NewFileRuleStore(rulesPath)
	if err != nil {
		log.Fatalf("failed to load rules from %s: %v", rulesPath, err)
	}
	stopRuleWatch, err := ruleStore.Watch()
	if err != nil {
		log.Fatalf("failed to watch rules file: %v", err)
	}
	defer func() { _ = stopRuleWatch() }()

	tunables, err := loadTunablesFromEnv()
	if err != nil {
		log.Fatalf("failed to load scheduler tunables: %v", err)
	}

	generator, err := buildGeneratorFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize generator: %v", err)
	}

	client := platform.NewClient(platform.ClientOptions{
		BaseURL:    os.Getenv("REPLYFLOW_PLATFORM_BASE_URL"),
		AppID:      os.Getenv("REPLYFLOW_PLATFORM_APP_ID"),
		AppSecret:  os.Getenv("REPLYFLOW_PLATFORM_APP_SECRET"),
		MaxRetries: intEnv("REPLYFLOW_PLATFORM_MAX_RETRIES", 0),
	})

	feed := httpapi.NewFeedHub()
	engine := replyflow.NewEngine(replyflow.EngineOptions{
		Backend:         backend,
		Tunables:        tunables,
		Rules:           ruleStore,
		Resolver:        ruleStore,
		Generator:       generator,
		Sender:          client,
		Tokens:          client,
		DedupWindow:     durationEnv("REPLYFLOW_DEDUP_WINDOW", 0),
		Retention:       durationEnv("REPLYFLOW_MEMORY_RETENTION", 0),
		ContextMaxAge:   durationEnv("REPLYFLOW_CONTEXT_MAX_AGE", 0),
		ContextMaxTurns: intEnv("REPLYFLOW_CONTEXT_MAX_TURNS", 0),
		Notify:          feed.Publish,
	})
	if err := engine.Restore(); err != nil {
		log.Fatalf("failed to restore persisted state: %v", err)
	}
	defer engine.Close()

	if tunablesPath := os.Getenv("REPLYFLOW_TUNABLES_FILE"); tunablesPath != "" {
		stopTunablesWatch, err := replyflow.WatchTunables(tunablesPath, engine.Scheduler.SetTunables)
		if err != nil {
			log.Fatalf("failed to watch tunables file: %v", err)
		}
		defer func() { _ = stopTunablesWatch() }()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine.StartSweeps(ctx,
		durationEnv("REPLYFLOW_MEMORY_SWEEP_INTERVAL", 0),
		durationEnv("REPLYFLOW_TOKEN_SWEEP_INTERVAL", 0))

	server := httpapi.NewServer(engine, feed, httpapi.ServerConfig{
		AppSecret:    appSecret,
		VerifyToken:  verifyToken,
		AdminToken:   os.Getenv("REPLYFLOW_ADMIN_TOKEN"),
		PublicURL:    os.Getenv("REPLYFLOW_PUBLIC_URL"),
		MaxBodyBytes: int64Env("REPLYFLOW_MAX_BODY_BYTES", 0),
	})

	log.Printf("replyflow listening on %s", addr)
	if err := http.ListenAndServe(addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func buildStateBackendFromEnv() (replyflow.StateBackend, error) {
	dsn := strings.TrimSpace(os.Getenv("REPLYFLOW_STATE_BACKEND_DSN"))
	if dsn != "" {
		return replyflow.BuildStateBackendFromDSN(dsn)
	}
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("REPLYFLOW_BACKEND_PROFILE")))
	dataDir := strings.TrimSpace(os.Getenv("REPLYFLOW_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".replyflow"
	}
	switch profile {
	case "", "durable-local", "local-durable":
		return replyflow.BuildStateBackendFromDSN("file://" + filepath.Join(dataDir, "state.json"))
	case "memory", "inmemory":
		return replyflow.BuildStateBackendFromDSN("memory://")
	case "production", "prod":
		productionDSN := strings.TrimSpace(os.Getenv("REPLYFLOW_POSTGRES_DSN"))
		if productionDSN == "" {
			return nil, fmt.Errorf("REPLYFLOW_POSTGRES_DSN is required when REPLYFLOW_BACKEND_PROFILE=%s", profile)
		}
		return replyflow.BuildStateBackendFromDSN(productionDSN)
	default:
		return nil, fmt.Errorf("unsupported REPLYFLOW_BACKEND_PROFILE: %s", profile)
	}
}

func loadTunablesFromEnv() (replyflow.SchedulerTunables, error) {
	path := os.Getenv("REPLYFLOW_TUNABLES_FILE")
	if path == "" {
		return replyflow.DefaultTunables(), nil
	}
	return replyflow.LoadTunables(path)
}

func buildGeneratorFromEnv() (replyflow.Generator, error) {
	apiKey := os.Getenv("REPLYFLOW_OPENAI_API_KEY")
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("REPLYFLOW_OPENAI_API_KEY or OPENAI_API_KEY is required")
	}
	return brain.NewOpenAIGenerator(brain.Options{
		APIKey:          apiKey,
		BaseURL:         os.Getenv("REPLYFLOW_OPENAI_BASE_URL"),
		Model:           os.Getenv("REPLYFLOW_OPENAI_MODEL"),
		MaxContextTurns: intEnv("REPLYFLOW_OPENAI_MAX_CONTEXT_TURNS", 0),
	})
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

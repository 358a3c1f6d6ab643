package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/zai-bots/skyreply/internal/bluesky"
	"github.com/zai-bots/skyreply/internal/bot"
	"github.com/zai-bots/skyreply/internal/genai"
	"github.com/zai-bots/skyreply/internal/lockfile"
	"github.com/zai-bots/skyreply/internal/store"
	"github.com/zai-bots/skyreply/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for SkyReply state data
	DefaultStateDir = "/var/lib/skyreply"
	// DefaultSeenFileName is the default append-only seen store filename
	DefaultSeenFileName = "processed_uris.txt"
	// SystemPromptFileName is the mandatory persona file in the state directory
	SystemPromptFileName = "system_prompt.md"
	// ModelsFileName lists fallback models in priority order, one per line
	ModelsFileName = "models.txt"
	// IgnoredUsersFileName lists ignored handles or DIDs, one per line
	IgnoredUsersFileName = "ignored_users.txt"
	// DefaultIntervalSeconds is the default notification poll interval
	DefaultIntervalSeconds = 30
	// DefaultFetchLimit is the default per-cycle notification fetch limit
	DefaultFetchLimit = 30
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := run(config, flags); err != nil {
		slog.Error("SkyReply failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("SkyReply exited successfully")
}

// Config holds environment configuration
type Config struct {
	Handle             string
	Password           string
	PrimaryKey         string
	SecondaryKey       string
	OpenAIKey          string
	OpenAIModel        string
	StateDir           string
	SeenDSN            string
	IgnoredDIDs        string
	IntervalSeconds    int
	FetchLimit         int
	TrustServerRead    bool
	CheckExistingReply bool
}

// Flags holds command line flag values
type Flags struct {
	model    *string
	stateDir *string
	seenDSN  *string
	interval *int
	limit    *int
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		Handle:             os.Getenv("BLUESKY_HANDLE"),
		Password:           os.Getenv("BLUESKY_PASSWORD"),
		PrimaryKey:         os.Getenv("OPENROUTER_API_KEY_PRIMARY"),
		SecondaryKey:       os.Getenv("OPENROUTER_API_KEY_SECONDARY"),
		OpenAIKey:          os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:        os.Getenv("OPENAI_MODEL"),
		StateDir:           os.Getenv("SKYREPLY_STATE_DIR"),
		SeenDSN:            os.Getenv("SEEN_DB_DSN"),
		IgnoredDIDs:        os.Getenv("IGNORED_DIDS_LIST"),
		IntervalSeconds:    util.ParseIntEnv("MENTION_CHECK_INTERVAL_SECONDS", DefaultIntervalSeconds),
		FetchLimit:         util.ParseIntEnv("NOTIFICATION_FETCH_LIMIT", DefaultFetchLimit),
		TrustServerRead:    util.ParseBoolEnv("TRUST_SERVER_READ", false),
		CheckExistingReply: util.ParseBoolEnv("CHECK_EXISTING_REPLY", false),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No SKYREPLY_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	} else {
		slog.Debug("SKYREPLY_STATE_DIR found in environment", "state_dir", config.StateDir)
	}

	slog.Debug("environment variables loaded",
		"BLUESKY_HANDLE", config.Handle,
		"BLUESKY_PASSWORD_SET", config.Password != "",
		"OPENROUTER_API_KEY_PRIMARY_SET", config.PrimaryKey != "",
		"OPENROUTER_API_KEY_SECONDARY_SET", config.SecondaryKey != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"OPENAI_MODEL", config.OpenAIModel,
		"SKYREPLY_STATE_DIR", config.StateDir,
		"SEEN_DB_DSN_SET", config.SeenDSN != "",
		"interval_seconds", config.IntervalSeconds,
		"fetch_limit", config.FetchLimit,
		"trust_server_read", config.TrustServerRead,
		"check_existing_reply", config.CheckExistingReply)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		model:    flag.String("model", "", "single model to use, bypassing models.txt"),
		stateDir: flag.String("state-dir", config.StateDir, "state directory for SkyReply data (overrides $SKYREPLY_STATE_DIR)"),
		seenDSN:  flag.String("seen-dsn", config.SeenDSN, "seen store DSN: .txt file, SQLite path, or Postgres URL (overrides $SEEN_DB_DSN)"),
		interval: flag.Int("interval", config.IntervalSeconds, "poll interval in seconds (overrides $MENTION_CHECK_INTERVAL_SECONDS)"),
		limit:    flag.Int("limit", config.FetchLimit, "notifications fetched per cycle (overrides $NOTIFICATION_FETCH_LIMIT)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"model", *flags.model,
		"stateDir", *flags.stateDir,
		"seenDSN_set", *flags.seenDSN != "",
		"interval", *flags.interval,
		"limit", *flags.limit)

	if *flags.seenDSN == "" {
		*flags.seenDSN = filepath.Join(*flags.stateDir, DefaultSeenFileName)
		slog.Debug("No seen store DSN provided, defaulting to append-only file", "path", *flags.seenDSN)
	}

	return flags
}

// loadModels resolves the fallback model list: flag override first, then
// models.txt in the state directory.
func loadModels(flags Flags) ([]string, error) {
	if *flags.model != "" {
		return []string{*flags.model}, nil
	}
	models, err := util.ReadLines(filepath.Join(*flags.stateDir, ModelsFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to read model list: %w", err)
	}
	if len(models) == 0 {
		return nil, fmt.Errorf("no models configured: provide -model or %s", ModelsFileName)
	}
	return models, nil
}

// loadIgnored merges the ignore file with the IGNORED_DIDS_LIST environment
// variable into one set of handles and DIDs.
func loadIgnored(config Config, flags Flags) (map[string]struct{}, error) {
	ignored := make(map[string]struct{})
	lines, err := util.ReadLines(filepath.Join(*flags.stateDir, IgnoredUsersFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to read ignore list: %w", err)
	}
	for _, line := range lines {
		ignored[line] = struct{}{}
	}
	for _, did := range strings.Split(config.IgnoredDIDs, ",") {
		did = strings.TrimSpace(did)
		if did != "" {
			ignored[did] = struct{}{}
		}
	}
	return ignored, nil
}

// buildStore constructs the seen store backend from the DSN.
func buildStore(dsn string) (store.SeenStore, error) {
	if dsn == ":memory:" {
		slog.Debug("Configuring in-memory seen store, nothing will survive a restart")
		return store.NewInMemoryStore(), nil
	}
	switch store.DetectDSNType(dsn) {
	case "postgres":
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL seen store", "dsn_type", "postgresql")
		return store.NewPostgresStore(store.WithPostgresDSN(dsn))
	case "file":
		slog.Debug("Detected file DSN, configuring append-only seen store", "path", dsn)
		return store.NewFileStore(store.WithFilePath(dsn))
	default:
		slog.Debug("Detected SQLite DSN, configuring SQLite seen store", "db_path", dsn)
		return store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
	}
}

// buildBackendGroups arranges one credential group per configured key, each
// holding every model in fallback order, plus an optional native-SDK group.
func buildBackendGroups(config Config, models []string) ([][]genai.Backend, error) {
	var groups [][]genai.Backend

	for _, cred := range []struct {
		key   string
		label string
	}{
		{config.PrimaryKey, "primary"},
		{config.SecondaryKey, "secondary"},
	} {
		if cred.key == "" {
			continue
		}
		group := make([]genai.Backend, 0, len(models))
		for _, model := range models {
			group = append(group, genai.NewOpenRouterBackend(model, cred.key, cred.label))
		}
		groups = append(groups, group)
	}

	if config.OpenAIKey != "" && config.OpenAIModel != "" {
		groups = append(groups, []genai.Backend{
			genai.NewOpenAIBackend(config.OpenAIKey, config.OpenAIModel, genai.DefaultCompletionTimeout),
		})
	}

	if len(groups) == 0 {
		return nil, fmt.Errorf("no completion backend configured: set OPENROUTER_API_KEY_PRIMARY or OPENAI_API_KEY with OPENAI_MODEL")
	}
	return groups, nil
}

// run wires the modules together and blocks until shutdown.
func run(config Config, flags Flags) error {
	if config.Handle == "" || config.Password == "" {
		return fmt.Errorf("BLUESKY_HANDLE and BLUESKY_PASSWORD are required")
	}

	systemPrompt, err := os.ReadFile(filepath.Join(*flags.stateDir, SystemPromptFileName))
	if err != nil {
		return fmt.Errorf("failed to read system prompt: %w", err)
	}
	if strings.TrimSpace(string(systemPrompt)) == "" {
		return fmt.Errorf("system prompt %s is empty", SystemPromptFileName)
	}

	models, err := loadModels(flags)
	if err != nil {
		return err
	}
	ignored, err := loadIgnored(config, flags)
	if err != nil {
		return err
	}
	groups, err := buildBackendGroups(config, models)
	if err != nil {
		return err
	}

	// The lock guards the whole state directory: a second instance sharing
	// the same seen store must not start.
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	seenStore, err := buildStore(*flags.seenDSN)
	if err != nil {
		return fmt.Errorf("failed to open seen store: %w", err)
	}
	defer seenStore.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := bluesky.NewClient()
	if err := client.Login(ctx, config.Handle, config.Password); err != nil {
		return err
	}

	generator := genai.NewGenerator(string(systemPrompt), client.Handle(), groups)

	b := bot.NewBot(client, generator, seenStore,
		bot.WithInterval(time.Duration(*flags.interval)*time.Second),
		bot.WithFetchLimit(*flags.limit),
		bot.WithIgnored(ignored),
		bot.WithTrustServerRead(config.TrustServerRead),
		bot.WithCheckExistingReply(config.CheckExistingReply),
	)

	slog.Info("Bootstrapping SkyReply with configured modules",
		"handle", config.Handle, "models", len(models), "credential_groups", len(groups), "ignored", len(ignored))
	return b.Run(ctx)
}

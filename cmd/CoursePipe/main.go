package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/BTreeMap/CoursePipe/internal/api"
	"github.com/BTreeMap/CoursePipe/internal/engine"
	"github.com/BTreeMap/CoursePipe/internal/handler"
	"github.com/BTreeMap/CoursePipe/internal/llm"
	"github.com/BTreeMap/CoursePipe/internal/lockfile"
	"github.com/BTreeMap/CoursePipe/internal/scenario"
	"github.com/BTreeMap/CoursePipe/internal/store"
	"github.com/BTreeMap/CoursePipe/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for CoursePipe state data
	DefaultStateDir = "/var/lib/coursepipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "coursepipe.db"
	// MemoryDSN selects the in-memory store
	MemoryDSN = "memory"
)

func main() {
	config := loadEnvironmentConfig()

	flags, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		slog.Error("Failed to parse flags", "error", err)
		os.Exit(2)
	}
	initializeLogger(*flags.logLevel)

	if err := run(flags); err != nil {
		slog.Error("CoursePipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("CoursePipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir    string
	DatabaseURL string
	APIAddr     string
	ScenarioDir string
	RedisURL    string
	CacheTTL    time.Duration
	JWTSecret   string
	AdminIDs    string
	LogLevel    string
	LLMDebug    bool
}

// Flags holds command line flag values
type Flags struct {
	stateDir    *string
	dbDSN       *string
	apiAddr     *string
	scenarioDir *string
	redisURL    *string
	cacheTTL    *time.Duration
	jwtSecret   *string
	adminIDs    *string
	logLevel    *string
	llmDebug    *bool
}

// initializeLogger sets up structured logging at the requested level
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:    util.GetEnvDefault("COURSEPIPE_STATE_DIR", DefaultStateDir),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		APIAddr:     util.GetEnvDefault("API_ADDR", api.DefaultAddr),
		ScenarioDir: os.Getenv("SCENARIO_DIR"),
		RedisURL:    os.Getenv("REDIS_URL"),
		CacheTTL:    util.ParseDurationEnv("SCENARIO_CACHE_TTL", scenario.DefaultCacheTTL),
		JWTSecret:   os.Getenv("JWT_SECRET"),
		AdminIDs:    os.Getenv("ADMIN_USER_IDS"),
		LogLevel:    util.GetEnvDefault("LOG_LEVEL", "debug"),
		LLMDebug:    util.ParseBoolEnv("LLM_DEBUG", false),
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"COURSEPIPE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"API_ADDR", config.APIAddr,
		"SCENARIO_DIR", config.ScenarioDir,
		"REDIS_URL_SET", config.RedisURL != "",
		"SCENARIO_CACHE_TTL", config.CacheTTL,
		"JWT_SECRET_SET", config.JWTSecret != "",
		"ADMIN_USER_IDS", config.AdminIDs)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Flags, error) {
	flags := Flags{
		stateDir:    fs.String("state-dir", config.StateDir, "state directory for CoursePipe data (overrides $COURSEPIPE_STATE_DIR)"),
		dbDSN:       fs.String("db-dsn", config.DatabaseURL, "postgres DSN, sqlite file path, or \"memory\" (overrides $DATABASE_URL)"),
		apiAddr:     fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		scenarioDir: fs.String("scenario-dir", config.ScenarioDir, "directory of scenario files stored at startup (overrides $SCENARIO_DIR)"),
		redisURL:    fs.String("redis-url", config.RedisURL, "redis URL for the shared scenario cache (overrides $REDIS_URL)"),
		cacheTTL:    fs.Duration("scenario-cache-ttl", config.CacheTTL, "shared scenario cache entry lifetime (overrides $SCENARIO_CACHE_TTL)"),
		jwtSecret:   fs.String("jwt-secret", config.JWTSecret, "HS256 secret for bearer tokens (overrides $JWT_SECRET)"),
		adminIDs:    fs.String("admin-user-ids", config.AdminIDs, "comma-separated user ids allowed to upload scenarios (overrides $ADMIN_USER_IDS)"),
		logLevel:    fs.String("log-level", config.LogLevel, "log level: debug, info, warn, error (overrides $LOG_LEVEL)"),
		llmDebug:    fs.Bool("llm-debug", config.LLMDebug, "record LLM calls under <state-dir>/debug (overrides $LLM_DEBUG)"),
	}

	if err := fs.Parse(args); err != nil {
		return flags, err
	}

	// Follow an overridden state directory when the DSN is still the default SQLite path
	defaultDSN := filepath.Join(config.StateDir, DefaultDBFileName)
	if *flags.dbDSN == defaultDSN && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "new_state_dir", *flags.stateDir)
	}

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"apiAddr", *flags.apiAddr,
		"scenarioDir", *flags.scenarioDir,
		"redisURL_set", *flags.redisURL != "",
		"jwtSecret_set", *flags.jwtSecret != "")
	return flags, nil
}

// storeKind classifies the configured DSN.
func storeKind(dsn string) string {
	if dsn == "" || dsn == MemoryDSN {
		return MemoryDSN
	}
	return store.DetectDSNType(dsn)
}

// openStore creates the configured store. SQLite stores also take the state directory
// lock; the returned release func drops it.
func openStore(flags Flags) (store.Store, func(), error) {
	dsn := *flags.dbDSN
	switch storeKind(dsn) {
	case MemoryDSN:
		slog.Warn("Using in-memory store, progress is lost on restart")
		return store.NewInMemoryStore(), func() {}, nil
	case "postgres":
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql")
		st, err := store.NewPostgresStore(store.WithPostgresDSN(dsn))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return st, func() { st.Close() }, nil
	default:
		slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", dsn)
		lock, err := lockfile.Acquire(*flags.stateDir, dsn)
		if err != nil {
			return nil, nil, err
		}
		st, err := store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
		if err != nil {
			lock.Release()
			return nil, nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return st, func() {
			st.Close()
			lock.Release()
		}, nil
	}
}

// buildLoaderOptions constructs scenario loader options. The returned func closes the
// shared cache connection, if any.
func buildLoaderOptions(ctx context.Context, flags Flags) ([]scenario.Option, func(), error) {
	opts := []scenario.Option{scenario.WithCacheTTL(*flags.cacheTTL)}
	if *flags.redisURL == "" {
		return opts, func() {}, nil
	}
	cache, err := scenario.NewRedisCache(ctx, *flags.redisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect scenario cache: %w", err)
	}
	slog.Info("Scenario cache enabled", "ttl", *flags.cacheTTL)
	return append(opts, scenario.WithRawCache(cache)), func() { cache.Close() }, nil
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) ([]api.Option, error) {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if *flags.jwtSecret != "" {
		apiOpts = append(apiOpts, api.WithJWTSecret(*flags.jwtSecret))
	} else {
		slog.Warn("JWT_SECRET not set, trusting the " + api.HeaderUserID + " header")
	}
	admins, err := parseAdminIDs(*flags.adminIDs)
	if err != nil {
		return nil, err
	}
	if len(admins) > 0 {
		apiOpts = append(apiOpts, api.WithScenarioAdmins(admins...))
	}
	return apiOpts, nil
}

// parseAdminIDs reads a comma-separated list of user ids.
func parseAdminIDs(list string) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for _, field := range strings.Split(list, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		id, err := uuid.Parse(field)
		if err != nil {
			return nil, fmt.Errorf("invalid admin user id %q: %w", field, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// seedScenarios stores every scenario found in dir.
func seedScenarios(ctx context.Context, st store.Store, dir string) (int, error) {
	docs, err := scenario.LoadDir(dir)
	if err != nil {
		return 0, err
	}
	for _, doc := range docs {
		if err := st.SaveScenario(ctx, doc.CourseID, doc.JSON); err != nil {
			return 0, fmt.Errorf("failed to store scenario %s: %w", doc.Path, err)
		}
		slog.Info("Scenario stored", "courseID", doc.CourseID, "path", doc.Path)
	}
	return len(docs), nil
}

func run(flags Flags) error {
	ctx := context.Background()
	slog.Info("Bootstrapping CoursePipe with configured modules")

	st, closeStore, err := openStore(flags)
	if err != nil {
		var lockErr *lockfile.LockError
		if errors.As(err, &lockErr) {
			return fmt.Errorf("state directory in use: %w", err)
		}
		return err
	}
	defer closeStore()

	if *flags.scenarioDir != "" {
		n, err := seedScenarios(ctx, st, *flags.scenarioDir)
		if err != nil {
			return err
		}
		slog.Info("Scenarios seeded", "dir", *flags.scenarioDir, "count", n)
	}

	loaderOpts, closeCache, err := buildLoaderOptions(ctx, flags)
	if err != nil {
		return err
	}
	defer closeCache()
	loader := scenario.NewLoader(st, loaderOpts...)

	var llmOpts []llm.Option
	if *flags.llmDebug {
		llmOpts = append(llmOpts, llm.WithDebugDir(*flags.stateDir))
	}
	gateway, err := llm.New(llm.ConfigFromEnv(), llmOpts...)
	if err != nil {
		return fmt.Errorf("failed to initialize LLM gateway: %w", err)
	}

	registry, err := handler.NewDefaultRegistry(gateway, st)
	if err != nil {
		return fmt.Errorf("failed to build handler registry: %w", err)
	}
	eng := engine.New(loader, st, registry)

	apiOpts, err := buildAPIOptions(flags)
	if err != nil {
		return err
	}
	apiOpts = append(apiOpts,
		api.WithScenarioStore(st, loader),
		api.WithLLMStatus(gateway))
	slog.Debug("Final configuration", "state_dir", *flags.stateDir, "store", storeKind(*flags.dbDSN), "api_addr", *flags.apiAddr)
	return api.Run(eng, apiOpts...)
}

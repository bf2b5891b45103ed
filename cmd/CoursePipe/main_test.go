package main

import (
	"errors"
	"flag"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/CoursePipe/internal/api"
	"github.com/BTreeMap/CoursePipe/internal/lockfile"
	"github.com/BTreeMap/CoursePipe/internal/scenario"
	"github.com/BTreeMap/CoursePipe/internal/store"
)

const seedDoc = `{"sessions":{"a":{"blocks":[{"id":"hello","type":"STATIC","messages":["Hi"]}],"next_session":null}}}`

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"COURSEPIPE_STATE_DIR", "DATABASE_URL", "API_ADDR", "SCENARIO_DIR",
		"REDIS_URL", "SCENARIO_CACHE_TTL", "JWT_SECRET", "ADMIN_USER_IDS", "LOG_LEVEL", "LLM_DEBUG"} {
		t.Setenv(key, "")
	}
	// No .env in an empty working directory.
	t.Chdir(t.TempDir())
}

func parse(t *testing.T, config Config, args ...string) Flags {
	t.Helper()
	fs := flag.NewFlagSet("coursepipe", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	flags, err := parseCommandLineFlags(fs, args, config)
	if err != nil {
		t.Fatalf("parseCommandLineFlags failed: %v", err)
	}
	return flags
}

func TestLoadEnvironmentConfigDefaults(t *testing.T) {
	clearEnv(t)

	config := loadEnvironmentConfig()
	if config.StateDir != DefaultStateDir {
		t.Errorf("expected state dir %s, got %s", DefaultStateDir, config.StateDir)
	}
	if want := filepath.Join(DefaultStateDir, DefaultDBFileName); config.DatabaseURL != want {
		t.Errorf("expected database %s, got %s", want, config.DatabaseURL)
	}
	if config.APIAddr != api.DefaultAddr {
		t.Errorf("expected api addr %s, got %s", api.DefaultAddr, config.APIAddr)
	}
	if config.CacheTTL != scenario.DefaultCacheTTL {
		t.Errorf("expected cache ttl %v, got %v", scenario.DefaultCacheTTL, config.CacheTTL)
	}
	if config.LogLevel != "debug" || config.LLMDebug {
		t.Errorf("unexpected defaults %+v", config)
	}
}

func TestLoadEnvironmentConfigOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("COURSEPIPE_STATE_DIR", "/tmp/cp")
	t.Setenv("API_ADDR", ":9090")
	t.Setenv("SCENARIO_CACHE_TTL", "90s")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("LLM_DEBUG", "true")

	config := loadEnvironmentConfig()
	if config.StateDir != "/tmp/cp" || config.DatabaseURL != "/tmp/cp/coursepipe.db" {
		t.Errorf("state dir not applied: %+v", config)
	}
	if config.APIAddr != ":9090" || config.JWTSecret != "s3cret" || !config.LLMDebug {
		t.Errorf("overrides not applied: %+v", config)
	}
	if config.CacheTTL != 90*time.Second {
		t.Errorf("expected 90s ttl, got %v", config.CacheTTL)
	}

	t.Setenv("DATABASE_URL", "postgres://db/course")
	if got := loadEnvironmentConfig().DatabaseURL; got != "postgres://db/course" {
		t.Errorf("explicit DATABASE_URL must win, got %s", got)
	}
}

func TestParseCommandLineFlags(t *testing.T) {
	config := Config{
		StateDir:    "/var/lib/coursepipe",
		DatabaseURL: "/var/lib/coursepipe/coursepipe.db",
		APIAddr:     ":8080",
		CacheTTL:    time.Minute,
		LogLevel:    "info",
	}

	t.Run("defaults come from config", func(t *testing.T) {
		flags := parse(t, config)
		if *flags.dbDSN != config.DatabaseURL || *flags.apiAddr != ":8080" || *flags.cacheTTL != time.Minute {
			t.Errorf("unexpected flags: dsn=%s addr=%s ttl=%v", *flags.dbDSN, *flags.apiAddr, *flags.cacheTTL)
		}
	})

	t.Run("state dir moves the default database", func(t *testing.T) {
		flags := parse(t, config, "-state-dir", "/srv/cp")
		if want := "/srv/cp/coursepipe.db"; *flags.dbDSN != want {
			t.Errorf("expected dsn %s, got %s", want, *flags.dbDSN)
		}
	})

	t.Run("explicit dsn is kept", func(t *testing.T) {
		flags := parse(t, config, "-state-dir", "/srv/cp", "-db-dsn", "memory")
		if *flags.dbDSN != "memory" {
			t.Errorf("expected memory dsn, got %s", *flags.dbDSN)
		}
	})

	t.Run("all flags", func(t *testing.T) {
		flags := parse(t, config, "-api-addr", ":1234", "-scenario-dir", "/etc/courses",
			"-redis-url", "redis://cache:6379/0", "-scenario-cache-ttl", "2m",
			"-jwt-secret", "k", "-log-level", "warn", "-llm-debug")
		if *flags.apiAddr != ":1234" || *flags.scenarioDir != "/etc/courses" || *flags.redisURL != "redis://cache:6379/0" {
			t.Errorf("string flags not applied")
		}
		if *flags.cacheTTL != 2*time.Minute || *flags.jwtSecret != "k" || *flags.logLevel != "warn" || !*flags.llmDebug {
			t.Errorf("remaining flags not applied")
		}
	})

	t.Run("bad duration", func(t *testing.T) {
		fs := flag.NewFlagSet("coursepipe", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		if _, err := parseCommandLineFlags(fs, []string{"-scenario-cache-ttl", "soon"}, config); err == nil {
			t.Error("expected parse error")
		}
	})
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		" warn ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelDebug,
		"verbose": slog.LevelDebug,
	}
	for in, want := range tests {
		if got := parseLogLevel(in); got != want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestStoreKind(t *testing.T) {
	tests := map[string]string{
		"":                              MemoryDSN,
		"memory":                        MemoryDSN,
		"postgres://u:p@db/course":      "postgres",
		"postgresql://db/course":        "postgres",
		"host=db user=cp dbname=course": "postgres",
		"/var/lib/coursepipe/cp.db":     "sqlite",
		"file:cp.db?_foreign_keys=on":   "sqlite",
	}
	for dsn, want := range tests {
		if got := storeKind(dsn); got != want {
			t.Errorf("storeKind(%q) = %s, want %s", dsn, got, want)
		}
	}
}

func TestSeedScenarios(t *testing.T) {
	dir := t.TempDir()
	courseID := uuid.New()
	if err := os.WriteFile(filepath.Join(dir, courseID.String()+".json"), []byte(seedDoc), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0644); err != nil {
		t.Fatal(err)
	}

	st := store.NewInMemoryStore()
	n, err := seedScenarios(t.Context(), st, dir)
	if err != nil {
		t.Fatalf("seedScenarios failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 scenario, got %d", n)
	}
	raw, err := st.GetScenario(t.Context(), courseID)
	if err != nil {
		t.Fatalf("GetScenario failed: %v", err)
	}
	if string(raw) != seedDoc {
		t.Errorf("unexpected stored scenario %s", raw)
	}

	if _, err := seedScenarios(t.Context(), st, filepath.Join(dir, "missing")); err == nil {
		t.Error("expected error for a missing directory")
	}
}

func TestOpenStore(t *testing.T) {
	t.Run("memory", func(t *testing.T) {
		dsn := MemoryDSN
		st, release, err := openStore(Flags{dbDSN: &dsn})
		if err != nil {
			t.Fatalf("openStore failed: %v", err)
		}
		defer release()
		if _, ok := st.(*store.InMemoryStore); !ok {
			t.Errorf("expected in-memory store, got %T", st)
		}
	})

	t.Run("sqlite takes the state lock", func(t *testing.T) {
		stateDir := t.TempDir()
		dsn := filepath.Join(stateDir, DefaultDBFileName)
		flags := Flags{stateDir: &stateDir, dbDSN: &dsn}

		st, release, err := openStore(flags)
		if err != nil {
			t.Fatalf("openStore failed: %v", err)
		}
		if _, ok := st.(*store.SQLiteStore); !ok {
			t.Errorf("expected sqlite store, got %T", st)
		}

		if _, _, err := openStore(flags); !errors.Is(err, lockfile.ErrLocked) {
			t.Errorf("expected ErrLocked from a second open, got %v", err)
		}

		release()
		_, releaseAgain, err := openStore(flags)
		if err != nil {
			t.Fatalf("reopen after release failed: %v", err)
		}
		releaseAgain()
	})
}

func TestBuildAPIOptions(t *testing.T) {
	addr, secret, admins := ":8081", "", ""
	flags := Flags{apiAddr: &addr, jwtSecret: &secret, adminIDs: &admins}
	opts, err := buildAPIOptions(flags)
	if err != nil || len(opts) != 1 {
		t.Errorf("expected 1 option without a secret, got %d %v", len(opts), err)
	}

	secret = "k"
	admins = uuid.NewString() + ", " + uuid.NewString()
	opts, err = buildAPIOptions(flags)
	if err != nil || len(opts) != 3 {
		t.Errorf("expected addr, secret and admin options, got %d %v", len(opts), err)
	}

	admins = "root"
	if _, err := buildAPIOptions(flags); err == nil {
		t.Error("expected error for a non-uuid admin id")
	}
}

func TestParseAdminIDs(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	ids, err := parseAdminIDs(" " + a.String() + ",," + b.String() + " ")
	if err != nil {
		t.Fatalf("parseAdminIDs failed: %v", err)
	}
	if len(ids) != 2 || ids[0] != a || ids[1] != b {
		t.Errorf("unexpected ids %v", ids)
	}
	if ids, err := parseAdminIDs(""); err != nil || len(ids) != 0 {
		t.Errorf("expected no ids, got %v %v", ids, err)
	}
}

func TestBuildLoaderOptionsWithoutRedis(t *testing.T) {
	ttl, redisURL := time.Minute, ""
	opts, closeCache, err := buildLoaderOptions(t.Context(), Flags{cacheTTL: &ttl, redisURL: &redisURL})
	if err != nil {
		t.Fatalf("buildLoaderOptions failed: %v", err)
	}
	defer closeCache()
	if len(opts) != 1 {
		t.Errorf("expected only the ttl option, got %d", len(opts))
	}
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/zama9729/petal-hr-suite-16029-sub006/internal/log"
)

// Config carries everything the server process needs at startup. Values
// come from the environment (optionally a .env file), matching how the
// migrate tooling resolves its connection string.
type Config struct {
	Port             string
	DBConnStr        string
	SweepInterval    time.Duration
	SweepBatch       int
	EscalateDecision string
}

// Load reads the configuration from the environment. DATABASE_URL wins;
// otherwise the connection string is assembled from the DB_* variables.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		log.GetLogger().Debugf("No .env file found or failed to load: %v. Proceeding with environment variables.", err)
	}

	cfg := Config{
		Port:             envOr("PORT", "8080"),
		SweepInterval:    time.Minute,
		SweepBatch:       50,
		EscalateDecision: envOr("ESCALATION_DECISION", "approved"),
	}

	cfg.DBConnStr = os.Getenv("DATABASE_URL")
	if cfg.DBConnStr == "" {
		dbUsername := os.Getenv("DB_USERNAME")
		dbPassword := os.Getenv("DB_PASSWORD")
		dbHost := os.Getenv("DB_HOST")
		dbPort := os.Getenv("DB_PORT")
		dbName := os.Getenv("DB_NAME")
		if dbUsername == "" || dbPassword == "" || dbHost == "" || dbPort == "" || dbName == "" {
			return Config{}, fmt.Errorf("DATABASE_URL or complete DB_* env vars (DB_USERNAME, DB_PASSWORD, DB_HOST, DB_PORT, DB_NAME) required")
		}
		cfg.DBConnStr = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
			dbUsername, dbPassword, dbHost, dbPort, dbName)
	}

	if raw := os.Getenv("ESCALATION_INTERVAL"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid ESCALATION_INTERVAL %q: %v", raw, err)
		}
		cfg.SweepInterval = d
	}
	if raw := os.Getenv("ESCALATION_BATCH"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("invalid ESCALATION_BATCH %q", raw)
		}
		cfg.SweepBatch = n
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

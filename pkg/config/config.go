package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/Mindburn-Labs/casegate/pkg/artifacts"
	"github.com/Mindburn-Labs/casegate/pkg/contracts"
	"github.com/Mindburn-Labs/casegate/pkg/database"
)

// Config holds process configuration.
type Config struct {
	Mode      contracts.ExecutionMode
	LogLevel  string
	LogFormat string

	DatabaseDriver database.Dialect
	DatabaseURL    string
	DataDir        string
	RedisAddr      string
	RedisPassword  string
	PatternDBDir   string

	StageTimeout  time.Duration
	Workers       int
	WritebackRate float64

	OTelEnabled  bool
	OTelEndpoint string

	// ReviewerSecret enables signed reviewer tokens when set.
	ReviewerSecret string
	ProfilePath    string

	Archive artifacts.Config
}

// LoadDotEnv loads a .env file into the environment. Variables already set
// win. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var errs []error

	mode := contracts.ExecutionMode(strings.ToUpper(getenv("CASEGATE_MODE", string(contracts.ModeAct))))
	switch mode {
	case contracts.ModeObserve, contracts.ModeTrain, contracts.ModeAct:
	default:
		errs = append(errs, fmt.Errorf("CASEGATE_MODE: unknown mode %q", mode))
	}

	driver, err := database.ParseDialect(getenv("DATABASE_DRIVER", string(database.DialectSQLite)))
	if err != nil {
		errs = append(errs, fmt.Errorf("DATABASE_DRIVER: %w", err))
	}

	dataDir := getenv("DATA_DIR", "data")
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" && driver == database.DialectSQLite {
		dbURL = dataDir + "/casegate.db"
	}
	if dbURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required for postgres"))
	}

	cfg := &Config{
		Mode:           mode,
		LogLevel:       getenv("LOG_LEVEL", "INFO"),
		LogFormat:      getenv("LOG_FORMAT", "text"),
		DatabaseDriver: driver,
		DatabaseURL:    dbURL,
		DataDir:        dataDir,
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		RedisPassword:  os.Getenv("REDIS_PASSWORD"),
		PatternDBDir:   getenv("PATTERN_DB_DIR", dataDir+"/patterns"),
		OTelEndpoint:   getenv("OTEL_ENDPOINT", "localhost:4317"),
		ReviewerSecret: os.Getenv("REVIEWER_SECRET"),
		ProfilePath:    os.Getenv("PROFILE_PATH"),
		Archive: artifacts.Config{
			Type:     getenv("ARCHIVE_STORAGE_TYPE", "fs"),
			Dir:      getenv("ARCHIVE_DIR", dataDir+"/archive"),
			Bucket:   os.Getenv("ARCHIVE_BUCKET"),
			Region:   os.Getenv("ARCHIVE_REGION"),
			Endpoint: os.Getenv("ARCHIVE_ENDPOINT"),
			Prefix:   os.Getenv("ARCHIVE_PREFIX"),
		},
	}

	if cfg.StageTimeout, err = time.ParseDuration(getenv("STAGE_TIMEOUT", "5s")); err != nil || cfg.StageTimeout <= 0 {
		errs = append(errs, fmt.Errorf("STAGE_TIMEOUT: invalid duration %q", os.Getenv("STAGE_TIMEOUT")))
	}
	if cfg.Workers, err = strconv.Atoi(getenv("WORKERS", "4")); err != nil || cfg.Workers < 1 {
		errs = append(errs, fmt.Errorf("WORKERS: want a positive integer, got %q", os.Getenv("WORKERS")))
	}
	if cfg.WritebackRate, err = strconv.ParseFloat(getenv("WRITEBACK_RATE", "0"), 64); err != nil || cfg.WritebackRate < 0 {
		errs = append(errs, fmt.Errorf("WRITEBACK_RATE: want a non-negative number, got %q", os.Getenv("WRITEBACK_RATE")))
	}
	if cfg.OTelEnabled, err = strconv.ParseBool(getenv("OTEL_ENABLED", "false")); err != nil {
		errs = append(errs, fmt.Errorf("OTEL_ENABLED: %w", err))
	}
	if s := cfg.ReviewerSecret; s != "" && len(s) < 16 {
		errs = append(errs, errors.New("REVIEWER_SECRET must be at least 16 bytes"))
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

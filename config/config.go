package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	DBPath        string
	PDFDir        string
	LoanPeriod    time.Duration
	SweepInterval time.Duration
	LogLevel      slog.Level
}

type configFile struct {
	Storage struct {
		DBPath string `yaml:"db_path"`
		PDFDir string `yaml:"pdf_dir"`
	} `yaml:"storage"`
	Lending struct {
		LoanPeriodHours      int `yaml:"loan_period_hours"`
		SweepIntervalMinutes int `yaml:"sweep_interval_minutes"`
	} `yaml:"lending"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

func Default() Config {
	return Config{
		DBPath:        "library.db",
		PDFDir:        "pdfs",
		LoanPeriod:    7 * 24 * time.Hour,
		SweepInterval: time.Hour,
		LogLevel:      slog.LevelInfo,
	}
}

// Load applies defaults, then the YAML file at path (a missing file is not an
// error), then LIBRARY_* environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			var f configFile
			if err := yaml.Unmarshal(raw, &f); err != nil {
				return Config{}, fmt.Errorf("parse config file: %w", err)
			}
			if f.Storage.DBPath != "" {
				cfg.DBPath = f.Storage.DBPath
			}
			if f.Storage.PDFDir != "" {
				cfg.PDFDir = f.Storage.PDFDir
			}
			if f.Lending.LoanPeriodHours > 0 {
				cfg.LoanPeriod = time.Duration(f.Lending.LoanPeriodHours) * time.Hour
			}
			if f.Lending.SweepIntervalMinutes > 0 {
				cfg.SweepInterval = time.Duration(f.Lending.SweepIntervalMinutes) * time.Minute
			}
			if f.Log.Level != "" {
				if cfg.LogLevel, err = parseLevel(f.Log.Level); err != nil {
					return Config{}, err
				}
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg.DBPath = envOrDefault("LIBRARY_DB_PATH", cfg.DBPath)
	cfg.PDFDir = envOrDefault("LIBRARY_PDF_DIR", cfg.PDFDir)
	hours, err := envInt("LIBRARY_LOAN_PERIOD_HOURS", int(cfg.LoanPeriod.Hours()))
	if err != nil {
		return Config{}, err
	}
	cfg.LoanPeriod = time.Duration(hours) * time.Hour
	minutes, err := envInt("LIBRARY_SWEEP_INTERVAL_MINUTES", int(cfg.SweepInterval.Minutes()))
	if err != nil {
		return Config{}, err
	}
	cfg.SweepInterval = time.Duration(minutes) * time.Minute
	if raw := strings.TrimSpace(os.Getenv("LIBRARY_LOG_LEVEL")); raw != "" {
		level, err := parseLevel(raw)
		if err != nil {
			return Config{}, err
		}
		cfg.LogLevel = level
	}

	if cfg.LoanPeriod <= 0 {
		return Config{}, fmt.Errorf("loan period must be positive")
	}
	if cfg.SweepInterval <= 0 {
		return Config{}, fmt.Errorf("sweep interval must be positive")
	}
	return cfg, nil
}

func parseLevel(raw string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
		return 0, fmt.Errorf("parse log level %q: %w", raw, err)
	}
	return level, nil
}

func envOrDefault(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

func envInt(name string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	return v, nil
}

package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ReadinessHealth = "health"
	ReadinessMarker = "marker"
)

type Config struct {
	Port        int    `yaml:"port"`
	LogLevel    string `yaml:"log_level"`
	DataDir     string `yaml:"data_dir"`
	TickersFile string `yaml:"tickers_file"`
	CORSOrigin  string `yaml:"cors_origin"`

	Groq       GroqConfig       `yaml:"groq"`
	Sidecar    SidecarConfig    `yaml:"sidecar"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
}

type GroqConfig struct {
	APIKey      string        `yaml:"api_key"`
	BaseURL     string        `yaml:"base_url"`
	Model       string        `yaml:"model"`
	Temperature float64       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
}

type SidecarConfig struct {
	Disabled       bool          `yaml:"disabled"`
	Command        string        `yaml:"command"`
	Script         string        `yaml:"script"`
	Args           []string      `yaml:"args"`
	Dir            string        `yaml:"dir"`
	URL            string        `yaml:"url"`
	Readiness      string        `yaml:"readiness"`
	ReadyMarker    string        `yaml:"ready_marker"`
	HealthInterval time.Duration `yaml:"health_interval"`
	RestartDelay   time.Duration `yaml:"restart_delay"`
	StopTimeout    time.Duration `yaml:"stop_timeout"`
	FetchTimeout   time.Duration `yaml:"fetch_timeout"`
}

func DefaultConfig() Config {
	return Config{
		Port:        5000,
		LogLevel:    "info",
		DataDir:     "./data",
		TickersFile: "./tickers.yaml",
		CORSOrigin:  "*",
		Groq: GroqConfig{
			BaseURL:     "https://api.groq.com/openai/v1",
			Model:       "llama-3.3-70b-versatile",
			Temperature: 0.7,
			Timeout:     60 * time.Second,
		},
		Sidecar: SidecarConfig{
			Command:        "python",
			Script:         "services/stock_service.py",
			URL:            "http://localhost:5001",
			Readiness:      ReadinessHealth,
			ReadyMarker:    "Running on",
			HealthInterval: 2 * time.Second,
			RestartDelay:   5 * time.Second,
			StopTimeout:    5 * time.Second,
			FetchTimeout:   10 * time.Second,
		},
		ClickHouse: ClickHouseConfig{
			Host:         "localhost",
			Port:         9000,
			User:         "default",
			DB:           "tickerchat",
			BatchSize:    500,
			FlushEveryMS: 1000,
		},
	}
}

// LoadConfig layers defaults, an optional YAML file and the environment.
// CLI flags are applied on top by the caller.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Port = envInt("PORT", cfg.Port)
	cfg.LogLevel = envString("LOG_LEVEL", cfg.LogLevel)
	cfg.DataDir = envString("DATA_DIR", cfg.DataDir)
	cfg.TickersFile = envString("TICKERS_FILE", cfg.TickersFile)
	cfg.CORSOrigin = envString("CORS_ORIGIN", cfg.CORSOrigin)

	cfg.Groq.APIKey = envString("GROQ_API_KEY", cfg.Groq.APIKey)
	cfg.Groq.BaseURL = envString("GROQ_BASE_URL", cfg.Groq.BaseURL)
	cfg.Groq.Model = envString("GROQ_MODEL", cfg.Groq.Model)
	cfg.Groq.Temperature = envFloat("GROQ_TEMPERATURE", cfg.Groq.Temperature)
	cfg.Groq.Timeout = envDuration("GROQ_TIMEOUT", cfg.Groq.Timeout)

	sc := &cfg.Sidecar
	sc.Disabled = envBool("SIDECAR_DISABLED", sc.Disabled)
	sc.Command = envString("SIDECAR_COMMAND", sc.Command)
	sc.Script = envString("SIDECAR_SCRIPT", sc.Script)
	if v := os.Getenv("SIDECAR_ARGS"); v != "" {
		sc.Args = strings.Fields(v)
	}
	sc.Dir = envString("SIDECAR_DIR", sc.Dir)
	sc.URL = envString("SIDECAR_URL", sc.URL)
	sc.Readiness = envString("SIDECAR_READINESS", sc.Readiness)
	sc.ReadyMarker = envString("SIDECAR_READY_MARKER", sc.ReadyMarker)
	sc.HealthInterval = envDuration("SIDECAR_HEALTH_INTERVAL", sc.HealthInterval)
	sc.RestartDelay = envDuration("SIDECAR_RESTART_DELAY", sc.RestartDelay)
	sc.StopTimeout = envDuration("SIDECAR_STOP_TIMEOUT", sc.StopTimeout)
	sc.FetchTimeout = envDuration("SIDECAR_FETCH_TIMEOUT", sc.FetchTimeout)

	ch := &cfg.ClickHouse
	ch.Enabled = envBool("CLICKHOUSE_ENABLED", ch.Enabled)
	ch.Host = envString("CLICKHOUSE_HOST", ch.Host)
	ch.Port = envInt("CLICKHOUSE_PORT", ch.Port)
	ch.User = envString("CLICKHOUSE_USER", ch.User)
	ch.Pass = envString("CLICKHOUSE_PASS", ch.Pass)
	ch.DB = envString("CLICKHOUSE_DB", ch.DB)
	ch.Secure = envBool("CLICKHOUSE_SECURE", ch.Secure)
	ch.AsyncInsert = envBool("CLICKHOUSE_ASYNC_INSERT", ch.AsyncInsert)
	ch.BatchSize = envInt("CLICKHOUSE_BATCH_SIZE", ch.BatchSize)
	ch.FlushEveryMS = envInt("CLICKHOUSE_FLUSH_MS", ch.FlushEveryMS)
}

func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	switch c.Sidecar.Readiness {
	case ReadinessHealth, ReadinessMarker:
	default:
		errs = append(errs, fmt.Errorf("sidecar readiness %q (want %s|%s)", c.Sidecar.Readiness, ReadinessHealth, ReadinessMarker))
	}
	if c.Sidecar.Readiness == ReadinessMarker && c.Sidecar.ReadyMarker == "" {
		errs = append(errs, errors.New("sidecar ready marker is empty"))
	}
	for name, d := range map[string]time.Duration{
		"groq timeout":            c.Groq.Timeout,
		"sidecar health interval": c.Sidecar.HealthInterval,
		"sidecar restart delay":   c.Sidecar.RestartDelay,
		"sidecar stop timeout":    c.Sidecar.StopTimeout,
		"sidecar fetch timeout":   c.Sidecar.FetchTimeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s is negative", name))
		}
	}
	if !c.Sidecar.Disabled && c.Sidecar.Command == "" {
		errs = append(errs, errors.New("sidecar command is empty"))
	}
	return errors.Join(errs...)
}

func envString(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

func envFloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return def
}

// envDuration accepts Go durations ("5s") or plain milliseconds ("5000").
func envDuration(k string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return def
}

func envBool(k string, def bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(k)))
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

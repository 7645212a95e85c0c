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

// LLM providers understood by llm.NewModel.
var validProviders = map[string]bool{
	"openai":     true,
	"anthropic":  true,
	"ollama":     true,
	"claude-cli": true,
}

type Config struct {
	ListenAddr  string   `yaml:"listen_addr"`
	APIKeys     []string `yaml:"api_keys"`
	CORSOrigins []string `yaml:"cors_origins"`
	// RateLimit is job submissions per second per client IP; 0 disables it.
	RateLimit int `yaml:"rate_limit"`

	GlobalLimit   int `yaml:"global_limit"`
	DownloadLimit int `yaml:"download_limit"`
	RenderLimit   int `yaml:"render_limit"`

	DBPath                 string `yaml:"db_path"`
	DataDir                string `yaml:"data_dir"`
	JobTTLHours            int    `yaml:"job_ttl_hours"`
	CleanupIntervalMinutes int    `yaml:"cleanup_interval_minutes"`

	LLMProvider      string `yaml:"llm_provider"`
	LLMModel         string `yaml:"llm_model"`
	OpenAIKey        string `yaml:"openai_api_key"`
	AnthropicKey     string `yaml:"anthropic_api_key"`
	OllamaHost       string `yaml:"ollama_host"`
	ClaudePath       string `yaml:"claude_path"`
	DisableKeepalive bool   `yaml:"disable_keepalive"`

	PexelsKeys  []string `yaml:"pexels_api_keys"`
	PixabayKeys []string `yaml:"pixabay_api_keys"`
	// StockRPS paces requests to each stock footage API.
	StockRPS float64 `yaml:"stock_rps"`

	EdgeTTSPath  string `yaml:"edge_tts_path"`
	WhisperPath  string `yaml:"whisper_path"`
	WhisperModel string `yaml:"whisper_model"`
	FFmpegPath   string `yaml:"ffmpeg_path"`
	FFprobePath  string `yaml:"ffprobe_path"`

	RetryAttempts       int           `yaml:"retry_attempts"`
	RetryDelay          time.Duration `yaml:"retry_delay"`
	MaxVariants         int           `yaml:"max_variants"`
	DownloadParallelism int           `yaml:"download_parallelism"`

	LogFile  string     `yaml:"log_file"`
	LogLevel slog.Level `yaml:"-"`
	RawLevel string     `yaml:"log_level"`
}

func defaults() *Config {
	return &Config{
		ListenAddr:             ":8080",
		RateLimit:              5,
		GlobalLimit:            3,
		DownloadLimit:          2,
		RenderLimit:            1,
		DBPath:                 "reelgate.db",
		DataDir:                "storage",
		JobTTLHours:            24,
		CleanupIntervalMinutes: 60,
		LLMProvider:            "openai",
		OllamaHost:             "http://localhost:11434",
		ClaudePath:             "claude",
		StockRPS:               2,
		EdgeTTSPath:            "edge-tts",
		WhisperPath:            "whisper",
		WhisperModel:           "base",
		FFmpegPath:             "ffmpeg",
		FFprobePath:            "ffprobe",
		RetryAttempts:          3,
		RetryDelay:             2 * time.Second,
		MaxVariants:            2,
		DownloadParallelism:    3,
		RawLevel:               "INFO",
	}
}

// Load builds the configuration from defaults, the optional YAML file named
// by REELGATE_CONFIG, and REELGATE_* environment variables, in that order.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("REELGATE_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.ListenAddr = getEnv("REELGATE_LISTEN_ADDR", cfg.ListenAddr)
	cfg.APIKeys = getEnvList("REELGATE_API_KEYS", cfg.APIKeys)
	cfg.CORSOrigins = getEnvList("REELGATE_CORS_ORIGINS", cfg.CORSOrigins)
	cfg.DBPath = getEnv("REELGATE_DB_PATH", cfg.DBPath)
	cfg.DataDir = getEnv("REELGATE_DATA_DIR", cfg.DataDir)
	cfg.LLMProvider = getEnv("REELGATE_LLM_PROVIDER", cfg.LLMProvider)
	cfg.LLMModel = getEnv("REELGATE_LLM_MODEL", cfg.LLMModel)
	cfg.OpenAIKey = getEnv("OPENAI_API_KEY", cfg.OpenAIKey)
	cfg.AnthropicKey = getEnv("ANTHROPIC_API_KEY", cfg.AnthropicKey)
	cfg.OllamaHost = getEnv("OLLAMA_HOST", cfg.OllamaHost)
	cfg.ClaudePath = getEnv("REELGATE_CLAUDE_PATH", cfg.ClaudePath)
	cfg.PexelsKeys = getEnvList("REELGATE_PEXELS_API_KEYS", cfg.PexelsKeys)
	cfg.PixabayKeys = getEnvList("REELGATE_PIXABAY_API_KEYS", cfg.PixabayKeys)
	cfg.EdgeTTSPath = getEnv("REELGATE_EDGE_TTS_PATH", cfg.EdgeTTSPath)
	cfg.WhisperPath = getEnv("REELGATE_WHISPER_PATH", cfg.WhisperPath)
	cfg.WhisperModel = getEnv("REELGATE_WHISPER_MODEL", cfg.WhisperModel)
	cfg.FFmpegPath = getEnv("REELGATE_FFMPEG_PATH", cfg.FFmpegPath)
	cfg.FFprobePath = getEnv("REELGATE_FFPROBE_PATH", cfg.FFprobePath)
	cfg.LogFile = getEnv("REELGATE_LOG_FILE", cfg.LogFile)
	cfg.RawLevel = getEnv("REELGATE_LOG_LEVEL", cfg.RawLevel)
	cfg.DisableKeepalive = getEnv("REELGATE_DISABLE_KEEPALIVE", strconv.FormatBool(cfg.DisableKeepalive)) == "true"

	ints := []struct {
		key string
		dst *int
	}{
		{"REELGATE_RATE_LIMIT", &cfg.RateLimit},
		{"REELGATE_GLOBAL_LIMIT", &cfg.GlobalLimit},
		{"REELGATE_DOWNLOAD_LIMIT", &cfg.DownloadLimit},
		{"REELGATE_RENDER_LIMIT", &cfg.RenderLimit},
		{"REELGATE_JOB_TTL_HOURS", &cfg.JobTTLHours},
		{"REELGATE_CLEANUP_INTERVAL_MINUTES", &cfg.CleanupIntervalMinutes},
		{"REELGATE_RETRY_ATTEMPTS", &cfg.RetryAttempts},
		{"REELGATE_MAX_VARIANTS", &cfg.MaxVariants},
		{"REELGATE_DOWNLOAD_PARALLELISM", &cfg.DownloadParallelism},
	}
	for _, v := range ints {
		n, err := getEnvInt(v.key, *v.dst)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", v.key, err)
		}
		*v.dst = n
	}

	var err error
	cfg.StockRPS, err = getEnvFloat("REELGATE_STOCK_RPS", cfg.StockRPS)
	if err != nil {
		return nil, fmt.Errorf("REELGATE_STOCK_RPS: %w", err)
	}
	cfg.RetryDelay, err = getEnvDuration("REELGATE_RETRY_DELAY", cfg.RetryDelay)
	if err != nil {
		return nil, fmt.Errorf("REELGATE_RETRY_DELAY: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.GlobalLimit < 1 {
		return errors.New("global_limit must be > 0")
	}
	if c.DownloadLimit < 1 || c.DownloadLimit > c.GlobalLimit {
		return fmt.Errorf("download_limit must be between 1 and global_limit (%d)", c.GlobalLimit)
	}
	if c.RenderLimit < 1 || c.RenderLimit > c.GlobalLimit {
		return fmt.Errorf("render_limit must be between 1 and global_limit (%d)", c.GlobalLimit)
	}
	if !validProviders[c.LLMProvider] {
		return fmt.Errorf("llm_provider %q must be one of: openai, anthropic, ollama, claude-cli", c.LLMProvider)
	}
	if c.RetryAttempts < 1 {
		return errors.New("retry_attempts must be > 0")
	}
	if c.MaxVariants < 1 {
		return errors.New("max_variants must be > 0")
	}
	if c.JobTTLHours < 0 || c.CleanupIntervalMinutes < 0 {
		return errors.New("job_ttl_hours and cleanup_interval_minutes must not be negative")
	}
	level, err := parseLogLevel(c.RawLevel)
	if err != nil {
		return err
	}
	c.LogLevel = level
	return nil
}

// RequireAPIKeys fails when the HTTP server would run unauthenticated.
func (c *Config) RequireAPIKeys() error {
	if len(c.APIKeys) == 0 {
		return errors.New("REELGATE_API_KEYS must not be empty")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	return n, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", v)
	}
	return f, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	return d, nil
}

// getEnvList splits a comma-separated variable, dropping blank items.
func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO", "":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", s)
	}
}

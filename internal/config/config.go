package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultModel         = "claude-sonnet-4-5-20250929"
	DefaultMaxTokens     = 1024
	DefaultOracleTimeout = "30s"
	DefaultMaxConcurrent = 4
	DefaultBufSize       = 256

	DefaultBufferCapacity      = 100
	DefaultSizeThreshold       = 50
	DefaultPrivilegedThreshold = 10
	DefaultMaxAge              = "10m"
	DefaultSweepInterval       = "30s"

	DefaultSubBatchSize    = 5
	DefaultSummaryWindow   = 20
	DefaultTranscriptChars = 200
	DefaultMergeThreshold  = 0.6

	DefaultStatsInterval     = "30s"
	DefaultPruneInterval     = "5m"
	DefaultChannelRetention  = "24h"
	DefaultMetricRetention   = "24h"
	DefaultReportSchedule    = "@daily"
	DefaultReportTopN        = 5
	DefaultWarningWatermark  = 70
	DefaultCriticalWatermark = 90
	DefaultHighTrafficTotal  = 1000
	DefaultShutdownTimeout   = "30s"

	ProviderAnthropic    = "anthropic"
	ProviderOpenAI       = "openai"
	ProviderOpenAICompat = "openai-compat"
	ProviderOffline      = "offline"
)

type Config struct {
	Provider   ProviderConfig   `json:"provider"`
	Classifier ClassifierConfig `json:"classifier"`
	Memory     MemoryConfig     `json:"memory"`
	Buffer     BufferConfig     `json:"buffer"`
	Pipeline   PipelineConfig   `json:"pipeline"`
	Aggregator AggregatorConfig `json:"aggregator"`
	Identity   IdentityConfig   `json:"identity"`
	Channels   ChannelsConfig   `json:"channels"`
	Gateway    GatewayConfig    `json:"gateway"`
}

type ProviderConfig struct {
	Type    string `json:"type,omitempty"` // "anthropic" (default), "openai", "openai-compat" or "offline"
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty"`
}

type ClassifierConfig struct {
	Model         string `json:"model"`
	MaxTokens     int    `json:"maxTokens"`
	Timeout       string `json:"timeout"`
	MaxConcurrent int    `json:"maxConcurrent"`
}

type MemoryConfig struct {
	DBPath string `json:"dbPath,omitempty"`
}

type BufferConfig struct {
	Capacity            int    `json:"capacity"`
	SizeThreshold       int    `json:"sizeThreshold"`
	PrivilegedThreshold int    `json:"privilegedThreshold"`
	MaxAge              string `json:"maxAge"`
	SweepInterval       string `json:"sweepInterval"`
}

type PipelineConfig struct {
	SubBatchSize    int      `json:"subBatchSize"`
	SummaryWindow   int      `json:"summaryWindow"`
	TranscriptChars int      `json:"transcriptChars"`
	MergeThreshold  float64  `json:"mergeThreshold"`
	BotHandle       string   `json:"botHandle,omitempty"`
	ExtraIndicators []string `json:"extraIndicators,omitempty"`
}

type AggregatorConfig struct {
	StatsInterval     string `json:"statsInterval"`
	PruneInterval     string `json:"pruneInterval"`
	ChannelRetention  string `json:"channelRetention"`
	MetricRetention   string `json:"metricRetention"`
	ReportSchedule    string `json:"reportSchedule"`
	ReportTopN        int    `json:"reportTopN"`
	WarningWatermark  int    `json:"warningWatermark"`
	CriticalWatermark int    `json:"criticalWatermark"`
	HighTrafficTotal  int64  `json:"highTrafficTotal"`
}

type IdentityConfig struct {
	Admins []int64 `json:"admins"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allowFrom"`
	Proxy     string   `json:"proxy,omitempty"`
}

type GatewayConfig struct {
	BusSize         int    `json:"busSize"`
	ShutdownTimeout string `json:"shutdownTimeout"`
}

func DefaultConfig() *Config {
	return &Config{
		Provider: ProviderConfig{},
		Classifier: ClassifierConfig{
			Model:         DefaultModel,
			MaxTokens:     DefaultMaxTokens,
			Timeout:       DefaultOracleTimeout,
			MaxConcurrent: DefaultMaxConcurrent,
		},
		Buffer: BufferConfig{
			Capacity:            DefaultBufferCapacity,
			SizeThreshold:       DefaultSizeThreshold,
			PrivilegedThreshold: DefaultPrivilegedThreshold,
			MaxAge:              DefaultMaxAge,
			SweepInterval:       DefaultSweepInterval,
		},
		Pipeline: PipelineConfig{
			SubBatchSize:    DefaultSubBatchSize,
			SummaryWindow:   DefaultSummaryWindow,
			TranscriptChars: DefaultTranscriptChars,
			MergeThreshold:  DefaultMergeThreshold,
		},
		Aggregator: AggregatorConfig{
			StatsInterval:     DefaultStatsInterval,
			PruneInterval:     DefaultPruneInterval,
			ChannelRetention:  DefaultChannelRetention,
			MetricRetention:   DefaultMetricRetention,
			ReportSchedule:    DefaultReportSchedule,
			ReportTopN:        DefaultReportTopN,
			WarningWatermark:  DefaultWarningWatermark,
			CriticalWatermark: DefaultCriticalWatermark,
			HighTrafficTotal:  DefaultHighTrafficTotal,
		},
		Gateway: GatewayConfig{
			BusSize:         DefaultBufSize,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".chatpulse")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// DBPath resolves the sqlite location, defaulting to the config directory.
func (c *Config) DBPath() string {
	if p := strings.TrimSpace(c.Memory.DBPath); p != "" {
		return p
	}
	return filepath.Join(ConfigDir(), "data", "memory.db")
}

func LoadConfig() (*Config, error) {
	return LoadConfigFrom(ConfigPath())
}

// LoadConfigFrom reads path (a missing file is not an error), applies
// CHATPULSE_* overrides from the environment and an optional ./.env file,
// then fills any zero values with defaults.
func LoadConfigFrom(path string) (*Config, error) {
	// Existing environment variables take precedence over .env entries.
	_ = godotenv.Load()

	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)
	applyDefaults(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if key := os.Getenv("CHATPULSE_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
		if cfg.Provider.Type == "" {
			cfg.Provider.Type = ProviderOpenAI
		}
	}
	if t := os.Getenv("CHATPULSE_PROVIDER"); t != "" {
		cfg.Provider.Type = t
	}
	if url := os.Getenv("CHATPULSE_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if model := os.Getenv("CHATPULSE_MODEL"); model != "" {
		cfg.Classifier.Model = model
	}
	if timeout := os.Getenv("CHATPULSE_ORACLE_TIMEOUT"); timeout != "" {
		cfg.Classifier.Timeout = timeout
	}
	if n := os.Getenv("CHATPULSE_MAX_CONCURRENT"); n != "" {
		if parsed, err := strconv.Atoi(n); err == nil {
			cfg.Classifier.MaxConcurrent = parsed
		}
	}
	if dbPath := os.Getenv("CHATPULSE_DB_PATH"); dbPath != "" {
		cfg.Memory.DBPath = dbPath
	}
	if token := os.Getenv("CHATPULSE_TELEGRAM_TOKEN"); token != "" {
		cfg.Channels.Telegram.Token = token
	}
	if enabled := os.Getenv("CHATPULSE_TELEGRAM_ENABLED"); enabled != "" {
		if parsed, err := strconv.ParseBool(enabled); err == nil {
			cfg.Channels.Telegram.Enabled = parsed
		}
	}
	if admins := os.Getenv("CHATPULSE_ADMINS"); admins != "" {
		cfg.Identity.Admins = parseIDList(admins)
	}
	if n := os.Getenv("CHATPULSE_SIZE_THRESHOLD"); n != "" {
		if parsed, err := strconv.Atoi(n); err == nil {
			cfg.Buffer.SizeThreshold = parsed
		}
	}
	if maxAge := os.Getenv("CHATPULSE_MAX_AGE"); maxAge != "" {
		cfg.Buffer.MaxAge = maxAge
	}
	if handle := os.Getenv("CHATPULSE_BOT_HANDLE"); handle != "" {
		cfg.Pipeline.BotHandle = handle
	}
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Classifier.Model == "" {
		cfg.Classifier.Model = def.Classifier.Model
	}
	if cfg.Classifier.MaxTokens <= 0 {
		cfg.Classifier.MaxTokens = def.Classifier.MaxTokens
	}
	if cfg.Classifier.Timeout == "" {
		cfg.Classifier.Timeout = def.Classifier.Timeout
	}
	if cfg.Classifier.MaxConcurrent <= 0 {
		cfg.Classifier.MaxConcurrent = def.Classifier.MaxConcurrent
	}
	if cfg.Buffer.Capacity <= 0 {
		cfg.Buffer.Capacity = def.Buffer.Capacity
	}
	if cfg.Buffer.SizeThreshold <= 0 {
		cfg.Buffer.SizeThreshold = def.Buffer.SizeThreshold
	}
	if cfg.Buffer.PrivilegedThreshold <= 0 {
		cfg.Buffer.PrivilegedThreshold = def.Buffer.PrivilegedThreshold
	}
	if cfg.Buffer.MaxAge == "" {
		cfg.Buffer.MaxAge = def.Buffer.MaxAge
	}
	if cfg.Buffer.SweepInterval == "" {
		cfg.Buffer.SweepInterval = def.Buffer.SweepInterval
	}
	if cfg.Pipeline.SubBatchSize <= 0 {
		cfg.Pipeline.SubBatchSize = def.Pipeline.SubBatchSize
	}
	if cfg.Pipeline.SummaryWindow <= 0 {
		cfg.Pipeline.SummaryWindow = def.Pipeline.SummaryWindow
	}
	if cfg.Pipeline.TranscriptChars <= 0 {
		cfg.Pipeline.TranscriptChars = def.Pipeline.TranscriptChars
	}
	if cfg.Pipeline.MergeThreshold <= 0 || cfg.Pipeline.MergeThreshold > 1 {
		cfg.Pipeline.MergeThreshold = def.Pipeline.MergeThreshold
	}
	if cfg.Aggregator.StatsInterval == "" {
		cfg.Aggregator.StatsInterval = def.Aggregator.StatsInterval
	}
	if cfg.Aggregator.PruneInterval == "" {
		cfg.Aggregator.PruneInterval = def.Aggregator.PruneInterval
	}
	if cfg.Aggregator.ChannelRetention == "" {
		cfg.Aggregator.ChannelRetention = def.Aggregator.ChannelRetention
	}
	if cfg.Aggregator.MetricRetention == "" {
		cfg.Aggregator.MetricRetention = def.Aggregator.MetricRetention
	}
	if cfg.Aggregator.ReportSchedule == "" {
		cfg.Aggregator.ReportSchedule = def.Aggregator.ReportSchedule
	}
	if cfg.Aggregator.ReportTopN <= 0 {
		cfg.Aggregator.ReportTopN = def.Aggregator.ReportTopN
	}
	if cfg.Aggregator.WarningWatermark <= 0 {
		cfg.Aggregator.WarningWatermark = def.Aggregator.WarningWatermark
	}
	if cfg.Aggregator.CriticalWatermark <= 0 {
		cfg.Aggregator.CriticalWatermark = def.Aggregator.CriticalWatermark
	}
	if cfg.Aggregator.HighTrafficTotal <= 0 {
		cfg.Aggregator.HighTrafficTotal = def.Aggregator.HighTrafficTotal
	}
	if cfg.Gateway.BusSize <= 0 {
		cfg.Gateway.BusSize = def.Gateway.BusSize
	}
	if cfg.Gateway.ShutdownTimeout == "" {
		cfg.Gateway.ShutdownTimeout = def.Gateway.ShutdownTimeout
	}
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}

// Duration parses a config duration string, returning fallback when the
// value is empty, malformed or not positive.
func Duration(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func parseIDList(s string) []int64 {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		if id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

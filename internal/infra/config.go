package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents engine configuration loaded from environment variables.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string
	StoragePath string

	// Relay.
	RelayPollInterval time.Duration
	RelayBatchSize    int

	// Bus consumption.
	BusPollInterval time.Duration
	BusClaimTimeout time.Duration
	BusMaxAttempts  int
	WorkerBatchSize int

	// Tool collaborators.
	ToolCallTimeout  time.Duration
	ConverterBaseURL string
	ExtractorBaseURL string
	VisionBaseURL    string
	VisionAPIKey     string
	SearchBaseURL    string

	// Janitor.
	JanitorInterval time.Duration
	StaleJobTimeout time.Duration
	MaxJobRequeues  int
	CASReclaimGrace time.Duration

	// Decomposition filters; snapshotted into each job's context at creation
	// time so a job replays with the configuration it was created under.
	AllowedMIMETypes  []string
	LegacySkipFormats []string
	MaxContainerDepth int

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:      getEnv("APP_ENV", "development"),
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		StoragePath: getEnv("STORAGE_PATH", "./storage"),

		RelayPollInterval: time.Millisecond * time.Duration(getEnvInt("RELAY_POLL_INTERVAL_MS", 500)),
		RelayBatchSize:    getEnvInt("RELAY_BATCH_SIZE", 50),

		BusPollInterval: time.Millisecond * time.Duration(getEnvInt("BUS_POLL_INTERVAL_MS", 1000)),
		BusClaimTimeout: time.Second * time.Duration(getEnvInt("BUS_CLAIM_TIMEOUT_SECONDS", 300)),
		BusMaxAttempts:  getEnvInt("BUS_MAX_ATTEMPTS", 5),
		WorkerBatchSize: getEnvInt("WORKER_BATCH_SIZE", 10),

		ToolCallTimeout:  time.Second * time.Duration(getEnvInt("TOOL_CALL_TIMEOUT_SECONDS", 120)),
		ConverterBaseURL: getEnv("CONVERTER_BASE_URL", "http://localhost:9091"),
		ExtractorBaseURL: getEnv("EXTRACTOR_BASE_URL", "http://localhost:9092"),
		VisionBaseURL:    getEnv("VISION_BASE_URL", "http://localhost:9093"),
		VisionAPIKey:     os.Getenv("VISION_API_KEY"),
		SearchBaseURL:    getEnv("SEARCH_BASE_URL", "http://localhost:9094"),

		JanitorInterval: time.Second * time.Duration(getEnvInt("JANITOR_INTERVAL_SECONDS", 60)),
		StaleJobTimeout: time.Minute * time.Duration(getEnvInt("STALE_JOB_TIMEOUT_MINUTES", 30)),
		MaxJobRequeues:  getEnvInt("MAX_JOB_REQUEUES", 3),
		CASReclaimGrace: time.Minute * time.Duration(getEnvInt("CAS_RECLAIM_GRACE_MINUTES", 60)),

		AllowedMIMETypes: getEnvList("ALLOWED_MIME_TYPES",
			"application/pdf",
			"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
			"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
			"application/vnd.openxmlformats-officedocument.presentationml.presentation",
			"text/plain",
			"text/markdown",
			"image/png",
			"image/jpeg",
		),
		LegacySkipFormats: getEnvList("LEGACY_SKIP_FORMATS",
			"application/msword",
			"application/vnd.ms-excel",
			"application/vnd.ms-powerpoint",
		),
		MaxContainerDepth: getEnvInt("MAX_CONTAINER_DEPTH", 5),

		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvList(key string, fallback ...string) []string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return fallback
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment         string
	EncryptionKeyBase64 string
	DBHost              string
	DBPort              string
	DBUsername          string
	DBPassword          string
	DBName              string
	DBSSLMode           string
	Port                string

	// SyncFolders is the ordered list of mailbox folders polled per account.
	SyncFolders []string
	// MarkerKeyword is the mailbox-side keyword used as a sync-acceleration
	// hint. It is never authoritative for import state.
	MarkerKeyword string
	// ProbeLimit is the number of recent messages fetched to detect servers
	// with unreliable keyword support.
	ProbeLimit int
	// FallbackLimit bounds the full-window fetch when keyword search is
	// deemed unsupported.
	FallbackLimit int
	// ThreadWindowDays is the maximum distance between a message and a
	// thread's last activity for subject-based matching.
	ThreadWindowDays int
	// ChainReferences enables In-Reply-To/References lookup before the
	// subject/time-window heuristic.
	ChainReferences bool
	// MaxConcurrentAccounts caps how many accounts are polled in parallel.
	MaxConcurrentAccounts int
	// PollIntervalSeconds enables the background poller when > 0.
	PollIntervalSeconds int
}

func NewConfig() (*Config, error) {
	env := os.Getenv("MAILFEED_ENV")
	if env == "" {
		env = "development"
	}

	if env == "development" {
		if err := godotenv.Load(); err != nil {
			fmt.Println("Warning: .env file not found, using environment variables")
		}
	}

	config := &Config{
		Environment:           env,
		EncryptionKeyBase64:   os.Getenv("MAILFEED_ENCRYPTION_KEY_BASE64"),
		DBHost:                getEnvOrDefault("MAILFEED_DB_HOST", "localhost"),
		DBPort:                getEnvOrDefault("MAILFEED_DB_PORT", "5432"),
		DBUsername:            getEnvOrDefault("MAILFEED_DB_USER", "mailfeed"),
		DBPassword:            os.Getenv("MAILFEED_DB_PASSWORD"),
		DBName:                getEnvOrDefault("MAILFEED_DB_NAME", "mailfeed"),
		DBSSLMode:             getEnvOrDefault("MAILFEED_DB_SSLMODE", "disable"),
		Port:                  getEnvOrDefault("PORT", "8080"),
		SyncFolders:           splitFolders(getEnvOrDefault("MAILFEED_SYNC_FOLDERS", "INBOX")),
		MarkerKeyword:         getEnvOrDefault("MAILFEED_MARKER_KEYWORD", "MF-Synced"),
		ProbeLimit:            getEnvIntOrDefault("MAILFEED_PROBE_LIMIT", 5),
		FallbackLimit:         getEnvIntOrDefault("MAILFEED_FALLBACK_LIMIT", 100),
		ThreadWindowDays:      getEnvIntOrDefault("MAILFEED_THREAD_WINDOW_DAYS", 30),
		ChainReferences:       getEnvBoolOrDefault("MAILFEED_CHAIN_REFERENCES", true),
		MaxConcurrentAccounts: getEnvIntOrDefault("MAILFEED_MAX_CONCURRENT_ACCOUNTS", 4),
		PollIntervalSeconds:   getEnvIntOrDefault("MAILFEED_POLL_INTERVAL_SECONDS", 0),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) Validate() error {
	if c.EncryptionKeyBase64 == "" {
		return fmt.Errorf("MAILFEED_ENCRYPTION_KEY_BASE64 is required")
	}

	if c.DBPassword == "" {
		return fmt.Errorf("MAILFEED_DB_PASSWORD is required")
	}

	if len(c.SyncFolders) == 0 {
		return fmt.Errorf("MAILFEED_SYNC_FOLDERS must name at least one folder")
	}

	if c.MarkerKeyword == "" {
		return fmt.Errorf("MAILFEED_MARKER_KEYWORD is required")
	}

	if c.ProbeLimit <= 0 || c.FallbackLimit <= 0 {
		return fmt.Errorf("probe and fallback limits must be positive")
	}

	if c.ThreadWindowDays <= 0 {
		return fmt.Errorf("MAILFEED_THREAD_WINDOW_DAYS must be positive")
	}

	return nil
}

func (c *Config) GetDatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUsername,
		c.DBPassword,
		c.DBHost,
		c.DBPort,
		c.DBName,
		c.DBSSLMode,
	)
}

func splitFolders(value string) []string {
	var folders []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			folders = append(folders, trimmed)
		}
	}
	return folders
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		fmt.Printf("Warning: %s is not a number, using default %d\n", key, defaultValue)
		return defaultValue
	}
	return parsed
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the configuration for the bridge, taken as an immutable
// snapshot at startup.
type Config struct {
	FTP     FTPConfig     `yaml:"ftp"`
	Ingest  IngestConfig  `yaml:"ingest"`
	Staging StagingConfig `yaml:"staging"`
	Journal JournalConfig `yaml:"journal"`
	Ops     OpsConfig     `yaml:"ops"`
	Logging LoggingConfig `yaml:"logging"`
}

// FTPConfig holds the control- and data-channel settings
type FTPConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	// PublicHost is the address advertised in PASV replies. When empty the
	// local address of the control connection is used.
	PublicHost     string `yaml:"public_host"`
	PassivePortMin int    `yaml:"passive_port_min"`
	PassivePortMax int    `yaml:"passive_port_max"`

	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	PasswordHash string `yaml:"password_hash"`

	AuthFailureLimit int           `yaml:"auth_failure_limit"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	TransferTimeout  time.Duration `yaml:"transfer_timeout"`
	MaxUploadBytes   int64         `yaml:"max_upload_bytes"`
	ShutdownGrace    time.Duration `yaml:"shutdown_grace"`

	// AllowForeignDataAddr relaxes the check that a PORT/EPRT target must
	// match the control connection's peer address.
	AllowForeignDataAddr bool `yaml:"allow_foreign_data_addr"`

	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`
}

// IngestConfig holds the Paperless ingestion settings
type IngestConfig struct {
	URL          string        `yaml:"url"`
	Token        string        `yaml:"token"`
	PollInterval time.Duration `yaml:"poll_interval"`
	PollTimeout  time.Duration `yaml:"poll_timeout"`
	MaxAttempts  int           `yaml:"max_attempts"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// StagingConfig holds temporary upload storage settings
type StagingConfig struct {
	Path string `yaml:"path"`
}

// JournalConfig holds the upload audit journal settings
type JournalConfig struct {
	Driver string `yaml:"driver"` // sqlite, postgres, off
	Path   string `yaml:"path"`   // sqlite file path
	DSN    string `yaml:"dsn"`    // postgres connection string
}

// OpsConfig holds the status HTTP endpoint settings
type OpsConfig struct {
	ListenAddr string `yaml:"listen_addr"` // empty disables the endpoint
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, text
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() *Config {
	portMin, portMax := getEnvPortRange("FTPBRIDGE_PASSIVE_PORTS", 2122, 2222)

	return &Config{
		FTP: FTPConfig{
			ListenAddr:           getEnv("FTPBRIDGE_LISTEN", "0.0.0.0:2121"),
			PublicHost:           getEnv("FTPBRIDGE_PUBLIC_HOST", ""),
			PassivePortMin:       portMin,
			PassivePortMax:       portMax,
			Username:             getEnv("FTPBRIDGE_USERNAME", ""),
			Password:             getEnv("FTPBRIDGE_PASSWORD", ""),
			PasswordHash:         getEnv("FTPBRIDGE_PASSWORD_HASH", ""),
			AuthFailureLimit:     getEnvInt("FTPBRIDGE_AUTH_FAILURE_LIMIT", 3),
			IdleTimeout:          getEnvDuration("FTPBRIDGE_IDLE_TIMEOUT", 5*time.Minute),
			TransferTimeout:      getEnvDuration("FTPBRIDGE_TRANSFER_TIMEOUT", 30*time.Second),
			MaxUploadBytes:       getEnvInt64("FTPBRIDGE_MAX_UPLOAD_BYTES", 512<<20),
			ShutdownGrace:        getEnvDuration("FTPBRIDGE_SHUTDOWN_GRACE", 30*time.Second),
			AllowForeignDataAddr: getEnvBool("FTPBRIDGE_ALLOW_FOREIGN_DATA_ADDR", false),
			TLSCertFile:          getEnv("FTPBRIDGE_TLS_CERT", ""),
			TLSKeyFile:           getEnv("FTPBRIDGE_TLS_KEY", ""),
		},
		Ingest: IngestConfig{
			URL:          getEnv("FTPBRIDGE_PAPERLESS_URL", ""),
			Token:        getEnv("FTPBRIDGE_PAPERLESS_TOKEN", ""),
			PollInterval: getEnvDuration("FTPBRIDGE_POLL_INTERVAL", time.Second),
			PollTimeout:  getEnvDuration("FTPBRIDGE_POLL_TIMEOUT", 10*time.Second),
			MaxAttempts:  getEnvInt("FTPBRIDGE_INGEST_MAX_ATTEMPTS", 3),
			RetryBackoff: getEnvDuration("FTPBRIDGE_INGEST_RETRY_BACKOFF", 500*time.Millisecond),
		},
		Staging: StagingConfig{
			Path: getEnv("FTPBRIDGE_STAGING_PATH", "./staging"),
		},
		Journal: JournalConfig{
			Driver: getEnv("FTPBRIDGE_JOURNAL_DRIVER", "sqlite"),
			Path:   getEnv("FTPBRIDGE_JOURNAL_PATH", "./ftpbridge.db"),
			DSN:    getEnv("FTPBRIDGE_JOURNAL_DSN", ""),
		},
		Ops: OpsConfig{
			ListenAddr: getEnv("FTPBRIDGE_OPS_LISTEN", ""),
		},
		Logging: LoggingConfig{
			Level:  getEnv("FTPBRIDGE_LOG_LEVEL", "info"),
			Format: getEnv("FTPBRIDGE_LOG_FORMAT", "json"),
		},
	}
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.FTP.ListenAddr); err != nil {
		return fmt.Errorf("invalid listen address %q: must be in IP:PORT form", c.FTP.ListenAddr)
	}
	if c.FTP.PassivePortMin < 1 || c.FTP.PassivePortMax > 65535 || c.FTP.PassivePortMin > c.FTP.PassivePortMax {
		return fmt.Errorf("invalid passive port range %d-%d", c.FTP.PassivePortMin, c.FTP.PassivePortMax)
	}
	if c.FTP.Username == "" {
		return fmt.Errorf("username must be set")
	}
	if c.FTP.Password == "" && c.FTP.PasswordHash == "" {
		return fmt.Errorf("one of password or password hash must be set")
	}
	if c.Ingest.URL == "" {
		return fmt.Errorf("paperless URL must be set")
	}
	if c.Ingest.Token == "" {
		return fmt.Errorf("paperless API token must be set")
	}
	if (c.FTP.TLSCertFile == "") != (c.FTP.TLSKeyFile == "") {
		return fmt.Errorf("TLS cert and key must be set together")
	}
	switch c.Journal.Driver {
	case "sqlite", "postgres", "off":
	default:
		return fmt.Errorf("unsupported journal driver: %s", c.Journal.Driver)
	}
	return nil
}

// ParsePortRange parses an inclusive port range in "2122-2222" form
func ParsePortRange(s string) (int, int, error) {
	parts := strings.Split(s, "-")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("wrong format for port range %q, should be like 2122-2222", s)
	}
	min, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("first number of port range can't be parsed: %w", err)
	}
	max, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, fmt.Errorf("second number of port range can't be parsed: %w", err)
	}
	if min < 1 || max > 65535 || min > max {
		return 0, 0, fmt.Errorf("port range %d-%d out of order or out of bounds", min, max)
	}
	return min, max, nil
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvPortRange(key string, defaultMin, defaultMax int) (int, int) {
	if value := os.Getenv(key); value != "" {
		if min, max, err := ParsePortRange(value); err == nil {
			return min, max
		}
	}
	return defaultMin, defaultMax
}

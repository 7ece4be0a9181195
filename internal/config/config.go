package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Sessions SessionsConfig `yaml:"sessions"`
	WhatsApp WhatsAppConfig `yaml:"whatsapp"`
	Logging  LoggingConfig  `yaml:"logging"`
	Journal  JournalConfig  `yaml:"journal"`
}

type ServerConfig struct {
	Listen       string `yaml:"listen"`
	Token        string `yaml:"token"`
	UserIDHeader string `yaml:"user_id_header"`
	UsernameHdr  string `yaml:"username_header"`
	// AllowedOrigins lists browser origins accepted on /ws. Empty accepts any.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type StorageConfig struct {
	DataDir    string `yaml:"data_dir"`
	WatchUsers bool   `yaml:"watch_users"`
}

type SessionsConfig struct {
	TeardownTimeoutMs int `yaml:"teardown_timeout_ms"`
	LogoutTimeoutMs   int `yaml:"logout_timeout_ms"`
}

type WhatsAppConfig struct {
	DeviceDB      string `yaml:"device_db"`
	HistoryDB     string `yaml:"history_db"`
	MessageLimit  int    `yaml:"message_limit"`
	LibraryLogLvl string `yaml:"library_log_level"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

func (c SessionsConfig) TeardownTimeout() time.Duration {
	return time.Duration(c.TeardownTimeoutMs) * time.Millisecond
}

func (c SessionsConfig) LogoutTimeout() time.Duration {
	return time.Duration(c.LogoutTimeoutMs) * time.Millisecond
}

// LoadConfig reads the YAML file at path, applies environment overrides and
// then fills defaults. A missing file is not an error; the daemon runs on
// defaults plus environment.
func LoadConfig(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadEnvFile loads KEY=VALUE pairs from a dotenv file into the process
// environment. Variables already set win over the file.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = "127.0.0.1:3000"
	}
	if cfg.Server.UserIDHeader == "" {
		cfg.Server.UserIDHeader = "X-User-Id"
	}
	if cfg.Server.UsernameHdr == "" {
		cfg.Server.UsernameHdr = "X-User-Name"
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "/var/lib/exportd"
	}
	if cfg.Sessions.TeardownTimeoutMs == 0 {
		cfg.Sessions.TeardownTimeoutMs = 30000
	}
	if cfg.Sessions.LogoutTimeoutMs == 0 {
		cfg.Sessions.LogoutTimeoutMs = 15000
	}
	if cfg.WhatsApp.DeviceDB == "" {
		cfg.WhatsApp.DeviceDB = "device.db"
	}
	if cfg.WhatsApp.HistoryDB == "" {
		cfg.WhatsApp.HistoryDB = "history.db"
	}
	if cfg.WhatsApp.MessageLimit == 0 {
		cfg.WhatsApp.MessageLimit = 100
	}
	if cfg.WhatsApp.LibraryLogLvl == "" {
		cfg.WhatsApp.LibraryLogLvl = "warn"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}
	if cfg.Journal.Dir == "" {
		cfg.Journal.Dir = cfg.Storage.DataDir + "/logs"
	}
}

func applyEnv(cfg *Config) error {
	// Optional environment overrides for secrets and deployment paths.
	if v := os.Getenv("EXPORTD_GATEWAY_TOKEN"); v != "" {
		cfg.Server.Token = v
	}
	if v := os.Getenv("EXPORTD_LISTEN"); v != "" {
		cfg.Server.Listen = v
	}
	if v := os.Getenv("EXPORTD_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("EXPORTD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("EXPORTD_JOURNAL"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid EXPORTD_JOURNAL %q: %w", v, err)
		}
		cfg.Journal.Enabled = enabled
	}
	return nil
}

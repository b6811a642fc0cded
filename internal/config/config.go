package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	Storage     StorageConfig             `json:"storage"`
	Rooms       RoomConfig                `json:"rooms"`
	Secrets     Secrets                   `json:"-"`
}

type BasicConfig struct {
	ServerAddress string `json:"server_address" env:"CHITTY_SERVER_ADDRESS"`
	Database      string `json:"database" env:"CHITTY_DB"`
	DatabaseDSN   string `json:"-" env:"CHITTY_DB_DSN"`
	LogLevel      string `json:"log_level" env:"CHITTY_LOG_LEVEL"`
	TrustProxy    bool   `json:"trust_proxy" env:"CHITTY_TRUST_PROXY"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Username string `json:"username"`
	Password string `json:"password"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled" env:"CHITTY_REDIS_ENABLED"`
	Host     string `json:"host" env:"CHITTY_REDIS_HOST"`
	Port     int    `json:"port" env:"CHITTY_REDIS_PORT"`
	Username string `json:"username" env:"CHITTY_REDIS_USERNAME"`
	Password string `json:"password" env:"CHITTY_REDIS_PASSWORD"`
	DB       int    `json:"db" env:"CHITTY_REDIS_DB"`
}

// StorageConfig selects the object store holding attachments and archives.
type StorageConfig struct {
	Driver           string `json:"driver" env:"CHITTY_STORAGE_DRIVER"`
	LocalDir         string `json:"local_dir" env:"CHITTY_STORAGE_LOCAL_DIR"`
	PublicBaseURL    string `json:"public_base_url" env:"CHITTY_STORAGE_PUBLIC_URL"`
	Endpoint         string `json:"endpoint" env:"CHITTY_S3_ENDPOINT"`
	Region           string `json:"region" env:"CHITTY_S3_REGION"`
	AccessKey        string `json:"-" env:"CHITTY_S3_ACCESS_KEY"`
	SecretKey        string `json:"-" env:"CHITTY_S3_SECRET_KEY"`
	UsePathStyle     bool   `json:"use_path_style" env:"CHITTY_S3_PATH_STYLE"`
	AttachmentBucket string `json:"attachment_bucket" env:"CHITTY_S3_ATTACHMENT_BUCKET"`
	ArchiveBucket    string `json:"archive_bucket" env:"CHITTY_S3_ARCHIVE_BUCKET"`
	UploadURLMinutes int    `json:"upload_url_minutes" env:"CHITTY_UPLOAD_URL_MINUTES"`
	DownloadURLHours int    `json:"download_url_hours" env:"CHITTY_DOWNLOAD_URL_HOURS"`
}

// RoomConfig tunes timers around the fixed 24h room lifetime.
type RoomConfig struct {
	AbandonMinutes          int `json:"abandon_minutes" env:"CHITTY_ABANDON_MINUTES"`
	ReaperIntervalSeconds   int `json:"reaper_interval_seconds" env:"CHITTY_REAPER_INTERVAL_SECONDS"`
	VerifyGraceSeconds      int `json:"verify_grace_seconds" env:"CHITTY_VERIFY_GRACE_SECONDS"`
	HostCredentialMinutes   int `json:"host_credential_minutes" env:"CHITTY_HOST_CREDENTIAL_MINUTES"`
	ParticipantCredentialHr int `json:"participant_credential_hours" env:"CHITTY_PARTICIPANT_CREDENTIAL_HOURS"`
}

// Secrets are only ever read from the environment.
type Secrets struct {
	MasterKey        string `env:"MASTER_KEY"`
	CredentialSecret string `env:"CHITTY_CREDENTIAL_SECRET"`
}

// Default returns a configuration suitable for a single local instance.
func Default() *Config {
	return &Config{
		BasicConfig: BasicConfig{
			ServerAddress: ":8090",
			Database:      "sqlite3",
			LogLevel:      "info",
		},
		Databases: map[string]DatabaseConfig{
			"sqlite3": {DSN: "data/chitty.db"},
		},
		Redis: RedisConfig{Host: "127.0.0.1", Port: 6379},
		Storage: StorageConfig{
			Driver:           "local",
			LocalDir:         "data/objects",
			AttachmentBucket: "chitty-attachments",
			ArchiveBucket:    "chitty-archives",
			UploadURLMinutes: 10,
			DownloadURLHours: 1,
		},
		Rooms: RoomConfig{
			AbandonMinutes:          10,
			ReaperIntervalSeconds:   60,
			VerifyGraceSeconds:      3,
			HostCredentialMinutes:   15,
			ParticipantCredentialHr: 25,
		},
	}
}

// Load reads configuration from the provided path (defaults to config.json),
// then applies environment overrides. A missing default file is not an error.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	cfg := Default()
	file, err := os.Open(absPath)
	switch {
	case err == nil:
		defer file.Close()
		if err := json.NewDecoder(file).Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
		absPath = ""
	default:
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.finalize(absPath); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) finalize(configPath string) error {
	driver := strings.ToLower(strings.TrimSpace(c.BasicConfig.Database))
	if driver == "" {
		driver = "sqlite3"
	}
	c.BasicConfig.Database = driver
	if c.Databases == nil {
		c.Databases = make(map[string]DatabaseConfig)
	}
	dbCfg := c.Databases[driver]
	if c.BasicConfig.DatabaseDSN != "" {
		dbCfg.DSN = c.BasicConfig.DatabaseDSN
	}
	if driver == "sqlite3" || driver == "sqlite" {
		if dbCfg.DSN == "" {
			return fmt.Errorf("databases.%s.dsn must be configured", driver)
		}
		dbCfg.DSN = resolveSQLitePath(dbCfg.DSN, configPath)
	}
	c.Databases[driver] = dbCfg

	switch strings.ToLower(c.Storage.Driver) {
	case "", "local":
		c.Storage.Driver = "local"
		if !filepath.IsAbs(c.Storage.LocalDir) && configPath != "" {
			c.Storage.LocalDir = filepath.Join(filepath.Dir(configPath), c.Storage.LocalDir)
		}
	case "s3", "minio":
		c.Storage.Driver = "s3"
		if c.Storage.AttachmentBucket == "" || c.Storage.ArchiveBucket == "" {
			return fmt.Errorf("storage buckets must be configured for s3")
		}
	default:
		return fmt.Errorf("unsupported storage driver: %s", c.Storage.Driver)
	}
	return nil
}

// resolveSQLitePath anchors relative file paths at the config file directory.
func resolveSQLitePath(dsn, configPath string) string {
	if configPath == "" || dsn == ":memory:" || strings.HasPrefix(dsn, "file:") || filepath.IsAbs(dsn) {
		return dsn
	}
	return filepath.Join(filepath.Dir(configPath), dsn)
}

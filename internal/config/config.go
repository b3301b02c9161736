package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	units "github.com/docker/go-units"
	"github.com/google/renameio"
)

const (
	DefaultAPIURL       = "http://127.0.0.1:7410"
	DefaultDBFileName   = "dedupstore.db"
	DefaultLogLevel     = "info"
	DefaultBackend      = BackendLocal
	DefaultHash         = "sha256"
	DefaultStateDirName = ".dedupstore"
	ConfigFileName      = "config.toml"

	DefaultMaxUploadSize      = "100MB"
	DefaultMultipartMaxMemory = "8MB"
	DefaultSmallFileThreshold = "10MB"

	BackendLocal = "local"
	BackendS3    = "s3"

	configDirEnvKey = "DEDUP_CONFIG_DIR"
)

// S3Config configures the S3 blob backend.
type S3Config struct {
	Region   string `toml:"region"`
	Bucket   string `toml:"bucket"`
	Prefix   string `toml:"prefix"`
	Endpoint string `toml:"endpoint"`
}

// StorageConfig defines where payloads live and how uploads are bounded.
type StorageConfig struct {
	Backend            string   `toml:"backend"`
	DataDir            string   `toml:"data_dir"`
	Hash               string   `toml:"hash"`
	MaxUploadSize      string   `toml:"max_upload_size"`
	MaxStoreSize       string   `toml:"max_store_size"`
	MultipartMaxMemory string   `toml:"multipart_max_memory"`
	ReconcileOnStart   bool     `toml:"reconcile_on_start"`
	S3                 S3Config `toml:"s3"`
}

// Config defines runtime configuration for dedupstore.
type Config struct {
	APIURL   string        `toml:"api_url"`
	DBPath   string        `toml:"db_path"`
	LogLevel string        `toml:"log_level"`
	Storage  StorageConfig `toml:"storage"`
}

// Default returns default configuration values.
func Default() Config {
	return Config{
		APIURL:   DefaultAPIURL,
		LogLevel: DefaultLogLevel,
		Storage: StorageConfig{
			Backend:            DefaultBackend,
			Hash:               DefaultHash,
			MaxUploadSize:      DefaultMaxUploadSize,
			MultipartMaxMemory: DefaultMultipartMaxMemory,
			ReconcileOnStart:   true,
		},
	}
}

func loadFile(path string, cfg *Config) error {
	_, err := loadFileIfExists(path, cfg)
	return err
}

func loadFileIfExists(path string, cfg *Config) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if info.IsDir() {
		return false, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return false, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return true, nil
}

// StateDir returns the directory holding the config file and default data.
func StateDir() (string, error) {
	if dir := strings.TrimSpace(os.Getenv(configDirEnvKey)); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, DefaultStateDirName), nil
}

// GlobalPath returns the path to the config file.
func GlobalPath() (string, error) {
	dir, err := StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, ConfigFileName), nil
}

var allowedKeys = []string{
	"api_url",
	"db_path",
	"log_level",
	"storage.backend",
	"storage.data_dir",
	"storage.hash",
	"storage.max_upload_size",
	"storage.max_store_size",
	"storage.multipart_max_memory",
	"storage.reconcile_on_start",
	"storage.s3.region",
	"storage.s3.bucket",
	"storage.s3.prefix",
	"storage.s3.endpoint",
}

// AllowedKeys returns the set of valid config keys.
func AllowedKeys() []string {
	return allowedKeys
}

// IsAllowedKey checks if a key is a valid config key.
func IsAllowedKey(key string) bool {
	for _, k := range allowedKeys {
		if k == key {
			return true
		}
	}
	return false
}

// Get returns the value of a config key.
func (c *Config) Get(key string) (string, error) {
	switch key {
	case "api_url":
		return c.APIURL, nil
	case "db_path":
		return c.DBPath, nil
	case "log_level":
		return c.LogLevel, nil
	case "storage.backend":
		return c.Storage.Backend, nil
	case "storage.data_dir":
		return c.Storage.DataDir, nil
	case "storage.hash":
		return c.Storage.Hash, nil
	case "storage.max_upload_size":
		return c.Storage.MaxUploadSize, nil
	case "storage.max_store_size":
		return c.Storage.MaxStoreSize, nil
	case "storage.multipart_max_memory":
		return c.Storage.MultipartMaxMemory, nil
	case "storage.reconcile_on_start":
		return strconv.FormatBool(c.Storage.ReconcileOnStart), nil
	case "storage.s3.region":
		return c.Storage.S3.Region, nil
	case "storage.s3.bucket":
		return c.Storage.S3.Bucket, nil
	case "storage.s3.prefix":
		return c.Storage.S3.Prefix, nil
	case "storage.s3.endpoint":
		return c.Storage.S3.Endpoint, nil
	default:
		return "", fmt.Errorf("unknown key: %s", key)
	}
}

// MaxUploadBytes returns the per-upload payload limit in bytes.
func (c *Config) MaxUploadBytes() (int64, error) {
	return parseSize("storage.max_upload_size", c.Storage.MaxUploadSize)
}

// MultipartMaxMemoryBytes returns the in-memory multipart buffer limit.
func (c *Config) MultipartMaxMemoryBytes() (int64, error) {
	return parseSize("storage.multipart_max_memory", c.Storage.MultipartMaxMemory)
}

// MaxStoreBytes returns the blob store capacity. Zero means unbounded.
func (c *Config) MaxStoreBytes() (int64, error) {
	if strings.TrimSpace(c.Storage.MaxStoreSize) == "" {
		return 0, nil
	}
	return parseSize("storage.max_store_size", c.Storage.MaxStoreSize)
}

// ParseSize parses a human size such as "10MB" or "512k" into bytes.
// Units are binary (1MB = 1024*1024).
func ParseSize(value string) (int64, error) {
	return parseSize("size", value)
}

func parseSize(key, value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, fmt.Errorf("%s must not be empty", key)
	}
	parsed, err := units.RAMInBytes(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return parsed, nil
}

// SetKey reads the TOML file at path, sets key=value, and atomically writes it back.
func SetKey(path, key, value string) error {
	if !IsAllowedKey(key) {
		return fmt.Errorf("unknown key: %s", key)
	}

	data := make(map[string]any)
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &data); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	}

	parsedValue, err := parseSetValue(key, value)
	if err != nil {
		return err
	}
	if err := setNestedKey(data, strings.Split(key, "."), parsedValue); err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(data); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return renameio.WriteFile(path, buf.Bytes(), 0o644)
}

// Load reads the config file and applies env overrides.
func Load() (*Config, error) {
	cfg := Default()

	path, err := GlobalPath()
	if err != nil {
		return nil, err
	}
	if err := loadFile(path, &cfg); err != nil {
		return nil, err
	}

	applyEnv(&cfg)

	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var envOverrides = []struct {
	key   string
	apply func(*Config, string)
}{
	{"DEDUP_API_URL", func(c *Config, v string) { c.APIURL = v }},
	{"DEDUP_DB", func(c *Config, v string) { c.DBPath = v }},
	{"DEDUP_LOG_LEVEL", func(c *Config, v string) { c.LogLevel = v }},
	{"DEDUP_DATA_DIR", func(c *Config, v string) { c.Storage.DataDir = v }},
	{"DEDUP_HASH", func(c *Config, v string) { c.Storage.Hash = v }},
	{"DEDUP_BACKEND", func(c *Config, v string) { c.Storage.Backend = v }},
	{"DEDUP_MAX_UPLOAD_SIZE", func(c *Config, v string) { c.Storage.MaxUploadSize = v }},
	{"DEDUP_MAX_STORE_SIZE", func(c *Config, v string) { c.Storage.MaxStoreSize = v }},
	{"DEDUP_S3_BUCKET", func(c *Config, v string) { c.Storage.S3.Bucket = v }},
	{"DEDUP_S3_REGION", func(c *Config, v string) { c.Storage.S3.Region = v }},
	{"DEDUP_S3_PREFIX", func(c *Config, v string) { c.Storage.S3.Prefix = v }},
	{"DEDUP_S3_ENDPOINT", func(c *Config, v string) { c.Storage.S3.Endpoint = v }},
	{"DEDUP_RECONCILE_ON_START", func(c *Config, v string) {
		if parsed, err := strconv.ParseBool(v); err == nil {
			c.Storage.ReconcileOnStart = parsed
		}
	}},
}

func applyEnv(cfg *Config) {
	for _, o := range envOverrides {
		if raw := strings.TrimSpace(os.Getenv(o.key)); raw != "" {
			o.apply(cfg, raw)
		}
	}
}

func (c *Config) normalize() error {
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = DefaultLogLevel
	}
	if strings.TrimSpace(c.APIURL) == "" {
		c.APIURL = DefaultAPIURL
	}
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	if c.Storage.Backend == "" {
		c.Storage.Backend = DefaultBackend
	}
	if c.Storage.Backend != BackendLocal && c.Storage.Backend != BackendS3 {
		return fmt.Errorf("storage.backend must be %q or %q, got %q", BackendLocal, BackendS3, c.Storage.Backend)
	}
	if c.Storage.Backend == BackendS3 && strings.TrimSpace(c.Storage.S3.Bucket) == "" {
		return fmt.Errorf("storage.s3.bucket is required for the s3 backend")
	}
	if strings.TrimSpace(c.Storage.Hash) == "" {
		c.Storage.Hash = DefaultHash
	}
	if strings.TrimSpace(c.Storage.MaxUploadSize) == "" {
		c.Storage.MaxUploadSize = DefaultMaxUploadSize
	}
	if strings.TrimSpace(c.Storage.MultipartMaxMemory) == "" {
		c.Storage.MultipartMaxMemory = DefaultMultipartMaxMemory
	}

	if c.Storage.DataDir == "" || c.DBPath == "" {
		stateDir, err := StateDir()
		if err != nil {
			return err
		}
		if c.Storage.DataDir == "" {
			c.Storage.DataDir = filepath.Join(stateDir, "data")
		}
		if c.DBPath == "" {
			c.DBPath = filepath.Join(stateDir, DefaultDBFileName)
		}
	}
	return nil
}

func parseSetValue(key, value string) (any, error) {
	value = strings.TrimSpace(value)
	switch key {
	case "storage.max_upload_size", "storage.multipart_max_memory":
		if _, err := parseSize(key, value); err != nil {
			return nil, err
		}
		return value, nil
	case "storage.max_store_size":
		if value == "" {
			return value, nil
		}
		if _, err := parseSize(key, value); err != nil {
			return nil, err
		}
		return value, nil
	case "storage.reconcile_on_start":
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("%s must be true or false", key)
		}
		return parsed, nil
	case "storage.backend":
		value = strings.ToLower(value)
		if value != BackendLocal && value != BackendS3 {
			return nil, fmt.Errorf("%s must be %q or %q", key, BackendLocal, BackendS3)
		}
		return value, nil
	default:
		return value, nil
	}
}

func setNestedKey(data map[string]any, parts []string, value any) error {
	if len(parts) == 0 {
		return fmt.Errorf("invalid config key")
	}
	if len(parts) == 1 {
		data[parts[0]] = value
		return nil
	}
	childRaw, ok := data[parts[0]]
	if !ok {
		child := map[string]any{}
		data[parts[0]] = child
		return setNestedKey(child, parts[1:], value)
	}
	child, ok := childRaw.(map[string]any)
	if !ok {
		return fmt.Errorf("cannot set nested key %q", strings.Join(parts, "."))
	}
	return setNestedKey(child, parts[1:], value)
}

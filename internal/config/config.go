package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml"
)

// Config holds all configuration for the NeDRex API server and worker.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Redis    RedisConfig    `toml:"redis"`
	Jobs     JobsConfig     `toml:"jobs"`
	Worker   WorkerConfig   `toml:"worker"`
	Tools    ToolsConfig    `toml:"tools"`
}

type ServerConfig struct {
	Port           int      `toml:"port"`
	Env            string   `toml:"env"`
	LogLevel       string   `toml:"log_level"`
	RequireAPIKeys bool     `toml:"require_api_keys"`
	AdminKey       string   `toml:"admin_key"`
	RateLimit      int      `toml:"rate_limit"`
	CORSOrigins    []string `toml:"cors_origins"`
	UploadMaxBytes int64    `toml:"upload_max_bytes"`
}

type DatabaseConfig struct {
	URL             string        `toml:"url"`
	MaxOpenConns    int           `toml:"max_open_conns"`
	MaxIdleConns    int           `toml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `toml:"-"`
}

type RedisConfig struct {
	URL string `toml:"url"`
}

// JobsConfig controls submission and queueing.
type JobsConfig struct {
	LockLease        time.Duration `toml:"-"`
	LockWait         time.Duration `toml:"-"`
	TaskTimeout      time.Duration `toml:"-"`
	WaitPollInterval time.Duration `toml:"-"`
	QueuePrefix      string        `toml:"queue_prefix"`
}

type WorkerConfig struct {
	Concurrency  int           `toml:"concurrency"`
	PollInterval time.Duration `toml:"-"`
	MetricsPort  int           `toml:"metrics_port"`
}

// ToolsConfig locates the external algorithm scripts and their inputs.
type ToolsConfig struct {
	ScriptsDir  string `toml:"scripts_dir"`
	DataDir     string `toml:"data_dir"`
	StaticDir   string `toml:"static_dir"`
	NetworkDir  string `toml:"network_dir"`
	Java        string `toml:"java"`
	Python      string `toml:"python"`
	BiconPython string `toml:"bicon_python"`
}

// durations are kept as strings in the TOML file and parsed after decoding.
type fileDurations struct {
	Database struct {
		ConnMaxLifetime string `toml:"conn_max_lifetime"`
	} `toml:"database"`
	Jobs struct {
		LockLease        string `toml:"lock_lease"`
		LockWait         string `toml:"lock_wait"`
		TaskTimeout      string `toml:"task_timeout"`
		WaitPollInterval string `toml:"wait_poll_interval"`
	} `toml:"jobs"`
	Worker struct {
		PollInterval string `toml:"poll_interval"`
	} `toml:"worker"`
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           8080,
			Env:            "development",
			LogLevel:       "info",
			RateLimit:      60,
			CORSOrigins:    []string{"*"},
			UploadMaxBytes: 100 << 20,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Jobs: JobsConfig{
			LockLease:        30 * time.Second,
			LockWait:         10 * time.Second,
			TaskTimeout:      24 * time.Hour,
			WaitPollInterval: 60 * time.Second,
			QueuePrefix:      "nedrex:jobs",
		},
		Worker: WorkerConfig{
			Concurrency:  2,
			PollInterval: 2 * time.Second,
			MetricsPort:  9090,
		},
		Tools: ToolsConfig{
			ScriptsDir:  "./scripts",
			DataDir:     "./data",
			StaticDir:   "./static",
			NetworkDir:  "./static/networks",
			Java:        "java",
			Python:      "python3",
			BiconPython: "python3",
		},
	}
}

// Load builds the configuration from defaults, the optional TOML file named
// by NEDREX_CONFIG, and environment variables, in increasing precedence. A
// .env file in the working directory is read into the environment first
// without overriding variables already set.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	_ = godotenv.Load()
	cfg := defaults()

	if path := os.Getenv("NEDREX_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	var d fileDurations
	if err := toml.Unmarshal(data, &d); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	for _, f := range []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"database.conn_max_lifetime", d.Database.ConnMaxLifetime, &c.Database.ConnMaxLifetime},
		{"jobs.lock_lease", d.Jobs.LockLease, &c.Jobs.LockLease},
		{"jobs.lock_wait", d.Jobs.LockWait, &c.Jobs.LockWait},
		{"jobs.task_timeout", d.Jobs.TaskTimeout, &c.Jobs.TaskTimeout},
		{"jobs.wait_poll_interval", d.Jobs.WaitPollInterval, &c.Jobs.WaitPollInterval},
		{"worker.poll_interval", d.Worker.PollInterval, &c.Worker.PollInterval},
	} {
		if f.raw == "" {
			continue
		}
		v, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("config file %s: %s: %w", path, f.key, err)
		}
		*f.dst = v
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Server.Port = envInt("NEDREX_PORT", c.Server.Port)
	c.Server.Env = envString("NEDREX_ENV", c.Server.Env)
	c.Server.LogLevel = strings.ToLower(envString("NEDREX_LOG_LEVEL", c.Server.LogLevel))
	c.Server.RequireAPIKeys = envBool("NEDREX_REQUIRE_API_KEYS", c.Server.RequireAPIKeys)
	c.Server.AdminKey = envString("NEDREX_ADMIN_KEY", c.Server.AdminKey)
	c.Server.RateLimit = envInt("NEDREX_RATE_LIMIT", c.Server.RateLimit)
	c.Server.CORSOrigins = envList("NEDREX_CORS_ORIGINS", c.Server.CORSOrigins)
	c.Server.UploadMaxBytes = int64(envInt("NEDREX_UPLOAD_MAX_BYTES", int(c.Server.UploadMaxBytes)))

	c.Database.URL = envString("DATABASE_URL", c.Database.URL)
	c.Database.MaxOpenConns = envInt("DATABASE_MAX_OPEN_CONNS", c.Database.MaxOpenConns)
	c.Database.MaxIdleConns = envInt("DATABASE_MAX_IDLE_CONNS", c.Database.MaxIdleConns)
	c.Database.ConnMaxLifetime = envDuration("DATABASE_CONN_MAX_LIFETIME", c.Database.ConnMaxLifetime)

	c.Redis.URL = envString("REDIS_URL", c.Redis.URL)

	c.Jobs.LockLease = envDuration("NEDREX_LOCK_LEASE", c.Jobs.LockLease)
	c.Jobs.LockWait = envDuration("NEDREX_LOCK_WAIT", c.Jobs.LockWait)
	c.Jobs.TaskTimeout = envDuration("NEDREX_TASK_TIMEOUT", c.Jobs.TaskTimeout)
	c.Jobs.WaitPollInterval = envDuration("NEDREX_WAIT_POLL_INTERVAL", c.Jobs.WaitPollInterval)
	c.Jobs.QueuePrefix = envString("NEDREX_QUEUE_PREFIX", c.Jobs.QueuePrefix)

	c.Worker.Concurrency = envInt("NEDREX_WORKER_CONCURRENCY", c.Worker.Concurrency)
	c.Worker.PollInterval = envDuration("NEDREX_WORKER_POLL_INTERVAL", c.Worker.PollInterval)
	c.Worker.MetricsPort = envInt("NEDREX_METRICS_PORT", c.Worker.MetricsPort)

	c.Tools.ScriptsDir = envString("NEDREX_SCRIPTS_DIR", c.Tools.ScriptsDir)
	c.Tools.DataDir = envString("NEDREX_DATA_DIR", c.Tools.DataDir)
	c.Tools.StaticDir = envString("NEDREX_STATIC_DIR", c.Tools.StaticDir)
	c.Tools.NetworkDir = envString("NEDREX_NETWORK_DIR", c.Tools.NetworkDir)
	c.Tools.Java = envString("NEDREX_JAVA_BIN", c.Tools.Java)
	c.Tools.Python = envString("NEDREX_PYTHON_BIN", c.Tools.Python)
	c.Tools.BiconPython = envString("NEDREX_BICON_PYTHON", c.Tools.BiconPython)
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if !strings.HasPrefix(c.Redis.URL, "redis://") && !strings.HasPrefix(c.Redis.URL, "rediss://") {
		return fmt.Errorf("REDIS_URL must start with redis:// or rediss://, got %q", c.Redis.URL)
	}

	if !validLogLevels[c.Server.LogLevel] {
		return fmt.Errorf("NEDREX_LOG_LEVEL must be one of debug, info, warn, error; got %q", c.Server.LogLevel)
	}

	if c.Server.RateLimit < 0 {
		return fmt.Errorf("NEDREX_RATE_LIMIT must not be negative, got %d", c.Server.RateLimit)
	}

	if c.Jobs.LockLease <= 0 {
		return fmt.Errorf("NEDREX_LOCK_LEASE must be positive, got %s", c.Jobs.LockLease)
	}
	if c.Jobs.LockWait <= 0 {
		return fmt.Errorf("NEDREX_LOCK_WAIT must be positive, got %s", c.Jobs.LockWait)
	}
	if c.Jobs.TaskTimeout < time.Second {
		return fmt.Errorf("NEDREX_TASK_TIMEOUT must be at least 1s, got %s", c.Jobs.TaskTimeout)
	}

	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("NEDREX_WORKER_CONCURRENCY must be at least 1, got %d", c.Worker.Concurrency)
	}
	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("NEDREX_WORKER_POLL_INTERVAL must be positive, got %s", c.Worker.PollInterval)
	}
	if c.Jobs.WaitPollInterval <= 0 {
		return fmt.Errorf("NEDREX_WAIT_POLL_INTERVAL must be positive, got %s", c.Jobs.WaitPollInterval)
	}

	return nil
}

// ValidateWorker checks the settings only the worker needs: the tool
// directories must exist before any task is claimed.
func (c *Config) ValidateWorker() error {
	for _, d := range []struct{ name, path string }{
		{"NEDREX_SCRIPTS_DIR", c.Tools.ScriptsDir},
		{"NEDREX_STATIC_DIR", c.Tools.StaticDir},
		{"NEDREX_NETWORK_DIR", c.Tools.NetworkDir},
	} {
		info, err := os.Stat(d.path)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("%s must be a directory, got %q", d.name, d.path)
		}
	}
	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// SlogLevel maps LogLevel to a slog level. validate has already rejected
// anything else.
func (c ServerConfig) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

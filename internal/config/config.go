package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"mailsync/internal/engine"
	"mailsync/internal/journal"
	"mailsync/internal/model"
	"mailsync/internal/remote"
	"mailsync/internal/service/incremental"
	"mailsync/internal/service/reconcile"
	"mailsync/internal/service/snooze"
	"mailsync/pkg/config"
	"mailsync/pkg/otel"
)

// 存储后端
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// 远端实现
const (
	RemoteGmail = "gmail"
	RemoteFake  = "fake"
)

type StoreConfig struct {
	Backend     string `yaml:"backend"`
	Path        string `yaml:"path"`         // file 后端
	RedisPrefix string `yaml:"redis_prefix"` // redis 后端
}

type RemoteConfig struct {
	Provider string             `yaml:"provider"`
	Gmail    remote.GmailConfig `yaml:"gmail"`
	Guard    remote.GuardConfig `yaml:"guard"`
}

type SyncConfig struct {
	Scope          model.Scope        `yaml:"scope"`
	Debounce       time.Duration      `yaml:"debounce"`
	SnoozeInterval time.Duration      `yaml:"snooze_interval"`
	Engine         engine.Config      `yaml:"engine"`
	Journal        journal.Config     `yaml:"journal"`
	Reconcile      reconcile.Config   `yaml:"reconcile"`
	Incremental    incremental.Config `yaml:"incremental"`
}

type FlusherConfig struct {
	Interval    time.Duration `yaml:"interval"`
	MaxAttempts int           `yaml:"max_attempts"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffMax  time.Duration `yaml:"backoff_max"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type Config struct {
	Store   StoreConfig         `yaml:"store"`
	DB      config.DBConfig     `yaml:"db"`
	Redis   config.RedisConfig  `yaml:"redis"`
	MQ      config.MQConfig     `yaml:"mq"`
	Remote  RemoteConfig        `yaml:"remote"`
	Sync    SyncConfig          `yaml:"sync"`
	Flusher FlusherConfig       `yaml:"flusher"`
	Server  config.ServerConfig `yaml:"server"`
	JWT     config.JWTConfig    `yaml:"jwt"`
	OTel    otel.Config         `yaml:"otel"`
	Log     LogConfig           `yaml:"log"`
}

// Defaults fills zero values.
func (c *Config) Defaults() {
	if c.Store.Backend == "" {
		c.Store.Backend = BackendMemory
	}
	if c.Store.Backend == BackendFile && c.Store.Path == "" {
		c.Store.Path = "mailsync.json"
	}
	if c.Store.RedisPrefix == "" {
		c.Store.RedisPrefix = "mailsync"
	}
	if c.Remote.Provider == "" {
		c.Remote.Provider = RemoteGmail
	}
	if c.Remote.Gmail.UserID == "" {
		c.Remote.Gmail.UserID = "me"
	}
	gd := remote.DefaultGuardConfig()
	if c.Remote.Guard.Timeout <= 0 {
		c.Remote.Guard.Timeout = gd.Timeout
	}
	if c.Remote.Guard.RatePerSecond <= 0 {
		c.Remote.Guard.RatePerSecond = gd.RatePerSecond
	}
	if c.Remote.Guard.Burst <= 0 {
		c.Remote.Guard.Burst = gd.Burst
	}
	if c.Sync.Scope.Name == "" {
		c.Sync.Scope = model.InboxScope
	}
	if c.Sync.Debounce <= 0 {
		c.Sync.Debounce = 55 * time.Second
	}
	ed := engine.DefaultConfig()
	if c.Sync.Engine.TickInterval <= 0 {
		c.Sync.Engine.TickInterval = ed.TickInterval
	}
	if c.Sync.SnoozeInterval <= 0 {
		c.Sync.SnoozeInterval = snooze.DefaultInterval
	}
	jd := journal.DefaultConfig()
	if c.Sync.Journal.ShortWindow <= 0 {
		c.Sync.Journal.ShortWindow = jd.ShortWindow
	}
	if c.Sync.Journal.LongWindow <= 0 {
		c.Sync.Journal.LongWindow = jd.LongWindow
	}
	if c.Sync.Journal.Retention <= 0 {
		c.Sync.Journal.Retention = jd.Retention
	}
	if c.Flusher.Interval <= 0 {
		c.Flusher.Interval = 5 * time.Second
	}
	if c.Flusher.MaxAttempts <= 0 {
		c.Flusher.MaxAttempts = 5
	}
	if c.Flusher.BackoffBase <= 0 {
		c.Flusher.BackoffBase = 2 * time.Second
	}
	if c.Flusher.BackoffMax <= 0 {
		c.Flusher.BackoffMax = 5 * time.Minute
	}
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.OTel.ServiceName == "" {
		c.OTel.ServiceName = "mailsync"
	}
}

// Validate 检查后端所需的配置
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory, BackendFile, BackendPostgres, BackendRedis:
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	switch c.Remote.Provider {
	case RemoteGmail:
		if c.Remote.Gmail.RefreshToken == "" {
			return fmt.Errorf("remote.gmail.refresh_token is required")
		}
	case RemoteFake:
	default:
		return fmt.Errorf("unknown remote provider %q", c.Remote.Provider)
	}
	if c.Sync.Journal.ShortWindow > c.Sync.Journal.LongWindow {
		return fmt.Errorf("sync.journal.short_window (%s) exceeds long_window (%s)", c.Sync.Journal.ShortWindow, c.Sync.Journal.LongWindow)
	}
	if c.Sync.Journal.Retention < c.Sync.Journal.LongWindow {
		return fmt.Errorf("sync.journal.retention (%s) is shorter than long_window (%s)", c.Sync.Journal.Retention, c.Sync.Journal.LongWindow)
	}
	return nil
}

// Load reads base.yaml ← <env>.yaml ← secrets.env ← environment variables.
func Load(env, dir string) (*Config, error) {
	cfgMap, err := config.LoadConfig(env, dir)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := config.Decode(cfgMap, &cfg); err != nil {
		return nil, err
	}

	// 环境变量覆盖（优先级最高）
	cfg.DB.OverrideFromEnv()
	cfg.MQ.OverrideFromEnv()
	cfg.Redis.OverrideFromEnv()
	cfg.JWT.OverrideFromEnv()
	cfg.Server.OverrideFromEnv()
	if backend := os.Getenv(config.EnvPrefix + "STORE_BACKEND"); backend != "" {
		cfg.Store.Backend = backend
	}
	if token := os.Getenv(config.EnvPrefix + "GMAIL_REFRESH_TOKEN"); token != "" {
		cfg.Remote.Gmail.RefreshToken = token
	}

	cfg.Defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// MustLoad 使用统一配置中心加载，失败直接退出
func MustLoad() *Config {
	env := config.GetConfigEnv()
	dir := config.GetEnv("CONFIG_DIR", "config")
	cfg, err := Load(env, dir)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	return cfg
}

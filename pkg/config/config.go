package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

// EnvPrefix 所有环境变量覆盖共用的前缀，例如 MAILSYNC_DB_HOST
const EnvPrefix = "MAILSYNC_"

// DBConfig postgres 存储后端的连接参数
type DBConfig struct {
	Host      string        `yaml:"host"`
	Port      int           `yaml:"port"`
	User      string        `yaml:"user"`
	Password  string        `yaml:"password"`
	Name      string        `yaml:"name"`
	SSLMode   string        `yaml:"sslmode"`
	MaxConns  int32         `yaml:"max_conns"`
	SlowQuery time.Duration `yaml:"slow_query"`
}

// DSN builds a postgres URL; the password is escaped.
func (c DBConfig) DSN() string {
	mode := c.SSLMode
	if mode == "" {
		mode = "disable"
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.Name,
		RawQuery: "sslmode=" + url.QueryEscape(mode),
	}
	return u.String()
}

// MQConfig 同步触发与事件发布用的 RabbitMQ
type MQConfig struct {
	URL     string `yaml:"url"`
	Enabled bool   `yaml:"enabled"`
}

// RedisConfig Redis 存储、跨进程防抖与重试计数共用
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// JWTConfig 为空 Secret 时管理接口不做鉴权
type JWTConfig struct {
	Secret string `yaml:"secret"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
}

func lookup(key string) (string, bool) {
	v := os.Getenv(EnvPrefix + key)
	return v, v != ""
}

// OverrideFromEnv applies MAILSYNC_DB_* variables.
func (c *DBConfig) OverrideFromEnv() {
	if v, ok := lookup("DB_HOST"); ok {
		c.Host = v
	}
	if v, ok := lookup("DB_PORT"); ok {
		if p, err := strconv.Atoi(v); err == nil {
			c.Port = p
		}
	}
	if v, ok := lookup("DB_USER"); ok {
		c.User = v
	}
	if v, ok := lookup("DB_PASSWORD"); ok {
		c.Password = v
	}
	if v, ok := lookup("DB_NAME"); ok {
		c.Name = v
	}
	if v, ok := lookup("DB_SSLMODE"); ok {
		c.SSLMode = v
	}
}

// OverrideFromEnv applies MAILSYNC_MQ_URL; setting it enables MQ.
func (c *MQConfig) OverrideFromEnv() {
	if v, ok := lookup("MQ_URL"); ok {
		c.URL = v
		c.Enabled = true
	}
}

func (c *RedisConfig) OverrideFromEnv() {
	if v, ok := lookup("REDIS_ADDR"); ok {
		c.Addr = v
	}
	if v, ok := lookup("REDIS_PASSWORD"); ok {
		c.Password = v
	}
	if v, ok := lookup("REDIS_DB"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.DB = n
		}
	}
}

func (c *JWTConfig) OverrideFromEnv() {
	if v, ok := lookup("JWT_SECRET"); ok {
		c.Secret = v
	}
}

func (c *ServerConfig) OverrideFromEnv() {
	if v, ok := lookup("SERVER_PORT"); ok {
		c.Port = v
	}
}

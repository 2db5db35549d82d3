package config

import (
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type GRPC struct {
	Addr string `yaml:"addr"`
}

type HTTP struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowedOrigins"`
	PostRate       float64  `yaml:"postRate"`  // сообщений в секунду на пользователя
	PostBurst      int      `yaml:"postBurst"`
}

type Logging struct {
	Env       string `yaml:"env"`       // dev|prod
	Service   string `yaml:"service"`   // watch-room
	Version   string `yaml:"version"`   // v0.1.0
	Backend   string `yaml:"backend"`   // std|zap
	AddSource bool   `yaml:"addSource"` // false|true
	Debug     bool   `yaml:"debug"`     // false|true
}

type Postgres struct {
	DSN             string `yaml:"dsn"`
	MaxConns        int32  `yaml:"maxConns"`
	ApplicationName string `yaml:"applicationName"`
}

type Redis struct {
	Addr       string `yaml:"addr"` // пусто — без кэша и без relay
	Password   string `yaml:"password"`
	DB         int    `yaml:"db"`
	ProfileTTL string `yaml:"profileTTL"` // "5m"
}

type Auth struct {
	JWTSecret string `yaml:"jwtSecret"` // HS256-секрет внешнего identity provider
	Issuer    string `yaml:"issuer"`
	Audience  string `yaml:"audience"`
	ClockSkew string `yaml:"clockSkew"` // "30s"
}

type Realtime struct {
	PingEvery    string `yaml:"pingEvery"` // "15s"
	MaxMessage   int    `yaml:"maxMessage"`
	InsertsTopic string `yaml:"insertsTopic"`
}

type Tracing struct {
	Endpoint string `yaml:"endpoint"` // OTLP/HTTP, пусто — выключен
}

type Config struct {
	HTTP     HTTP     `yaml:"http"`
	GRPC     GRPC     `yaml:"grpc"`
	Logging  Logging  `yaml:"logging"`
	Postgres Postgres `yaml:"postgres"`
	Redis    Redis    `yaml:"redis"`
	Auth     Auth     `yaml:"auth"`
	Realtime Realtime `yaml:"realtime"`
	Tracing  Tracing  `yaml:"tracing"`
}

func LoadConfig() (*Config, error) {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "./config/config.yaml"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.HTTP.Addr == "" {
		return errors.New("http.addr is required")
	}
	if c.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwtSecret is required")
	}
	// установка дефолтов, если значения не указаны
	if c.Logging.Service == "" {
		c.Logging.Service = "watch-room"
	}
	if c.Logging.Env == "" {
		c.Logging.Env = "dev"
	}
	if c.Logging.Version == "" {
		c.Logging.Version = "v0.1.0"
	}
	if c.Logging.Backend == "" {
		c.Logging.Backend = "std"
	}
	if c.HTTP.PostRate <= 0 {
		c.HTTP.PostRate = 2
	}
	if c.HTTP.PostBurst <= 0 {
		c.HTTP.PostBurst = 10
	}
	if c.Realtime.MaxMessage <= 0 {
		c.Realtime.MaxMessage = 4000
	}
	if c.Realtime.InsertsTopic == "" {
		c.Realtime.InsertsTopic = "room:*:inserts"
	}
	return nil
}

func (c *Config) ProfileTTL() time.Duration {
	return parseDurationOr(5*time.Minute, c.Redis.ProfileTTL)
}

func (c *Config) ClockSkew() time.Duration {
	return parseDurationOr(30*time.Second, c.Auth.ClockSkew)
}

func (c *Config) PingEvery() time.Duration {
	return parseDurationOr(15*time.Second, c.Realtime.PingEvery)
}

// helper для парсинга timeout-ов
func parseDurationOr(def time.Duration, s string) time.Duration {
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return def
}

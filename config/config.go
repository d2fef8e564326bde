package config

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/frewsxcv/ichnaea/database"
)

type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	HTTP      HTTPConfig      `yaml:"http"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DatabaseConfig: sem URI, a replica usa o próprio master (banco único).
type DatabaseConfig struct {
	Master  DBConfig `yaml:"master"`
	Replica DBConfig `yaml:"replica"`
}

// DBConfig descreve um papel do banco. Tempos em segundos.
type DBConfig struct {
	URI            string  `yaml:"uri"`
	PoolSize       int     `yaml:"pool_size"`
	PoolRecycle    int     `yaml:"pool_recycle"`
	PoolTimeout    int     `yaml:"pool_timeout"`
	Echo           bool    `yaml:"echo"`
	IsolationLevel string  `yaml:"isolation_level"`
	ProbeAttempts  int     `yaml:"probe_attempts"`
	ReconnectRate  float64 `yaml:"reconnect_rate"`
	ReconnectBurst int     `yaml:"reconnect_burst"`
}

// Database converte para database.Config.
func (c DBConfig) Database() database.Config {
	return database.Config{
		URI:            c.URI,
		PoolSize:       c.PoolSize,
		PoolRecycle:    time.Duration(c.PoolRecycle) * time.Second,
		PoolTimeout:    time.Duration(c.PoolTimeout) * time.Second,
		Echo:           c.Echo,
		IsolationLevel: c.IsolationLevel,
		ProbeAttempts:  c.ProbeAttempts,
		ReconnectRate:  c.ReconnectRate,
		ReconnectBurst: c.ReconnectBurst,
	}
}

type RedisConfig struct {
	Addr        string `yaml:"addr"`
	Password    string `yaml:"password"`
	DB          int    `yaml:"db"`
	DialTimeout int    `yaml:"dial_timeout"`
}

type RateLimitConfig struct {
	Enabled bool `yaml:"enabled"`
	// Store: "redis" (compartilhado entre instâncias) ou "memory".
	Store         string           `yaml:"store"`
	Prefix        string           `yaml:"prefix"`
	MaxRequests   int64            `yaml:"max_requests"`
	WindowSeconds int              `yaml:"window_seconds"`
	KeyLimits     map[string]int64 `yaml:"key_limits"`
	KeyParam      string           `yaml:"key_param"`
	KeyHeader     string           `yaml:"key_header"`
	TrustXFF      bool             `yaml:"trust_xff"`
	AddHeaders    bool             `yaml:"add_headers"`
	Stats         RateStatsConfig  `yaml:"stats"`
}

func (c RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

type RateStatsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Prefix     string `yaml:"prefix"`
	TTLSeconds int    `yaml:"ttl_seconds"`
	TrackKeys  bool   `yaml:"track_keys"`
}

type HTTPConfig struct {
	Listen   string             `yaml:"listen"`
	Timeouts HTTPTimeoutsConfig `yaml:"timeouts"`
}

// HTTPTimeoutsConfig em segundos.
type HTTPTimeoutsConfig struct {
	ReadHeader int `yaml:"read_header"`
	Read       int `yaml:"read"`
	Write      int `yaml:"write"`
	Idle       int `yaml:"idle"`
	Shutdown   int `yaml:"shutdown"`
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func (c HTTPTimeoutsConfig) ReadHeaderTimeout() time.Duration { return seconds(c.ReadHeader) }
func (c HTTPTimeoutsConfig) ReadTimeout() time.Duration       { return seconds(c.Read) }
func (c HTTPTimeoutsConfig) WriteTimeout() time.Duration      { return seconds(c.Write) }
func (c HTTPTimeoutsConfig) IdleTimeout() time.Duration       { return seconds(c.Idle) }
func (c HTTPTimeoutsConfig) ShutdownTimeout() time.Duration   { return seconds(c.Shutdown) }

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load lê o arquivo em `path` (opcional: vazio usa só padrões e ambiente), aplica
// os overrides ICHNAEA_* e valida.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "reading config file")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(err, "parsing config file")
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessage(err, "validating config")
	}
	return cfg, nil
}

func defaultDB() DBConfig {
	return DBConfig{
		PoolSize:       database.DefaultPoolSize,
		PoolRecycle:    int(database.DefaultPoolRecycle / time.Second),
		PoolTimeout:    int(database.DefaultCheckoutTimeout / time.Second),
		IsolationLevel: database.DefaultIsolationLevel,
		ProbeAttempts:  database.DefaultProbeAttempts,
		ReconnectRate:  10,
	}
}

func defaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Master:  defaultDB(),
			Replica: defaultDB(),
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			DialTimeout: 2,
		},
		RateLimit: RateLimitConfig{
			Enabled:       true,
			Store:         "redis",
			Prefix:        "apilimit",
			WindowSeconds: 86400,
			KeyParam:      "key",
			Stats: RateStatsConfig{
				Prefix:     "apilimit:stats",
				TTLSeconds: 8 * 86400,
			},
		},
		HTTP: HTTPConfig{
			Listen: ":7001",
			Timeouts: HTTPTimeoutsConfig{
				ReadHeader: 10,
				Read:       30,
				Write:      30,
				Idle:       90,
				Shutdown:   10,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	db := &cfg.Database
	db.Master.URI = getenvDefault("ICHNAEA_DB_MASTER_URI", db.Master.URI)
	db.Replica.URI = getenvDefault("ICHNAEA_DB_REPLICA_URI", db.Replica.URI)
	for _, role := range []*DBConfig{&db.Master, &db.Replica} {
		role.PoolSize = getenvIntDefault("ICHNAEA_DB_POOL_SIZE", role.PoolSize)
		role.PoolRecycle = getenvIntDefault("ICHNAEA_DB_POOL_RECYCLE", role.PoolRecycle)
		role.PoolTimeout = getenvIntDefault("ICHNAEA_DB_POOL_TIMEOUT", role.PoolTimeout)
		role.Echo = getenvBoolDefault("ICHNAEA_DB_ECHO", role.Echo)
		role.IsolationLevel = getenvDefault("ICHNAEA_DB_ISOLATION_LEVEL", role.IsolationLevel)
	}

	cfg.Redis.Addr = getenvDefault("ICHNAEA_REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getenvDefault("ICHNAEA_REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getenvIntDefault("ICHNAEA_REDIS_DB", cfg.Redis.DB)

	rl := &cfg.RateLimit
	rl.Enabled = getenvBoolDefault("ICHNAEA_RATE_ENABLED", rl.Enabled)
	rl.Store = getenvDefault("ICHNAEA_RATE_STORE", rl.Store)
	rl.MaxRequests = int64(getenvIntDefault("ICHNAEA_RATE_MAX_REQUESTS", int(rl.MaxRequests)))
	rl.WindowSeconds = getenvIntDefault("ICHNAEA_RATE_WINDOW_SECONDS", rl.WindowSeconds)
	rl.TrustXFF = getenvBoolDefault("ICHNAEA_RATE_TRUST_XFF", rl.TrustXFF)
	rl.Stats.Enabled = getenvBoolDefault("ICHNAEA_RATE_STATS_ENABLED", rl.Stats.Enabled)

	cfg.HTTP.Listen = getenvDefault("ICHNAEA_HTTP_LISTEN", cfg.HTTP.Listen)
	cfg.Logging.Level = getenvDefault("ICHNAEA_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getenvDefault("ICHNAEA_LOG_FORMAT", cfg.Logging.Format)
}

// Validate confere a configuração e reporta todos os problemas de uma vez.
func (c *Config) Validate() error {
	var errs []string

	if c.Database.Master.URI == "" {
		errs = append(errs, "database.master.uri is required (or ICHNAEA_DB_MASTER_URI)")
	}
	for name, role := range map[string]DBConfig{"master": c.Database.Master, "replica": c.Database.Replica} {
		if role.URI != "" {
			if _, err := database.ParseURI(role.URI); err != nil {
				errs = append(errs, "database."+name+".uri: "+err.Error())
			}
		}
		if role.PoolSize < 1 {
			errs = append(errs, "database."+name+".pool_size must be >= 1")
		}
		if role.PoolRecycle < 1 || role.PoolTimeout < 1 {
			errs = append(errs, "database."+name+".pool_recycle and pool_timeout must be >= 1")
		}
		if _, err := database.ParseIsolation(role.IsolationLevel); err != nil {
			errs = append(errs, "database."+name+".isolation_level: "+err.Error())
		}
	}

	rl := c.RateLimit
	if rl.Enabled {
		switch rl.Store {
		case "redis":
			if strings.TrimSpace(c.Redis.Addr) == "" {
				errs = append(errs, "redis.addr is required when rate_limit.store is redis")
			}
		case "memory":
		default:
			errs = append(errs, "rate_limit.store must be redis or memory")
		}
		if rl.MaxRequests < 0 {
			errs = append(errs, "rate_limit.max_requests must be >= 0")
		}
		if rl.WindowSeconds < 1 {
			errs = append(errs, "rate_limit.window_seconds must be >= 1")
		}
		if rl.Stats.Enabled && strings.TrimSpace(c.Redis.Addr) == "" {
			errs = append(errs, "redis.addr is required when rate_limit.stats.enabled is true")
		}
	}

	if c.HTTP.Listen == "" {
		errs = append(errs, "http.listen is required")
	}
	if _, err := log.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, "logging.level: "+err.Error())
	}
	switch c.Logging.Format {
	case "json", "text", "color":
	default:
		errs = append(errs, "logging.format must be json, text or color")
	}

	if len(errs) > 0 {
		return errors.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

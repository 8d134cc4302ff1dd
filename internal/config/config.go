// Package config loads queueflow settings from defaults, an optional config
// file and the environment.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/goatkit/queueflow/internal/database"
)

// EnvPrefix prefixes every environment override, e.g. QUEUEFLOW_STORE_DRIVER.
const EnvPrefix = "QUEUEFLOW"

// Store drivers.
const (
	DriverMemory = "memory"
	DriverMongo  = "mongo"
)

// Signal backends.
const (
	SignalStore = "store"
	SignalRedis = "redis"
)

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Signal    SignalConfig    `mapstructure:"signal"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ListenAddr returns Addr, or ":<port>" when no address is set.
func (s ServerConfig) ListenAddr() string {
	if s.Addr != "" {
		return s.Addr
	}
	return ":" + strconv.Itoa(s.Port)
}

type StoreConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	Database        string        `mapstructure:"database"`
	Collection      string        `mapstructure:"collection"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout"`
}

// IsSQL reports whether the store is one of the SQL drivers.
func (s StoreConfig) IsSQL() bool {
	return database.IsSQLDriver(s.Driver)
}

type SignalConfig struct {
	Backend string `mapstructure:"backend"`
}

type RedisConfig struct {
	URL    string `mapstructure:"url"`
	Stream string `mapstructure:"stream"`
}

type SchedulerConfig struct {
	Enabled              bool          `mapstructure:"enabled"`
	Location             string        `mapstructure:"location"`
	HousekeepingSchedule string        `mapstructure:"housekeeping_schedule"`
	StatsSchedule        string        `mapstructure:"stats_schedule"`
	MarkerRetention      time.Duration `mapstructure:"marker_retention"`
}

type RateLimitConfig struct {
	RequestsPerHour int `mapstructure:"requests_per_hour"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", "")
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("store.driver", "")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.database", "mydb")
	v.SetDefault("store.collection", "bookings")
	v.SetDefault("store.max_open_conns", 10)
	v.SetDefault("store.max_idle_conns", 5)
	v.SetDefault("store.conn_max_lifetime", "15m")
	v.SetDefault("store.dial_timeout", "10s")

	v.SetDefault("signal.backend", SignalStore)
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.stream", "queueflow.updates")

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.location", "UTC")
	v.SetDefault("scheduler.housekeeping_schedule", "0 3 * * *")
	v.SetDefault("scheduler.stats_schedule", "*/1 * * * *")
	v.SetDefault("scheduler.marker_retention", "24h")

	v.SetDefault("ratelimit.requests_per_hour", 1000)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// legacyEnv maps keys to the variable names the original deployment used.
var legacyEnv = map[string]string{
	"store.dsn":        "MONGO_URI",
	"store.database":   "DB_NAME",
	"store.collection": "COLL",
	"server.port":      "PORT",
	"redis.url":        "REDIS_URL",
}

// Load reads configuration. path may be empty, in which case only defaults
// and the environment apply.
func Load(path string) (*Config, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

// Watch reloads path whenever it changes on disk and hands the result to
// onChange. A reload that fails to decode or validate is passed as err and
// the previous configuration stays in effect.
func Watch(path string, onChange func(cfg *Config, err error)) error {
	if path == "" {
		return errors.New("config watch needs a config file")
	}
	v, err := newViper(path)
	if err != nil {
		return err
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		onChange(decode(v))
	})
	v.WatchConfig()
	return nil
}

func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}
	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	driver := strings.ToLower(strings.TrimSpace(c.Store.Driver))
	switch {
	case driver == "" && strings.HasPrefix(c.Store.DSN, "mongodb"):
		driver = DriverMongo
	case driver == "":
		driver = DriverMemory
	case driver == "mongodb":
		driver = DriverMongo
	}
	if database.IsSQLDriver(driver) {
		driver = database.NormalizeDriver(driver)
	}
	c.Store.Driver = driver
	c.Signal.Backend = strings.ToLower(strings.TrimSpace(c.Signal.Backend))
	c.Server.Mode = strings.ToLower(strings.TrimSpace(c.Server.Mode))
	c.Log.Level = strings.ToLower(c.Log.Level)
	c.Log.Format = strings.ToLower(c.Log.Format)
}

// Validate rejects unknown drivers and incomplete backend settings.
func (c *Config) Validate() error {
	var errs []error

	switch {
	case c.Store.Driver == DriverMemory:
	case c.Store.Driver == DriverMongo, c.Store.IsSQL():
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for driver %q", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}

	switch c.Signal.Backend {
	case SignalStore:
	case SignalRedis:
		if c.Redis.URL == "" {
			errs = append(errs, errors.New("redis.url is required for signal.backend redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown signal.backend %q", c.Signal.Backend))
	}

	if c.Server.Addr == "" && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Server.Mode {
	case "debug", "release", "test":
	default:
		errs = append(errs, fmt.Errorf("unknown server.mode %q", c.Server.Mode))
	}
	if c.Scheduler.MarkerRetention <= 0 {
		errs = append(errs, errors.New("scheduler.marker_retention must be positive"))
	}
	if _, err := time.LoadLocation(c.Scheduler.Location); err != nil {
		errs = append(errs, fmt.Errorf("scheduler.location: %w", err))
	}

	return errors.Join(errs...)
}

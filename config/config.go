// Package config loads the accelerator settings from an optional YAML file
// overlaid with QUERYCACHE_* environment variables.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"
)

// ErrInvalid marks every validation failure.
var ErrInvalid = errors.New("config: invalid")

// EnvPrefix is the prefix of every environment variable read by Load.
const EnvPrefix = "QUERYCACHE_"

// Duration is a time.Duration that also accepts days and weeks ("1d", "2w3h").
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return str2duration.String(time.Duration(d))
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := ParseDuration(node.Value)
	if err != nil {
		return errors.Wrapf(err, "line %d", node.Line)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// ParseDuration parses s with the extended duration syntax.
func ParseDuration(s string) (time.Duration, error) {
	return str2duration.ParseDuration(strings.TrimSpace(s))
}

type Redis struct {
	// URL is a redis:// URL. Empty runs the shared tier on the in-process fallback.
	URL            string   `yaml:"url"`
	Prefix         string   `yaml:"prefix"`
	Timeout        Duration `yaml:"timeout"`
	ScanCount      int64    `yaml:"scanCount"`
	HealthInterval Duration `yaml:"healthInterval"`
	Codec          string   `yaml:"codec"`
}

type Local struct {
	Capacity int      `yaml:"capacity"`
	Ceiling  Duration `yaml:"ceiling"`
}

type Breaker struct {
	MaxFailures int      `yaml:"maxFailures"`
	Cooldown    Duration `yaml:"cooldown"`
}

type Preheat struct {
	TTL         Duration `yaml:"ttl"`
	HotN        int      `yaml:"hotN"`
	Retention   Duration `yaml:"retention"`
	MaxRecords  int      `yaml:"maxRecords"`
	Concurrency int      `yaml:"concurrency"`
	// Interval between scheduled hot preheats. Zero disables the schedule.
	Interval Duration `yaml:"interval"`
}

type Invalidation struct {
	// Channel for broadcasts to peer processes. Empty disables broadcasting.
	Channel string `yaml:"channel"`
}

type Server struct {
	Listen string `yaml:"listen"`
}

type Telemetry struct {
	// OTLPEndpoint is the OTLP/HTTP traces endpoint. Empty disables export.
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	// AuthToken is sent as a bearer token to the OTLP endpoint.
	AuthToken   string `yaml:"authToken"`
	ServiceName string `yaml:"serviceName"`
}

// Config is the complete accelerator configuration.
type Config struct {
	DefaultTTL   Duration     `yaml:"defaultTTL"`
	LogLevel     string       `yaml:"logLevel"`
	Redis        Redis        `yaml:"redis"`
	Local        Local        `yaml:"local"`
	Breaker      Breaker      `yaml:"breaker"`
	Preheat      Preheat      `yaml:"preheat"`
	Invalidation Invalidation `yaml:"invalidation"`
	Server       Server       `yaml:"server"`
	Telemetry    Telemetry    `yaml:"telemetry"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DefaultTTL: Duration(5 * time.Minute),
		LogLevel:   "info",
		Redis: Redis{
			Prefix:         "qc",
			Timeout:        Duration(500 * time.Millisecond),
			ScanCount:      100,
			HealthInterval: Duration(5 * time.Second),
			Codec:          "json",
		},
		Local: Local{
			Capacity: 500,
			Ceiling:  Duration(time.Minute),
		},
		Breaker: Breaker{
			MaxFailures: 5,
			Cooldown:    Duration(5 * time.Second),
		},
		Preheat: Preheat{
			TTL:         Duration(5 * time.Minute),
			HotN:        20,
			Retention:   Duration(time.Hour),
			MaxRecords:  1000,
			Concurrency: 4,
		},
		Invalidation: Invalidation{Channel: "querycache:invalidate"},
		Server:       Server{Listen: ":8080"},
		Telemetry:    Telemetry{ServiceName: "querycache"},
	}
}

// Load returns the defaults overlaid with the YAML file at path (if path
// is not empty) and then with the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		buf, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.Wrapf(err, "read %s", path)
		}
		if err := yaml.Unmarshal(buf, &cfg); err != nil {
			return cfg, errors.Wrapf(err, "parse %s", path)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// ApplyEnv overlays values from lookup, which is normally os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs error
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = errors.CombineErrors(errs, errors.Wrapf(err, "%s%s", EnvPrefix, name))
				return
			}
			*dst = n
		}
	}
	integer64 := func(name string, dst *int64) {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				errs = errors.CombineErrors(errs, errors.Wrapf(err, "%s%s", EnvPrefix, name))
				return
			}
			*dst = n
		}
	}
	duration := func(name string, dst *Duration) {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := ParseDuration(v)
			if err != nil {
				errs = errors.CombineErrors(errs, errors.Wrapf(err, "%s%s", EnvPrefix, name))
				return
			}
			*dst = Duration(d)
		}
	}

	duration("DEFAULT_TTL", &c.DefaultTTL)
	str("LOG_LEVEL", &c.LogLevel)
	str("REDIS_URL", &c.Redis.URL)
	str("REDIS_PREFIX", &c.Redis.Prefix)
	duration("REDIS_TIMEOUT", &c.Redis.Timeout)
	integer64("REDIS_SCAN_COUNT", &c.Redis.ScanCount)
	duration("REDIS_HEALTH_INTERVAL", &c.Redis.HealthInterval)
	str("CODEC", &c.Redis.Codec)
	integer("LOCAL_CAPACITY", &c.Local.Capacity)
	duration("LOCAL_CEILING", &c.Local.Ceiling)
	integer("BREAKER_MAX_FAILURES", &c.Breaker.MaxFailures)
	duration("BREAKER_COOLDOWN", &c.Breaker.Cooldown)
	duration("PREHEAT_TTL", &c.Preheat.TTL)
	integer("PREHEAT_HOT_N", &c.Preheat.HotN)
	duration("PREHEAT_RETENTION", &c.Preheat.Retention)
	integer("PREHEAT_MAX_RECORDS", &c.Preheat.MaxRecords)
	integer("PREHEAT_CONCURRENCY", &c.Preheat.Concurrency)
	duration("PREHEAT_INTERVAL", &c.Preheat.Interval)
	str("INVALIDATION_CHANNEL", &c.Invalidation.Channel)
	str("LISTEN", &c.Server.Listen)
	str("OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint)
	str("OTLP_AUTH_TOKEN", &c.Telemetry.AuthToken)
	str("SERVICE_NAME", &c.Telemetry.ServiceName)
	return errs
}

// Validate reports every setting that cannot work.
func (c Config) Validate() error {
	var errs error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = errors.CombineErrors(errs, errors.Mark(errors.Newf(format, args...), ErrInvalid))
		}
	}
	check(c.DefaultTTL > 0, "defaultTTL must be positive, got %s", c.DefaultTTL)
	check(c.Local.Capacity > 0, "local.capacity must be positive, got %d", c.Local.Capacity)
	check(c.Local.Ceiling > 0, "local.ceiling must be positive, got %s", c.Local.Ceiling)
	check(c.Redis.Timeout > 0, "redis.timeout must be positive, got %s", c.Redis.Timeout)
	check(c.Redis.ScanCount > 0, "redis.scanCount must be positive, got %d", c.Redis.ScanCount)
	check(c.Redis.HealthInterval >= 0, "redis.healthInterval must not be negative")
	check(c.Breaker.MaxFailures > 0, "breaker.maxFailures must be positive, got %d", c.Breaker.MaxFailures)
	check(c.Breaker.Cooldown > 0, "breaker.cooldown must be positive, got %s", c.Breaker.Cooldown)
	check(c.Preheat.TTL > 0, "preheat.ttl must be positive, got %s", c.Preheat.TTL)
	check(c.Preheat.HotN > 0, "preheat.hotN must be positive, got %d", c.Preheat.HotN)
	check(c.Preheat.Retention > 0, "preheat.retention must be positive, got %s", c.Preheat.Retention)
	check(c.Preheat.MaxRecords > 0, "preheat.maxRecords must be positive, got %d", c.Preheat.MaxRecords)
	check(c.Preheat.Concurrency > 0, "preheat.concurrency must be positive, got %d", c.Preheat.Concurrency)
	check(c.Preheat.Interval >= 0, "preheat.interval must not be negative")
	switch strings.ToLower(c.Redis.Codec) {
	case "", "json", "msgpack":
	default:
		check(false, "redis.codec must be json or msgpack, got %q", c.Redis.Codec)
	}
	return errs
}

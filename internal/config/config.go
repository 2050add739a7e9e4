package config

import (
	"fmt"
	"net"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "QUERYD"

// Config is the immutable set of process-start settings of a backend node.
type Config struct {
	NodeName string `mapstructure:"node_name" validate:"required" yaml:"node_name"`

	// UseExternalMembershipService selects dynamic cluster membership through
	// the serf based membership service. When false the scheduler only knows
	// about ListenAddress.
	UseExternalMembershipService bool `mapstructure:"use_statestore" yaml:"use_statestore"`

	// EnableDebugWebServer starts the debug webserver during StartServices.
	EnableDebugWebServer bool `mapstructure:"enable_webserver" yaml:"enable_webserver"`

	// ListenAddress is the backend service address. Only consumed in static mode.
	ListenAddress ListenAddress `mapstructure:"listen" yaml:"listen"`

	Membership MembershipConfig `mapstructure:"membership" yaml:"membership"`
	WebServer  WebServerConfig  `mapstructure:"webserver" yaml:"webserver"`
	DiskIO     DiskIOConfig     `mapstructure:"disk_io" yaml:"disk_io"`
	TableCache TableCacheConfig `mapstructure:"table_cache" yaml:"table_cache"`
	FsCache    FsCacheConfig    `mapstructure:"fs_cache" yaml:"fs_cache"`
	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging"`
}

type ListenAddress struct {
	Host string `mapstructure:"host" validate:"required" yaml:"host"`
	Port int    `mapstructure:"port" validate:"min=1,max=65535" yaml:"port"`
}

func (a ListenAddress) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

type MembershipConfig struct {
	// BindAddr is the gossip address (host:port) of the local serf agent.
	BindAddr string `mapstructure:"bind_addr" validate:"required,hostname_port" yaml:"bind_addr"`
	// SeedAddresses are existing members to join on start.
	SeedAddresses []string `mapstructure:"seed_addresses" validate:"dive,hostname_port" yaml:"seed_addresses"`
	// ServiceID is the service identity backends advertise and the scheduler subscribes to.
	ServiceID string `mapstructure:"service_id" validate:"required" yaml:"service_id"`
}

type WebServerConfig struct {
	Host         string        `mapstructure:"host" yaml:"host"`
	Port         int           `mapstructure:"port" validate:"min=0,max=65535" yaml:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
}

func (c WebServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

type DiskIOConfig struct {
	// Dirs lists one data directory per disk.
	Dirs           []string `mapstructure:"dirs" validate:"min=1,dive,required" yaml:"dirs"`
	ThreadsPerDisk int      `mapstructure:"threads_per_disk" validate:"min=1" yaml:"threads_per_disk"`
	// MaxOutstanding bounds in-flight read requests across all disks.
	MaxOutstanding int `mapstructure:"max_outstanding" validate:"min=1" yaml:"max_outstanding"`
}

type TableCacheConfig struct {
	Dir string `mapstructure:"dir" validate:"required" yaml:"dir"`
}

type FsCacheConfig struct {
	S3Region   string `mapstructure:"s3_region" yaml:"s3_region"`
	S3Endpoint string `mapstructure:"s3_endpoint" yaml:"s3_endpoint"`
	// Static credentials; the default AWS credential chain is used when empty.
	S3AccessKeyID     string `mapstructure:"s3_access_key_id" yaml:"s3_access_key_id"`
	S3SecretAccessKey string `json:"-" mapstructure:"s3_secret_access_key" yaml:"s3_secret_access_key"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=DEBUG INFO WARN ERROR" yaml:"level"`
	Format string `mapstructure:"format" validate:"oneof=json console" yaml:"format"`
}

// flagKeys maps config keys to the command line flags that override them.
var flagKeys = map[string]string{
	"use_statestore":            "use-statestore",
	"enable_webserver":          "enable-webserver",
	"listen.host":               "ipaddress",
	"listen.port":               "be-port",
	"node_name":                 "node-name",
	"membership.bind_addr":      "membership-bind",
	"membership.seed_addresses": "membership-seeds",
	"webserver.port":            "webserver-port",
	"disk_io.dirs":              "disk-dirs",
	"logging.level":             "log-level",
}

// Load reads configuration from defaults, an optional file, QUERYD_* environment
// variables and the given flags, in increasing order of precedence.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if flags != nil {
		for key, name := range flagKeys {
			f := flags.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return Config{}, fmt.Errorf("failed to bind flag %q: %w", name, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHooks())); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return Config{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults are plain values; decoding them cannot fail.
	_ = v.Unmarshal(&cfg, viper.DecodeHook(decodeHooks()))
	ApplyDefaults(&cfg)
	return cfg
}

func setDefaults(v *viper.Viper) {
	// Keys without a default are invisible to AutomaticEnv when unmarshalling.
	v.SetDefault("node_name", "")
	v.SetDefault("use_statestore", true)
	v.SetDefault("enable_webserver", true)
	v.SetDefault("listen.host", "127.0.0.1")
	v.SetDefault("listen.port", 22000)
	v.SetDefault("membership.bind_addr", "0.0.0.0:7946")
	v.SetDefault("membership.seed_addresses", []string{})
	v.SetDefault("membership.service_id", "queryd-backend")
	v.SetDefault("webserver.host", "")
	v.SetDefault("webserver.port", 25000)
	v.SetDefault("webserver.read_timeout", "10s")
	v.SetDefault("webserver.write_timeout", "10s")
	v.SetDefault("webserver.idle_timeout", "60s")
	v.SetDefault("disk_io.dirs", []string{os.TempDir()})
	v.SetDefault("disk_io.threads_per_disk", 1)
	v.SetDefault("disk_io.max_outstanding", 64)
	v.SetDefault("table_cache.dir", "")
	v.SetDefault("fs_cache.s3_region", "us-east-1")
	v.SetDefault("fs_cache.s3_endpoint", "")
	v.SetDefault("fs_cache.s3_access_key_id", "")
	v.SetDefault("fs_cache.s3_secret_access_key", "")
	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.format", "json")
}

// ApplyDefaults fills values whose default depends on the host.
func ApplyDefaults(cfg *Config) {
	if cfg.NodeName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "queryd"
		}
		cfg.NodeName = hostname
	}
	if cfg.TableCache.Dir == "" {
		cfg.TableCache.Dir = os.TempDir() + string(os.PathSeparator) + "queryd-tables"
	}
	cfg.Logging.Level = strings.ToUpper(cfg.Logging.Level)
}

var validate = validator.New()

// Validate checks struct constraints on the configuration.
func Validate(cfg *Config) error {
	return validate.Struct(cfg)
}

func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

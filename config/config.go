package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/zalando/reqcount"
	"github.com/zalando/reqcount/callout"
	"github.com/zalando/reqcount/counter"
	"github.com/zalando/reqcount/net"
)

type Config struct {
	ConfigFile string
	Flags      *flag.FlagSet

	// generic:
	Address           string `yaml:"address"`
	Backend           string `yaml:"backend"`
	SupportListener   string `yaml:"support-listener"`
	ProxyPreserveHost bool   `yaml:"proxy-preserve-host"`

	// logging, metrics:
	ApplicationLogLevel       log.Level `yaml:"-"`
	ApplicationLogLevelString string    `yaml:"application-log-level"`
	ApplicationLogPrefix      string    `yaml:"application-log-prefix"`
	ApplicationLogJSONEnabled bool      `yaml:"application-log-json-enabled"`
	MetricsPrefix             string    `yaml:"metrics-prefix"`
	EnableRuntimeMetrics      bool      `yaml:"enable-runtime-metrics"`

	// shared store and queues:
	SharedBackend          string        `yaml:"shared-backend"`
	SwarmRedisURLs         *listFlag     `yaml:"swarm-redis-urls"`
	SwarmRedisPassword     string        `yaml:"swarm-redis-password"`
	SwarmRedisDialTimeout  time.Duration `yaml:"swarm-redis-dial-timeout"`
	SwarmRedisReadTimeout  time.Duration `yaml:"swarm-redis-read-timeout"`
	SwarmRedisWriteTimeout time.Duration `yaml:"swarm-redis-write-timeout"`
	SwarmRedisPoolTimeout  time.Duration `yaml:"swarm-redis-pool-timeout"`
	SwarmValkeyURLs        *listFlag     `yaml:"swarm-valkey-urls"`
	SwarmValkeyPassword    string        `yaml:"swarm-valkey-password"`

	// outbound calls:
	Upstreams      *mapFlags     `yaml:"upstream"`
	CalloutTimeout time.Duration `yaml:"callout-timeout"`

	// counter updates:
	CASMaxAttempts     uint          `yaml:"cas-max-attempts"`
	CASInitialInterval time.Duration `yaml:"cas-initial-interval"`
	CASMaxInterval     time.Duration `yaml:"cas-max-interval"`

	// plugin configuration documents:
	FilterConfigFile  string `yaml:"filter-config"`
	ServiceConfigFile string `yaml:"service-config"`
	FilterConfig      []byte `yaml:"-"`
	ServiceConfig     []byte `yaml:"-"`
}

const (
	defaultApplicationLogLevel = "INFO"

	redisPasswordEnv  = "SWARM_REDIS_PASSWORD"
	valkeyPasswordEnv = "SWARM_VALKEY_PASSWORD"
)

func NewConfig() *Config {
	cfg := new(Config)
	cfg.SwarmRedisURLs = commaListFlag()
	cfg.SwarmValkeyURLs = commaListFlag()
	cfg.Upstreams = newMapFlags()

	flag := flag.NewFlagSet("", flag.ExitOnError)
	flag.StringVar(&cfg.ConfigFile, "config-file", "", "if provided the flags will be loaded/overwritten by the values on the file (yaml)")

	// generic:
	flag.StringVar(&cfg.Address, "address", ":9090", "network address that the proxy should listen on")
	flag.StringVar(&cfg.Backend, "backend", "http://127.0.0.1:8080", "URL of the service behind the proxy")
	flag.StringVar(&cfg.SupportListener, "support-listener", ":9911", "network address used for exposing the /metrics and /healthz endpoints. An empty value disables support endpoint.")
	flag.BoolVar(&cfg.ProxyPreserveHost, "proxy-preserve-host", false, "flag indicating to preserve the incoming request 'Host' header in the outgoing requests")

	// logging, metrics:
	flag.StringVar(&cfg.ApplicationLogLevelString, "application-log-level", defaultApplicationLogLevel, "log level for application logs, possible values: PANIC, FATAL, ERROR, WARN, INFO, DEBUG")
	flag.StringVar(&cfg.ApplicationLogPrefix, "application-log-prefix", "[APP]", "prefix for each log entry")
	flag.BoolVar(&cfg.ApplicationLogJSONEnabled, "application-log-json-enabled", false, "when this flag is set, log in JSON format is used")
	flag.StringVar(&cfg.MetricsPrefix, "metrics-prefix", "", "allows setting a custom namespace for the metrics, defaults to reqcount")
	flag.BoolVar(&cfg.EnableRuntimeMetrics, "enable-runtime-metrics", false, "enables collection of Go runtime and process metrics")

	// shared store and queues:
	flag.StringVar(&cfg.SharedBackend, "shared-backend", reqcount.MemoryBackend, "backend of the shared counters and queues, possible values: memory, redis, valkey")
	flag.Var(cfg.SwarmRedisURLs, "swarm-redis-urls", "Redis URLs as comma separated list, used by the redis shared backend.\nUse "+redisPasswordEnv+" environment variable or 'swarm-redis-password' key in config file to set redis password")
	flag.DurationVar(&cfg.SwarmRedisDialTimeout, "swarm-redis-dial-timeout", net.DefaultDialTimeout, "set redis client dial timeout")
	flag.DurationVar(&cfg.SwarmRedisReadTimeout, "swarm-redis-read-timeout", net.DefaultReadTimeout, "set redis socket read timeout")
	flag.DurationVar(&cfg.SwarmRedisWriteTimeout, "swarm-redis-write-timeout", net.DefaultWriteTimeout, "set redis socket write timeout")
	flag.DurationVar(&cfg.SwarmRedisPoolTimeout, "swarm-redis-pool-timeout", net.DefaultPoolTimeout, "set redis get connection from pool timeout")
	flag.Var(cfg.SwarmValkeyURLs, "swarm-valkey-urls", "Valkey URLs as comma separated list, used by the valkey shared backend.\nUse "+valkeyPasswordEnv+" environment variable or 'swarm-valkey-password' key in config file to set valkey password")

	// outbound calls:
	flag.Var(cfg.Upstreams, "upstream", "upstreams of the outbound calls as comma separated name=url pairs, e.g. httpbin=https://httpbin.org")
	flag.DurationVar(&cfg.CalloutTimeout, "callout-timeout", callout.DefaultTimeout, "default timeout of the outbound calls")

	// counter updates:
	flag.UintVar(&cfg.CASMaxAttempts, "cas-max-attempts", counter.DefaultMaxAttempts, "maximum read-modify-write attempts of a counter update")
	flag.DurationVar(&cfg.CASInitialInterval, "cas-initial-interval", counter.DefaultInitialInterval, "initial backoff interval between conflicting counter updates")
	flag.DurationVar(&cfg.CASMaxInterval, "cas-max-interval", counter.DefaultMaxInterval, "maximum backoff interval between conflicting counter updates")

	// plugin configuration documents:
	flag.StringVar(&cfg.FilterConfigFile, "filter-config", "", "path of the JSON or YAML configuration of the requestCounter filter")
	flag.StringVar(&cfg.ServiceConfigFile, "service-config", "", "path of the JSON or YAML configuration of the counting service")

	cfg.Flags = flag
	return cfg
}

func validate(c *Config) error {
	if _, err := log.ParseLevel(c.ApplicationLogLevelString); err != nil {
		return err
	}

	switch c.SharedBackend {
	case reqcount.MemoryBackend:
	case reqcount.RedisBackend:
		if len(c.SwarmRedisURLs.values) == 0 {
			return fmt.Errorf("shared backend redis requires swarm-redis-urls")
		}
	case reqcount.ValkeyBackend:
		if len(c.SwarmValkeyURLs.values) == 0 {
			return fmt.Errorf("shared backend valkey requires swarm-valkey-urls")
		}
	default:
		return fmt.Errorf("invalid shared backend: %q", c.SharedBackend)
	}

	if c.FilterConfigFile == "" {
		return fmt.Errorf("missing filter-config")
	}

	if c.ServiceConfigFile == "" {
		return fmt.Errorf("missing service-config")
	}

	if c.CASMaxAttempts == 0 {
		return fmt.Errorf("cas-max-attempts must be positive")
	}

	return nil
}

func (c *Config) Parse() error {
	return c.ParseArgs(os.Args[0], os.Args[1:])
}

func (c *Config) ParseArgs(progname string, args []string) error {
	c.Flags.Init(progname, flag.ExitOnError)
	err := c.Flags.Parse(args)
	if err != nil {
		return err
	}

	// check if arguments were correctly parsed.
	if len(c.Flags.Args()) != 0 {
		return fmt.Errorf("invalid arguments: %s", c.Flags.Args())
	}

	if c.ConfigFile != "" {
		yamlFile, err := os.ReadFile(c.ConfigFile)
		if err != nil {
			return fmt.Errorf("invalid config file: %w", err)
		}

		err = yaml.Unmarshal(yamlFile, c)
		if err != nil {
			return fmt.Errorf("unmarshalling config file error: %w", err)
		}

		err = c.Flags.Parse(args)
		if err != nil {
			return err
		}
	}

	if err := validate(c); err != nil {
		return err
	}

	c.ApplicationLogLevel, _ = log.ParseLevel(c.ApplicationLogLevelString)

	if c.FilterConfig, err = os.ReadFile(c.FilterConfigFile); err != nil {
		return fmt.Errorf("invalid filter config: %w", err)
	}

	if c.ServiceConfig, err = os.ReadFile(c.ServiceConfigFile); err != nil {
		return fmt.Errorf("invalid service config: %w", err)
	}

	c.parseEnv()
	return nil
}

func (c *Config) ToOptions() reqcount.Options {
	return reqcount.Options{
		Address:           c.Address,
		Backend:           c.Backend,
		SupportListener:   c.SupportListener,
		ProxyPreserveHost: c.ProxyPreserveHost,

		ApplicationLogLevel:       c.ApplicationLogLevel,
		ApplicationLogPrefix:      c.ApplicationLogPrefix,
		ApplicationLogJSONEnabled: c.ApplicationLogJSONEnabled,
		MetricsPrefix:             c.MetricsPrefix,
		EnableRuntimeMetrics:      c.EnableRuntimeMetrics,

		SharedBackend:          c.SharedBackend,
		SwarmRedisURLs:         c.SwarmRedisURLs.values,
		SwarmRedisPassword:     c.SwarmRedisPassword,
		SwarmRedisDialTimeout:  c.SwarmRedisDialTimeout,
		SwarmRedisReadTimeout:  c.SwarmRedisReadTimeout,
		SwarmRedisWriteTimeout: c.SwarmRedisWriteTimeout,
		SwarmRedisPoolTimeout:  c.SwarmRedisPoolTimeout,
		SwarmValkeyURLs:        c.SwarmValkeyURLs.values,
		SwarmValkeyPassword:    c.SwarmValkeyPassword,

		Upstreams:      c.Upstreams.values,
		CalloutTimeout: c.CalloutTimeout,

		CASMaxAttempts:     c.CASMaxAttempts,
		CASInitialInterval: c.CASInitialInterval,
		CASMaxInterval:     c.CASMaxInterval,

		FilterConfig:  c.FilterConfig,
		ServiceConfig: c.ServiceConfig,
	}
}

func (c *Config) parseEnv() {
	// Set Redis password from environment variable if not set earlier (configuration file)
	if c.SwarmRedisPassword == "" {
		c.SwarmRedisPassword = os.Getenv(redisPasswordEnv)
	}
	// Set Valkey password from environment variable if not set earlier (configuration file)
	if c.SwarmValkeyPassword == "" {
		c.SwarmValkeyPassword = os.Getenv(valkeyPasswordEnv)
	}
}

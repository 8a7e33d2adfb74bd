// Package config loads client settings from a YAML file and MMATE_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/glimte/mmate-host/internal/rabbitmq"
	"github.com/glimte/mmate-host/messaging"
)

// EnvPrefix is the prefix of environment variable overrides. The key
// rabbitmq.host is read from MMATE_RABBITMQ_HOST.
const EnvPrefix = "MMATE"

// Config is the complete client configuration.
type Config struct {
	RabbitMQ  RabbitMQConfig            `mapstructure:"rabbitmq"`
	Pool      PoolConfig                `mapstructure:"pool"`
	Host      HostConfig                `mapstructure:"host"`
	Publish   PublishConfig             `mapstructure:"publish"`
	Consumers map[string]ConsumerConfig `mapstructure:"consumers"`
	Log       LogConfig                 `mapstructure:"log"`
	HTTP      HTTPConfig                `mapstructure:"http"`
}

// RabbitMQConfig describes the broker endpoint.
type RabbitMQConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	VHost              string `mapstructure:"vhost"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	ConnectionName     string `mapstructure:"connection_name"`
	RetryPeriodSeconds int    `mapstructure:"retry_period_seconds"`
	Strategy           string `mapstructure:"strategy"`
}

type PoolConfig struct {
	MaxUses int `mapstructure:"max_uses"`
}

type HostConfig struct {
	Prefetch int `mapstructure:"prefetch"`
}

// Target is a publish destination.
type Target struct {
	Exchange   string `mapstructure:"exchange"`
	RoutingKey string `mapstructure:"routing_key"`
}

// PublishConfig is the publish table: a default target plus one target per
// model identifier.
type PublishConfig struct {
	Default Target            `mapstructure:"default"`
	Models  map[string]Target `mapstructure:"models"`
	// Affinity publishes on one dedicated channel instead of pooled ones.
	Affinity bool `mapstructure:"affinity"`
}

// ConsumerConfig holds the settings of one configured consumer.
type ConsumerConfig struct {
	Queue          string        `mapstructure:"queue"`
	BatchSize      int           `mapstructure:"batch_size"`
	BatchTimeout   time.Duration `mapstructure:"batch_timeout"`
	RequeueOnError bool          `mapstructure:"requeue_on_error"`
	Optional       bool          `mapstructure:"optional"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// SetDefaults registers default values on v. Environment overrides only
// apply to keys viper knows about, so every scalar key gets a default.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("rabbitmq.host", "localhost")
	v.SetDefault("rabbitmq.port", 5672)
	v.SetDefault("rabbitmq.vhost", "/")
	v.SetDefault("rabbitmq.user", "guest")
	v.SetDefault("rabbitmq.password", "guest")
	v.SetDefault("rabbitmq.connection_name", "mmate-host")
	v.SetDefault("rabbitmq.retry_period_seconds", 5)
	v.SetDefault("rabbitmq.strategy", "background")
	v.SetDefault("pool.max_uses", rabbitmq.DefaultMaxUses)
	v.SetDefault("host.prefetch", 0)
	v.SetDefault("publish.default.exchange", "")
	v.SetDefault("publish.default.routing_key", "")
	v.SetDefault("publish.affinity", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("http.addr", ":8080")
}

// Load reads configuration into v from file, or from config.yaml in the
// working directory when file is empty. A missing default file is not an
// error.
func Load(v *viper.Viper, file string) (*Config, error) {
	SetDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName("config")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the values Load cannot default.
func (c *Config) Validate() error {
	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("%w: rabbitmq.host is required", rabbitmq.ErrInvalidConfiguration)
	}
	if c.RabbitMQ.Port <= 0 || c.RabbitMQ.Port > 65535 {
		return fmt.Errorf("%w: rabbitmq.port %d out of range", rabbitmq.ErrInvalidConfiguration, c.RabbitMQ.Port)
	}
	if c.RabbitMQ.RetryPeriodSeconds <= 0 {
		return fmt.Errorf("%w: rabbitmq.retry_period_seconds must be positive", rabbitmq.ErrInvalidConfiguration)
	}
	if _, err := c.Strategy(); err != nil {
		return err
	}
	if c.Pool.MaxUses <= 0 {
		return fmt.Errorf("%w: pool.max_uses must be positive", rabbitmq.ErrInvalidConfiguration)
	}
	for name, consumer := range c.Consumers {
		if consumer.BatchSize < 0 {
			return fmt.Errorf("%w: consumers.%s.batch_size must not be negative", rabbitmq.ErrInvalidConfiguration, name)
		}
	}
	return nil
}

// URL assembles the AMQP URI. Credentials and the virtual host are escaped.
func (c *Config) URL() string {
	var userinfo string
	if c.RabbitMQ.User != "" {
		userinfo = url.UserPassword(c.RabbitMQ.User, c.RabbitMQ.Password).String() + "@"
	}

	var vhost string
	if c.RabbitMQ.VHost != "/" {
		vhost = url.PathEscape(c.RabbitMQ.VHost)
	}

	host := net.JoinHostPort(c.RabbitMQ.Host, strconv.Itoa(c.RabbitMQ.Port))
	return fmt.Sprintf("amqp://%s%s/%s", userinfo, host, vhost)
}

// RetryPeriod is the delay between connection attempts.
func (c *Config) RetryPeriod() time.Duration {
	return time.Duration(c.RabbitMQ.RetryPeriodSeconds) * time.Second
}

// Strategy parses rabbitmq.strategy.
func (c *Config) Strategy() (rabbitmq.Strategy, error) {
	switch strings.ToLower(c.RabbitMQ.Strategy) {
	case "", "background":
		return rabbitmq.StrategyBackground, nil
	case "lazy":
		return rabbitmq.StrategyLazy, nil
	default:
		return 0, fmt.Errorf("%w: unknown connection strategy %q", rabbitmq.ErrInvalidConfiguration, c.RabbitMQ.Strategy)
	}
}

// PublisherOptions converts the publish table into publisher options.
func (c *Config) PublisherOptions() []rabbitmq.PublisherOption {
	var opts []rabbitmq.PublisherOption
	if c.Publish.Default.Exchange != "" || c.Publish.Default.RoutingKey != "" {
		opts = append(opts, rabbitmq.WithDefaultRoute(rabbitmq.Route(c.Publish.Default)))
	}
	for model, target := range c.Publish.Models {
		opts = append(opts, rabbitmq.WithRoute(model, rabbitmq.Route(target)))
	}
	return opts
}

// QueueOptions returns the configured consumers ordered by name.
func (c *Config) QueueOptions() []messaging.QueueOptions {
	names := make([]string, 0, len(c.Consumers))
	for name := range c.Consumers {
		names = append(names, name)
	}
	sort.Strings(names)

	opts := make([]messaging.QueueOptions, 0, len(names))
	for _, name := range names {
		consumer := c.Consumers[name]
		opts = append(opts, messaging.QueueOptions{
			Queue:          consumer.Queue,
			BatchSize:      consumer.BatchSize,
			BatchTimeout:   consumer.BatchTimeout,
			RequeueOnError: consumer.RequeueOnError,
			Optional:       consumer.Optional,
		})
	}
	return opts
}

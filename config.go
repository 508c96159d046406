package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "ZMQSNIFF"

type Config struct {
	Endpoint     string        `mapstructure:"endpoint"`
	Topic        string        `mapstructure:"topic"`
	Transport    string        `mapstructure:"transport"`
	Codec        string        `mapstructure:"codec"`
	MaxRows      int           `mapstructure:"max_rows"`
	PreviewBytes int           `mapstructure:"preview_bytes"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	LogLevel     string        `mapstructure:"log_level"`

	Check CheckConfig `mapstructure:"check"`
	SSH   SSHConfig   `mapstructure:"ssh"`
}

type CheckConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	Ping       bool `mapstructure:"ping"`
	Privileged bool `mapstructure:"privileged"`

	PingTimeout time.Duration `mapstructure:"ping_timeout"`
	PortTimeout time.Duration `mapstructure:"port_timeout"`

	PingRetries int `mapstructure:"ping_retries"`
	PortRetries int `mapstructure:"port_retries"`

	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

// SSHConfig describes an optional bastion the bus is reached through.
// Target is empty when no tunnel is wanted.
type SSHConfig struct {
	Target     string        `mapstructure:"target"`
	Password   string        `mapstructure:"password"`
	KeyFile    string        `mapstructure:"key_file"`
	KnownHosts string        `mapstructure:"known_hosts"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

func DefaultConfig() Config {
	return Config{
		Endpoint:     "tcp://localhost:5556",
		Topic:        "report.options",
		Transport:    TransportZMQ,
		Codec:        CodecJSON,
		MaxRows:      3,
		PreviewBytes: 200,
		PollInterval: 250 * time.Millisecond,
		LogLevel:     "info",
		Check: CheckConfig{
			PingTimeout:  2 * time.Second,
			PortTimeout:  2 * time.Second,
			PingRetries:  2,
			PortRetries:  2,
			RetryBackoff: 500 * time.Millisecond,
		},
		SSH: SSHConfig{
			Timeout: 5 * time.Second,
		},
	}
}

// flagKeys maps command line flags onto their config keys.
var flagKeys = map[string]string{
	"topic":           "topic",
	"transport":       "transport",
	"codec":           "codec",
	"max-rows":        "max_rows",
	"preview-bytes":   "preview_bytes",
	"poll-interval":   "poll_interval",
	"log-level":       "log_level",
	"check":           "check.enabled",
	"check-ping":      "check.ping",
	"ssh":             "ssh.target",
	"ssh-password":    "ssh.password",
	"ssh-key":         "ssh.key_file",
	"ssh-known-hosts": "ssh.known_hosts",
}

func registerFlags(fs *pflag.FlagSet) {
	d := DefaultConfig()
	fs.String("config", "", "config file (yaml, json, toml)")
	fs.String("topic", d.Topic, "topic prefix to subscribe to")
	fs.String("transport", d.Transport, "subscriber transport: zmq (libzmq) or pure (pure Go)")
	fs.String("codec", d.Codec, "payload codec: json or msgpack")
	fs.Int("max-rows", d.MaxRows, "rows printed per message")
	fs.Int("preview-bytes", d.PreviewBytes, "raw payload bytes shown on a decode error")
	fs.Duration("poll-interval", d.PollInterval, "how often a blocked receive checks for shutdown")
	fs.String("log-level", d.LogLevel, "log level: debug, info, warn, error")
	fs.Bool("check", d.Check.Enabled, "check the endpoint is reachable before subscribing")
	fs.Bool("check-ping", d.Check.Ping, "also ICMP ping the endpoint host when checking")
	fs.String("ssh", d.SSH.Target, "reach the endpoint through an SSH tunnel (user@host[:port])")
	fs.String("ssh-password", d.SSH.Password, "SSH password")
	fs.String("ssh-key", d.SSH.KeyFile, "SSH private key file")
	fs.String("ssh-known-hosts", d.SSH.KnownHosts, "known_hosts file used to verify the SSH host key")
}

// LoadConfig merges, lowest precedence first: defaults, config file,
// environment (.env included), flags, and the positional endpoint.
func LoadConfig(fs *pflag.FlagSet, args []string) (Config, error) {
	// A missing .env is the common case.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
		if path, err := fs.GetString("config"); err == nil && path != "" {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	if len(args) > 0 && args[0] != "" {
		cfg.Endpoint = args[0]
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("endpoint", d.Endpoint)
	v.SetDefault("topic", d.Topic)
	v.SetDefault("transport", d.Transport)
	v.SetDefault("codec", d.Codec)
	v.SetDefault("max_rows", d.MaxRows)
	v.SetDefault("preview_bytes", d.PreviewBytes)
	v.SetDefault("poll_interval", d.PollInterval)
	v.SetDefault("log_level", d.LogLevel)

	v.SetDefault("check.enabled", d.Check.Enabled)
	v.SetDefault("check.ping", d.Check.Ping)
	v.SetDefault("check.privileged", d.Check.Privileged)
	v.SetDefault("check.ping_timeout", d.Check.PingTimeout)
	v.SetDefault("check.port_timeout", d.Check.PortTimeout)
	v.SetDefault("check.ping_retries", d.Check.PingRetries)
	v.SetDefault("check.port_retries", d.Check.PortRetries)
	v.SetDefault("check.retry_backoff", d.Check.RetryBackoff)

	v.SetDefault("ssh.target", d.SSH.Target)
	v.SetDefault("ssh.password", d.SSH.Password)
	v.SetDefault("ssh.key_file", d.SSH.KeyFile)
	v.SetDefault("ssh.known_hosts", d.SSH.KnownHosts)
	v.SetDefault("ssh.timeout", d.SSH.Timeout)
}

func (c Config) Validate() error {
	var errs []error
	if c.Endpoint == "" {
		errs = append(errs, errors.New("endpoint must not be empty"))
	}
	if c.Topic == "" {
		errs = append(errs, errors.New("topic must not be empty"))
	}
	switch c.Transport {
	case TransportZMQ, TransportPure:
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q (want %s or %s)", c.Transport, TransportZMQ, TransportPure))
	}
	if _, err := NewCodec(c.Codec); err != nil {
		errs = append(errs, err)
	}
	if c.MaxRows < 0 {
		errs = append(errs, fmt.Errorf("max_rows must be >= 0, got %d", c.MaxRows))
	}
	if c.PreviewBytes < 0 {
		errs = append(errs, fmt.Errorf("preview_bytes must be >= 0, got %d", c.PreviewBytes))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval))
	}
	if c.Check.Enabled && (c.Check.PortRetries < 1 || (c.Check.Ping && c.Check.PingRetries < 1)) {
		errs = append(errs, errors.New("check retries must be at least 1"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

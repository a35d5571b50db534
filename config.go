package pipeforce

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultDomain        = "svc.cluster.local"
	DefaultMessagingHost = "host.docker.internal"
	DefaultMessagingPort = 5672
	DefaultTopic         = "pipeforce.topic.default"
	DefaultDLQ           = "pipeforce_default_dlq"
	ServiceQueuePrefix   = "pipeforce.service."

	// ConfigPathEnv names an optional YAML file read before the environment
	ConfigPathEnv = "PIPEFORCE_CONFIG_PATH"
)

var (
	ErrMissingService  = errors.New("config PIPEFORCE_SERVICE is required")
	ErrMissingLocation = errors.New("config PIPEFORCE_NAMESPACE or PIPEFORCE_INSTANCE is required")
)

// Config is the service configuration.
//
// Values come from defaults, an optional YAML file and the PIPEFORCE_*
// environment, in that order. Resolve derives what was left empty.
type Config struct {
	Service   string `yaml:"service"`
	Namespace string `yaml:"namespace"`
	Instance  string `yaml:"instance"`
	Domain    string `yaml:"domain"`
	HubURL    string `yaml:"hubUrl"`

	// Secret is "Apitoken <token>" or "Basic <user>:<password>"
	Secret string `yaml:"secret"`

	MessagingHost     string `yaml:"messagingHost"`
	MessagingPort     int    `yaml:"messagingPort"`
	MessagingUsername string `yaml:"messagingUsername"`
	MessagingPassword string `yaml:"messagingPassword"`

	// MessagingPrefetch is the broker prefetch count, zero for unlimited
	MessagingPrefetch int `yaml:"messagingPrefetch"`

	DefaultTopic string `yaml:"defaultTopic"`
	DefaultDLQ   string `yaml:"defaultDlq"`
	Queue        string `yaml:"queue"`

	RequestTimeout time.Duration `yaml:"requestTimeout"`
	PollInterval   time.Duration `yaml:"pollInterval"`
}

// DefaultConfig returns the defaults of every optional setting
func DefaultConfig() Config {
	return Config{
		MessagingHost:     DefaultMessagingHost,
		MessagingPort:     DefaultMessagingPort,
		MessagingUsername: "guest",
		MessagingPassword: "guest",
		DefaultTopic:      DefaultTopic,
		DefaultDLQ:        DefaultDLQ,
		RequestTimeout:    30 * time.Second,
		PollInterval:      500 * time.Millisecond,
	}
}

// LoadConfig reads the configuration file named by PIPEFORCE_CONFIG_PATH,
// if any, and applies the environment on top
func LoadConfig() (Config, error) {
	return LoadConfigFile(os.Getenv(ConfigPathEnv))
}

// LoadConfigFile reads path as YAML and applies the environment on top.
// An empty path skips the file.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	texts := map[string]*string{
		"PIPEFORCE_SERVICE":                 &c.Service,
		"PIPEFORCE_NAMESPACE":               &c.Namespace,
		"PIPEFORCE_INSTANCE":                &c.Instance,
		"PIPEFORCE_DOMAIN":                  &c.Domain,
		"PIPEFORCE_HUB_URL":                 &c.HubURL,
		"PIPEFORCE_SECRET":                  &c.Secret,
		"PIPEFORCE_MESSAGING_HOST":          &c.MessagingHost,
		"PIPEFORCE_MESSAGING_USERNAME":      &c.MessagingUsername,
		"PIPEFORCE_MESSAGING_PASSWORD":      &c.MessagingPassword,
		"PIPEFORCE_MESSAGING_DEFAULT_TOPIC": &c.DefaultTopic,
		"PIPEFORCE_MESSAGING_DEFAULT_DLQ":   &c.DefaultDLQ,
		"PIPEFORCE_MESSAGING_QUEUE":         &c.Queue,
	}
	for name, field := range texts {
		if v, ok := lookup(name); ok && v != "" {
			*field = v
		}
	}

	ints := map[string]*int{
		"PIPEFORCE_MESSAGING_PORT":     &c.MessagingPort,
		"PIPEFORCE_MESSAGING_PREFETCH": &c.MessagingPrefetch,
	}
	for name, field := range ints {
		if v, ok := lookup(name); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s %q: %w", name, v, err)
			}
			*field = n
		}
	}

	durations := map[string]*time.Duration{
		"PIPEFORCE_REQUEST_TIMEOUT": &c.RequestTimeout,
		"PIPEFORCE_POLL_INTERVAL":   &c.PollInterval,
	}
	for name, field := range durations {
		if v, ok := lookup(name); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s %q: %w", name, v, err)
			}
			*field = d
		}
	}

	return nil
}

// Resolve validates the configuration and derives the empty settings.
//
// The domain defaults to svc.cluster.local, the namespace to the first label
// of the domain and the instance to <service>.<domain>. Inside the cluster
// the hub is reached at http://hub.<namespace>.svc.cluster.local, outside at
// https://hub-<instance>.
func (c *Config) Resolve() error {
	if c.Namespace == "" && c.Instance == "" {
		return ErrMissingLocation
	}
	if c.Service == "" {
		return ErrMissingService
	}

	if c.Domain == "" {
		c.Domain = DefaultDomain
	}
	if c.Namespace == "" {
		c.Namespace, _, _ = strings.Cut(c.Domain, ".")
	}
	if c.Instance == "" {
		c.Instance = c.Service + "." + c.Domain
	}
	if c.HubURL == "" {
		if strings.HasSuffix(c.Domain, DefaultDomain) {
			c.HubURL = "http://hub." + c.Namespace + "." + DefaultDomain
		} else {
			c.HubURL = "https://hub-" + c.Instance
		}
	}
	if c.Queue == "" {
		c.Queue = ServiceQueuePrefix + c.Service
	}

	if c.MessagingPort <= 0 || c.MessagingPort > 65535 {
		return fmt.Errorf("invalid messaging port %d", c.MessagingPort)
	}
	if c.DefaultTopic == "" {
		c.DefaultTopic = DefaultTopic
	}
	if c.MessagingPrefetch < 0 {
		return fmt.Errorf("invalid messaging prefetch %d", c.MessagingPrefetch)
	}

	return nil
}

// AMQPURL returns the broker URL
func (c Config) AMQPURL() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(c.MessagingUsername, c.MessagingPassword),
		Host:   net.JoinHostPort(c.MessagingHost, strconv.Itoa(c.MessagingPort)),
		Path:   "/",
	}
	return u.String()
}

// ServiceQueue returns the queue this service consumes from
func (c Config) ServiceQueue() string {
	if c.Queue != "" {
		return c.Queue
	}
	return ServiceQueuePrefix + c.Service
}

// Settings lists every setting by its environment name, with sensitive
// values redacted
func (c Config) Settings() [][2]string {
	settings := [][2]string{
		{"PIPEFORCE_SERVICE", c.Service},
		{"PIPEFORCE_NAMESPACE", c.Namespace},
		{"PIPEFORCE_INSTANCE", c.Instance},
		{"PIPEFORCE_DOMAIN", c.Domain},
		{"PIPEFORCE_HUB_URL", c.HubURL},
		{"PIPEFORCE_SECRET", c.Secret},
		{"PIPEFORCE_MESSAGING_HOST", c.MessagingHost},
		{"PIPEFORCE_MESSAGING_PORT", strconv.Itoa(c.MessagingPort)},
		{"PIPEFORCE_MESSAGING_USERNAME", c.MessagingUsername},
		{"PIPEFORCE_MESSAGING_PASSWORD", c.MessagingPassword},
		{"PIPEFORCE_MESSAGING_PREFETCH", strconv.Itoa(c.MessagingPrefetch)},
		{"PIPEFORCE_MESSAGING_DEFAULT_TOPIC", c.DefaultTopic},
		{"PIPEFORCE_MESSAGING_DEFAULT_DLQ", c.DefaultDLQ},
		{"PIPEFORCE_MESSAGING_QUEUE", c.ServiceQueue()},
		{"PIPEFORCE_REQUEST_TIMEOUT", c.RequestTimeout.String()},
		{"PIPEFORCE_POLL_INTERVAL", c.PollInterval.String()},
	}
	for i := range settings {
		settings[i][1] = redact(settings[i][0], settings[i][1])
	}
	return settings
}

// LogValue implements slog.LogValuer
func (c Config) LogValue() slog.Value {
	settings := c.Settings()
	attrs := make([]slog.Attr, 0, len(settings))
	for _, s := range settings {
		attrs = append(attrs, slog.String(s[0], s[1]))
	}
	return slog.GroupValue(attrs...)
}

var sensitiveNames = []string{"secret", "pass", "token", "cred", "key"}

// redact replaces a non-empty sensitive value with the first five hex
// digits of its MD5 sum
func redact(name, value string) string {
	if value == "" {
		return value
	}
	lower := strings.ToLower(name)
	for _, s := range sensitiveNames {
		if strings.Contains(lower, s) {
			sum := md5.Sum([]byte(value))
			return "[MD5:" + hex.EncodeToString(sum[:])[:5] + "...]"
		}
	}
	return value
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Transports understood by the channel factory.
const (
	TransportMQTT     = "mqtt"
	TransportAMQP     = "amqp"
	TransportLoopback = "loopback"
)

// Outbound payload formats.
const (
	FormatJSON = "json"
	FormatText = "text"
)

// Config is the root configuration structure loaded from YAML (or JSON,
// which yaml.v3 reads as well).
type Config struct {
	GPIO     GPIOConfig     `yaml:"gpio"`
	Display  DisplayConfig  `yaml:"display"`
	Broker   BrokerConfig   `yaml:"broker"`
	Topics   TopicsConfig   `yaml:"topics"`
	Publish  PublishConfig  `yaml:"publish"`
	Identity IdentityConfig `yaml:"identity"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Verbose  bool           `yaml:"verbose"`
}

// GPIOConfig describes the PIR sensor line.
type GPIOConfig struct {
	Chip       string `yaml:"chip"`        // GPIO chip device (e.g., "gpiochip0")
	Pin        int    `yaml:"pin"`         // Line offset on the chip
	ActiveLow  bool   `yaml:"active_low"`  // Sensor pulls the line low on motion
	Pull       string `yaml:"pull"`        // "", "up" or "down"
	DebounceMs int    `yaml:"debounce_ms"` // Minimum spacing between accepted edges
}

// DisplayConfig describes the display power tool and the blanking delay.
type DisplayConfig struct {
	Tool                  string `yaml:"tool"`
	DelaySeconds          int    `yaml:"delay_seconds"`
	CommandTimeoutSeconds int    `yaml:"command_timeout_seconds"`
}

// BrokerConfig defines message broker connection settings.
type BrokerConfig struct {
	Transport        string `yaml:"transport"` // mqtt, amqp or loopback
	Host             string `yaml:"host"`
	Port             int    `yaml:"port"`
	User             string `yaml:"user"`
	Password         string `yaml:"password"`
	ClientID         string `yaml:"client_id"` // Defaults to a name derived from the device identity
	KeepAliveSeconds int    `yaml:"keepalive_seconds"`
	RetrySeconds     int    `yaml:"retry_seconds"`
	AMQPURL          string `yaml:"amqp_url"` // Only used by the amqp transport
}

// TopicsConfig holds the well-known topic names.
type TopicsConfig struct {
	Motion        string `yaml:"motion"`
	SensorToggle  string `yaml:"sensor_toggle"`
	DisplayToggle string `yaml:"display_toggle"`
	Binding       string `yaml:"binding"`
	Availability  string `yaml:"availability"` // Empty disables online/offline status
}

// PublishConfig controls the outbound motion event.
type PublishConfig struct {
	Format string `yaml:"format"` // json or text
	Status string `yaml:"status"`
}

// IdentityConfig locates the cached device identifier.
type IdentityConfig struct {
	File      string `yaml:"file"`
	Interface string `yaml:"interface"` // Network interface to read the MAC from; empty picks the first one
}

// MetricsConfig enables the Prometheus endpoint when Listen is set.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// Default returns the configuration the original daemons hard-coded.
func Default() Config {
	return Config{
		GPIO: GPIOConfig{
			Chip: "gpiochip0",
			Pin:  4,
		},
		Display: DisplayConfig{
			Tool:                  "vcgencmd",
			DelaySeconds:          60,
			CommandTimeoutSeconds: 5,
		},
		Broker: BrokerConfig{
			Transport:        TransportMQTT,
			Host:             "localhost",
			Port:             1883,
			KeepAliveSeconds: 60,
			RetrySeconds:     5,
		},
		Topics: TopicsConfig{
			Motion:        "motion_detection",
			SensorToggle:  "toggle_motion_sensor",
			DisplayToggle: "toggle_display",
			Binding:       "bind_device",
		},
		Publish: PublishConfig{
			Format: FormatJSON,
			Status: "on",
		},
		Identity: IdentityConfig{
			File: "device_id.txt",
		},
	}
}

// Load reads the configuration file at path on top of the defaults, then
// applies .env and MDB_* environment overrides. A missing file is not an
// error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	// Load .env file if it exists
	_ = godotenv.Load()

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	cfg.Broker.Transport = getEnv("MDB_BROKER_TRANSPORT", cfg.Broker.Transport)
	cfg.Broker.Host = getEnv("MDB_BROKER_HOST", cfg.Broker.Host)
	cfg.Broker.User = getEnv("MDB_BROKER_USER", cfg.Broker.User)
	cfg.Broker.Password = getEnv("MDB_BROKER_PASSWORD", cfg.Broker.Password)
	cfg.Broker.AMQPURL = getEnv("MDB_AMQP_URL", cfg.Broker.AMQPURL)
	cfg.GPIO.Chip = getEnv("MDB_GPIO_CHIP", cfg.GPIO.Chip)
	cfg.Identity.File = getEnv("MDB_IDENTITY_FILE", cfg.Identity.File)
	cfg.Metrics.Listen = getEnv("MDB_METRICS_LISTEN", cfg.Metrics.Listen)

	var err error
	if cfg.Broker.Port, err = getEnvInt("MDB_BROKER_PORT", cfg.Broker.Port); err != nil {
		return err
	}
	if cfg.GPIO.Pin, err = getEnvInt("MDB_GPIO_PIN", cfg.GPIO.Pin); err != nil {
		return err
	}
	if cfg.Display.DelaySeconds, err = getEnvInt("MDB_DISPLAY_DELAY", cfg.Display.DelaySeconds); err != nil {
		return err
	}
	if cfg.Verbose, err = getEnvBool("MDB_VERBOSE", cfg.Verbose); err != nil {
		return err
	}
	return nil
}

// Validate rejects configurations the daemon cannot run with.
func (c Config) Validate() error {
	var problems []string

	if c.Display.DelaySeconds <= 0 {
		problems = append(problems, "display.delay_seconds must be positive")
	}
	if c.Display.CommandTimeoutSeconds <= 0 {
		problems = append(problems, "display.command_timeout_seconds must be positive")
	}
	if c.Display.Tool == "" {
		problems = append(problems, "display.tool is required")
	}
	if c.GPIO.Pin < 0 {
		problems = append(problems, "gpio.pin must not be negative")
	}
	switch c.GPIO.Pull {
	case "", "up", "down":
	default:
		problems = append(problems, fmt.Sprintf("gpio.pull %q is not one of up, down", c.GPIO.Pull))
	}

	switch c.Broker.Transport {
	case TransportMQTT:
		if c.Broker.Host == "" {
			problems = append(problems, "broker.host is required for mqtt")
		}
		if c.Broker.Port <= 0 || c.Broker.Port > 65535 {
			problems = append(problems, fmt.Sprintf("broker.port %d out of range", c.Broker.Port))
		}
	case TransportAMQP:
		if c.Broker.AMQPURL == "" {
			problems = append(problems, "broker.amqp_url is required for amqp")
		}
	case TransportLoopback:
	default:
		problems = append(problems, fmt.Sprintf("broker.transport %q is not one of mqtt, amqp, loopback", c.Broker.Transport))
	}
	if c.Broker.KeepAliveSeconds <= 0 {
		problems = append(problems, "broker.keepalive_seconds must be positive")
	}
	if c.Broker.RetrySeconds <= 0 {
		problems = append(problems, "broker.retry_seconds must be positive")
	}

	if c.Topics.Motion == "" || c.Topics.SensorToggle == "" || c.Topics.DisplayToggle == "" || c.Topics.Binding == "" {
		problems = append(problems, "topics.motion, topics.sensor_toggle, topics.display_toggle and topics.binding are required")
	}

	switch c.Publish.Format {
	case FormatJSON, FormatText:
	default:
		problems = append(problems, fmt.Sprintf("publish.format %q is not one of json, text", c.Publish.Format))
	}
	if c.Publish.Status == "" {
		problems = append(problems, "publish.status is required")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// DisplayDelay is the idle time before the display is turned off.
func (c Config) DisplayDelay() time.Duration {
	return time.Duration(c.Display.DelaySeconds) * time.Second
}

// CommandTimeout bounds each display tool invocation.
func (c Config) CommandTimeout() time.Duration {
	return time.Duration(c.Display.CommandTimeoutSeconds) * time.Second
}

// KeepAlive is the broker keepalive interval.
func (c Config) KeepAlive() time.Duration {
	return time.Duration(c.Broker.KeepAliveSeconds) * time.Second
}

// RetryInterval is the fixed backoff between connection attempts.
func (c Config) RetryInterval() time.Duration {
	return time.Duration(c.Broker.RetrySeconds) * time.Second
}

// Debounce is the software hold-off between accepted sensor edges.
func (c Config) Debounce() time.Duration {
	return time.Duration(c.GPIO.DebounceMs) * time.Millisecond
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", key, err)
	}
	return b, nil
}

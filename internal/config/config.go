package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"circuit-agent/internal/power"

	"github.com/spf13/viper"
)

const EnvPrefix = "CIRCUIT_AGENT"

type Config struct {
	Agent       AgentConfig       `mapstructure:"agent"`
	Authority   AuthorityConfig   `mapstructure:"authority"`
	Hardware    HardwareConfig    `mapstructure:"hardware"`
	Relay       RelayConfig       `mapstructure:"relay"`
	Calibration CalibrationConfig `mapstructure:"calibration"`
	MQTT        MQTTConfig        `mapstructure:"mqtt"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Log         LogConfig         `mapstructure:"log"`
	Systemd     SystemdConfig     `mapstructure:"systemd"`
}

type AgentConfig struct {
	// Serial identifies this controller in telemetry; defaults to the hostname.
	Serial      string        `mapstructure:"serial"`
	SettleDelay time.Duration `mapstructure:"settle_delay"`
	PaceDelay   time.Duration `mapstructure:"pace_delay"`
}

type AuthorityConfig struct {
	StateURL  string        `mapstructure:"state_url"`
	ReportURL string        `mapstructure:"report_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
}

type HardwareConfig struct {
	Backend             string   `mapstructure:"backend"`
	SPIDevice           string   `mapstructure:"spi_device"`
	SPISpeedHz          uint32   `mapstructure:"spi_speed_hz"`
	SPIMode             uint8    `mapstructure:"spi_mode"`
	GPIOChip            string   `mapstructure:"gpio_chip"`
	BankSelectPins      []int    `mapstructure:"bank_select_pins"`
	BankSelectActiveLow bool     `mapstructure:"bank_select_active_low"`
	EnablePin           int      `mapstructure:"enable_pin"`
	RelayAddresses      []uint16 `mapstructure:"relay_addresses"`
}

type RelayConfig struct {
	ActiveLowMask uint64 `mapstructure:"active_low_mask"`
}

type CalibrationConfig struct {
	Mode string `mapstructure:"mode"`
}

type MQTTConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Broker          string `mapstructure:"broker"`
	Username        string `mapstructure:"username"`
	Password        string `mapstructure:"password"`
	ClientID        string `mapstructure:"client_id"`
	TopicPrefix     string `mapstructure:"topic_prefix"`
	Discovery       bool   `mapstructure:"discovery"`
	DiscoveryPrefix string `mapstructure:"discovery_prefix"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type SystemdConfig struct {
	Notify bool `mapstructure:"notify"`
}

const (
	BackendLinux = "linux"
	BackendSim   = "sim"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("agent.serial", "")
	v.SetDefault("agent.settle_delay", time.Second)
	v.SetDefault("agent.pace_delay", time.Second)

	v.SetDefault("authority.state_url", "http://127.0.0.1:8000/api/testResponse/1/")
	v.SetDefault("authority.report_url", "http://127.0.0.1:8000/api/sendReading/")
	v.SetDefault("authority.timeout", 10*time.Second)
	v.SetDefault("authority.user_agent", "circuit-agent")

	v.SetDefault("hardware.backend", BackendLinux)
	v.SetDefault("hardware.spi_device", "/dev/spidev0.0")
	v.SetDefault("hardware.spi_speed_hz", 1000000)
	v.SetDefault("hardware.spi_mode", 0)
	v.SetDefault("hardware.gpio_chip", "gpiochip0")
	v.SetDefault("hardware.bank_select_pins", []int{25, 24})
	v.SetDefault("hardware.bank_select_active_low", true)
	v.SetDefault("hardware.enable_pin", 23)
	v.SetDefault("hardware.relay_addresses", []uint16{0x20, 0x21})

	v.SetDefault("relay.active_low_mask", 0)
	v.SetDefault("calibration.mode", string(power.Uniform))

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.client_id", "")
	v.SetDefault("mqtt.topic_prefix", "circuit-agent")
	v.SetDefault("mqtt.discovery", true)
	v.SetDefault("mqtt.discovery_prefix", "homeassistant")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen", ":9105")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("systemd.notify", true)
}

// Load reads config.yaml from the usual locations, then the environment.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/circuit-agent")
	return load(v)
}

// LoadFile reads an explicit configuration file.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if config.Agent.Serial == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("no agent.serial and hostname unavailable: %w", err)
		}
		config.Agent.Serial = host
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate rejects settings the agent cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Authority.StateURL == "" {
		errs = append(errs, errors.New("authority.state_url is required"))
	}
	if c.Authority.ReportURL == "" {
		errs = append(errs, errors.New("authority.report_url is required"))
	}
	if c.Authority.Timeout <= 0 {
		errs = append(errs, errors.New("authority.timeout must be positive"))
	}
	if c.Agent.SettleDelay < 0 || c.Agent.PaceDelay < 0 {
		errs = append(errs, errors.New("agent delays must not be negative"))
	}
	switch c.Hardware.Backend {
	case BackendLinux, BackendSim:
	default:
		errs = append(errs, fmt.Errorf("hardware.backend %q is not one of linux, sim", c.Hardware.Backend))
	}
	if len(c.Hardware.BankSelectPins) != 2 {
		errs = append(errs, fmt.Errorf("hardware.bank_select_pins needs 2 pins, got %d", len(c.Hardware.BankSelectPins)))
	}
	if len(c.Hardware.RelayAddresses) != 2 {
		errs = append(errs, fmt.Errorf("hardware.relay_addresses needs 2 addresses, got %d", len(c.Hardware.RelayAddresses)))
	}
	switch power.Mode(c.Calibration.Mode) {
	case power.Uniform, power.FirstChannel:
	default:
		errs = append(errs, fmt.Errorf("calibration.mode %q is not one of uniform, first-channel", c.Calibration.Mode))
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required when mqtt is enabled"))
	}
	return errors.Join(errs...)
}

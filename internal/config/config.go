// Package config loads btchat settings from an optional YAML file and
// BTCHAT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"bluetooth-chat/internal/connmgr"
)

// Config is the root application configuration.
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Transport TransportConfig `mapstructure:"transport"`
	Services  ServicesConfig  `mapstructure:"services"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: trace, debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: text or json
	Format string `mapstructure:"format"`
	// Output: stdout, stderr, or a file path
	Output string `mapstructure:"output"`

	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig controls rotation when Output is a file. MaxSizeMB zero
// disables rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// TransportConfig selects the radio.
type TransportConfig struct {
	// Kind: bluez or tcp
	Kind string    `mapstructure:"kind"`
	TCP  TCPConfig `mapstructure:"tcp"`
}

// TCPConfig holds listen addresses per service when Kind is tcp.
type TCPConfig struct {
	Secure   string `mapstructure:"secure"`
	Insecure string `mapstructure:"insecure"`
}

// ServicesConfig holds the two service records.
type ServicesConfig struct {
	Secure   ServiceConfig `mapstructure:"secure"`
	Insecure ServiceConfig `mapstructure:"insecure"`
}

// ServiceConfig describes one service record.
type ServiceConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Name    string `mapstructure:"name"`
	UUID    string `mapstructure:"uuid"`
	Channel uint8  `mapstructure:"channel"`
}

const (
	TransportBlueZ = "bluez"
	TransportTCP   = "tcp"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.output", "stderr")
	v.SetDefault("log.rotation.max_size_mb", 0)
	v.SetDefault("log.rotation.max_backups", 3)
	v.SetDefault("log.rotation.max_age_days", 7)
	v.SetDefault("log.rotation.compress", false)

	v.SetDefault("transport.kind", TransportBlueZ)
	v.SetDefault("transport.tcp.secure", ":7322")
	v.SetDefault("transport.tcp.insecure", ":7323")

	v.SetDefault("services.secure.enabled", true)
	v.SetDefault("services.secure.name", connmgr.DefaultSecure.Name)
	v.SetDefault("services.secure.uuid", connmgr.DefaultSecure.UUID.String())
	v.SetDefault("services.secure.channel", connmgr.DefaultSecure.Channel)
	v.SetDefault("services.insecure.enabled", true)
	v.SetDefault("services.insecure.name", connmgr.DefaultInsecure.Name)
	v.SetDefault("services.insecure.uuid", connmgr.DefaultInsecure.UUID.String())
	v.SetDefault("services.insecure.channel", connmgr.DefaultInsecure.Channel)
}

// Load reads configuration from path, or from btchat.yaml in the working
// directory when path is empty, then applies environment overrides
// (e.g. BTCHAT_TRANSPORT_KIND=tcp). A missing default file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("btchat")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("BTCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values viper cannot type-check.
func (c *Config) Validate() error {
	switch c.Transport.Kind {
	case TransportBlueZ, TransportTCP:
	default:
		return fmt.Errorf("config: unknown transport kind %q", c.Transport.Kind)
	}
	ids, err := c.ServiceIDs()
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return errors.New("config: no service enabled")
	}
	return nil
}

// ServiceIDs returns the enabled service records, secure first.
func (c *Config) ServiceIDs() ([]connmgr.ServiceID, error) {
	var out []connmgr.ServiceID
	for _, s := range []struct {
		cfg  ServiceConfig
		mode connmgr.SecurityMode
	}{
		{c.Services.Secure, connmgr.Secure},
		{c.Services.Insecure, connmgr.Insecure},
	} {
		if !s.cfg.Enabled {
			continue
		}
		u, err := uuid.Parse(s.cfg.UUID)
		if err != nil {
			return nil, fmt.Errorf("config: %s service uuid %q: %w", s.mode, s.cfg.UUID, err)
		}
		id := connmgr.ServiceID{Name: s.cfg.Name, UUID: u, Security: s.mode, Channel: s.cfg.Channel}
		if err := id.Validate(); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		out = append(out, id)
	}
	return out, nil
}

// NewTransport builds the configured transport for ids.
func (c *Config) NewTransport(ids []connmgr.ServiceID) connmgr.Transport {
	if c.Transport.Kind != TransportTCP {
		return connmgr.NewBlueZ()
	}
	addrs := make(map[uuid.UUID]string, len(ids))
	for _, id := range ids {
		if id.Security == connmgr.Secure {
			addrs[id.UUID] = c.Transport.TCP.Secure
		} else {
			addrs[id.UUID] = c.Transport.TCP.Insecure
		}
	}
	return connmgr.NewTCP(addrs)
}

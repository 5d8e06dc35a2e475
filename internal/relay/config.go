package relay

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port         int           `yaml:"port"`
	StateFile    string        `yaml:"state_file"`
	StateDSN     string        `yaml:"state_dsn"`
	CaseIDField  string        `yaml:"case_id_field"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
	NATS         NATSConfig    `yaml:"nats"`
	Logging      LoggingConfig `yaml:"logging"`
}

type NATSConfig struct {
	URL           string        `yaml:"url"`
	Subject       string        `yaml:"subject"`
	MaxReconnect  int           `yaml:"max_reconnect"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

func DefaultConfig() Config {
	return Config{
		Port:         3001,
		StateFile:    "live-sync-state.json",
		CaseIDField:  DefaultCaseIDField,
		MaxBodyBytes: 1 << 20,
		NATS: NATSConfig{
			Subject:       "livesync.vitals",
			MaxReconnect:  10,
			ReconnectWait: 2 * time.Second,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// LoadConfig reads a YAML config file over the defaults. Unset keys keep
// their default values.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	config := DefaultConfig()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	if config.Port <= 0 {
		config.Port = 3001
	}
	if config.CaseIDField == "" {
		config.CaseIDField = DefaultCaseIDField
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = 1 << 20
	}
	if config.NATS.Subject == "" {
		config.NATS.Subject = "livesync.vitals"
	}
	if config.NATS.ReconnectWait == 0 {
		config.NATS.ReconnectWait = 2 * time.Second
	}
	return config, nil
}

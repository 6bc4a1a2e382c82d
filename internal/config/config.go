// Copyright 2025 Arion Yau
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
	"pirate/internal/keys"
	"pirate/internal/logger"
	"pirate/internal/ppp"
	"pirate/internal/registry"
)

// Config represents the pirate configuration structure
type Config struct {
	Broker BrokerConfig `yaml:"broker"`
	Worker WorkerConfig `yaml:"worker"`
	Client ClientConfig `yaml:"client"`
	Log    LogConfig    `yaml:"log"`
}

// BrokerConfig contains the queue settings
type BrokerConfig struct {
	Frontend          string        `yaml:"frontend"` // client-facing ROUTER endpoint
	Backend           string        `yaml:"backend"`  // worker-facing ROUTER endpoint
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatLiveness int           `yaml:"heartbeat_liveness"`
	MaxWorkers        int           `yaml:"max_workers"`
	StatusListen      string        `yaml:"status_listen"` // empty disables the status server
	Curve             CurveConfig   `yaml:"curve"`
}

// CurveConfig enables CurveZMQ encryption on both broker gates
type CurveConfig struct {
	Enabled bool   `yaml:"enabled"`
	KeyFile string `yaml:"key_file"`
}

// WorkerConfig contains worker connection settings
type WorkerConfig struct {
	Broker            string        `yaml:"broker"`
	Identity          string        `yaml:"identity,omitempty"` // generated when empty
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatLiveness int           `yaml:"heartbeat_liveness"`
	ReconnectInitial  time.Duration `yaml:"reconnect_initial"`
	ReconnectMax      time.Duration `yaml:"reconnect_max"`
	ServerKey         string        `yaml:"server_key,omitempty"` // broker public key for CURVE
}

// ClientConfig contains client request settings
type ClientConfig struct {
	Broker    string        `yaml:"broker"`
	Timeout   time.Duration `yaml:"timeout"`
	Retries   int           `yaml:"retries"`
	ServerKey string        `yaml:"server_key,omitempty"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// NewDefaultConfig returns the configuration used when no file is given
func NewDefaultConfig() *Config {
	return &Config{
		Broker: BrokerConfig{
			Frontend:          "tcp://*:5555",
			Backend:           "tcp://*:5556",
			HeartbeatInterval: ppp.DefaultHeartbeatInterval,
			HeartbeatLiveness: ppp.DefaultHeartbeatLiveness,
			MaxWorkers:        registry.DefaultCapacity,
			StatusListen:      "127.0.0.1:9555",
			Curve: CurveConfig{
				Enabled: false,
				KeyFile: "broker-keys.yml",
			},
		},
		Worker: WorkerConfig{
			Broker:            "tcp://localhost:5556",
			HeartbeatInterval: ppp.DefaultHeartbeatInterval,
			HeartbeatLiveness: ppp.DefaultHeartbeatLiveness,
			ReconnectInitial:  1 * time.Second,
			ReconnectMax:      32 * time.Second,
		},
		Client: ClientConfig{
			Broker:  "tcp://localhost:5555",
			Timeout: 2500 * time.Millisecond,
			Retries: 3,
		},
		Log: LogConfig{
			Level:  logger.LOG_INFO,
			Format: logger.FORMAT_CONSOLE,
		},
	}
}

// LoadConfig loads configuration from a YAML file. Keys missing from the file
// keep their default values.
func LoadConfig(filepath string) (*Config, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := NewDefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate broker config
	if c.Broker.Frontend == "" {
		return fmt.Errorf("broker.frontend is required")
	}
	if c.Broker.Backend == "" {
		return fmt.Errorf("broker.backend is required")
	}
	if c.Broker.Frontend == c.Broker.Backend {
		return fmt.Errorf("broker.frontend and broker.backend must differ")
	}
	if c.Broker.HeartbeatInterval <= 0 {
		return fmt.Errorf("broker.heartbeat_interval must be positive")
	}
	if c.Broker.HeartbeatLiveness < 1 {
		return fmt.Errorf("broker.heartbeat_liveness must be at least 1")
	}
	if c.Broker.MaxWorkers <= 0 {
		return fmt.Errorf("broker.max_workers must be positive")
	}
	if c.Broker.Curve.Enabled && c.Broker.Curve.KeyFile == "" {
		return fmt.Errorf("broker.curve.key_file is required when curve is enabled")
	}

	// Validate worker config
	if c.Worker.Broker == "" {
		return fmt.Errorf("worker.broker is required")
	}
	if c.Worker.HeartbeatInterval <= 0 {
		return fmt.Errorf("worker.heartbeat_interval must be positive")
	}
	if c.Worker.HeartbeatLiveness < 1 {
		return fmt.Errorf("worker.heartbeat_liveness must be at least 1")
	}
	if c.Worker.ReconnectInitial <= 0 {
		return fmt.Errorf("worker.reconnect_initial must be positive")
	}
	if c.Worker.ReconnectInitial > c.Worker.ReconnectMax {
		return fmt.Errorf("worker.reconnect_initial must not exceed worker.reconnect_max")
	}
	if c.Worker.ServerKey != "" {
		if err := keys.ValidateCurveKey(c.Worker.ServerKey); err != nil {
			return fmt.Errorf("worker.server_key: %w", err)
		}
	}

	// Validate client config
	if c.Client.Broker == "" {
		return fmt.Errorf("client.broker is required")
	}
	if c.Client.Timeout <= 0 {
		return fmt.Errorf("client.timeout must be positive")
	}
	if c.Client.Retries < 1 {
		return fmt.Errorf("client.retries must be at least 1")
	}
	if c.Client.ServerKey != "" {
		if err := keys.ValidateCurveKey(c.Client.ServerKey); err != nil {
			return fmt.Errorf("client.server_key: %w", err)
		}
	}

	// Validate log config
	switch c.Log.Level {
	case logger.LOG_DEBUG, logger.LOG_INFO, logger.LOG_WARN, logger.LOG_ERROR:
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error")
	}
	switch c.Log.Format {
	case logger.FORMAT_CONSOLE, logger.FORMAT_JSON:
	default:
		return fmt.Errorf("log.format must be console or json")
	}

	return nil
}

// Warnings returns settings that are valid but likely to misbehave.
func (c *Config) Warnings() []string {
	var warnings []string
	if c.Broker.HeartbeatLiveness < 2 {
		warnings = append(warnings, "broker.heartbeat_liveness below 2 drops workers after a single missed heartbeat")
	}
	if c.Worker.HeartbeatLiveness < 2 {
		warnings = append(warnings, "worker.heartbeat_liveness below 2 reconnects after a single missed heartbeat")
	}
	if c.Worker.HeartbeatInterval != c.Broker.HeartbeatInterval {
		warnings = append(warnings, "worker and broker heartbeat intervals differ")
	}
	return warnings
}

// WorkerTTL returns how long the broker keeps a silent worker.
func (c *Config) WorkerTTL() time.Duration {
	return c.Broker.HeartbeatInterval * time.Duration(c.Broker.HeartbeatLiveness)
}

// Save saves the configuration to a YAML file
func (c *Config) Save(filepath string) error {
	return SaveConfig(c, filepath)
}

// SaveConfig saves configuration to a YAML file
func SaveConfig(config *Config, filepath string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filepath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

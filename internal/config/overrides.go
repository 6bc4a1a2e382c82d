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
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variables that override the file,
// e.g. PIRATE_BROKER_FRONTEND for broker.frontend.
const EnvPrefix = "PIRATE"

// NewViper returns a viper instance reading PIRATE_* environment variables.
// Callers bind their command line flags to the dotted config keys.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// ApplyOverrides copies every key set in v (flag, environment or explicit
// Set) over the loaded configuration.
func (c *Config) ApplyOverrides(v *viper.Viper) {
	overrideString(v, "broker.frontend", &c.Broker.Frontend)
	overrideString(v, "broker.backend", &c.Broker.Backend)
	overrideDuration(v, "broker.heartbeat_interval", &c.Broker.HeartbeatInterval)
	overrideInt(v, "broker.heartbeat_liveness", &c.Broker.HeartbeatLiveness)
	overrideInt(v, "broker.max_workers", &c.Broker.MaxWorkers)
	overrideString(v, "broker.status_listen", &c.Broker.StatusListen)
	overrideBool(v, "broker.curve.enabled", &c.Broker.Curve.Enabled)
	overrideString(v, "broker.curve.key_file", &c.Broker.Curve.KeyFile)

	overrideString(v, "worker.broker", &c.Worker.Broker)
	overrideString(v, "worker.identity", &c.Worker.Identity)
	overrideDuration(v, "worker.heartbeat_interval", &c.Worker.HeartbeatInterval)
	overrideInt(v, "worker.heartbeat_liveness", &c.Worker.HeartbeatLiveness)
	overrideDuration(v, "worker.reconnect_initial", &c.Worker.ReconnectInitial)
	overrideDuration(v, "worker.reconnect_max", &c.Worker.ReconnectMax)
	overrideString(v, "worker.server_key", &c.Worker.ServerKey)

	overrideString(v, "client.broker", &c.Client.Broker)
	overrideDuration(v, "client.timeout", &c.Client.Timeout)
	overrideInt(v, "client.retries", &c.Client.Retries)
	overrideString(v, "client.server_key", &c.Client.ServerKey)

	overrideString(v, "log.level", &c.Log.Level)
	overrideString(v, "log.format", &c.Log.Format)
}

func overrideString(v *viper.Viper, key string, dst *string) {
	if v.IsSet(key) {
		*dst = strings.TrimSpace(v.GetString(key))
	}
}

func overrideDuration(v *viper.Viper, key string, dst *time.Duration) {
	if v.IsSet(key) {
		*dst = v.GetDuration(key)
	}
}

func overrideInt(v *viper.Viper, key string, dst *int) {
	if v.IsSet(key) {
		*dst = v.GetInt(key)
	}
}

func overrideBool(v *viper.Viper, key string, dst *bool) {
	if v.IsSet(key) {
		*dst = v.GetBool(key)
	}
}

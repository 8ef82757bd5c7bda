// Package config loads and hot-reloads the gateway's own TOML
// configuration through Viper, the way the teacher's "am" package loads
// theirs, generalized from a multi-source precedence merge to a single
// gateway.toml plus environment overrides.
package config

import (
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/englishfox90/nina-gateway/internal/errors"
)

// Config is the gateway's full runtime configuration, unmarshaled from
// gateway.toml (spec §6 External Interfaces, plus the D1-D4 additions).
type Config struct {
	Nina      NinaConfig      `mapstructure:"nina"`
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// NinaConfig describes the imaging host and the replay window the
// Seeder and Normalizer use.
type NinaConfig struct {
	Host              string `mapstructure:"host"`
	Port              int    `mapstructure:"port"`
	TimezoneOffset    string `mapstructure:"timezone_offset"`
	EventReplayWindow int    `mapstructure:"event_replay_window"`
}

// ServerConfig describes the gateway's own HTTP/WS listener.
type ServerConfig struct {
	Port                int      `mapstructure:"port"`
	AllowedOrigins      []string `mapstructure:"allowed_origins"`
	MaxDashboardClients int      `mapstructure:"max_dashboard_clients"`
}

// DatabaseConfig describes the gateway's own SQLite file.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// SchedulerConfig points at the read-only target-scheduler database
// (D1 Scheduler View).
type SchedulerConfig struct {
	DatabasePath string `mapstructure:"database_path"`
}

// LoggingConfig controls the logger's JSON-vs-console mode and level.
type LoggingConfig struct {
	JSON      bool `mapstructure:"json"`
	Verbosity int  `mapstructure:"verbosity"`
}

// Load reads gateway.toml (if present) merged over defaults and
// GATEWAY_-prefixed environment variables, and unmarshals into Config.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")

	v.SetEnvPrefix("GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if !isConfigFileNotFound(err) {
			return nil, errors.Wrapf(err, "read config file %s", path)
		}
	}

	return unmarshal(v)
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	return &cfg, nil
}

// SetDefaults configures every key in spec §6 and the D1-D4 additions
// with a working out-of-the-box default.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("nina.host", "localhost")
	v.SetDefault("nina.port", 1888)
	v.SetDefault("nina.timezone_offset", "-05:00")
	v.SetDefault("nina.event_replay_window", 20)

	v.SetDefault("server.port", 8000)
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.max_dashboard_clients", 100)

	v.SetDefault("database.path", "nina-gateway.db")

	v.SetDefault("scheduler.database_path", "")

	v.SetDefault("logging.json", false)
	v.SetDefault("logging.verbosity", 1)
}

func isConfigFileNotFound(err error) bool {
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		return true
	}
	// With an explicit SetConfigFile path, a missing file surfaces as a
	// plain not-exist error rather than ConfigFileNotFoundError.
	return os.IsNotExist(err)
}

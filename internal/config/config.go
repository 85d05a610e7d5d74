// Package config loads, validates, and persists the botherd daemon
// configuration. Settings live in a JSON file; secrets are env-only and
// never written back to disk.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/botherd/botherd/internal/maintenance"
	"github.com/botherd/botherd/internal/mqttbridge"
)

// Config holds all botherd configuration
type Config struct {
	// HTTP API and data directory
	Server ServerConfig `json:"server"`

	// Game-server RCON adapter
	Game GameConfig `json:"game"`

	// Push-style feedback ingest listener
	Updates UpdatesConfig `json:"updates"`

	// Supervisor spawn limits and retry policy
	Fleet FleetConfig `json:"fleet"`

	// Per-bot tick loop knobs
	Core CoreConfig `json:"core"`

	// Learning store retention
	Learning LearningConfig `json:"learning"`

	// Role and team catalog override files
	Catalogs CatalogConfig `json:"catalogs"`

	// Optional MQTT bridge
	MQTT mqttbridge.Config `json:"mqtt"`

	// Housekeeping jobs
	Maintenance maintenance.Config `json:"maintenance"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	DataDir  string `json:"dataDir"`
	LogLevel string `json:"logLevel"`
	APIKey   string `json:"-"` // BOTHERD_API_KEY only
}

type GameConfig struct {
	Enabled              bool    `json:"enabled"`
	Host                 string  `json:"host"`
	Port                 int     `json:"port"`
	Password             string  `json:"-"` // BOTHERD_GAME_PASSWORD only
	CommandPrefix        string  `json:"commandPrefix,omitempty"`
	MaxCommandsPerSecond float64 `json:"maxCommandsPerSecond,omitempty"`
}

type UpdatesConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port"`
	Token   string `json:"-"` // BOTHERD_UPDATE_TOKEN only
}

type FleetConfig struct {
	MaxBots      int     `json:"maxBots"`
	MaxRetries   int     `json:"maxRetries"`
	RetryDelayMs int64   `json:"retryDelayMs"`
	SpawnMinY    float64 `json:"spawnMinY,omitempty"`
	SpawnMaxY    float64 `json:"spawnMaxY,omitempty"`
}

type CoreConfig struct {
	TickRateMs     int64   `json:"tickRateMs"`
	StepDistance   float64 `json:"stepDistance"`
	ScanIntervalMs int64   `json:"scanIntervalMs"`
	ScanRadius     float64 `json:"scanRadius"`
	Autonomy       bool    `json:"autonomy"`
}

type LearningConfig struct {
	MaxOutcomes        int  `json:"maxOutcomes"`
	MaxOutcomeAgeHours int  `json:"maxOutcomeAgeHours"`
	ArchiveEnabled     bool `json:"archiveEnabled"`
}

type CatalogConfig struct {
	RolesPath        string `json:"rolesPath,omitempty"` // YAML, extends built-in roles
	TeamsPath        string `json:"teamsPath,omitempty"` // TOML, extends built-in presets
	WatchIntervalSec int    `json:"watchIntervalSec,omitempty"`
}

// DefaultConfig returns a runnable single-node configuration. The game
// adapter and MQTT bridge start disabled so a bare daemon comes up as a
// control plane only.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     8420,
			DataDir:  "./data",
			LogLevel: "info",
		},
		Game: GameConfig{
			Host: "127.0.0.1",
			Port: 25575,
		},
		Updates: UpdatesConfig{
			Port: 8421,
		},
		Fleet: FleetConfig{
			MaxBots:      8,
			MaxRetries:   3,
			RetryDelayMs: 1000,
		},
		Core: CoreConfig{
			TickRateMs:     250,
			StepDistance:   0.5,
			ScanIntervalMs: 2000,
			ScanRadius:     8,
			Autonomy:       true,
		},
		Learning: LearningConfig{
			MaxOutcomes:        500,
			MaxOutcomeAgeHours: 72,
		},
		Catalogs: CatalogConfig{
			WatchIntervalSec: 15,
		},
		MQTT: mqttbridge.Config{
			Broker: "127.0.0.1",
			Port:   1883,
		},
		Maintenance: maintenance.Config{
			Enabled: true,
			Jobs:    maintenance.DefaultJobs(),
		},
	}
}

// Load reads config from a JSON file, applies env overrides, and ensures
// the data directory exists.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.Server.DataDir, 0750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	return cfg, nil
}

// Save writes config to a JSON file. Fields tagged json:"-" stay out of
// the file by construction.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0640)
}

// ApplyEnv layers BOTHERD_* environment overrides onto the config. It runs
// as part of Load; standalone use is for configs built in code.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("BOTHERD_API_KEY"); v != "" {
		c.Server.APIKey = v
	}
	if v := os.Getenv("BOTHERD_GAME_HOST"); v != "" {
		c.Game.Host = v
	}
	if v := os.Getenv("BOTHERD_GAME_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid BOTHERD_GAME_PORT %q: %w", v, err)
		}
		c.Game.Port = port
	}
	if v := os.Getenv("BOTHERD_GAME_PASSWORD"); v != "" {
		c.Game.Password = v
	}
	if v := os.Getenv("BOTHERD_UPDATE_TOKEN"); v != "" {
		c.Updates.Token = v
	}
	if v := os.Getenv("BOTHERD_MAX_BOTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid BOTHERD_MAX_BOTS %q: %w", v, err)
		}
		c.Fleet.MaxBots = n
	}
	if v := os.Getenv("BOTHERD_MQTT_PASSWORD"); v != "" {
		c.MQTT.Password = v
	}
	return nil
}

const minAPIKeyLength = 16

// Validate reports every fatal startup problem at once.
func (c *Config) Validate() error {
	var problems []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Errorf("server port %d out of range", c.Server.Port))
	}
	if c.Server.DataDir == "" {
		problems = append(problems, errors.New("server dataDir required"))
	}
	switch c.Server.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Errorf("unknown log level %q (use debug, info, warn, or error)", c.Server.LogLevel))
	}

	if c.Server.APIKey == "" {
		problems = append(problems, errors.New("API key required (set BOTHERD_API_KEY)"))
	} else if len(c.Server.APIKey) < minAPIKeyLength {
		problems = append(problems, fmt.Errorf("API key too short (need at least %d characters)", minAPIKeyLength))
	}

	if c.Game.Enabled {
		if c.Game.Host == "" {
			problems = append(problems, errors.New("game host required when the adapter is enabled"))
		}
		if c.Game.Port <= 0 || c.Game.Port > 65535 {
			problems = append(problems, fmt.Errorf("game port %d out of range", c.Game.Port))
		}
		if c.Game.Password == "" {
			problems = append(problems, errors.New("game password required when the adapter is enabled (set BOTHERD_GAME_PASSWORD)"))
		}
	}

	if c.Updates.Enabled {
		if c.Updates.Port <= 0 || c.Updates.Port > 65535 {
			problems = append(problems, fmt.Errorf("update server port %d out of range", c.Updates.Port))
		}
		if c.Updates.Port == c.Server.Port {
			problems = append(problems, fmt.Errorf("update server port %d collides with the API port", c.Updates.Port))
		}
	}

	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		problems = append(problems, errors.New("mqtt broker required when the bridge is enabled"))
	}

	if c.Fleet.MaxBots < 0 {
		problems = append(problems, fmt.Errorf("maxBots must not be negative, got %d", c.Fleet.MaxBots))
	}

	if len(problems) > 0 {
		return fmt.Errorf("config: %w", errors.Join(problems...))
	}
	return nil
}

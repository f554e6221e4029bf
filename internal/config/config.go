// Package config handles configuration loading, validation, and
// persistence for the RetroTalk server.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "config.json"

	DefaultChatPort  = 5001
	DefaultVoicePort = 2090
	DefaultAPIPort   = 5000
)

// Config is the root configuration structure.
type Config struct {
	mu   sync.RWMutex
	path string

	Server  ServerConfig  `json:"server"`
	Limits  LimitsConfig  `json:"limits"`
	Store   StoreConfig   `json:"store"`
	MQTT    MQTTConfig    `json:"mqtt"`
	Logging LoggingConfig `json:"logging"`
}

// ServerConfig holds identity, listen ports and protocol constants.
type ServerConfig struct {
	Name       string `json:"name"`
	ChatPort   int    `json:"chat_port"`
	VoicePort  int    `json:"voice_port"`
	APIPort    int    `json:"api_port"`
	PublicHost string `json:"public_host"` // advertised in voice-server locators
	ServerKey  string `json:"server_key"`
	Greeting   string `json:"greeting"`
}

// LimitsConfig holds timeouts and abuse limits.
type LimitsConfig struct {
	ChatIdleTimeoutSec  int `json:"chat_idle_timeout_sec"`
	VoiceIdleTimeoutSec int `json:"voice_idle_timeout_sec"`
	MaxConnsPerIP       int `json:"max_conns_per_ip"`
	FloodWindowSec      int `json:"flood_window_sec"`
	FloodMaxMessages    int `json:"flood_max_messages"`
	FloodMaxRepeats     int `json:"flood_max_repeats"`
	MaxMessageLen       int `json:"max_message_len"`
	StoreTimeoutSec     int `json:"store_timeout_sec"`
	ShutdownGraceSec    int `json:"shutdown_grace_sec"`
}

// StoreConfig holds the external record store settings.
type StoreConfig struct {
	Path string `json:"path"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled   bool   `json:"enabled"`
	BrokerURL string `json:"broker_url"`
	Port      int    `json:"port"`
	UseTLS    bool   `json:"use_tls"`
	CertFile  string `json:"cert_file"`
	KeyFile   string `json:"key_file"`
	ClientID  string `json:"client_id"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxBackups int    `json:"max_backups"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Name:       "RetroTalk",
			ChatPort:   DefaultChatPort,
			VoicePort:  DefaultVoicePort,
			APIPort:    DefaultAPIPort,
			PublicHost: "127.0.0.1",
			ServerKey:  "h8d6aG3fK1m9Qz4x",
			Greeting:   "RetroTalk chat server ready",
		},
		Limits: LimitsConfig{
			ChatIdleTimeoutSec:  300,
			VoiceIdleTimeoutSec: 300,
			MaxConnsPerIP:       8,
			FloodWindowSec:      10,
			FloodMaxMessages:    5,
			FloodMaxRepeats:     2,
			MaxMessageLen:       1024,
			StoreTimeoutSec:     5,
			ShutdownGraceSec:    30,
		},
		Store: StoreConfig{
			Path: "config/retrotalk.db",
		},
		MQTT: MQTTConfig{
			Enabled:   false,
			BrokerURL: "localhost",
			Port:      1883,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Directory:  "logs",
			MaxBackups: 5,
		},
	}
}

// Load reads configuration from a JSON file, creating the default file
// if none exists.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig() // start with defaults, then overlay
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")
	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// ChatIdleTimeout returns the chat idle window as a Duration.
func (c *Config) ChatIdleTimeout() time.Duration {
	return time.Duration(c.Limits.ChatIdleTimeoutSec) * time.Second
}

// VoiceIdleTimeout returns the voice idle window as a Duration.
func (c *Config) VoiceIdleTimeout() time.Duration {
	return time.Duration(c.Limits.VoiceIdleTimeoutSec) * time.Second
}

// FloodWindow returns the flood sliding window as a Duration.
func (c *Config) FloodWindow() time.Duration {
	return time.Duration(c.Limits.FloodWindowSec) * time.Second
}

// StoreTimeout returns the per-query store deadline as a Duration.
func (c *Config) StoreTimeout() time.Duration {
	return time.Duration(c.Limits.StoreTimeoutSec) * time.Second
}

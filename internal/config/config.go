// Package config handles CantinaOS configuration loading: a YAML file
// overlaid by the environment variables §6 names, with defaults and
// validation applied before the composition root starts any service.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// searchPathsFunc backs DefaultSearchPaths; swapped out in tests to
// avoid picking up real config files on developer machines.
var searchPathsFunc = defaultSearchPaths

// DefaultSearchPaths returns the config file search order: an explicit
// path (from -config) is checked first by FindConfig, then
// ./config.yaml, ~/.config/cantinaos/config.yaml, /config/config.yaml,
// /etc/cantinaos/config.yaml.
func DefaultSearchPaths() []string {
	return searchPathsFunc()
}

func defaultSearchPaths() []string {
	paths := []string{"config.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "cantinaos", "config.yaml"))
	}
	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/cantinaos/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must
// exist. Otherwise, searches DefaultSearchPaths and returns the first
// that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all CantinaOS configuration (§6 External Interfaces).
type Config struct {
	Listen   ListenConfig   `yaml:"listen"`
	Audio    AudioConfig    `yaml:"audio"`
	Music    MusicConfig    `yaml:"music"`
	LED      LEDConfig      `yaml:"led"`
	APIKeys  APIKeysConfig  `yaml:"api_keys"`
	Memory   MemoryConfig   `yaml:"memory"`
	LogLevel string         `yaml:"log_level"`
}

// ListenConfig defines the WebBridge HTTP/websocket server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// AudioConfig defines the shared audio device parameters MusicCoordinator
// and SpeechCoordinator open their streams with.
type AudioConfig struct {
	SampleRate       int  `yaml:"sample_rate" env:"AUDIO_SAMPLE_RATE"`
	Channels         int  `yaml:"channels" env:"AUDIO_CHANNELS"`
	DisableProcessing bool `yaml:"disable_processing" env:"DISABLE_AUDIO_PROCESSING"`
}

// MusicConfig defines MusicCoordinator's local library settings.
type MusicConfig struct {
	LocalDirectory string `yaml:"local_directory" env:"LOCAL_MUSIC_DIRECTORY"`
}

// LEDConfig defines the eye-light hardware connection.
type LEDConfig struct {
	Mock       bool   `yaml:"mock" env:"MOCK_LED_CONTROLLER"`
	SerialPort string `yaml:"serial_port" env:"LED_SERIAL_PORT"`
	BaudRate   int    `yaml:"baud_rate" env:"LED_BAUD_RATE"`
}

// APIKeysConfig holds opaque collaborator API keys (ASR/LLM/TTS
// providers). Values are never logged.
type APIKeysConfig struct {
	ASR string `yaml:"asr" env:"ASR_API_KEY"`
	LLM string `yaml:"llm" env:"LLM_API_KEY"`
	TTS string `yaml:"tts" env:"TTS_API_KEY"`
}

// MemoryConfig defines MemoryStore's persistence settings.
type MemoryConfig struct {
	DBPath           string `yaml:"db_path"`
	ChatHistoryLimit int    `yaml:"chat_history_limit"`
}

// Load reads configuration from a YAML file, overlays environment
// variables per §6, applies defaults for unset fields, and validates
// the result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides lets the §6 environment variables take precedence
// over whatever the YAML file set, matching a container deployment's
// expectation that env vars win.
func (c *Config) applyEnvOverrides() {
	if v, ok := os.LookupEnv("AUDIO_SAMPLE_RATE"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.Audio.SampleRate = n
		}
	}
	if v, ok := os.LookupEnv("AUDIO_CHANNELS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.Audio.Channels = n
		}
	}
	if v, ok := os.LookupEnv("DISABLE_AUDIO_PROCESSING"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Audio.DisableProcessing = b
		}
	}
	if v, ok := os.LookupEnv("LOCAL_MUSIC_DIRECTORY"); ok {
		c.Music.LocalDirectory = v
	}
	if v, ok := os.LookupEnv("MOCK_LED_CONTROLLER"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			c.LED.Mock = b
		}
	}
	if v, ok := os.LookupEnv("LED_SERIAL_PORT"); ok {
		c.LED.SerialPort = v
	}
	if v, ok := os.LookupEnv("LED_BAUD_RATE"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.LED.BaudRate = n
		}
	}
	if v, ok := os.LookupEnv("ASR_API_KEY"); ok {
		c.APIKeys.ASR = v
	}
	if v, ok := os.LookupEnv("LLM_API_KEY"); ok {
		c.APIKeys.LLM = v
	}
	if v, ok := os.LookupEnv("TTS_API_KEY"); ok {
		c.APIKeys.TTS = v
	}
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.Audio.SampleRate == 0 {
		c.Audio.SampleRate = 16000
	}
	if c.Audio.Channels == 0 {
		c.Audio.Channels = 1
	}
	if c.Music.LocalDirectory == "" {
		c.Music.LocalDirectory = "./music"
	}
	if c.LED.BaudRate == 0 {
		c.LED.BaudRate = 115200
	}
	if c.Memory.DBPath == "" {
		c.Memory.DBPath = "./data/memory.db"
	}
	if c.Memory.ChatHistoryLimit == 0 {
		c.Memory.ChatHistoryLimit = 10
	}
}

// Validate checks that the configuration is internally consistent. It
// runs after applyDefaults, so it can assume defaults are populated.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range (1-65535)", c.Listen.Port)
	}
	if c.Audio.SampleRate < 1 {
		return fmt.Errorf("audio.sample_rate must be positive, got %d", c.Audio.SampleRate)
	}
	if c.Audio.Channels < 1 {
		return fmt.Errorf("audio.channels must be positive, got %d", c.Audio.Channels)
	}
	if !c.LED.Mock && c.LED.SerialPort == "" {
		return fmt.Errorf("led.serial_port required unless led.mock is true")
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// Default returns a default configuration suitable for local
// development with the mock LED controller. All defaults are already
// applied.
func Default() *Config {
	cfg := &Config{
		LED: LEDConfig{Mock: true},
	}
	cfg.applyDefaults()
	return cfg
}

package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Bus       BusConfig       `yaml:"bus"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Content   ContentConfig   `yaml:"content"`
	Features  FeaturesConfig  `yaml:"features"`
}

// ServerConfig contains debug API server settings
type ServerConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Addr         string `yaml:"addr"`
	ReadTimeout  int    `yaml:"read_timeout"`
	WriteTimeout int    `yaml:"write_timeout"`
	IdleTimeout  int    `yaml:"idle_timeout"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level         string            `yaml:"level"`
	Format        string            `yaml:"format"`
	IncludeCaller bool              `yaml:"include_caller"`
	GlobalFields  map[string]string `yaml:"global_fields"`
}

// MetricsConfig contains metrics settings
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// BusConfig contains event bus settings
type BusConfig struct {
	HistorySize int  `yaml:"history_size"`
	Debug       bool `yaml:"debug"`
}

// SchedulerConfig contains periodic task scheduler settings
type SchedulerConfig struct {
	ResolutionMs int `yaml:"resolution_ms"`
}

// ContentConfig contains content coordinator settings
type ContentConfig struct {
	DefaultTarget string `yaml:"default_target"`
}

// FeaturesConfig toggles and tunes the protection strategies
type FeaturesConfig struct {
	Keyboard    KeyboardConfig  `yaml:"keyboard"`
	ContextMenu ToggleConfig    `yaml:"context_menu"`
	Print       ToggleConfig    `yaml:"print"`
	Selection   ToggleConfig    `yaml:"selection"`
	Watermark   WatermarkConfig `yaml:"watermark"`
	DevTools    DetectionConfig `yaml:"devtools"`
	Extension   DetectionConfig `yaml:"extension"`
	Screenshot  DetectionConfig `yaml:"screenshot"`
	FrameEmbed  DetectionConfig `yaml:"frame_embed"`
}

// ToggleConfig is a plain on/off feature switch
type ToggleConfig struct {
	Enabled bool `yaml:"enabled"`
}

// KeyboardConfig contains keyboard blocking settings
type KeyboardConfig struct {
	Enabled       bool     `yaml:"enabled"`
	BlockedChords []string `yaml:"blocked_chords"`
}

// WatermarkConfig contains watermark settings
type WatermarkConfig struct {
	Enabled bool    `yaml:"enabled"`
	Text    string  `yaml:"text"`
	Opacity float64 `yaml:"opacity"`
	Angle   int     `yaml:"angle"`
}

// DetectionConfig contains settings for one detection feature
type DetectionConfig struct {
	Enabled           bool          `yaml:"enabled"`
	IntervalMs        int           `yaml:"interval_ms"`
	HideContent       bool          `yaml:"hide_content"`
	RestoreIntervalMs int           `yaml:"restore_interval_ms"`
	Overlay           OverlayConfig `yaml:"overlay"`
}

// OverlayConfig contains overlay appearance settings for a feature
type OverlayConfig struct {
	Title              string `yaml:"title"`
	Message            string `yaml:"message"`
	Background         string `yaml:"background"`
	TextColor          string `yaml:"text_color"`
	DurationMs         int    `yaml:"duration_ms"`
	DisableAutoRestore bool   `yaml:"disable_auto_restore"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Enabled:      true,
			Addr:         ":8080",
			ReadTimeout:  5,
			WriteTimeout: 10,
			IdleTimeout:  120,
		},
		Logging: LoggingConfig{
			Level:         "info",
			Format:        "json",
			IncludeCaller: true,
			GlobalFields:  map[string]string{},
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
		Bus: BusConfig{
			HistorySize: 100,
			Debug:       false,
		},
		Scheduler: SchedulerConfig{
			ResolutionMs: 100,
		},
		Content: ContentConfig{
			DefaultTarget: "#content",
		},
		Features: FeaturesConfig{
			Keyboard:    KeyboardConfig{Enabled: true},
			ContextMenu: ToggleConfig{Enabled: true},
			Print:       ToggleConfig{Enabled: true},
			Selection:   ToggleConfig{Enabled: true},
			Watermark: WatermarkConfig{
				Enabled: false,
				Text:    "PROTECTED",
				Opacity: 0.15,
				Angle:   -30,
			},
			DevTools: DetectionConfig{
				Enabled:     true,
				IntervalMs:  2000,
				HideContent: true,
				Overlay: OverlayConfig{
					Title:   "Developer tools detected",
					Message: "Close the developer tools to continue viewing this content.",
				},
			},
			Extension: DetectionConfig{
				Enabled:           true,
				IntervalMs:        3000,
				RestoreIntervalMs: 3000,
				Overlay: OverlayConfig{
					Title:   "Browser extension detected",
					Message: "A content-capture extension is interfering with this page.",
				},
			},
			Screenshot: DetectionConfig{
				Enabled:    true,
				IntervalMs: 1000,
				Overlay: OverlayConfig{
					Title:      "Screenshot detected",
					Message:    "Screen capture of this content is not permitted.",
					DurationMs: 5000,
				},
			},
			FrameEmbed: DetectionConfig{
				Enabled:     true,
				IntervalMs:  5000,
				HideContent: true,
				Overlay: OverlayConfig{
					Title:   "Embedded viewing blocked",
					Message: "This content cannot be viewed inside another page.",
				},
			},
		},
	}
}

// LoadConfigFromFile loads configuration from a YAML file
func LoadConfigFromFile(filePath string) (*Config, error) {
	// Start with default configuration
	config := DefaultConfig()

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("file", filePath).Msg("Configuration file not found, using defaults")
			return config, nil
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return config, nil
}

// LoadConfig loads configuration from file, environment variables, and flags
func LoadConfig(configFile string, serverAddr string, logLevel string) (*Config, error) {
	var config *Config
	var err error

	if configFile != "" {
		config, err = LoadConfigFromFile(configFile)
		if err != nil {
			return nil, err
		}
	} else {
		config = DefaultConfig()
	}

	// Override with environment variables
	applyEnvOverrides(config)

	// Override with command line flags (highest priority)
	if serverAddr != "" {
		config.Server.Addr = serverAddr
	}

	if logLevel != "" {
		config.Logging.Level = logLevel
	}

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to the configuration
func applyEnvOverrides(config *Config) {
	if addr := os.Getenv("CSK_SERVER_ADDR"); addr != "" {
		config.Server.Addr = addr
	}

	if level := os.Getenv("CSK_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("CSK_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}

	if sizeStr := os.Getenv("CSK_BUS_HISTORY_SIZE"); sizeStr != "" {
		if val, err := strconv.Atoi(sizeStr); err == nil {
			config.Bus.HistorySize = val
		}
	}
	if debugStr := os.Getenv("CSK_BUS_DEBUG"); debugStr != "" {
		if val, err := strconv.ParseBool(debugStr); err == nil {
			config.Bus.Debug = val
		}
	}

	if resStr := os.Getenv("CSK_SCHEDULER_RESOLUTION_MS"); resStr != "" {
		if val, err := strconv.Atoi(resStr); err == nil {
			config.Scheduler.ResolutionMs = val
		}
	}

	if target := os.Getenv("CSK_CONTENT_TARGET"); target != "" {
		config.Content.DefaultTarget = target
	}
}

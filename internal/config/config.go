// Package config carrega e valida a configuração YAML do grbl-server.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config representa a configuração completa do processo: um link serial,
// um servidor de canal de controle, e os parâmetros de domínio (streaming,
// macros, hub) que no programa original eram constantes embutidas.
type Config struct {
	Serial    SerialConfig    `yaml:"serial"`
	HTTP      HTTPConfig      `yaml:"http"`
	Logging   LoggingConfig   `yaml:"logging"`
	SerialLog SerialLogConfig `yaml:"serial_log"`
	Recovery  RecoveryConfig  `yaml:"recovery"`
	Streaming StreamingConfig `yaml:"streaming"`
	Macro     MacroConfig     `yaml:"macro"`
	Hub       HubConfig       `yaml:"hub"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// SerialConfig descreve o dispositivo serial do controlador GRBL.
type SerialConfig struct {
	Device string `yaml:"device"`
	Baud   int    `yaml:"baud"` // default: 115200
}

// HTTPConfig descreve o listener do Control-Channel Server.
type HTTPConfig struct {
	Listen  string `yaml:"listen"` // default: ":8000"
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`
}

// LoggingConfig controla o logger estrutural do processo (não o log serial).
type LoggingConfig struct {
	Level  string `yaml:"level"`  // default: "info"
	Format string `yaml:"format"` // default: "json"
}

// SerialLogConfig controla o log rotativo bruto do link serial.
type SerialLogConfig struct {
	Dir           string `yaml:"dir"`            // vazio desabilita
	RetentionDays int    `yaml:"retention_days"` // default: 7
}

// RecoveryConfig controla a persistência de checkpoints de streaming.
type RecoveryConfig struct {
	Path            string `yaml:"path"`             // default: "recovery.state"
	CheckpointLines int    `yaml:"checkpoint_lines"` // default: 100
}

// StreamingConfig controla o gating de início e a política de erro durante um run.
type StreamingConfig struct {
	StartMargin    float64 `yaml:"start_margin"`    // default: 2.0mm
	StartTolerance float64 `yaml:"start_tolerance"` // default: 5.0mm
	OnError        string  `yaml:"on_error"`        // "continue" (default) | "pause" | "stop"
}

// MacroConfig contém as constantes geométricas e de feed que o script
// original embutia como literais em cada macro.
type MacroConfig struct {
	ProbeFeedFast  float64       `yaml:"probe_feed_fast"`  // default: 150
	ProbeFeedSlow  float64       `yaml:"probe_feed_slow"`  // default: 20
	PlateThickness float64       `yaml:"plate_thickness"`  // default: 22.0mm
	EdgeOffset     float64       `yaml:"edge_offset"`      // default: 7.0mm
	ToolDiameter   float64       `yaml:"tool_diameter"`    // default: 6.35mm (1/4")
	ToolChangeX    float64       `yaml:"tool_change_x"`    // default: -2
	ToolChangeY    float64       `yaml:"tool_change_y"`    // default: -418
	SafeZ          float64       `yaml:"safe_z"`           // default: -1 (machine coords)
	SpindleWarmup  time.Duration `yaml:"spindle_warmup"`   // default: 0 (disabled)
	ScriptDir      string        `yaml:"script_dir"`       // default: "macros" — biblioteca de trechos macro_load/macro_save
}

// HubConfig controla o dimensionamento das filas de broadcast por assinante.
type HubConfig struct {
	QueueSize           int `yaml:"queue_size"`            // default: 32
	MaxConsecutiveDrops int `yaml:"max_consecutive_drops"` // default: 10
}

// RateLimitConfig controla o limite de mensagens inbound por conexão de controle.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"` // default: 20
	Burst             int     `yaml:"burst"`               // default: 10
}

// Load lê e valida o arquivo YAML de configuração, preenchendo defaults
// in-place.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Serial.Device == "" {
		return fmt.Errorf("serial.device is required")
	}
	if c.Serial.Baud <= 0 {
		c.Serial.Baud = 115200
	}

	if c.HTTP.Listen == "" {
		c.HTTP.Listen = ":8000"
	}
	if (c.HTTP.TLSCert == "") != (c.HTTP.TLSKey == "") {
		return fmt.Errorf("http.tls_cert and http.tls_key must both be set or both be empty")
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.SerialLog.RetentionDays <= 0 {
		c.SerialLog.RetentionDays = 7
	}

	if c.Recovery.Path == "" {
		c.Recovery.Path = "recovery.state"
	}
	if c.Recovery.CheckpointLines <= 0 {
		c.Recovery.CheckpointLines = 100
	}

	if c.Streaming.StartMargin <= 0 {
		c.Streaming.StartMargin = 2.0
	}
	if c.Streaming.StartTolerance <= 0 {
		c.Streaming.StartTolerance = 5.0
	}
	switch c.Streaming.OnError {
	case "":
		c.Streaming.OnError = "continue"
	case "continue", "pause", "stop":
	default:
		return fmt.Errorf("streaming.on_error must be continue, pause or stop, got %q", c.Streaming.OnError)
	}

	if c.Macro.ProbeFeedFast <= 0 {
		c.Macro.ProbeFeedFast = 150
	}
	if c.Macro.ProbeFeedSlow <= 0 {
		c.Macro.ProbeFeedSlow = 20
	}
	if c.Macro.PlateThickness <= 0 {
		c.Macro.PlateThickness = 22.0
	}
	if c.Macro.EdgeOffset <= 0 {
		c.Macro.EdgeOffset = 7.0
	}
	if c.Macro.ToolDiameter <= 0 {
		c.Macro.ToolDiameter = 6.35
	}
	if c.Macro.ToolChangeX == 0 {
		c.Macro.ToolChangeX = -2
	}
	if c.Macro.ToolChangeY == 0 {
		c.Macro.ToolChangeY = -418
	}
	if c.Macro.SafeZ == 0 {
		c.Macro.SafeZ = -1
	}
	if c.Macro.ScriptDir == "" {
		c.Macro.ScriptDir = "macros"
	}

	if c.Hub.QueueSize <= 0 {
		c.Hub.QueueSize = 32
	}
	if c.Hub.MaxConsecutiveDrops <= 0 {
		c.Hub.MaxConsecutiveDrops = 10
	}

	if c.RateLimit.RequestsPerSecond <= 0 {
		c.RateLimit.RequestsPerSecond = 20
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 10
	}

	return nil
}

package capture

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/video-system/go-capture-core/pkg/engine"
)

// Config holds all capture configuration
type Config struct {
	// Shared pipeline settings, inherited by every device
	PipelineDepth      int           `yaml:"pipeline_depth" env:"CAPTURE_PIPELINE_DEPTH"`
	PartialResultCount int           `yaml:"partial_result_count" env:"CAPTURE_PARTIAL_RESULT_COUNT"`
	FlushTimeout       time.Duration `yaml:"flush_timeout" env:"CAPTURE_FLUSH_TIMEOUT"`
	FenceTimeout       time.Duration `yaml:"fence_timeout" env:"CAPTURE_FENCE_TIMEOUT"`
	Engine             string        `yaml:"engine" env:"CAPTURE_ENGINE"`
	History            int           `yaml:"history" env:"CAPTURE_HISTORY"` // Results kept per device

	Devices []DeviceConfig `yaml:"devices"`

	API       APIConfig       `yaml:"api"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Log       LogConfig       `yaml:"log"`
}

// DeviceConfig configures one camera. Zero values inherit from Config.
type DeviceConfig struct {
	ID                 string          `yaml:"id"`
	Engine             string          `yaml:"engine"`
	PipelineDepth      int             `yaml:"pipeline_depth"`
	PartialResultCount int             `yaml:"partial_result_count"`
	FlushTimeout       time.Duration   `yaml:"flush_timeout"`
	FenceTimeout       time.Duration   `yaml:"fence_timeout"`
	History            int             `yaml:"history"`
	Sim                SimConfig       `yaml:"sim"`
	Targets            []engine.Target `yaml:"targets"`
}

// SimConfig tunes the simulated engine
type SimConfig struct {
	MinLatency time.Duration `yaml:"min_latency"` // 5ms
	MaxLatency time.Duration `yaml:"max_latency"` // 30ms
	FenceDelay time.Duration `yaml:"fence_delay"` // 2ms
}

// APIConfig configures the control API
type APIConfig struct {
	Port int    `yaml:"port" env:"CAPTURE_API_PORT"`
	Host string `yaml:"host" env:"CAPTURE_API_HOST"`
}

// TelemetryConfig configures OpenTelemetry export
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name" env:"CAPTURE_SERVICE_NAME"`
	Endpoint    string `yaml:"endpoint" env:"CAPTURE_OTEL_ENDPOINT"` // OTLP/HTTP collector, empty disables export
}

// LogConfig configures the process logger
type LogConfig struct {
	Level  string `yaml:"level" env:"CAPTURE_LOG_LEVEL"`   // debug, info, warn, error
	Format string `yaml:"format" env:"CAPTURE_LOG_FORMAT"` // text, json
}

// LoadConfig loads configuration from a YAML file. An empty path yields the
// defaults. Environment variables override file values.
func LoadConfig(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}

		// Expand environment variables
		data = []byte(os.ExpandEnv(string(data)))

		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.PipelineDepth == 0 {
		c.PipelineDepth = DefaultPipelineDepth
	}
	if c.PartialResultCount == 0 {
		c.PartialResultCount = DefaultPartialResultCount
	}
	if c.FlushTimeout == 0 {
		c.FlushTimeout = DefaultFlushTimeout
	}
	if c.FenceTimeout == 0 {
		c.FenceTimeout = DefaultFenceTimeout
	}
	if c.Engine == "" {
		c.Engine = "sim"
	}
	if c.History == 0 {
		c.History = 256
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "go-capture-core"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}

	if len(c.Devices) == 0 {
		c.Devices = []DeviceConfig{{
			ID: "cam0",
			Targets: []engine.Target{
				{ID: "preview", Width: 1920, Height: 1080, Format: "nv12", MaxBuffers: 4},
			},
		}}
	}

	// Per-device values fall back to the shared ones
	for i := range c.Devices {
		d := &c.Devices[i]
		if d.Engine == "" {
			d.Engine = c.Engine
		}
		if d.PipelineDepth == 0 {
			d.PipelineDepth = c.PipelineDepth
		}
		if d.PartialResultCount == 0 {
			d.PartialResultCount = c.PartialResultCount
		}
		if d.FlushTimeout == 0 {
			d.FlushTimeout = c.FlushTimeout
		}
		if d.FenceTimeout == 0 {
			d.FenceTimeout = c.FenceTimeout
		}
		if d.History == 0 {
			d.History = c.History
		}
		if d.Sim.MaxLatency == 0 {
			d.Sim.MaxLatency = 30 * time.Millisecond
		}
		if d.Sim.MinLatency == 0 {
			d.Sim.MinLatency = 5 * time.Millisecond
		}
		if d.Sim.FenceDelay == 0 {
			d.Sim.FenceDelay = 2 * time.Millisecond
		}
	}
}

// Validate checks the loaded configuration
func (c *Config) Validate() error {
	if c.PipelineDepth < 1 {
		return fmt.Errorf("pipeline_depth must be at least 1")
	}
	if c.PartialResultCount < 1 {
		return fmt.Errorf("partial_result_count must be at least 1")
	}

	seen := make(map[string]bool, len(c.Devices))
	for _, d := range c.Devices {
		if d.ID == "" {
			return fmt.Errorf("device id is required")
		}
		if seen[d.ID] {
			return fmt.Errorf("duplicate device %q", d.ID)
		}
		seen[d.ID] = true

		if d.PipelineDepth < 1 {
			return fmt.Errorf("device %s: pipeline_depth must be at least 1", d.ID)
		}
		if d.PartialResultCount < 1 {
			return fmt.Errorf("device %s: partial_result_count must be at least 1", d.ID)
		}
		if len(d.Targets) == 0 {
			return fmt.Errorf("device %s: no targets", d.ID)
		}
		if err := validateTargets(d.Targets); err != nil {
			return fmt.Errorf("device %s: %w", d.ID, err)
		}
	}
	return nil
}

// Options builds the coordinator options for the device.
func (d DeviceConfig) Options(logger *slog.Logger) Options {
	return Options{
		DeviceID:           d.ID,
		PipelineDepth:      d.PipelineDepth,
		PartialResultCount: d.PartialResultCount,
		FlushTimeout:       d.FlushTimeout,
		FenceTimeout:       d.FenceTimeout,
		Logger:             logger,
	}
}

// EngineConfig builds the configuration handed to the engine factory.
func (d DeviceConfig) EngineConfig(logger *slog.Logger) engine.Config {
	return engine.Config{
		DeviceID:           d.ID,
		PipelineDepth:      d.PipelineDepth,
		PartialResultCount: d.PartialResultCount,
		MinLatency:         d.Sim.MinLatency,
		MaxLatency:         d.Sim.MaxLatency,
		FenceDelay:         d.Sim.FenceDelay,
		Logger:             logger,
	}
}

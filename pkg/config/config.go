package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Stream sources
const (
	SourceSilence  = "silence"
	SourceTone     = "tone"
	SourcePipeline = "pipeline"
	SourceLoopback = "loopback"
)

// StreamConfig describes one relay stream
type StreamConfig struct {
	Name      string `yaml:"name"`
	Direction string `yaml:"direction"`
	Driver    string `yaml:"driver"`
	Device    string `yaml:"device"`

	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	PTime      int    `yaml:"ptime"`
	Format     string `yaml:"format"`
	Slots      int    `yaml:"slots"`

	// Source feeds playback streams: silence, tone, pipeline or loopback
	Source string  `yaml:"source"`
	ToneHz float64 `yaml:"tone_hz"`

	// From names the capture stream a loopback playback stream repeats
	From string `yaml:"from"`

	Monitor   bool `yaml:"monitor"`
	Autostart bool `yaml:"autostart"`
}

// Config represents the framerelay configuration
type Config struct {
	Relay struct {
		Slots              int  `yaml:"slots"`
		PlaybackPollMs     int  `yaml:"playback_poll_ms"`
		CapturePollMs      int  `yaml:"capture_poll_ms"`
		WakeOnComplete     bool `yaml:"wake_on_complete"`
		ShutdownTimeoutMs  int  `yaml:"shutdown_timeout_ms"`
		SwapCapacityFrames int  `yaml:"swap_capacity_frames"`
		InputQueue         int  `yaml:"input_queue"`
		UseBufferPool      bool `yaml:"use_buffer_pool"`
	} `yaml:"relay"`

	Drivers struct {
		QueueDepth int     `yaml:"queue_depth"`
		LatencyMs  int     `yaml:"latency_ms"`
		ToneHz     float64 `yaml:"tone_hz"`
		WAVDir     string  `yaml:"wav_dir"`
		WAVLoop    bool    `yaml:"wav_loop"`
		Realtime   bool    `yaml:"realtime"`
	} `yaml:"drivers"`

	Streams []StreamConfig `yaml:"streams"`

	Monitor struct {
		FFTSize    int `yaml:"fft_size"`
		IntervalMs int `yaml:"interval_ms"`
	} `yaml:"monitor"`

	Web struct {
		Port        int    `yaml:"port"`
		BindAddress string `yaml:"bind_address"`
	} `yaml:"web"`

	API struct {
		UnixSocket string `yaml:"unix_socket"`
	} `yaml:"api"`

	Storage struct {
		DatabasePath string `yaml:"database_path"`
		MaxEvents    int    `yaml:"max_events"`
	} `yaml:"storage"`

	Logging struct {
		Level      string `yaml:"level"`
		File       string `yaml:"file"`
		Console    bool   `yaml:"console"`
		Structured bool   `yaml:"structured"`
		MaxSize    int    `yaml:"max_size"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAge     int    `yaml:"max_age"`
		Compress   bool   `yaml:"compress"`
	} `yaml:"logging"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"metrics"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML configuration and applies defaults
func ParseConfig(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	config.SetDefaults()
	return &config, nil
}

// Default returns a configuration with every default applied and no
// streams
func Default() *Config {
	var config Config
	config.SetDefaults()
	return &config
}

// SetDefaults fills in unset values
func (c *Config) SetDefaults() {
	if c.Relay.Slots == 0 {
		c.Relay.Slots = 4
	}
	if c.Relay.PlaybackPollMs == 0 {
		c.Relay.PlaybackPollMs = 5
	}
	if c.Relay.CapturePollMs == 0 {
		c.Relay.CapturePollMs = 1
	}
	if c.Relay.ShutdownTimeoutMs == 0 {
		c.Relay.ShutdownTimeoutMs = 2000
	}
	if c.Relay.InputQueue == 0 {
		c.Relay.InputQueue = 10
	}
	if c.Drivers.QueueDepth == 0 {
		c.Drivers.QueueDepth = 64
	}
	if c.Drivers.ToneHz == 0 {
		c.Drivers.ToneHz = 1000
	}
	if c.Drivers.WAVDir == "" {
		c.Drivers.WAVDir = "./wav"
	}
	if c.Monitor.FFTSize == 0 {
		c.Monitor.FFTSize = 1024
	}
	if c.Monitor.IntervalMs == 0 {
		c.Monitor.IntervalMs = 100
	}
	if c.Web.Port == 0 {
		c.Web.Port = 8080
	}
	if c.Web.BindAddress == "" {
		c.Web.BindAddress = "0.0.0.0"
	}
	if c.API.UnixSocket == "" {
		c.API.UnixSocket = "/tmp/framerelay.sock"
	}
	if c.Storage.MaxEvents == 0 {
		c.Storage.MaxEvents = 10000
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.MaxSize == 0 {
		c.Logging.MaxSize = 10
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 3
	}
	if c.Logging.MaxAge == 0 {
		c.Logging.MaxAge = 28
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	for i := range c.Streams {
		s := &c.Streams[i]
		if s.Driver == "" {
			s.Driver = "mock"
		}
		if s.SampleRate == 0 {
			s.SampleRate = 48000
		}
		if s.Channels == 0 {
			s.Channels = 1
		}
		if s.PTime == 0 {
			s.PTime = 20
		}
		if s.Format == "" {
			s.Format = "s16le"
		}
		if s.Slots == 0 {
			s.Slots = c.Relay.Slots
		}
		if s.Source == "" {
			s.Source = SourceSilence
			if s.From != "" {
				s.Source = SourceLoopback
			}
		}
		if s.ToneHz == 0 {
			s.ToneHz = c.Drivers.ToneHz
		}
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Relay.Slots < 1 {
		return fmt.Errorf("relay slots must be at least 1")
	}
	if c.Relay.PlaybackPollMs < 1 || c.Relay.CapturePollMs < 1 {
		return fmt.Errorf("relay poll intervals must be at least 1ms")
	}
	if c.Relay.SwapCapacityFrames < 0 {
		return fmt.Errorf("relay swap capacity cannot be negative")
	}
	if c.Web.Port < 1 || c.Web.Port > 65535 {
		return fmt.Errorf("invalid web port %d", c.Web.Port)
	}

	names := make(map[string]*StreamConfig, len(c.Streams))
	for i := range c.Streams {
		s := &c.Streams[i]
		if s.Name == "" {
			return fmt.Errorf("stream %d: name is required", i)
		}
		if _, dup := names[s.Name]; dup {
			return fmt.Errorf("stream %q: duplicate name", s.Name)
		}
		names[s.Name] = s

		if !s.IsCapture() && !s.IsPlayback() {
			return fmt.Errorf("stream %q: direction must be playback or capture, got %q", s.Name, s.Direction)
		}
		if s.SampleRate <= 0 || s.Channels <= 0 || s.PTime <= 0 {
			return fmt.Errorf("stream %q: sample_rate, channels and ptime must be positive", s.Name)
		}
		if s.Slots < 1 {
			return fmt.Errorf("stream %q: slots must be at least 1", s.Name)
		}
		if s.IsPlayback() {
			switch s.Source {
			case SourceSilence, SourceTone, SourcePipeline, SourceLoopback:
			default:
				return fmt.Errorf("stream %q: unknown source %q", s.Name, s.Source)
			}
		}
	}

	for _, s := range c.Streams {
		if s.Source != SourceLoopback || !s.IsPlayback() {
			continue
		}
		from, ok := names[s.From]
		if !ok {
			return fmt.Errorf("stream %q: loopback source %q not configured", s.Name, s.From)
		}
		if !from.IsCapture() {
			return fmt.Errorf("stream %q: loopback source %q is not a capture stream", s.Name, s.From)
		}
		if from.SampleRate != s.SampleRate || from.Channels != s.Channels {
			return fmt.Errorf("stream %q: loopback source %q has a different rate or channel count", s.Name, s.From)
		}
	}
	return nil
}

// Stream returns the named stream configuration
func (c *Config) Stream(name string) (StreamConfig, bool) {
	for _, s := range c.Streams {
		if s.Name == name {
			return s, true
		}
	}
	return StreamConfig{}, false
}

// IsCapture reports whether the stream records audio
func (s StreamConfig) IsCapture() bool {
	switch strings.ToLower(s.Direction) {
	case "capture", "input", "rx":
		return true
	}
	return false
}

// IsPlayback reports whether the stream plays audio
func (s StreamConfig) IsPlayback() bool {
	switch strings.ToLower(s.Direction) {
	case "playback", "output", "tx":
		return true
	}
	return false
}

// PlaybackPoll returns the playback pump period
func (c *Config) PlaybackPoll() time.Duration {
	return time.Duration(c.Relay.PlaybackPollMs) * time.Millisecond
}

// CapturePoll returns the capture pump period
func (c *Config) CapturePoll() time.Duration {
	return time.Duration(c.Relay.CapturePollMs) * time.Millisecond
}

// ShutdownTimeout returns how long a stream stop may take
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Relay.ShutdownTimeoutMs) * time.Millisecond
}

// Latency returns the mock driver completion delay
func (c *Config) Latency() time.Duration {
	return time.Duration(c.Drivers.LatencyMs) * time.Millisecond
}

// MonitorInterval returns the level push period
func (c *Config) MonitorInterval() time.Duration {
	return time.Duration(c.Monitor.IntervalMs) * time.Millisecond
}

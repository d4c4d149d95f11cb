package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Gateway struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"gateway"`

	Storage struct {
		RootDir        string        `yaml:"root_dir"`
		BaseURL        string        `yaml:"base_url"`
		URLSecret      string        `yaml:"url_secret"`
		WriteTTL       time.Duration `yaml:"write_ttl"`
		DefaultReadTTL time.Duration `yaml:"default_read_ttl"`
	} `yaml:"storage"`

	Redis struct {
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Capture struct {
		ChunkInterval time.Duration `yaml:"chunk_interval"`
		ContentType   string        `yaml:"content_type"`
		Container     string        `yaml:"container"`
		Codec         string        `yaml:"codec"`
		Width         int           `yaml:"width"`
		Height        int           `yaml:"height"`
	} `yaml:"capture"`

	Upload struct {
		QueuePath     string          `yaml:"queue_path"`
		MaxConcurrent int             `yaml:"max_concurrent"`
		MaxRetries    int             `yaml:"max_retries"`
		RetrySchedule []time.Duration `yaml:"retry_schedule"`
		RetentionAge  time.Duration   `yaml:"retention_age"`
		RetryCeiling  int             `yaml:"retry_ceiling"`
		SweepInterval time.Duration   `yaml:"sweep_interval"`
	} `yaml:"upload"`

	Playback struct {
		FetchAttempts  int           `yaml:"fetch_attempts"`
		FetchBaseDelay time.Duration `yaml:"fetch_base_delay"`
		ReadTTL        time.Duration `yaml:"read_ttl"`
	} `yaml:"playback"`

	WebRTC struct {
		ICEServers []struct {
			URLs       []string `yaml:"urls"`
			Username   string   `yaml:"username,omitempty"`
			Credential string   `yaml:"credential,omitempty"`
		} `yaml:"ice_servers"`
	} `yaml:"webrtc"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`

	RateLimiting struct {
		Enabled           bool    `yaml:"enabled"`
		RequestsPerSecond float64 `yaml:"requests_per_second"`
		Burst             int     `yaml:"burst"`
	} `yaml:"rate_limiting"`

	Tracing struct {
		Enabled        bool   `yaml:"enabled"`
		JaegerEndpoint string `yaml:"jaeger_endpoint"`
		ServiceName    string `yaml:"service_name"`
	} `yaml:"tracing"`
}

// Load reads and validates a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Gateway.Address = ":8080"
	cfg.Gateway.ReadTimeout = 15 * time.Second
	cfg.Gateway.WriteTimeout = 15 * time.Second
	cfg.Gateway.ShutdownTimeout = 10 * time.Second

	cfg.Storage.RootDir = "./data/objects"
	cfg.Storage.BaseURL = "http://localhost:8080"
	cfg.Storage.WriteTTL = 5 * time.Minute
	cfg.Storage.DefaultReadTTL = 15 * time.Minute

	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.PoolSize = 10

	cfg.Capture.ChunkInterval = 5 * time.Second
	cfg.Capture.ContentType = "video/webm"
	cfg.Capture.Container = "webm"
	cfg.Capture.Codec = "vp8,opus"
	cfg.Capture.Width = 1280
	cfg.Capture.Height = 720

	cfg.Upload.QueuePath = "./data/upload-queue.db"
	cfg.Upload.MaxConcurrent = 3
	cfg.Upload.MaxRetries = 3
	cfg.Upload.RetrySchedule = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	cfg.Upload.RetentionAge = 24 * time.Hour
	cfg.Upload.RetryCeiling = 3
	cfg.Upload.SweepInterval = time.Hour

	cfg.Playback.FetchAttempts = 5
	cfg.Playback.FetchBaseDelay = 250 * time.Millisecond
	cfg.Playback.ReadTTL = 15 * time.Minute

	cfg.Logging.Level = "info"

	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.RequestsPerSecond = 50
	cfg.RateLimiting.Burst = 100

	cfg.Tracing.ServiceName = "sessioncast"

	return cfg
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Gateway.Address == "" {
		return fmt.Errorf("gateway.address must not be empty")
	}
	if c.Gateway.ReadTimeout <= 0 {
		return fmt.Errorf("gateway.read_timeout must be > 0")
	}
	if c.Gateway.WriteTimeout <= 0 {
		return fmt.Errorf("gateway.write_timeout must be > 0")
	}
	if c.Gateway.ShutdownTimeout <= 0 {
		return fmt.Errorf("gateway.shutdown_timeout must be > 0")
	}

	if c.Storage.RootDir == "" {
		return fmt.Errorf("storage.root_dir must not be empty")
	}
	if c.Storage.BaseURL == "" {
		return fmt.Errorf("storage.base_url must not be empty")
	}
	if c.Storage.WriteTTL <= 0 {
		return fmt.Errorf("storage.write_ttl must be > 0")
	}

	if c.Upload.MaxConcurrent <= 0 {
		return fmt.Errorf("upload.max_concurrent must be > 0")
	}
	if c.Upload.MaxRetries < 0 {
		return fmt.Errorf("upload.max_retries must be >= 0")
	}
	if c.Upload.RetryCeiling < 0 {
		return fmt.Errorf("upload.retry_ceiling must be >= 0")
	}

	if c.Playback.FetchAttempts <= 0 {
		return fmt.Errorf("playback.fetch_attempts must be > 0")
	}
	if c.Playback.FetchBaseDelay <= 0 {
		return fmt.Errorf("playback.fetch_base_delay must be > 0")
	}

	if c.RateLimiting.Enabled {
		if c.RateLimiting.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.requests_per_second must be > 0")
		}
		if c.RateLimiting.Burst <= 0 {
			return fmt.Errorf("rate_limiting.burst must be > 0")
		}
	}

	if c.Tracing.Enabled && c.Tracing.JaegerEndpoint == "" {
		return fmt.Errorf("tracing.jaeger_endpoint must be set when tracing is enabled")
	}

	return nil
}

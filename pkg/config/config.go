package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"rillcast/pkg/validation"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Notify struct {
		PingInterval time.Duration `yaml:"ping_interval"`
		PongTimeout  time.Duration `yaml:"pong_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
		SendBuffer   int           `yaml:"send_buffer"`
	} `yaml:"notify"`

	WebRTC struct {
		ICEServers []struct {
			URLs       []string `yaml:"urls"`
			Username   string   `yaml:"username,omitempty"`
			Credential string   `yaml:"credential,omitempty"`
		} `yaml:"ice_servers"`
		PortRange struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		PLIInterval   time.Duration `yaml:"pli_interval"`
		GatherTimeout time.Duration `yaml:"gather_timeout"`
	} `yaml:"webrtc"`

	Relay struct {
		ListenIP string `yaml:"listen_ip"`
		PortMin  int    `yaml:"port_min"`
		PortMax  int    `yaml:"port_max"`
		// Probed at random once port_min..port_max is exhausted.
		FallbackMin      int  `yaml:"fallback_min"`
		FallbackMax      int  `yaml:"fallback_max"`
		FallbackAttempts int  `yaml:"fallback_attempts"`
		ProbePorts       bool `yaml:"probe_ports"`
	} `yaml:"relay"`

	Transcoder struct {
		Binary           string        `yaml:"binary"`
		LogLevel         string        `yaml:"log_level"`
		Width            int           `yaml:"width"`
		Height           int           `yaml:"height"`
		Framerate        int           `yaml:"framerate"`
		VideoCodec       string        `yaml:"video_codec"`
		Preset           string        `yaml:"preset"`
		Tune             string        `yaml:"tune"`
		VideoBitrate     string        `yaml:"video_bitrate"`
		MaxRate          string        `yaml:"max_rate"`
		BufSize          string        `yaml:"buf_size"`
		KeyframeInterval int           `yaml:"keyframe_interval"`
		AudioCodec       string        `yaml:"audio_codec"`
		AudioBitrate     string        `yaml:"audio_bitrate"`
		AudioSampleRate  int           `yaml:"audio_sample_rate"`
		WarmupDelay      time.Duration `yaml:"warmup_delay"`
		StopGrace        time.Duration `yaml:"stop_grace"`
		WarnEvery        int           `yaml:"warn_every"`

		SpawnBreaker struct {
			MaxFailures  int           `yaml:"max_failures"`
			ResetTimeout time.Duration `yaml:"reset_timeout"`
		} `yaml:"spawn_breaker"`
	} `yaml:"transcoder"`

	HLS struct {
		OutputDir       string `yaml:"output_dir"`
		PublicBaseURL   string `yaml:"public_base_url"`
		SegmentDuration int    `yaml:"segment_duration"`
		PlaylistSize    int    `yaml:"playlist_size"`
		DeleteSegments  bool   `yaml:"delete_segments"`
		// Serve exposes output_dir under /hls on the API server.
		Serve bool `yaml:"serve"`
	} `yaml:"hls"`

	Monitoring struct {
		PrometheusEnabled   bool          `yaml:"prometheus_enabled"`
		MetricsPath         string        `yaml:"metrics_path"`
		HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled    bool          `yaml:"enabled"`
		Address    string        `yaml:"address"`
		Password   string        `yaml:"password"`
		DB         int           `yaml:"db"`
		PoolSize   int           `yaml:"pool_size"`
		Channel    string        `yaml:"channel"`
		SessionTTL time.Duration `yaml:"session_ttl"`
		// CacheTTL keeps session reads in memory; 0 disables the cache.
		CacheTTL time.Duration `yaml:"cache_ttl"`
	} `yaml:"redis"`

	Auth struct {
		Enabled        bool     `yaml:"enabled"`
		JWTSecret      string   `yaml:"jwt_secret"`
		Issuer         string   `yaml:"issuer"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`

		WebSocket struct {
			ConnectionsPerMinute int `yaml:"connections_per_minute"`
			MaxConcurrent        int `yaml:"max_concurrent_connections"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Notify
	if c.Notify.PingInterval <= 0 {
		return fmt.Errorf("notify.ping_interval must be > 0")
	}
	if c.Notify.PongTimeout <= c.Notify.PingInterval {
		return fmt.Errorf("notify.pong_timeout must be > notify.ping_interval")
	}
	if c.Notify.SendBuffer <= 0 {
		return fmt.Errorf("notify.send_buffer must be > 0")
	}

	// WebRTC
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}

	// Relay
	if err := validation.ValidateListenIP(c.Relay.ListenIP); err != nil {
		return fmt.Errorf("relay.listen_ip: %w", err)
	}
	if err := validation.ValidatePortRange(c.Relay.PortMin, c.Relay.PortMax); err != nil {
		return fmt.Errorf("relay port range: %w", err)
	}
	if c.Relay.FallbackAttempts > 0 {
		if err := validation.ValidatePortRange(c.Relay.FallbackMin, c.Relay.FallbackMax); err != nil {
			return fmt.Errorf("relay fallback range: %w", err)
		}
		if c.Relay.FallbackMin <= c.Relay.PortMax && c.Relay.PortMin <= c.Relay.FallbackMax {
			return fmt.Errorf("relay fallback range must not overlap port_min..port_max")
		}
	}
	if c.Relay.FallbackAttempts < 0 {
		return fmt.Errorf("relay.fallback_attempts must be >= 0")
	}

	// Transcoder
	if c.Transcoder.Binary == "" {
		return fmt.Errorf("transcoder.binary must not be empty")
	}
	if c.Transcoder.Width <= 0 || c.Transcoder.Height <= 0 || c.Transcoder.Width%2 != 0 || c.Transcoder.Height%2 != 0 {
		return fmt.Errorf("transcoder.width and height must be positive and even")
	}
	if c.Transcoder.Framerate <= 0 {
		return fmt.Errorf("transcoder.framerate must be > 0")
	}
	if c.Transcoder.KeyframeInterval <= 0 {
		return fmt.Errorf("transcoder.keyframe_interval must be > 0")
	}
	if c.Transcoder.AudioSampleRate <= 0 {
		return fmt.Errorf("transcoder.audio_sample_rate must be > 0")
	}
	if c.Transcoder.WarmupDelay < 0 {
		return fmt.Errorf("transcoder.warmup_delay must be >= 0")
	}
	if c.Transcoder.StopGrace <= 0 {
		return fmt.Errorf("transcoder.stop_grace must be > 0")
	}
	if c.Transcoder.WarnEvery <= 0 {
		return fmt.Errorf("transcoder.warn_every must be > 0")
	}
	if c.Transcoder.SpawnBreaker.MaxFailures <= 0 {
		return fmt.Errorf("transcoder.spawn_breaker.max_failures must be > 0")
	}

	// HLS
	if c.HLS.OutputDir == "" {
		return fmt.Errorf("hls.output_dir must not be empty")
	}
	if !strings.HasPrefix(c.HLS.PublicBaseURL, "/") {
		if err := validation.ValidateURL(c.HLS.PublicBaseURL); err != nil {
			return fmt.Errorf("hls.public_base_url: %w", err)
		}
	}
	if c.HLS.SegmentDuration <= 0 {
		return fmt.Errorf("hls.segment_duration must be > 0")
	}
	if c.HLS.PlaylistSize <= 0 {
		return fmt.Errorf("hls.playlist_size must be > 0")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
		if c.Redis.Channel == "" {
			return fmt.Errorf("redis.channel must not be empty when redis.enabled=true")
		}
	}

	// Auth
	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty when auth.enabled=true")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.ConnectionsPerMinute <= 0 {
			return fmt.Errorf("rate_limiting.websocket.connections_per_minute must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_concurrent_connections must be >= 0 when rate limiting is enabled")
		}
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
// Variables from a .env file next to the working directory are loaded first;
// variables already set in the environment win.
func Load(configPath string) (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	cfg := DefaultConfig()

	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file %s: %w", configPath, err)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Notify.PingInterval = 30 * time.Second
	cfg.Notify.PongTimeout = 60 * time.Second
	cfg.Notify.WriteTimeout = 10 * time.Second
	cfg.Notify.SendBuffer = 16

	cfg.WebRTC.PLIInterval = 3 * time.Second
	cfg.WebRTC.GatherTimeout = 5 * time.Second

	cfg.Relay.ListenIP = "127.0.0.1"
	cfg.Relay.PortMin = 20000
	cfg.Relay.PortMax = 20998
	cfg.Relay.FallbackMin = 40000
	cfg.Relay.FallbackMax = 49998
	cfg.Relay.FallbackAttempts = 16
	cfg.Relay.ProbePorts = true

	cfg.Transcoder.Binary = "ffmpeg"
	cfg.Transcoder.LogLevel = "warning"
	cfg.Transcoder.Width = 1280
	cfg.Transcoder.Height = 720
	cfg.Transcoder.Framerate = 30
	cfg.Transcoder.VideoCodec = "libx264"
	cfg.Transcoder.Preset = "veryfast"
	cfg.Transcoder.Tune = "zerolatency"
	cfg.Transcoder.VideoBitrate = "2500k"
	cfg.Transcoder.MaxRate = "3000k"
	cfg.Transcoder.BufSize = "5000k"
	cfg.Transcoder.KeyframeInterval = 60
	cfg.Transcoder.AudioCodec = "aac"
	cfg.Transcoder.AudioBitrate = "128k"
	cfg.Transcoder.AudioSampleRate = 48000
	cfg.Transcoder.WarmupDelay = time.Second
	cfg.Transcoder.StopGrace = 5 * time.Second
	cfg.Transcoder.WarnEvery = 50
	cfg.Transcoder.SpawnBreaker.MaxFailures = 3
	cfg.Transcoder.SpawnBreaker.ResetTimeout = 30 * time.Second

	cfg.HLS.OutputDir = "./hls"
	cfg.HLS.PublicBaseURL = "/hls"
	cfg.HLS.SegmentDuration = 2
	cfg.HLS.PlaylistSize = 6
	cfg.HLS.DeleteSegments = true
	cfg.HLS.Serve = true

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.MetricsPath = "/metrics"
	cfg.Monitoring.HealthCheckInterval = 30 * time.Second

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.Channel = "rillcast:events"
	cfg.Redis.SessionTTL = 24 * time.Hour
	cfg.Redis.CacheTTL = 2 * time.Second

	cfg.Auth.Enabled = false
	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.Issuer = "rillcast"
	cfg.Auth.AllowedOrigins = []string{"*"}

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 60
	cfg.RateLimiting.WebSocket.MaxConcurrent = 0

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	return cfg
}

func (c *Config) applyEnvOverrides() error {
	if addr := os.Getenv("RILLCAST_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if level := os.Getenv("RILLCAST_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("RILLCAST_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if binary := os.Getenv("RILLCAST_FFMPEG_BINARY"); binary != "" {
		c.Transcoder.Binary = binary
	}
	if dir := os.Getenv("RILLCAST_HLS_OUTPUT_DIR"); dir != "" {
		c.HLS.OutputDir = dir
	}
	if url := os.Getenv("RILLCAST_PUBLIC_BASE_URL"); url != "" {
		c.HLS.PublicBaseURL = url
	}
	if ip := os.Getenv("RILLCAST_RELAY_LISTEN_IP"); ip != "" {
		c.Relay.ListenIP = ip
	}
	if addr := os.Getenv("RILLCAST_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
	if v := os.Getenv("RILLCAST_AUTH_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("RILLCAST_AUTH_ENABLED: %w", err)
		}
		c.Auth.Enabled = enabled
	}
	return nil
}

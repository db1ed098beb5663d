package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	NATS     NATSConfig     `yaml:"nats"`
	MinIO    MinIOConfig    `yaml:"minio"`
	Engine   EngineConfig   `yaml:"engine"`
	Tracking TrackingConfig `yaml:"tracking"`
	Rules    RulesConfig    `yaml:"rules"`
	Audit    AuditConfig    `yaml:"audit"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Port        int    `yaml:"port"`
	MetricsPort int    `yaml:"metrics_port"`
	APIKey      string `yaml:"api_key"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	MaxConns int    `yaml:"max_conns"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

type NATSConfig struct {
	URL string `yaml:"url"`
}

type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// EngineConfig drives the per-stream cycle loop.
type EngineConfig struct {
	ConfidenceThreshold  float64 `yaml:"confidence_threshold"`
	DetectionSkip        int     `yaml:"detection_skip"`        // process every Nth cycle only
	PersistenceThreshold int     `yaml:"persistence_threshold"` // missed frames before eviction
	PredictionLookahead  int     `yaml:"prediction_lookahead"`  // steps for the advisory vector
	FrameWidth           int     `yaml:"frame_width"`
	FrameHeight          int     `yaml:"frame_height"`
	FPS                  int     `yaml:"fps"`
}

// FramePeriod is the nominal elapsed time of one cycle.
func (e EngineConfig) FramePeriod() time.Duration {
	if e.FPS <= 0 {
		return time.Second / 30
	}
	return time.Second / time.Duration(e.FPS)
}

type TrackingConfig struct {
	IoUThreshold      float64 `yaml:"iou_threshold"`
	HistoryLength     int     `yaml:"history_length"`
	PositionGain      float64 `yaml:"position_gain"`
	VelocityGain      float64 `yaml:"velocity_gain"`
	MinHitsVehicle    int     `yaml:"min_hits_vehicle"`
	MinHitsPedestrian int     `yaml:"min_hits_pedestrian"`
}

type RulesConfig struct {
	StopDwell       time.Duration `yaml:"stop_dwell"`
	ZoneDwell       time.Duration `yaml:"zone_dwell"`
	StationarySpeed float64       `yaml:"stationary_speed"` // normalized units per frame
	MotionReset     time.Duration `yaml:"motion_reset"`     // continuous motion that clears stop dwell
}

type AuditConfig struct {
	Workers        int           `yaml:"workers"`
	QueueSize      int           `yaml:"queue_size"`
	Timeout        time.Duration `yaml:"timeout"`
	CaptureTimeout time.Duration `yaml:"capture_timeout"`
	AnomalySpeed   float64       `yaml:"anomaly_speed"` // pixels per frame
	EvidencePrefix string        `yaml:"evidence_prefix"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads config from YAML file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes, applies env overrides and defaults, and validates.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(cfg)
	setDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	setDefaults(cfg)
	return cfg
}

func setDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.MetricsPort == 0 {
		cfg.Server.MetricsPort = 8082
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.MaxConns == 0 {
		cfg.Database.MaxConns = 20
	}
	if cfg.MinIO.Bucket == "" {
		cfg.MinIO.Bucket = "lanewatch"
	}
	if cfg.Engine.ConfidenceThreshold == 0 {
		cfg.Engine.ConfidenceThreshold = 0.4
	}
	if cfg.Engine.DetectionSkip == 0 {
		cfg.Engine.DetectionSkip = 1
	}
	if cfg.Engine.PersistenceThreshold == 0 {
		cfg.Engine.PersistenceThreshold = 30
	}
	if cfg.Engine.PredictionLookahead == 0 {
		cfg.Engine.PredictionLookahead = 15
	}
	if cfg.Engine.FrameWidth == 0 {
		cfg.Engine.FrameWidth = 1280
	}
	if cfg.Engine.FrameHeight == 0 {
		cfg.Engine.FrameHeight = 720
	}
	if cfg.Engine.FPS == 0 {
		cfg.Engine.FPS = 30
	}
	if cfg.Tracking.IoUThreshold == 0 {
		cfg.Tracking.IoUThreshold = 0.3
	}
	if cfg.Tracking.HistoryLength == 0 {
		cfg.Tracking.HistoryLength = 30
	}
	if cfg.Tracking.PositionGain == 0 {
		cfg.Tracking.PositionGain = 0.85
	}
	if cfg.Tracking.VelocityGain == 0 {
		cfg.Tracking.VelocityGain = 0.05
	}
	if cfg.Tracking.MinHitsVehicle == 0 {
		cfg.Tracking.MinHitsVehicle = 3
	}
	if cfg.Tracking.MinHitsPedestrian == 0 {
		cfg.Tracking.MinHitsPedestrian = 5
	}
	if cfg.Rules.StopDwell == 0 {
		cfg.Rules.StopDwell = 3 * time.Second
	}
	if cfg.Rules.ZoneDwell == 0 {
		cfg.Rules.ZoneDwell = 5 * time.Second
	}
	if cfg.Rules.StationarySpeed == 0 {
		cfg.Rules.StationarySpeed = 0.002
	}
	if cfg.Rules.MotionReset == 0 {
		cfg.Rules.MotionReset = 3 * time.Second
	}
	if cfg.Audit.Workers == 0 {
		cfg.Audit.Workers = 2
	}
	if cfg.Audit.QueueSize == 0 {
		cfg.Audit.QueueSize = 64
	}
	if cfg.Audit.Timeout == 0 {
		cfg.Audit.Timeout = 10 * time.Second
	}
	if cfg.Audit.CaptureTimeout == 0 {
		cfg.Audit.CaptureTimeout = 500 * time.Millisecond
	}
	if cfg.Audit.AnomalySpeed == 0 {
		cfg.Audit.AnomalySpeed = 60
	}
	if cfg.Audit.EvidencePrefix == "" {
		cfg.Audit.EvidencePrefix = "evidence"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Engine.ConfidenceThreshold < 0 || c.Engine.ConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("engine.confidence_threshold must be in [0,1], got %v", c.Engine.ConfidenceThreshold))
	}
	if c.Engine.DetectionSkip < 1 {
		errs = append(errs, fmt.Errorf("engine.detection_skip must be >= 1, got %d", c.Engine.DetectionSkip))
	}
	if c.Engine.PersistenceThreshold < 0 {
		errs = append(errs, fmt.Errorf("engine.persistence_threshold must be >= 0, got %d", c.Engine.PersistenceThreshold))
	}
	if c.Engine.FrameWidth <= 0 || c.Engine.FrameHeight <= 0 {
		errs = append(errs, fmt.Errorf("engine frame size must be positive, got %dx%d", c.Engine.FrameWidth, c.Engine.FrameHeight))
	}
	if c.Tracking.IoUThreshold < 0 || c.Tracking.IoUThreshold >= 1 {
		errs = append(errs, fmt.Errorf("tracking.iou_threshold must be in [0,1), got %v", c.Tracking.IoUThreshold))
	}
	if c.Tracking.PositionGain <= 0 || c.Tracking.PositionGain >= 1 {
		errs = append(errs, fmt.Errorf("tracking.position_gain must be in (0,1), got %v", c.Tracking.PositionGain))
	}
	if c.Tracking.VelocityGain <= 0 || 4-2*c.Tracking.PositionGain-c.Tracking.VelocityGain <= 0 {
		errs = append(errs, fmt.Errorf("tracking gains (%v, %v) give an unstable filter",
			c.Tracking.PositionGain, c.Tracking.VelocityGain))
	}
	if c.Tracking.HistoryLength < 2 {
		errs = append(errs, fmt.Errorf("tracking.history_length must be >= 2, got %d", c.Tracking.HistoryLength))
	}
	if c.Audit.Workers < 1 || c.Audit.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("audit workers and queue_size must be >= 1"))
	}
	return errors.Join(errs...)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LW_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("LW_API_KEY"); v != "" {
		cfg.Server.APIKey = v
	}
	if v := os.Getenv("LW_DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("LW_DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Database.Port = port
		}
	}
	if v := os.Getenv("LW_DB_NAME"); v != "" {
		cfg.Database.Name = v
	}
	if v := os.Getenv("LW_DB_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("LW_DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("LW_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("LW_MINIO_ENDPOINT"); v != "" {
		cfg.MinIO.Endpoint = v
	}
	if v := os.Getenv("LW_MINIO_ACCESS_KEY"); v != "" {
		cfg.MinIO.AccessKey = v
	}
	if v := os.Getenv("LW_MINIO_SECRET_KEY"); v != "" {
		cfg.MinIO.SecretKey = v
	}
	if v := os.Getenv("LW_MINIO_BUCKET"); v != "" {
		cfg.MinIO.Bucket = v
	}
	if v := os.Getenv("LW_CONFIDENCE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Engine.ConfidenceThreshold = f
		}
	}
	if v := os.Getenv("LW_DETECTION_SKIP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.DetectionSkip = n
		}
	}
	if v := os.Getenv("LW_AUDIT_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Audit.Workers = n
		}
	}
}

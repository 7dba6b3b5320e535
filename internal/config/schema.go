package config

import (
	"time"

	"github.com/coopco/stampbot/internal/retry"
	"github.com/coopco/stampbot/internal/transform"
)

// Config is the top-level configuration
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Transform TransformConfig `json:"transform"`
	Retry     RetryConfig     `json:"retry"`
	Watermark WatermarkConfig `json:"watermark"`
	Metrics   MetricsConfig   `json:"metrics"`
	Stats     StatsConfig     `json:"stats"`
	Bus       BusConfig       `json:"bus"`
}

// TelegramConfig is passed through to the telegram channel factory.
type TelegramConfig struct {
	Token             string  `json:"token"`
	APIEndpoint       string  `json:"apiEndpoint,omitempty"`
	FileEndpoint      string  `json:"fileEndpoint,omitempty"`
	AllowedChats      []int64 `json:"allowedChats,omitempty"`
	OwnerIDs          []int64 `json:"ownerIds,omitempty"`
	RequestsPerSecond float64 `json:"requestsPerSecond"`
	MaxDownloadBytes  int64   `json:"maxDownloadBytes"`
	PollTimeout       int     `json:"pollTimeout"` // seconds
}

type TransformConfig struct {
	Divider        string `json:"divider"`
	IDMarker       string `json:"idMarker"`
	NoteMarker     string `json:"noteMarker"`
	ReplaceDelayMS int    `json:"replaceDelayMs"`
	MaxTracked     int    `json:"maxTracked"` // 0 keeps every ref
}

// Markers returns the configured markers, falling back per field to the defaults.
func (c TransformConfig) Markers() transform.Markers {
	m := transform.DefaultMarkers()
	if c.Divider != "" {
		m.Divider = c.Divider
	}
	if c.IDMarker != "" {
		m.ID = c.IDMarker
	}
	if c.NoteMarker != "" {
		m.Note = c.NoteMarker
	}
	return m
}

func (c TransformConfig) ReplaceDelay() time.Duration {
	return time.Duration(c.ReplaceDelayMS) * time.Millisecond
}

type RetryConfig struct {
	MaxAttempts       int     `json:"maxAttempts"`
	InitialIntervalMS int     `json:"initialIntervalMs"`
	MaxIntervalMS     int     `json:"maxIntervalMs"`
	Multiplier        float64 `json:"multiplier"`
}

func (c RetryConfig) Policy() retry.Policy {
	return retry.Policy{
		MaxAttempts:     c.MaxAttempts,
		InitialInterval: time.Duration(c.InitialIntervalMS) * time.Millisecond,
		MaxInterval:     time.Duration(c.MaxIntervalMS) * time.Millisecond,
		Multiplier:      c.Multiplier,
	}
}

type WatermarkConfig struct {
	FontPath    string `json:"fontPath"`
	JPEGQuality int    `json:"jpegQuality"`
	MaxPixels   int    `json:"maxPixels"`
}

type MetricsConfig struct {
	Listen string `json:"listen"` // empty disables the /metrics listener
}

type StatsConfig struct {
	Schedule string `json:"schedule"` // cron spec, empty disables the summary log
}

type BusConfig struct {
	BufferSize int `json:"bufferSize"`
}

// DefaultConfig returns a Config with sensible defaults applied.
func DefaultConfig() *Config {
	markers := transform.DefaultMarkers()
	policy := retry.DefaultPolicy()
	return &Config{
		Telegram: TelegramConfig{
			RequestsPerSecond: 20,
			MaxDownloadBytes:  20 << 20,
			PollTimeout:       60,
		},
		Transform: TransformConfig{
			Divider:    markers.Divider,
			IDMarker:   markers.ID,
			NoteMarker: markers.Note,
			MaxTracked: 100000,
		},
		Retry: RetryConfig{
			MaxAttempts:       policy.MaxAttempts,
			InitialIntervalMS: int(policy.InitialInterval / time.Millisecond),
			MaxIntervalMS:     int(policy.MaxInterval / time.Millisecond),
			Multiplier:        policy.Multiplier,
		},
		Watermark: WatermarkConfig{
			JPEGQuality: 75,
			MaxPixels:   50_000_000,
		},
		Stats: StatsConfig{
			Schedule: "@every 1h",
		},
		Bus: BusConfig{
			BufferSize: 100,
		},
	}
}

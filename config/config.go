package config

import (
	"errors"
	"fmt"
	"time"
)

// Output backends.
const (
	BackendLoopback = "v4l2loopback"
	BackendFFmpeg   = "ffmpeg"
)

type Config struct {
	InputDevice  string `json:"input_device"`
	OutputDevice string `json:"output_device"`
	CapsulesDir  string `json:"capsules_dir"`

	// Optional capture resolution hint. Zero keeps the device default.
	Width  int `json:"width"`
	Height int `json:"height"`

	// Renderer names the rendering function. Applied live on reload.
	Renderer string `json:"renderer"`

	OutputBackend string `json:"output_backend"`
	// If non-zero, the output is resampled to this constant frame rate.
	OutputFPS int `json:"output_fps"`

	// Workers sizes the capsule worker pool. Values below the capsule count
	// are raised to it.
	Workers          int `json:"workers"`
	AbandonTimeoutMs int `json:"abandon_timeout_ms"`

	// Consecutive failures after which a capsule is skipped for
	// BreakerCooldownSec. Zero disables circuit breaking.
	BreakerThreshold   int `json:"breaker_threshold"`
	BreakerCooldownSec int `json:"breaker_cooldown_sec"`

	RetryDelayMs    int `json:"retry_delay_ms"`
	MaxRetryDelayMs int `json:"max_retry_delay_ms"`
	// Consecutive failed reads before capture gives up. Zero retries forever.
	MaxReadFailures int `json:"max_read_failures"`

	ShutdownTimeoutSec int `json:"shutdown_timeout_sec"`

	// HTTPAddr serves metrics, previews and the event stream when set.
	HTTPAddr string `json:"http_addr"`
	// LogLevel is a logrus level name. Applied live on reload.
	LogLevel string `json:"log_level"`
}

func Default() *Config {
	return &Config{
		Renderer:           "only_masks",
		OutputBackend:      BackendLoopback,
		AbandonTimeoutMs:   2000,
		BreakerCooldownSec: 30,
		RetryDelayMs:       5,
		MaxRetryDelayMs:    1000,
		ShutdownTimeoutSec: 10,
		LogLevel:           "info",
	}
}

func (c *Config) Validate() error {
	var errs []error
	if c.InputDevice == "" {
		errs = append(errs, errors.New("input device is required"))
	}
	if c.OutputDevice == "" {
		errs = append(errs, errors.New("output device is required"))
	}
	if c.CapsulesDir == "" {
		errs = append(errs, errors.New("capsules dir is required"))
	}
	if c.Width < 0 || c.Height < 0 {
		errs = append(errs, fmt.Errorf("invalid resolution %dx%d", c.Width, c.Height))
	}
	switch c.OutputBackend {
	case BackendLoopback, BackendFFmpeg:
	default:
		errs = append(errs, fmt.Errorf("unknown output backend %q", c.OutputBackend))
	}
	if c.OutputBackend == BackendFFmpeg && c.OutputFPS <= 0 {
		errs = append(errs, errors.New("ffmpeg output needs output_fps"))
	}
	if c.RetryDelayMs < 0 || c.MaxRetryDelayMs < 0 {
		errs = append(errs, errors.New("retry delays must not be negative"))
	}
	if c.MaxRetryDelayMs > 0 && c.RetryDelayMs > c.MaxRetryDelayMs {
		errs = append(errs, fmt.Errorf("retry_delay_ms %d exceeds max_retry_delay_ms %d", c.RetryDelayMs, c.MaxRetryDelayMs))
	}
	if c.OutputFPS < 0 || c.Workers < 0 || c.BreakerThreshold < 0 || c.MaxReadFailures < 0 {
		errs = append(errs, errors.New("counts must not be negative"))
	}
	return errors.Join(errs...)
}

func (c *Config) AbandonTimeout() time.Duration {
	return time.Duration(c.AbandonTimeoutMs) * time.Millisecond
}

func (c *Config) BreakerCooldown() time.Duration {
	return time.Duration(c.BreakerCooldownSec) * time.Second
}

func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMs) * time.Millisecond
}

func (c *Config) MaxRetryDelay() time.Duration {
	return time.Duration(c.MaxRetryDelayMs) * time.Millisecond
}

func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSec) * time.Second
}

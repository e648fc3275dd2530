// Package config holds the driver configuration read from a JSON file.
package config

import (
	"time"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.intuitus.dev/driver/accelerator"
	"go.intuitus.dev/driver/camera"
	"go.intuitus.dev/driver/frame"
	"go.intuitus.dev/driver/framebuffer"
	"go.intuitus.dev/driver/logging"
	"go.intuitus.dev/driver/pipeline"
)

// Defaults that have no counterpart in the driver packages.
const (
	DefaultCameraDevice     = "/dev/video0"
	DefaultCameraFormat     = "UYVY"
	DefaultRecoveryBackoff  = 100 * time.Millisecond
	DefaultDropWarnInterval = time.Second
	DefaultLogMaxSizeMB     = 10
	DefaultLogMaxBackups    = 3
)

// Config describes a complete driver setup.
type Config struct {
	Camera      CameraConfig      `json:"camera"`
	Accelerator AcceleratorConfig `json:"accelerator"`
	Display     DisplayConfig     `json:"display"`
	Pipeline    PipelineConfig    `json:"pipeline"`
	Log         LogConfig         `json:"log"`
	// Simulate replaces every device with its in-memory fake.
	Simulate bool `json:"simulate"`
}

// CameraConfig selects and negotiates the capture device.
type CameraConfig struct {
	Device       string        `json:"device"`
	Format       string        `json:"format"`
	Width        int           `json:"width"`
	Height       int           `json:"height"`
	Buffers      int           `json:"buffers"`
	RingSize     int           `json:"ring_size"`
	Tolerance    float64       `json:"tolerance"`
	Timeout      time.Duration `json:"timeout"`
	InitCommands []string      `json:"init_commands"`
}

// AcceleratorConfig selects the accelerator and the model to load.
type AcceleratorConfig struct {
	Device       string        `json:"device"`
	Model        string        `json:"model"`
	Timeout      time.Duration `json:"timeout"`
	PollInterval time.Duration `json:"poll_interval"`
}

// DisplayConfig selects the framebuffer and what it shows.
type DisplayConfig struct {
	Device string `json:"device"`
	// TTY is switched to graphics mode while the display is open.
	TTY    string `json:"tty"`
	Source string `json:"source"`
}

// PipelineConfig tunes the drop and recovery policy.
type PipelineConfig struct {
	MaxRecoveries    int           `json:"max_recoveries"`
	RecoveryBackoff  time.Duration `json:"recovery_backoff"`
	DropWarnInterval time.Duration `json:"drop_warn_interval"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level      string `json:"level"`
	File       string `json:"file"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
}

// ApplyDefaults fills every unset field.
func (c *Config) ApplyDefaults() {
	cam := &c.Camera
	if cam.Device == "" {
		cam.Device = DefaultCameraDevice
	}
	if cam.Format == "" {
		cam.Format = DefaultCameraFormat
	}
	if cam.Buffers == 0 {
		cam.Buffers = camera.DefaultBufferCount
	}
	if cam.Tolerance == 0 {
		cam.Tolerance = camera.DefaultTolerance
	}
	if cam.Timeout == 0 {
		cam.Timeout = camera.DefaultCaptureTimeout
	}

	acc := &c.Accelerator
	if acc.Device == "" {
		acc.Device = accelerator.DefaultProxyPath
	}
	if acc.Timeout == 0 {
		acc.Timeout = accelerator.DefaultTimeout
	}
	if acc.PollInterval == 0 {
		acc.PollInterval = accelerator.DefaultPollInterval
	}

	if c.Display.Source == "" {
		c.Display.Source = "none"
	}
	if c.Display.Device == "" {
		c.Display.Device = framebuffer.DefaultPath
	}

	if c.Pipeline.MaxRecoveries == 0 {
		c.Pipeline.MaxRecoveries = pipeline.DefaultMaxRecoveries
	}
	if c.Pipeline.RecoveryBackoff == 0 {
		c.Pipeline.RecoveryBackoff = DefaultRecoveryBackoff
	}
	if c.Pipeline.DropWarnInterval == 0 {
		c.Pipeline.DropWarnInterval = DefaultDropWarnInterval
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = DefaultLogMaxSizeMB
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = DefaultLogMaxBackups
	}
}

// Validate ensures all parts of the config are valid.
func (c *Config) Validate() error {
	if err := c.Camera.Validate("camera"); err != nil {
		return err
	}
	if err := c.Accelerator.Validate("accelerator"); err != nil {
		return err
	}
	if err := c.Display.Validate("display"); err != nil {
		return err
	}
	if err := c.Pipeline.Validate("pipeline"); err != nil {
		return err
	}
	return c.Log.Validate("log")
}

// Validate ensures all parts of the config are valid.
func (cfg *CameraConfig) Validate(path string) error {
	if cfg.Device == "" {
		return goutils.NewConfigValidationFieldRequiredError(path, "device")
	}
	if _, err := frame.ParseFormat(cfg.Format); err != nil {
		return goutils.NewConfigValidationError(path, err)
	}
	if cfg.Width <= 0 {
		return goutils.NewConfigValidationFieldRequiredError(path, "width")
	}
	if cfg.Height <= 0 {
		return goutils.NewConfigValidationFieldRequiredError(path, "height")
	}
	if cfg.Buffers < 1 || cfg.Buffers > 32 {
		return goutils.NewConfigValidationError(path, errors.Errorf("buffers must be between 1 and 32, got %d", cfg.Buffers))
	}
	if cfg.RingSize < 0 {
		return goutils.NewConfigValidationError(path, errors.New("ring_size cannot be negative"))
	}
	if cfg.Tolerance < 0 || cfg.Tolerance >= 1 {
		return goutils.NewConfigValidationError(path, errors.Errorf("tolerance must be in [0, 1), got %v", cfg.Tolerance))
	}
	if cfg.Timeout < 0 {
		return goutils.NewConfigValidationError(path, errors.New("timeout cannot be negative"))
	}
	return nil
}

// PixelFormat returns the parsed capture format.
func (cfg *CameraConfig) PixelFormat() frame.Format {
	f, err := frame.ParseFormat(cfg.Format)
	if err != nil {
		return 0
	}
	return f
}

// Validate ensures all parts of the config are valid.
func (cfg *AcceleratorConfig) Validate(path string) error {
	if cfg.Device == "" {
		return goutils.NewConfigValidationFieldRequiredError(path, "device")
	}
	if cfg.Model == "" {
		return goutils.NewConfigValidationFieldRequiredError(path, "model")
	}
	if cfg.Timeout < 0 || cfg.PollInterval < 0 {
		return goutils.NewConfigValidationError(path, errors.New("timeout and poll_interval cannot be negative"))
	}
	return nil
}

// Validate ensures all parts of the config are valid.
func (cfg *DisplayConfig) Validate(path string) error {
	src, err := pipeline.ParseDisplaySource(cfg.Source)
	if err != nil {
		return goutils.NewConfigValidationError(path, err)
	}
	if src != pipeline.DisplayNone && cfg.Device == "" {
		return goutils.NewConfigValidationFieldRequiredError(path, "device")
	}
	return nil
}

// DisplaySource returns the parsed display source.
func (cfg *DisplayConfig) DisplaySource() pipeline.DisplaySource {
	src, err := pipeline.ParseDisplaySource(cfg.Source)
	if err != nil {
		return pipeline.DisplayNone
	}
	return src
}

// Validate ensures all parts of the config are valid.
func (cfg *PipelineConfig) Validate(path string) error {
	if cfg.RecoveryBackoff < 0 || cfg.DropWarnInterval < 0 {
		return goutils.NewConfigValidationError(path, errors.New("durations cannot be negative"))
	}
	return nil
}

// Validate ensures all parts of the config are valid.
func (cfg *LogConfig) Validate(path string) error {
	if _, err := logging.LevelFromString(cfg.Level); err != nil {
		return goutils.NewConfigValidationError(path, err)
	}
	if cfg.MaxSizeMB < 0 || cfg.MaxBackups < 0 {
		return goutils.NewConfigValidationError(path, errors.New("max_size_mb and max_backups cannot be negative"))
	}
	return nil
}

// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package config loads the turntable YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/Thermoquad/turntable/pkg/camera"
	"github.com/Thermoquad/turntable/pkg/capture"
	"github.com/Thermoquad/turntable/pkg/devicesim"
	"github.com/Thermoquad/turntable/pkg/engine"
	"github.com/Thermoquad/turntable/pkg/input"
)

// DefaultPath is read when no --config flag is given
const DefaultPath = "turntable.yaml"

// SubfolderLayout names the per-session output folder
const SubfolderLayout = "20060102_150405"

// Camera types
const (
	CameraGPhoto2   = "gphoto2"
	CameraSimulated = "simulated"
)

// SerialConfig selects the device port.
type SerialConfig struct {
	Port     string `yaml:"port"`
	BaudRate int    `yaml:"baud_rate"`
}

// ProtocolConfig tunes the protocol engine. All values are milliseconds.
type ProtocolConfig struct {
	PollIntervalMs       int `yaml:"poll_interval_ms"`
	HeartbeatToleranceMs int `yaml:"heartbeat_tolerance_ms"`
	ResetWaitMs          int `yaml:"reset_wait_ms"`
	InitTimeoutMs        int `yaml:"init_timeout_ms"`
	OpenRetryMs          int `yaml:"open_retry_ms"`
	StartupDelayMs       int `yaml:"startup_delay_ms"` // wait after open before initialize
}

// CameraConfig describes the image capture backend.
type CameraConfig struct {
	Type        string `yaml:"type"` // gphoto2 or simulated
	Binary      string `yaml:"binary"`
	FocusMode   string `yaml:"focus_mode"`
	ImageFormat string `yaml:"image_format"`
}

// Config aggregates all application configuration.
type Config struct {
	OutputFolder string  `yaml:"output_folder"`
	PreFotoSleep float64 `yaml:"pre_foto_sleep"` // seconds between arrival and capture
	EndPosition  int32   `yaml:"end_position"`   // steps
	DefaultRPM   float32 `yaml:"default_rpm"`
	PhotoCount   int     `yaml:"photo_count"`

	Serial   SerialConfig   `yaml:"serial_settings"`
	Protocol ProtocolConfig `yaml:"protocol"`
	Camera   CameraConfig   `yaml:"camera"`
	Input    input.Mapping  `yaml:"input"`
}

// Default returns the configuration used when no file is present
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a YAML file and returns the validated configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// LoadOrDefault loads path, falling back to Default when path is the
// default location and does not exist.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	cfg, err := Load(path)
	if err != nil && path == DefaultPath && errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Parse decodes and validates YAML data
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.OutputFolder == "" {
		c.OutputFolder = "photos"
	}
	if c.EndPosition == 0 {
		c.EndPosition = devicesim.DefaultStepsPerRevolution
	}
	if c.DefaultRPM == 0 {
		c.DefaultRPM = 15
	}
	if c.PhotoCount == 0 {
		c.PhotoCount = 36
	}
	if c.Serial.BaudRate == 0 {
		c.Serial.BaudRate = 115200
	}

	p := &c.Protocol
	if p.PollIntervalMs == 0 {
		p.PollIntervalMs = int(engine.DefaultPollInterval / time.Millisecond)
	}
	if p.HeartbeatToleranceMs == 0 {
		p.HeartbeatToleranceMs = int(engine.DefaultHeartbeatTolerance / time.Millisecond)
	}
	if p.ResetWaitMs == 0 {
		p.ResetWaitMs = int(engine.DefaultResetWait / time.Millisecond)
	}
	if p.InitTimeoutMs == 0 {
		p.InitTimeoutMs = int(engine.DefaultInitTimeout / time.Millisecond)
	}
	if p.OpenRetryMs == 0 {
		p.OpenRetryMs = 1000
	}
	if p.StartupDelayMs == 0 {
		p.StartupDelayMs = 2000
	}

	if c.Camera.Type == "" {
		c.Camera.Type = CameraGPhoto2
	}
	if c.Camera.Binary == "" {
		c.Camera.Binary = "gphoto2"
	}
	if c.Camera.FocusMode == "" {
		c.Camera.FocusMode = "Manual"
	}
	if c.Camera.ImageFormat == "" {
		c.Camera.ImageFormat = "JPEG Fine"
	}
	if c.Input == nil {
		c.Input = input.DefaultMapping()
	}
}

// Validate reports every invalid setting
func (c *Config) Validate() error {
	var errs []error
	if c.PreFotoSleep < 0 {
		errs = append(errs, fmt.Errorf("pre_foto_sleep must be >= 0, got %g", c.PreFotoSleep))
	}
	if c.DefaultRPM <= 0 {
		errs = append(errs, fmt.Errorf("default_rpm must be > 0, got %g", c.DefaultRPM))
	}
	if c.PhotoCount < 1 {
		errs = append(errs, fmt.Errorf("photo_count must be >= 1, got %d", c.PhotoCount))
	}
	if c.Serial.BaudRate <= 0 {
		errs = append(errs, fmt.Errorf("serial_settings.baud_rate must be > 0, got %d", c.Serial.BaudRate))
	}

	p := c.Protocol
	for name, v := range map[string]int{
		"poll_interval_ms":       p.PollIntervalMs,
		"heartbeat_tolerance_ms": p.HeartbeatToleranceMs,
		"reset_wait_ms":          p.ResetWaitMs,
		"init_timeout_ms":        p.InitTimeoutMs,
		"open_retry_ms":          p.OpenRetryMs,
		"startup_delay_ms":       p.StartupDelayMs,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("protocol.%s must be >= 0, got %d", name, v))
		}
	}
	if p.PollIntervalMs >= p.HeartbeatToleranceMs {
		errs = append(errs, fmt.Errorf("protocol.poll_interval_ms (%d) must be below heartbeat_tolerance_ms (%d)",
			p.PollIntervalMs, p.HeartbeatToleranceMs))
	}

	switch c.Camera.Type {
	case CameraGPhoto2, CameraSimulated:
	default:
		errs = append(errs, fmt.Errorf("camera.type %q is not one of %s, %s", c.Camera.Type, CameraGPhoto2, CameraSimulated))
	}

	if err := c.Input.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("input: %w", err))
	}
	return multierr.Combine(errs...)
}

// PreFotoDelay returns the settle delay before each capture.
func (c *Config) PreFotoDelay() time.Duration {
	return time.Duration(c.PreFotoSleep * float64(time.Second))
}

// OpenRetry returns the port open retry interval.
func (c *Config) OpenRetry() time.Duration {
	return ms(c.Protocol.OpenRetryMs)
}

// StartupDelay returns the wait between opening the port and initializing.
func (c *Config) StartupDelay() time.Duration {
	return ms(c.Protocol.StartupDelayMs)
}

// EngineOptions returns the protocol engine options
func (c *Config) EngineOptions() engine.Options {
	return engine.Options{
		PollInterval:       ms(c.Protocol.PollIntervalMs),
		HeartbeatTolerance: ms(c.Protocol.HeartbeatToleranceMs),
		ResetWait:          ms(c.Protocol.ResetWaitMs),
		InitTimeout:        ms(c.Protocol.InitTimeoutMs),
	}
}

// CaptureSettings returns the coordinator settings writing into folder
func (c *Config) CaptureSettings(folder string) capture.Settings {
	return capture.Settings{
		EndPosition:  c.EndPosition,
		SettleDelay:  c.PreFotoDelay(),
		PollInterval: ms(c.Protocol.PollIntervalMs),
		OutputFolder: folder,
	}
}

// GPhoto2Options returns the camera driver options writing into folder
func (c *Config) GPhoto2Options(folder string) camera.GPhoto2Options {
	return camera.GPhoto2Options{
		Binary:       c.Camera.Binary,
		OutputFolder: folder,
		FocusMode:    c.Camera.FocusMode,
		ImageFormat:  c.Camera.ImageFormat,
	}
}

// SessionFolder returns the timestamped output folder for a session
// started at t.
func (c *Config) SessionFolder(t time.Time) string {
	return filepath.Join(c.OutputFolder, t.Format(SubfolderLayout))
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

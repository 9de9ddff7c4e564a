// Package config loads the detector pipeline settings from YAML, with an
// optional .env file pointing at the config and selecting the log mode.
package config

import (
	adhoc "AdaptiveDet/Adhoc"
	"AdaptiveDet/archive"
	"AdaptiveDet/control"
	"AdaptiveDet/engine"
	iface "AdaptiveDet/interface"
	"AdaptiveDet/preprocess"
	"AdaptiveDet/yolo"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	EnvConfigPath = "ADAPTIVEDET_CONFIG"
	EnvLogMode    = "ADAPTIVEDET_LOG_MODE"

	DefaultPath = "config.yaml"

	SourceCamera = "camera"
	SourceDir    = "dir"
)

type ModelConfig struct {
	S       int               `yaml:"S"`
	B       int               `yaml:"B"`
	C       int               `yaml:"C"`
	Anchors []iface.AnchorBox `yaml:"anchors"`
	Labels  []string          `yaml:"labels"`
}

type DetectionConfig struct {
	Confidence float64 `yaml:"confidence"`
	IoU        float64 `yaml:"iou"`
	PerClass   bool    `yaml:"perClass"`
}

type ControlConfig struct {
	Initial    time.Duration `yaml:"initial"`
	Min        time.Duration `yaml:"min"`
	Max        time.Duration `yaml:"max"`
	Hysteresis time.Duration `yaml:"hysteresis"`
	Smoothing  float64       `yaml:"smoothing"`
}

type SourceConfig struct {
	Kind   string `yaml:"kind"`
	Device string `yaml:"device"`
	Dir    string `yaml:"dir"`
	Loop   bool   `yaml:"loop"`
}

// DisplayConfig is the size sinks draw boxes at. Zero keeps model-input
// coordinates.
type DisplayConfig struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

type Config struct {
	Model      ModelConfig          `yaml:"model"`
	Preprocess preprocess.Config    `yaml:"preprocess"`
	Detection  DetectionConfig      `yaml:"detection"`
	Control    ControlConfig        `yaml:"control"`
	Engine     engine.BackendConfig `yaml:"engine"`
	Source     SourceConfig         `yaml:"source"`
	Archive    archive.Config       `yaml:"archive"`
	Display    DisplayConfig        `yaml:"display"`

	WorkersNum    int                   `yaml:"workersNum"`
	HTTPPort      int                   `yaml:"HTTPPort"`
	RPCPort       int                   `yaml:"RPCPort"`
	MonitorPort   int                   `yaml:"MonitorPort"`
	InstanceClass string                `yaml:"instanceClass"`
	RegServer     adhoc.RegServerConfig `yaml:"regServer"`
	LogMode       string                `yaml:"logMode"`
}

var vocLabels = []string{
	"aeroplane", "bicycle", "bird", "boat", "bottle",
	"bus", "car", "cat", "chair", "cow",
	"dining table", "dog", "horse", "motorbike", "person",
	"potted plant", "sheep", "sofa", "train", "tv monitor",
}

// Default is the tiny-YOLOv2 VOC setup.
func Default() Config {
	return Config{
		Model: ModelConfig{
			S: 13, B: 5, C: 20,
			Anchors: []iface.AnchorBox{
				{Width: 1.08, Height: 1.19},
				{Width: 3.42, Height: 4.41},
				{Width: 6.63, Height: 11.38},
				{Width: 9.42, Height: 5.11},
				{Width: 16.62, Height: 10.52},
			},
			Labels: append([]string(nil), vocLabels...),
		},
		Preprocess: preprocess.Config{Width: 416, Height: 416, Rotate: 90, Mean: 128, Std: 128},
		Detection:  DetectionConfig{Confidence: 0.3, IoU: 0.3},
		Control: ControlConfig{
			Initial:    250 * time.Millisecond,
			Min:        10 * time.Millisecond,
			Max:        2 * time.Second,
			Hysteresis: 10 * time.Millisecond,
			Smoothing:  0.90,
		},
		Engine: engine.BackendConfig{
			UseBackend: engine.BackendRemote,
			URL:        "http://127.0.0.1:8081/api/infer",
			Timeout:    5 * time.Second,
			RetryCount: 2,
			RetryWait:  50 * time.Millisecond,
			RetryMax:   500 * time.Millisecond,
		},
		Source:        SourceConfig{Kind: SourceCamera, Device: "0"},
		Archive:       archive.Config{Capacity: archive.DefaultCapacity, Prefix: "frame"},
		WorkersNum:    2,
		HTTPPort:      8080,
		RPCPort:       50051,
		MonitorPort:   9090,
		InstanceClass: "Cpu",
		LogMode:       "production",
	}
}

func (c Config) Grid() yolo.Grid {
	return yolo.Grid{S: c.Model.S, B: c.Model.B, C: c.Model.C, Anchors: c.Model.Anchors}
}

func (c Config) ControllerConfig() control.Config {
	return control.Config{
		Initial:    c.Control.Initial,
		Min:        c.Control.Min,
		Max:        c.Control.Max,
		Hysteresis: c.Control.Hysteresis,
		Smoothing:  c.Control.Smoothing,
	}
}

// OutputShape is the raw tensor shape the engine must produce.
func (c Config) OutputShape() []int {
	return []int{c.Model.S, c.Model.S, c.Model.B * (5 + c.Model.C)}
}

// DisplayScale maps model-input pixels to display pixels.
func (c Config) DisplayScale() (float64, float64) {
	sx, sy := 1.0, 1.0
	if c.Display.Width > 0 {
		sx = float64(c.Display.Width) / float64(c.Preprocess.Width)
	}
	if c.Display.Height > 0 {
		sy = float64(c.Display.Height) / float64(c.Preprocess.Height)
	}
	return sx, sy
}

func (c Config) Validate() error {
	var errs []error
	if err := c.Grid().Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(c.Model.Labels) > 0 && len(c.Model.Labels) != c.Model.C {
		errs = append(errs, fmt.Errorf("expected %d labels, got %d", c.Model.C, len(c.Model.Labels)))
	}
	if c.Preprocess.Width <= 0 || c.Preprocess.Height <= 0 {
		errs = append(errs, fmt.Errorf("input size must be positive, got %dx%d", c.Preprocess.Width, c.Preprocess.Height))
	}
	if c.Preprocess.Std == 0 {
		errs = append(errs, errors.New("preprocess std cannot be zero"))
	}
	if c.Detection.Confidence < 0 || c.Detection.Confidence > 1 {
		errs = append(errs, fmt.Errorf("confidence must be between 0.0 and 1.0, got %v", c.Detection.Confidence))
	}
	// IoU 0 would let disjoint boxes suppress each other.
	if !(c.Detection.IoU > 0 && c.Detection.IoU <= 1) {
		errs = append(errs, fmt.Errorf("IoU must be between 0.0 (exclusive) and 1.0, got %v", c.Detection.IoU))
	}
	if err := c.ControllerConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	switch c.Engine.UseBackend {
	case engine.BackendRemote:
		if c.Engine.URL == "" {
			errs = append(errs, errors.New("remote engine needs a url"))
		}
	case engine.BackendOnnx:
		if c.Engine.ModelPath == "" {
			errs = append(errs, errors.New("onnx engine needs a modelPath"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown engine backend %q", c.Engine.UseBackend))
	}
	switch c.Source.Kind {
	case SourceCamera:
	case SourceDir:
		if c.Source.Dir == "" {
			errs = append(errs, errors.New("dir source needs a dir"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown source kind %q", c.Source.Kind))
	}
	if c.WorkersNum <= 0 {
		errs = append(errs, fmt.Errorf("workersNum must be positive, got %d", c.WorkersNum))
	}
	return errors.Join(errs...)
}

// Parse overlays YAML data on Default and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// LoadEnv reads envFile if present, then loads the config named by
// ADAPTIVEDET_CONFIG (default config.yaml). ADAPTIVEDET_LOG_MODE overrides
// the configured log mode.
func LoadEnv(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("failed to read %s: %w", envFile, err)
		}
	}
	path := os.Getenv(EnvConfigPath)
	if path == "" {
		path = DefaultPath
	}
	cfg, err := Load(path)
	if err != nil {
		return Config{}, err
	}
	if mode := os.Getenv(EnvLogMode); mode != "" {
		cfg.LogMode = mode
	}
	return cfg, nil
}

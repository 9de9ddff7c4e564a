package engine

import (
	iface "AdaptiveDet/interface"
	"context"
	"errors"
	"time"
)

const UNREGISTERED = 0x0001
const REGISTERED = 0x0002
const IDLE = 0x0003
const BUSY = 0x0004

const (
	BackendRemote = "remote"
	BackendOnnx   = "onnx"
)

var (
	ErrNotLoaded = errors.New("inference backend not loaded")
	ErrBusy      = errors.New("inference engine is busy")
)

// BackendConfig selects and parameterises the inference backend.
type BackendConfig struct {
	UseBackend string `yaml:"useBackend"`

	URL        string        `yaml:"url"`
	Timeout    time.Duration `yaml:"timeout"`
	RetryCount int           `yaml:"retryCount"`
	RetryWait  time.Duration `yaml:"retryWait"`
	RetryMax   time.Duration `yaml:"retryMaxWait"`

	ModelPath   string `yaml:"modelPath"`
	LibPath     string `yaml:"libPath"`
	InputName   string `yaml:"inputName"`
	OutputName  string `yaml:"outputName"`
	IntraOpNums int    `yaml:"intraOpThreads"`
}

// Backend is a raw detector runtime.
type Backend interface {
	Run(ctx context.Context, input iface.Tensor) (iface.Tensor, error)
	Destroy() error
}

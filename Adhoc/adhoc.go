package Adhoc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DmlInstance    = 0x2001
	CpuInstance    = 0x2002
	CudaInstance   = 0x2003
	RocmInstance   = 0x2004
	TimeOutSeconds = 5
)

// InstanceClass maps the configured accelerator name to its class code.
// Unknown names fall back to CpuInstance.
func InstanceClass(name string) int {
	switch name {
	case "Dml":
		return DmlInstance
	case "Cuda":
		return CudaInstance
	case "Rocm":
		return RocmInstance
	default:
		return CpuInstance
	}
}

type RegisterRequest struct {
	Id            string  `json:"id"`
	IP            string  `json:"ip"`
	Port          int     `json:"port"`
	InstanceClass int     `json:"instanceClass"`
	TimeStamp     int64   `json:"timestamp"`
	IntervalMs    float64 `json:"intervalMs"`
	Processed     uint64  `json:"processed"`
}

type RegisterResponse struct {
	Id      string `json:"id"`
	Success bool   `json:"success"`
}

type RegServerConfig struct {
	Enabled bool          `yaml:"enabled"`
	Host    string        `yaml:"host"`
	Port    int           `yaml:"port"`
	Period  time.Duration `yaml:"period"`
}

// Status is what the heartbeat reports about the running pipeline.
type Status struct {
	Interval  time.Duration
	Processed uint64
}

// Heartbeat periodically registers this instance with the registry server.
type Heartbeat struct {
	ID string

	url    string
	period time.Duration
	req    RegisterRequest
	status func() Status
	client *resty.Client
	log    *zap.Logger
}

func NewHeartbeat(cfg RegServerConfig, ip string, port, instanceClass int, status func() Status, log *zap.Logger) *Heartbeat {
	if cfg.Period <= 0 {
		cfg.Period = TimeOutSeconds * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	id := uuid.NewString()
	return &Heartbeat{
		ID:     id,
		url:    fmt.Sprintf("http://%s:%d/api/register", cfg.Host, cfg.Port),
		period: cfg.Period,
		req: RegisterRequest{
			Id:            id,
			IP:            ip,
			Port:          port,
			InstanceClass: instanceClass,
		},
		status: status,
		client: resty.New().SetTimeout(TimeOutSeconds * time.Second),
		log:    log,
	}
}

// Send performs one registration.
func (h *Heartbeat) Send(ctx context.Context) (RegisterResponse, error) {
	var respBody RegisterResponse
	body := h.req
	body.TimeStamp = time.Now().Unix()
	if h.status != nil {
		st := h.status()
		body.IntervalMs = float64(st.Interval) / float64(time.Millisecond)
		body.Processed = st.Processed
	}
	resp, err := h.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		SetResult(&respBody).
		Post(h.url)
	if err != nil {
		return respBody, fmt.Errorf("request error: %w", err)
	}
	if resp.IsError() {
		return respBody, fmt.Errorf("server returned error: %s, body: %s", resp.Status(), resp.String())
	}
	return respBody, nil
}

// Run sends a heartbeat immediately and then every period until ctx is
// done. A failed or panicking send is logged and retried on the next tick.
func (h *Heartbeat) Run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(h.period)
	defer ticker.Stop()
	safeDoRequest := func() {
		defer func() {
			if r := recover(); r != nil {
				h.log.Error("heartbeat panic recovered", zap.Any("panic", r))
			}
		}()
		if _, err := h.Send(ctx); err != nil && ctx.Err() == nil {
			h.log.Error("heartbeat failed", zap.String("url", h.url), zap.Error(err))
		}
	}
	safeDoRequest()
	for {
		select {
		case <-ctx.Done():
			h.log.Info("heartbeat stopped")
			return
		case <-ticker.C:
			safeDoRequest()
		}
	}
}

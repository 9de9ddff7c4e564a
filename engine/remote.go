package engine

import (
	iface "AdaptiveDet/interface"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// TensorPayload is the JSON wire form of a tensor.
type TensorPayload struct {
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

type inferResponse struct {
	Output TensorPayload `json:"output"`
	Error  string        `json:"error,omitempty"`
}

// RemoteBackend posts the input tensor to an HTTP inference service and
// reads the raw detector tensor back. Transport errors and 5xx responses are
// retried with backoff.
type RemoteBackend struct {
	url    string
	client *resty.Client
}

func NewRemoteBackend(cfg BackendConfig) (*RemoteBackend, error) {
	if cfg.URL == "" {
		return nil, errors.New("remote backend url cannot be empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(cfg.RetryCount).
		SetHeader("Content-Type", "application/json").
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
			}
			return r.StatusCode() >= 500
		})
	if cfg.RetryWait > 0 {
		client.SetRetryWaitTime(cfg.RetryWait)
	}
	if cfg.RetryMax > 0 {
		client.SetRetryMaxWaitTime(cfg.RetryMax)
	}
	return &RemoteBackend{url: cfg.URL, client: client}, nil
}

func (r *RemoteBackend) Run(ctx context.Context, input iface.Tensor) (iface.Tensor, error) {
	var out inferResponse
	resp, err := r.client.R().
		SetContext(ctx).
		SetBody(TensorPayload{Shape: input.Shape, Data: input.Data}).
		SetResult(&out).
		SetError(&out).
		Post(r.url)
	if err != nil {
		return iface.Tensor{}, fmt.Errorf("request %s: %w", r.url, err)
	}
	if resp.IsError() {
		return iface.Tensor{}, fmt.Errorf("server returned %s: %s", resp.Status(), out.Error)
	}
	t := iface.Tensor{Shape: out.Output.Shape, Data: out.Output.Data}
	if n := t.Elements(); n != len(t.Data) {
		return iface.Tensor{}, fmt.Errorf("response shape %v describes %d values, got %d", t.Shape, n, len(t.Data))
	}
	return t, nil
}

func (r *RemoteBackend) Destroy() error {
	r.client.GetClient().CloseIdleConnections()
	return nil
}

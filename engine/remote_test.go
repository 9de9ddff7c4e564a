package engine

import (
	iface "AdaptiveDet/interface"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func inferServer(t *testing.T, failures int32, handler func(TensorPayload) (int, any)) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		if n <= failures {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "warming up"})
			return
		}
		var in TensorPayload
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		status, body := handler(in)
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func echoShape(in TensorPayload) (int, any) {
	return http.StatusOK, map[string]any{
		"output": TensorPayload{Shape: []int{1, 1, len(in.Shape)}, Data: make([]float32, len(in.Shape))},
	}
}

func TestRemoteBackendRun(t *testing.T) {
	srv, calls := inferServer(t, 0, echoShape)
	b, err := NewRemoteBackend(BackendConfig{URL: srv.URL})
	require.NoError(t, err)
	defer b.Destroy()

	out, err := b.Run(context.Background(), iface.Tensor{Shape: []int{2, 2, 3}, Data: make([]float32, 12)})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 3}, out.Shape)
	assert.Len(t, out.Data, 3)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRemoteBackendRetriesServerErrors(t *testing.T) {
	srv, calls := inferServer(t, 2, echoShape)
	b, err := NewRemoteBackend(BackendConfig{
		URL:        srv.URL,
		RetryCount: 3,
		RetryWait:  time.Millisecond,
		RetryMax:   5 * time.Millisecond,
	})
	require.NoError(t, err)

	_, err = b.Run(context.Background(), iface.Tensor{Shape: []int{1}, Data: []float32{0}})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRemoteBackendSurfacesErrors(t *testing.T) {
	srv, _ := inferServer(t, 5, echoShape)
	b, err := NewRemoteBackend(BackendConfig{URL: srv.URL})
	require.NoError(t, err)

	_, err = b.Run(context.Background(), iface.Tensor{Shape: []int{1}, Data: []float32{0}})
	assert.ErrorContains(t, err, "503")
	assert.ErrorContains(t, err, "warming up")
}

func TestRemoteBackendRejectsInconsistentShape(t *testing.T) {
	srv, _ := inferServer(t, 0, func(TensorPayload) (int, any) {
		return http.StatusOK, map[string]any{"output": TensorPayload{Shape: []int{13, 13, 125}, Data: []float32{1}}}
	})
	b, err := NewRemoteBackend(BackendConfig{URL: srv.URL})
	require.NoError(t, err)

	_, err = b.Run(context.Background(), iface.Tensor{Shape: []int{1}, Data: []float32{0}})
	assert.ErrorContains(t, err, "describes 21125 values")
}

func TestRemoteBackendHonoursCancel(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	b, err := NewRemoteBackend(BackendConfig{URL: srv.URL, RetryCount: 3, RetryWait: time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = b.Run(ctx, iface.Tensor{Shape: []int{1}, Data: []float32{0}})
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestNewRemoteBackendNeedsURL(t *testing.T) {
	_, err := NewRemoteBackend(BackendConfig{})
	assert.Error(t, err)
}

package proto

import (
	iface "AdaptiveDet/interface"
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type fixedSampling struct{}

func (fixedSampling) State() iface.SamplingState {
	return iface.SamplingState{CurrentInterval: 120 * time.Millisecond, MinInterval: 10 * time.Millisecond}
}

func dial(t *testing.T, s *Server) *ReportServiceClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	gs := NewGRPCServer(s)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return NewReportServiceClient(conn)
}

func TestReportService(t *testing.T) {
	var cancels atomic.Int32
	requests := prometheus.NewCounter(prometheus.CounterOpts{Name: "grpc_requests_total"})
	s := NewServer(fixedSampling{}, func() { cancels.Add(1) }, requests, nil)
	client := dial(t, s)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	t.Run("Test Latest before any report", func(t *testing.T) {
		_, err := client.Latest(ctx)
		assert.Equal(t, codes.NotFound, status.Code(err))
	})

	t.Run("Test Latest", func(t *testing.T) {
		require.NoError(t, s.Present(iface.Report{
			Seq:   9,
			Boxes: []iface.BBox{{Label: "person", Confidence: 0.7}},
		}))
		out, err := client.Latest(ctx)
		require.NoError(t, err)
		m := out.AsMap()
		assert.Equal(t, 9.0, m["seq"])
		boxes := m["boxes"].([]any)
		require.Len(t, boxes, 1)
		assert.Equal(t, "person", boxes[0].(map[string]any)["label"])
	})

	t.Run("Test State", func(t *testing.T) {
		out, err := client.State(ctx)
		require.NoError(t, err)
		assert.Equal(t, 120.0, out.AsMap()["currentIntervalMs"])
	})

	t.Run("Test Shutdown", func(t *testing.T) {
		require.NoError(t, client.Shutdown(ctx))
		require.NoError(t, client.Shutdown(ctx))
		assert.Equal(t, int32(2), cancels.Load())
		select {
		case <-s.CloseChannel:
		default:
			t.Fatal("close channel not signalled")
		}
	})

	assert.Equal(t, 5.0, testutil.ToFloat64(requests))
}

package web

import (
	iface "AdaptiveDet/interface"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// SamplingReader exposes the controller's view of the capture cadence.
type SamplingReader interface {
	State() iface.SamplingState
}

type Server struct {
	Hub      *Hub
	Sampling SamplingReader
	// Cancel stops the pipeline; it must block until teardown is done.
	Cancel   func()
	Requests prometheus.Counter
	Log      *zap.Logger
}

func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.count)
	r.GET("/api/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	r.GET("/api/report", func(c *gin.Context) {
		report, ok := s.Hub.Latest()
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "No report yet"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": report.AsMap()})
	})
	r.GET("/api/interval", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"data": s.Sampling.State().AsMap()})
	})
	r.POST("/api/pipeline/cancel", func(c *gin.Context) {
		if s.Cancel == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Pipeline not attached"})
			return
		}
		s.Cancel()
		s.log().Warn("pipeline cancelled over http", zap.String("remote", c.ClientIP()))
		c.JSON(http.StatusOK, gin.H{"data": "Pipeline cancelled"})
	})
	r.GET("/ws/report", func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			// the upgrader already replied
			return
		}
		conn.SetReadLimit(4 * 1024)
		s.Hub.serve(conn)
	})
	return r
}

func (s *Server) count(c *gin.Context) {
	if s.Requests != nil {
		s.Requests.Inc()
	}
	c.Next()
}

func (s *Server) log() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}

// Start serves the router on port until ctx is done.
func (s *Server) Start(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.Router(),
	}
	errCh := make(chan error, 1)
	go func() {
		s.log().Info("http server listening", zap.Int("port", port))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	s.Hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

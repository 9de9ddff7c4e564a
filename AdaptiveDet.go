package main

import (
	adhoc "AdaptiveDet/Adhoc"
	"AdaptiveDet/archive"
	"AdaptiveDet/capture"
	"AdaptiveDet/capture/cvcam"
	"AdaptiveDet/config"
	"AdaptiveDet/control"
	"AdaptiveDet/engine"
	"AdaptiveDet/engine/onnx"
	backend "AdaptiveDet/gRPC"
	iface "AdaptiveDet/interface"
	"AdaptiveDet/logger"
	"AdaptiveDet/monitor"
	"AdaptiveDet/pipeline"
	"AdaptiveDet/preprocess"
	"AdaptiveDet/web"
	"AdaptiveDet/yolo"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func GetOutboundIP() (string, error) {
	// no packet is sent; dialing UDP only resolves the outbound route
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)

	return localAddr.IP.String(), nil
}

func buildEngine(cfg config.Config) (*engine.Detector, error) {
	d := engine.NewDetector(cfg.Engine.UseBackend, logger.Named("engine"))
	switch cfg.Engine.UseBackend {
	case engine.BackendOnnx:
		b, err := onnx.NewBackend(cfg.Engine, cfg.Preprocess.Width, cfg.Preprocess.Height, cfg.OutputShape())
		if err != nil {
			return nil, err
		}
		return d, d.Load(b)
	default:
		b, err := engine.NewRemoteBackend(cfg.Engine)
		if err != nil {
			return nil, err
		}
		return d, d.Load(b)
	}
}

func openSource(cfg config.Config) (iface.FrameSource, error) {
	if cfg.Source.Kind == config.SourceDir {
		return capture.NewDirSource(cfg.Source.Dir, cfg.Source.Loop, logger.Named("source"))
	}
	return cvcam.Open(cfg.Source.Device, logger.Named("camera"))
}

func run() error {
	cfg, err := config.LoadEnv(".env")
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.LogMode); err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Log()

	fmt.Println(strings.Repeat("#", 64))
	CPUNum := runtime.NumCPU()
	fmt.Printf("CPU Cores: %d\n", CPUNum)
	fmt.Println(" HTTP    Port:", cfg.HTTPPort)
	fmt.Println(" gRPC    Port:", cfg.RPCPort)
	fmt.Println(" Monitor Port:", cfg.MonitorPort)
	fmt.Println("Configured Workers Num:", cfg.WorkersNum)
	fmt.Println(strings.Repeat("#", 64))
	if cfg.WorkersNum > CPUNum {
		log.Warn("workersNum exceeds CPU cores, which may lead to performance degradation",
			zap.Int("workers", cfg.WorkersNum), zap.Int("cpus", CPUNum))
	}

	ctrl, err := control.New(cfg.ControllerConfig(), logger.Named("control"))
	if err != nil {
		return err
	}
	grid := cfg.Grid()
	decoder, err := yolo.NewDecoder(grid)
	if err != nil {
		return err
	}
	pre, err := preprocess.New(cfg.Preprocess)
	if err != nil {
		return err
	}
	detector, err := buildEngine(cfg)
	if err != nil {
		return fmt.Errorf("load inference engine: %w", err)
	}
	defer func() {
		if err := detector.Destroy(); err != nil {
			log.Warn("destroying inference engine", zap.Error(err))
		}
	}()
	src, err := openSource(cfg)
	if err != nil {
		return fmt.Errorf("open frame source: %w", err)
	}

	reg := prometheus.NewRegistry()
	metrics := monitor.NewMetrics(reg)
	hub := web.NewHub(logger.Named("web"))

	var p *pipeline.Pipeline
	cancelPipeline := func() { p.Cancel() }
	rpc := backend.NewServer(ctrl, cancelPipeline, metrics.Requests.WithLabelValues("grpc"), logger.Named("grpc"))

	sx, sy := cfg.DisplayScale()
	p, err = pipeline.New(
		pipeline.Config{DisplayScaleX: sx, DisplayScaleY: sy},
		pipeline.Deps{
			Source:       src,
			Preprocessor: pre,
			Engine:       detector,
			Sinks:        []iface.Sink{pipeline.LogSink{Log: logger.Named("report")}, metrics, hub, rpc},
			Archiver:     archive.NewGrabber(cfg.Archive, logger.Named("archive")),
			Controller:   ctrl,
			Decoder:      decoder,
			Extractor:    yolo.NewExtractor(cfg.Detection.Confidence, cfg.Preprocess.Width, cfg.Preprocess.Height, grid, cfg.Model.Labels),
			Suppressor:   yolo.Suppressor{IoU: cfg.Detection.IoU, PerClass: cfg.Detection.PerClass},
			Logger:       logger.Named("pipeline"),
		},
		pipeline.ExecContexts{
			Compute: pipeline.NewWorkerPool(cfg.WorkersNum, logger.Named("worker")),
			Present: pipeline.NewPresenter(4),
		})
	if err != nil {
		_ = src.Close()
		return err
	}
	metrics.WatchPipeline(p.Stats)
	logger.S().Infof("pipeline ready: source=%s backend=%s workers=%d interval=%v",
		cfg.Source.Kind, cfg.Engine.UseBackend, cfg.WorkersNum, ctrl.Interval())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	var wg sync.WaitGroup

	// a gRPC Shutdown cancels the pipeline itself; this also stops the servers
	go func() {
		select {
		case <-rpc.CloseChannel:
			log.Warn("shutdown requested over gRPC, stopping servers")
			stop()
		case <-ctx.Done():
		}
	}()

	grpcServer, err := backend.StartGRPCServer(cfg.RPCPort, rpc)
	if err != nil {
		p.Cancel()
		return err
	}
	httpServer := &web.Server{
		Hub:      hub,
		Sampling: ctrl,
		Cancel:   cancelPipeline,
		Requests: metrics.Requests.WithLabelValues("http"),
		Log:      logger.Named("web"),
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := httpServer.Start(ctx, cfg.HTTPPort); err != nil {
			log.Error("http server failed", zap.Error(err))
		}
	}()
	go func() {
		defer wg.Done()
		if err := monitor.StartMon(ctx, cfg.MonitorPort, reg, metrics, log); err != nil {
			log.Error("monitor failed", zap.Error(err))
		}
	}()

	if cfg.RegServer.Enabled {
		ip, err := GetOutboundIP()
		if err != nil {
			log.Warn("failed to get outbound IP, skipping registration", zap.Error(err))
		} else {
			hb := adhoc.NewHeartbeat(cfg.RegServer, ip, cfg.RPCPort, adhoc.InstanceClass(cfg.InstanceClass),
				func() adhoc.Status {
					return adhoc.Status{Interval: ctrl.Interval(), Processed: p.Stats().Processed}
				}, logger.Named("adhoc"))
			log.Info("registering with registry server", zap.String("id", hb.ID), zap.String("ip", ip))
			wg.Add(1)
			go hb.Run(ctx, &wg)
		}
	} else {
		log.Info("UseRegServer is set to false, skipping registration")
	}

	runErr := p.Run(ctx)
	if errors.Is(runErr, pipeline.ErrSourceLost) {
		log.Error("pipeline ended", zap.Error(runErr))
	}
	stop()
	grpcServer.GracefulStop()
	wg.Wait()
	log.Info("Safely exited")
	return runErr
}

func main() {
	if err := run(); err != nil {
		fmt.Println("Error:", err)
		os.Exit(1)
	}
}

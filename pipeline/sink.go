package pipeline

import (
	iface "AdaptiveDet/interface"
	"fmt"

	"go.uber.org/zap"
)

// LogSink writes every report to the log, one line per frame.
type LogSink struct {
	Log *zap.Logger
}

func (s LogSink) Present(r iface.Report) error {
	fields := []zap.Field{
		zap.Uint64("seq", r.Seq),
		zap.String("source", r.Source),
		zap.Int("boxes", len(r.Boxes)),
		zap.Duration("age", r.Age),
		zap.Duration("interval", r.Sampling.CurrentInterval),
	}
	for _, e := range r.Latency {
		fields = append(fields, zap.Duration(e.Stage, e.Duration))
	}
	labels := make([]string, 0, len(r.Boxes))
	for _, b := range r.Boxes {
		labels = append(labels, fmt.Sprintf("%s:%.2f", b.Label, b.Confidence))
	}
	fields = append(fields, zap.Strings("detections", labels))
	s.Log.Debug("frame processed", fields...)
	return nil
}

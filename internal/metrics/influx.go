package metrics

import (
	"strconv"
	"time"
)

// MeasurementRequests is the measurement written for each request.
const MeasurementRequests = "http_requests"

// PointWriter is the subset of the InfluxDB client used by InfluxSink.
type PointWriter interface {
	WritePoint(measurement string, tags map[string]string, fields map[string]any, ts time.Time)
}

// InfluxSink writes one point per observation.
type InfluxSink struct {
	w PointWriter
}

// NewInfluxSink creates a sink over w.
func NewInfluxSink(w PointWriter) *InfluxSink {
	return &InfluxSink{w: w}
}

// Observe implements Sink.
func (s *InfluxSink) Observe(o Observation) {
	tags := map[string]string{
		"route":  o.Route,
		"method": o.Method,
		"status": strconv.Itoa(o.Status),
	}
	if o.Role != "" {
		tags["role"] = o.Role
	}
	if o.ErrorCode != "" {
		tags["error_code"] = o.ErrorCode
	}
	ts := o.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	s.w.WritePoint(MeasurementRequests, tags, map[string]any{
		"duration_ms":    float64(o.Duration) / float64(time.Millisecond),
		"request_bytes":  o.RequestBytes,
		"response_bytes": o.ResponseBytes,
	}, ts)
}

package tether

import (
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"
)

var (
	// MetricConnEstCount counts multiplexed client connections brought up.
	MetricConnEstCount          = []string{"tether", "conn", "established", "count"}
	MetricConnClosedCount       = []string{"tether", "conn", "closed", "count"}
	MetricConnErrorCount        = []string{"tether", "conn", "error", "count"}
	MetricConnInBytes           = []string{"tether", "conn", "in", "bytes"}
	MetricConnOutBytes          = []string{"tether", "conn", "out", "bytes"}
	MetricRequestCount          = []string{"tether", "request", "count"}
	MetricRequestErrorCount     = []string{"tether", "request", "error", "count"}
	MetricRequestLatencyMs      = []string{"tether", "request", "latency", "ms"}
	MetricRequestUnmatchedCount = []string{"tether", "request", "unmatched", "count"}
	MetricPoolCheckoutCount     = []string{"tether", "pool", "checkout", "count"}
	MetricPoolCheckoutErrCount  = []string{"tether", "pool", "checkout", "error", "count"}
	MetricPoolCheckoutWaitMs    = []string{"tether", "pool", "checkout", "wait", "ms"}
	MetricPoolEvictedCount      = []string{"tether", "pool", "evicted", "count"}
	MetricPoolCreatedCount      = []string{"tether", "pool", "created", "count"}
	MetricPoolIdle              = []string{"tether", "pool", "idle"}
	MetricServerConnCount       = []string{"tether", "server", "conn", "count"}
	MetricServerConnActive      = []string{"tether", "server", "conn", "active"}
	MetricServerAcceptErrCount  = []string{"tether", "server", "accept", "error", "count"}
	MetricServerRequestCount    = []string{"tether", "server", "request", "count"}
	MetricServerErrorCount      = []string{"tether", "server", "error", "count"}
	MetricServerAuthFailCount   = []string{"tether", "server", "auth", "failure", "count"}
	MetricUDPBufferSizeBytes    = []string{"tether", "udp", "buffer", "size", "bytes"}
)

type TelemetryLabel string

var (
	LabelError    TelemetryLabel = "error"
	LabelPeerAddr TelemetryLabel = "peer_addr"
	LabelPeerName TelemetryLabel = "peer_name"
	LabelPeerID   TelemetryLabel = "peer_id"
	LabelNetwork  TelemetryLabel = "network"
	LabelEndpoint TelemetryLabel = "endpoint"
	LabelRequest  TelemetryLabel = "request_id"
	LabelCodec    TelemetryLabel = "codec"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}

// withLabels returns a fresh slice so callers never share the backing
// array of the static labels.
func withLabels(static []metrics.Label, extra ...metrics.Label) []metrics.Label {
	out := make([]metrics.Label, 0, len(static)+len(extra))
	out = append(out, static...)
	return append(out, extra...)
}

func sinceMs(start time.Time) float32 {
	return float32(time.Since(start).Seconds() * 1e3)
}

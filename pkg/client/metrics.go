package client

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricFramesInCount       = []string{"eshet", "frames", "in", "count"}
	MetricFramesOutCount      = []string{"eshet", "frames", "out", "count"}
	MetricConnectCount        = []string{"eshet", "connection", "established", "count"}
	MetricConnectErrorCount   = []string{"eshet", "connection", "error", "count"}
	MetricConnectionLostCount = []string{"eshet", "connection", "lost", "count"}
	MetricRequestTimeoutCount = []string{"eshet", "request", "timeout", "count"}
	MetricRequestLatency      = []string{"eshet", "request", "latency", "ms"}
	MetricPendingRequests     = []string{"eshet", "request", "pending"}
	MetricHandlerErrorCount   = []string{"eshet", "handler", "error", "count"}
	MetricLateReplyCount      = []string{"eshet", "reply", "late", "count"}
)

type TelemetryLabel string

var (
	LabelEndpoint TelemetryLabel = "endpoint"
	LabelTag      TelemetryLabel = "tag"
	LabelPath     TelemetryLabel = "path"
	LabelID       TelemetryLabel = "id"
	LabelAttempt  TelemetryLabel = "attempt"
	LabelDelay    TelemetryLabel = "delay"
	LabelState    TelemetryLabel = "state"
	LabelError    TelemetryLabel = "error"
)

// M builds a metric label.
func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

// L builds a log attribute.
func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}

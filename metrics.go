package m2mi

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricInvocationEnqueued  = []string{"m2mi", "invocation", "enqueued", "count"}
	MetricInvocationDelivered = []string{"m2mi", "invocation", "delivered", "count"}
	MetricInvocationFailed    = []string{"m2mi", "invocation", "failed", "count"}
	MetricInvocationSent      = []string{"m2mi", "invocation", "sent", "count"}
	MetricInvocationSendError = []string{"m2mi", "invocation", "send", "error", "count"}
	MetricQueueDepth          = []string{"m2mi", "queue", "depth"}
	MetricFrameInBytes        = []string{"m2mi", "frame", "in", "bytes"}
	MetricFrameDropped        = []string{"m2mi", "frame", "dropped", "count"}
	MetricFilterRegistered    = []string{"m2mi", "filter", "registered", "count"}
	MetricFilterDeregistered  = []string{"m2mi", "filter", "deregistered", "count"}
)

type TelemetryLabel string

var (
	LabelError     TelemetryLabel = "error"
	LabelKind      TelemetryLabel = "kind"
	LabelAddress   TelemetryLabel = "address"
	LabelInterface TelemetryLabel = "interface"
	LabelMethod    TelemetryLabel = "method"
	LabelTarget    TelemetryLabel = "target"
	LabelPrefix    TelemetryLabel = "prefix"
	LabelWorker    TelemetryLabel = "worker"
	LabelDuration  TelemetryLabel = "duration"
	LabelBytes     TelemetryLabel = "bytes"
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

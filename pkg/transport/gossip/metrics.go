package gossip

import (
	"log/slog"

	armonmetrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
)

var (
	MetricFrameOutCount       = []string{"m2mi", "gossip", "frame", "out", "count"}
	MetricFrameOutErrorCount  = []string{"m2mi", "gossip", "frame", "out", "error", "count"}
	MetricFrameInBytes        = []string{"m2mi", "gossip", "frame", "in", "bytes"}
	MetricFrameFilteredCount  = []string{"m2mi", "gossip", "frame", "filtered", "count"}
	MetricFrameDroppedCount   = []string{"m2mi", "gossip", "frame", "dropped", "count"}
	MetricMembersGauge        = []string{"m2mi", "gossip", "members"}
	MetricDatagramInBytes     = []string{"m2mi", "quic", "datagram", "in", "bytes"}
	MetricDatagramInError     = []string{"m2mi", "quic", "datagram", "in", "error", "count"}
	MetricDatagramOutBytes    = []string{"m2mi", "quic", "datagram", "out", "bytes"}
	MetricDatagramOutError    = []string{"m2mi", "quic", "datagram", "out", "error", "count"}
	MetricStreamEstInCount    = []string{"m2mi", "quic", "stream", "establishment", "in", "count"}
	MetricStreamEstInError    = []string{"m2mi", "quic", "stream", "establishment", "in", "error", "count"}
	MetricStreamEstOutCount   = []string{"m2mi", "quic", "stream", "establishment", "out", "count"}
	MetricStreamEstOutError   = []string{"m2mi", "quic", "stream", "establishment", "out", "error", "count"}
	MetricUDPBufferSizeBytes  = []string{"m2mi", "quic", "udp", "buffer", "size", "bytes"}
	MetricConnErrorCount      = []string{"m2mi", "quic", "connection", "error", "count"}
	MetricConnEstCount        = []string{"m2mi", "quic", "connection", "established", "count"}
	MetricHostNameChanges     = []string{"m2mi", "quic", "host", "name", "changes"}
	MetricHostConflictsCount  = []string{"m2mi", "quic", "host", "name", "conflicts", "count"}
)

type TelemetryLabel string

var (
	LabelError    TelemetryLabel = "error"
	LabelPeerAddr TelemetryLabel = "peer_addr"
	LabelPeerName TelemetryLabel = "peer_name"
	LabelStreamID TelemetryLabel = "stream_id"
	LabelBytes    TelemetryLabel = "bytes"
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

// LabelsForAddr describes a memberlist peer.
func LabelsForAddr(addr memberlist.Address) []metrics.Label {
	labels := []metrics.Label{LabelPeerAddr.M(addr.Addr)}
	if addr.Name != "" {
		labels = append(labels, LabelPeerName.M(addr.Name))
	}
	return labels
}

// armonLabels translates labels for memberlist which still emits its
// metrics with armon/go-metrics.
func armonLabels(labels []metrics.Label) []armonmetrics.Label {
	if len(labels) == 0 {
		return nil
	}
	out := make([]armonmetrics.Label, len(labels))
	for i, l := range labels {
		out[i] = armonmetrics.Label{Name: l.Name, Value: l.Value}
	}
	return out
}

func withLabels(base []metrics.Label, extra ...metrics.Label) []metrics.Label {
	out := make([]metrics.Label, 0, len(base)+len(extra))
	out = append(out, base...)
	return append(out, extra...)
}

// meter emits metrics with a set of static labels.
type meter struct {
	sink   metrics.MetricSink
	labels []metrics.Label
}

func newMeter(sink metrics.MetricSink, labels []metrics.Label) meter {
	if sink == nil {
		sink = metrics.Default()
	}
	return meter{sink: sink, labels: labels}
}

func (m meter) incr(key []string, labels ...metrics.Label) {
	m.sink.IncrCounterWithLabels(key, 1, withLabels(m.labels, labels...))
}

func (m meter) add(key []string, val float32, labels ...metrics.Label) {
	m.sink.IncrCounterWithLabels(key, val, withLabels(m.labels, labels...))
}

func (m meter) gauge(key []string, val float32, labels ...metrics.Label) {
	m.sink.SetGaugeWithLabels(key, val, withLabels(m.labels, labels...))
}

func newLogger(handler slog.Handler) *slog.Logger {
	if handler == nil {
		return slog.Default()
	}
	return slog.New(handler)
}

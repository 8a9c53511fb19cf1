package gossip

import (
	"log/slog"
	"sync/atomic"

	"github.com/hashicorp/memberlist"
)

// events logs membership changes. memberlist calls it with its node lock
// held, so it must not call back into memberlist.
type events struct {
	logger  *slog.Logger
	meter   meter
	members atomic.Int64
}

func (e *events) NotifyJoin(node *memberlist.Node) {
	withLogNode(e.logger, node).Info("peer joined cluster")
	e.meter.gauge(MetricMembersGauge, float32(e.members.Add(1)))
}

func (e *events) NotifyLeave(node *memberlist.Node) {
	withLogNode(e.logger, node).Info("peer left cluster")
	e.meter.gauge(MetricMembersGauge, float32(e.members.Add(-1)))
}

func (e *events) NotifyUpdate(node *memberlist.Node) {
	withLogNode(e.logger, node).Info("peer updated")
}

func withLogNode(logger *slog.Logger, node *memberlist.Node) *slog.Logger {
	return logger.With(
		LabelPeerName.L(node.Name),
		LabelPeerAddr.L(node.Address()),
	)
}

package m2mi

import (
	"context"
	"encoding/hex"
	"errors"
	"time"

	"github.com/raskyld/m2mi/pkg/transport"
)

// receiveBackoff paces the receiver when the transport keeps failing.
const receiveBackoff = 100 * time.Millisecond

func (l *Layer) runReceiver(ctx context.Context) {
	defer l.wg.Done()
	for {
		frame, err := l.tr.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				l.logger.Debug("receiver stopped", LabelError.L(err))
				return
			}
			if l.config.receiverDebug >= 1 {
				l.logger.Warn("receive failed", LabelError.L(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(receiveBackoff):
			}
			continue
		}
		l.handleFrame(frame)
	}
}

func (l *Layer) handleFrame(frame []byte) {
	l.config.msink.IncrCounterWithLabels(MetricFrameInBytes, float32(len(frame)), l.config.metricLabels)

	inv, err := l.unmarshalInvocation(frame)
	if err == nil {
		err = l.processFromNetwork(inv)
	}
	if errors.Is(err, errEcho) {
		l.config.msink.IncrCounterWithLabels(MetricFrameDropped, 1, l.labels(LabelError.M("echo")))
		if l.config.receiverDebug >= 2 {
			l.logger.Info("echo dropped", LabelBytes.L(len(frame)))
		}
		return
	}
	if err != nil {
		l.config.msink.IncrCounterWithLabels(
			MetricFrameDropped,
			1,
			l.labels(LabelError.M(dropReason(err))),
		)
		if l.config.receiverDebug >= 1 {
			attrs := []any{LabelBytes.L(len(frame)), LabelError.L(err)}
			if l.config.receiverDebug >= 3 {
				attrs = append(attrs, LabelPrefix.L(prefixHex(frame)))
			}
			l.logger.Warn("frame dropped", attrs...)
		}
		return
	}

	if l.config.receiverDebug >= 2 {
		attrs := []any{
			LabelAddress.L(inv.addr),
			LabelMethod.L(inv.Method().Signature),
			LabelBytes.L(len(frame)),
		}
		if l.config.receiverDebug >= 3 {
			attrs = append(attrs, LabelPrefix.L(prefixHex(frame)))
		}
		l.logger.Info("frame received", attrs...)
	}
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, ErrUnknownFormat):
		return "unknown_format"
	case errors.Is(err, ErrInvalidFrame):
		return "invalid_frame"
	case errors.Is(err, ErrShutdown):
		return "shutdown"
	default:
		return "unknown"
	}
}

func prefixHex(frame []byte) string {
	if len(frame) > PrefixLength {
		frame = frame[:PrefixLength]
	}
	return hex.EncodeToString(frame)
}

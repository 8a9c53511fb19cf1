package m2mi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
)

// Layer is one M2MI dispatch coordinator: an export table, a worker pool
// and, when networking is enabled, an attachment to a datagram transport.
//
// Several layers may coexist in the same process, each one is isolated.
type Layer struct {
	config config
	logger *slog.Logger
	// id tags outgoing frames so the receiver can drop its own echoes.
	id uuid.UUID

	tr Transport

	// state guarded by lk.
	lk      sync.Mutex
	exports *exportRegistry
	filters *filterRegistry
	started bool

	catalog *catalog
	queue   *invocationQueue

	// 2-phase close:
	// phase 1: shutdown notification, the queue refuses new invocations.
	// phase 2: drop, the receiver is stopped and workers drain the queue.
	shutdown   bool
	shutdownCh chan struct{}
	stopRecv   context.CancelFunc
	wg         sync.WaitGroup
}

// New builds a Layer which does nothing until `Start` is called.
func New(opts ...Option) (*Layer, error) {
	l := &Layer{
		config:     defaultConfig(),
		id:         uuid.New(),
		catalog:    newCatalog(),
		shutdownCh: make(chan struct{}),
	}

	for _, opt := range opts {
		err := opt(&l.config)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}
	if err := l.config.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}

	// Logging implementations.
	if l.config.logHandler != nil {
		l.logger = slog.New(l.config.logHandler)
	} else {
		l.logger = slog.Default()
	}

	// Metrics implementations.
	if l.config.msink == nil {
		l.config.msink = metrics.Default()
	}

	var filterer Filterer
	if l.config.networking {
		l.tr = l.config.tr
		filterer = l.tr
	}
	l.filters = newFilterRegistry(filterer)
	l.filters.onFlip = func(registered bool) {
		name := MetricFilterDeregistered
		if registered {
			name = MetricFilterRegistered
		}
		l.config.msink.IncrCounterWithLabels(name, 1, l.config.metricLabels)
	}
	l.exports = newExportRegistry(l.filters)
	l.queue = newInvocationQueue(l.snapshot)

	return l, nil
}

// Start launches the worker pool and, when networking is enabled, the
// network receiver. The receiver stops when `ctx` is done or on `Shutdown`.
func (l *Layer) Start(ctx context.Context) error {
	l.lk.Lock()
	defer l.lk.Unlock()
	if l.shutdown {
		return ErrShutdown
	}
	if l.started {
		return nil
	}

	for i := 0; i < l.config.workers; i++ {
		l.wg.Add(1)
		go l.runWorker(i)
	}

	recvCtx, cancel := context.WithCancel(ctx)
	l.stopRecv = cancel
	if l.tr != nil {
		l.wg.Add(1)
		go l.runReceiver(recvCtx)
	}

	l.started = true
	l.logger.Info(
		"layer started",
		"workers", l.config.workers,
		"networking", l.tr != nil,
	)
	return nil
}

// Shutdown stops accepting invocations, waits for the queued ones to be
// delivered, and releases transport filters. It does not close the
// transport which is owned by the caller.
func (l *Layer) Shutdown() error {
	// Phase 1: Shutdown notify.
	l.lk.Lock()
	if l.shutdown {
		l.lk.Unlock()
		return nil
	}
	l.shutdown = true
	close(l.shutdownCh)
	started := l.started
	l.lk.Unlock()

	start := time.Now()
	l.logger.Info("shutting down...")
	l.queue.close()

	// Phase 2: Drop all resources.
	if started {
		l.logger.Info("shutdown: stop receiver")
		l.stopRecv()

		l.logger.Info("shutdown: wait for queued invocations")
		l.wg.Wait()
	}

	l.logger.Info("shutdown: release transport filters")
	l.lk.Lock()
	var errs []error
	for _, addr := range l.exports.addresses() {
		errs = append(errs, l.exports.unexportAll(addr))
	}
	l.lk.Unlock()

	err := errors.Join(errs...)
	if err != nil {
		l.logger.Warn("shutdown: some filters could not be released", LabelError.L(err))
	}
	l.logger.Info("shutdown: completed", LabelDuration.L(time.Since(start)))
	return err
}

// ShutdownCh is closed when `Shutdown` is called.
func (l *Layer) ShutdownCh() <-chan struct{} {
	return l.shutdownCh
}

// checkRunning must be called with `lk` held.
func (l *Layer) checkRunning() error {
	if l.shutdown {
		return ErrShutdown
	}
	if !l.started {
		return ErrNotInitialized
	}
	return nil
}

func (l *Layer) running() error {
	l.lk.Lock()
	defer l.lk.Unlock()
	return l.checkRunning()
}

// Export makes `obj` a target of every broadcast invocation on `desc` and
// on each interface `desc` extends. `obj` must be a non-nil pointer.
func (l *Layer) Export(obj any, desc *InterfaceDescriptor) error {
	if desc == nil {
		return fmt.Errorf("%w: nil interface descriptor", ErrInvalidArgument)
	}
	if err := validateObject(obj); err != nil {
		return err
	}
	if !desc.Implements(obj) {
		return fmt.Errorf("%w: %T does not implement %s", ErrInvalidArgument, obj, desc.name)
	}
	if err := l.catalog.register(desc); err != nil {
		return err
	}

	l.lk.Lock()
	defer l.lk.Unlock()
	if err := l.checkRunning(); err != nil {
		return err
	}
	return l.exportInterfaces(obj, desc)
}

// exportInterfaces must be called with `lk` held.
func (l *Layer) exportInterfaces(obj any, desc *InterfaceDescriptor) error {
	var errs []error
	for _, d := range desc.Lineage() {
		errs = append(errs, l.exports.export(InterfaceAddress(d.name), obj))
	}
	return errors.Join(errs...)
}

// Unexport removes `obj` from every address it answers to: interfaces and
// groups alike.
func (l *Layer) Unexport(obj any) error {
	if err := validateObject(obj); err != nil {
		return err
	}
	l.lk.Lock()
	defer l.lk.Unlock()
	if err := l.checkRunning(); err != nil {
		return err
	}
	return l.exports.unexportEverywhere(obj)
}

// Interfaces lists the interface descriptors known to this layer whose name
// starts with `prefix`.
func (l *Layer) Interfaces(prefix string) []*InterfaceDescriptor {
	return l.catalog.scan(prefix)
}

// NewBroadcastHandle returns a handle reaching every object exported under
// `desc`, in this process or elsewhere.
func (l *Layer) NewBroadcastHandle(desc *InterfaceDescriptor) (*BroadcastHandle, error) {
	if err := l.prepareHandle(desc); err != nil {
		return nil, err
	}
	return &BroadcastHandle{handle{layer: l, kind: KindBroadcast, iface: desc, group: Wildcard}}, nil
}

// NewGroupHandle returns a handle to a fresh, empty group.
func (l *Layer) NewGroupHandle(desc *InterfaceDescriptor) (*GroupHandle, error) {
	if err := l.prepareHandle(desc); err != nil {
		return nil, err
	}
	return &GroupHandle{handle{layer: l, kind: KindGroup, iface: desc, group: NewGroupID()}}, nil
}

// NewSingleHandle exports `obj` under a fresh GroupID and returns the
// handle reaching it.
func (l *Layer) NewSingleHandle(obj any, desc *InterfaceDescriptor) (*SingleHandle, error) {
	if err := l.prepareHandle(desc); err != nil {
		return nil, err
	}
	h := &SingleHandle{handle{layer: l, kind: KindSingle, iface: desc, group: NewGroupID()}}
	if err := l.exportGroup(h.group, obj, desc); err != nil {
		return nil, err
	}
	return h, nil
}

func (l *Layer) prepareHandle(desc *InterfaceDescriptor) error {
	if desc == nil {
		return fmt.Errorf("%w: nil interface descriptor", ErrInvalidArgument)
	}
	if err := l.running(); err != nil {
		return err
	}
	return l.catalog.register(desc)
}

// exportGroup exports `obj` under the group and under the lineage of
// `desc`, so broadcasts reach group members too.
func (l *Layer) exportGroup(id GroupID, obj any, desc *InterfaceDescriptor) error {
	if err := validateObject(obj); err != nil {
		return err
	}
	if !desc.Implements(obj) {
		return fmt.Errorf("%w: %T does not implement %s", ErrInvalidArgument, obj, desc.name)
	}

	l.lk.Lock()
	defer l.lk.Unlock()
	if err := l.checkRunning(); err != nil {
		return err
	}
	return errors.Join(
		l.exports.export(GroupAddress(id), obj),
		l.exportInterfaces(obj, desc),
	)
}

func (l *Layer) unexportGroupMember(id GroupID, obj any) error {
	if err := validateObject(obj); err != nil {
		return err
	}
	l.lk.Lock()
	defer l.lk.Unlock()
	if err := l.checkRunning(); err != nil {
		return err
	}
	return l.exports.unexport(GroupAddress(id), obj)
}

// rebindSingle replaces whatever object answers to the group by `obj`.
// With a nil `obj`, the group is simply emptied.
func (l *Layer) rebindSingle(id GroupID, obj any, desc *InterfaceDescriptor) error {
	if obj != nil {
		if err := validateObject(obj); err != nil {
			return err
		}
		if !desc.Implements(obj) {
			return fmt.Errorf("%w: %T does not implement %s", ErrInvalidArgument, obj, desc.name)
		}
	}

	l.lk.Lock()
	defer l.lk.Unlock()
	if err := l.checkRunning(); err != nil {
		return err
	}
	addr := GroupAddress(id)
	if !l.exports.isExported(addr) {
		return ErrHandleDetached
	}
	err := l.exports.unexportAll(addr)
	if obj == nil {
		return err
	}
	return errors.Join(
		err,
		l.exports.export(addr, obj),
		l.exportInterfaces(obj, desc),
	)
}

func (l *Layer) isExported(addr Address) bool {
	l.lk.Lock()
	defer l.lk.Unlock()
	return l.exports.isExported(addr)
}

func (l *Layer) isExportedBy(addr Address, obj any) bool {
	l.lk.Lock()
	defer l.lk.Unlock()
	return l.exports.isExportedBy(addr, obj)
}

// snapshot is the target resolver of the invocation queue.
func (l *Layer) snapshot(addr Address) []any {
	l.lk.Lock()
	defer l.lk.Unlock()
	return l.exports.snapshot(addr)
}

// processFromLocalCall queues `inv` for the local targets and broadcasts it
// on the network. A single invocation whose target lives here never leaves
// the process.
func (l *Layer) processFromLocalCall(inv *Invocation) error {
	l.lk.Lock()
	if err := l.checkRunning(); err != nil {
		l.lk.Unlock()
		return err
	}
	send := l.tr != nil
	if inv.kind == KindSingle && l.exports.isExported(inv.addr) {
		send = false
	}
	l.lk.Unlock()

	if err := l.enqueue(inv); err != nil {
		return err
	}
	if !send {
		return nil
	}
	return l.send(inv)
}

// processFromNetwork queues `inv` for the local targets only.
func (l *Layer) processFromNetwork(inv *Invocation) error {
	if err := l.running(); err != nil {
		return err
	}
	return l.enqueue(inv)
}

func (l *Layer) enqueue(inv *Invocation) error {
	if err := l.queue.add(inv); err != nil {
		return err
	}
	l.config.msink.IncrCounterWithLabels(
		MetricInvocationEnqueued,
		1,
		l.labels(LabelKind.M(inv.kind.String())),
	)
	l.config.msink.SetGaugeWithLabels(MetricQueueDepth, float32(l.queue.len()), l.config.metricLabels)
	return nil
}

func (l *Layer) send(inv *Invocation) error {
	frame, err := marshalInvocation(inv, l.id)
	if err != nil {
		l.config.msink.IncrCounterWithLabels(
			MetricInvocationSendError,
			1,
			l.labels(LabelError.M("encode")),
		)
		return fmt.Errorf("%w: %w", ErrInvocationFailure, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), l.config.sendTimeout)
	defer cancel()
	if err := l.tr.Send(ctx, frame); err != nil {
		l.config.msink.IncrCounterWithLabels(
			MetricInvocationSendError,
			1,
			l.labels(LabelError.M("send")),
		)
		return fmt.Errorf("%w: %w", ErrInvocationFailure, err)
	}

	l.config.msink.IncrCounterWithLabels(
		MetricInvocationSent,
		1,
		l.labels(LabelKind.M(inv.kind.String())),
	)
	return nil
}

func (l *Layer) runWorker(id int) {
	defer l.wg.Done()
	worker := strconv.Itoa(id)
	for {
		inv, target, ok := l.queue.next()
		if !ok {
			return
		}

		start := time.Now()
		err := inv.invoke(target)
		l.queue.done(inv)

		if err != nil {
			l.config.msink.IncrCounterWithLabels(
				MetricInvocationFailed,
				1,
				l.labels(LabelKind.M(inv.kind.String()), LabelInterface.M(inv.iface.name)),
			)
			if l.config.invocationDebug >= 1 {
				ierr := &InvocationError{Invocation: inv, Target: target, Cause: err}
				l.logger.Error(
					"delivery failed",
					LabelWorker.L(worker),
					LabelAddress.L(inv.addr),
					LabelError.L(ierr),
				)
			}
			continue
		}

		l.config.msink.IncrCounterWithLabels(
			MetricInvocationDelivered,
			1,
			l.labels(LabelKind.M(inv.kind.String()), LabelInterface.M(inv.iface.name)),
		)
		if l.config.invocationDebug >= 2 {
			l.logger.Info(
				"delivered",
				LabelWorker.L(worker),
				LabelAddress.L(inv.addr),
				LabelMethod.L(inv.Method().Signature),
				LabelTarget.L(fmt.Sprintf("%T", target)),
				LabelDuration.L(time.Since(start)),
			)
		}
	}
}

func (l *Layer) reportPostError(h Handle, method string, err error) {
	if l.config.onPostError != nil {
		l.config.onPostError(h, method, err)
		return
	}
	l.logger.Error(
		"post failed",
		LabelAddress.L(h.Address()),
		LabelMethod.L(method),
		LabelError.L(err),
	)
}

// labels prepends the static metric labels without aliasing them.
func (l *Layer) labels(extra ...metrics.Label) []metrics.Label {
	out := make([]metrics.Label, 0, len(l.config.metricLabels)+len(extra))
	out = append(out, l.config.metricLabels...)
	return append(out, extra...)
}

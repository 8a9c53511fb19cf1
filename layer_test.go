package m2mi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/m2mi/pkg/transport/memory"
	"github.com/stretchr/testify/require"
)

type Stepper interface {
	Step(n int)
}

type Room interface {
	Join(member Handle, nick string)
}

type Crasher interface {
	Crash(really bool)
}

var (
	stepperDesc = MustDescribe[Stepper](WithName("test.Stepper"))
	roomDesc    = MustDescribe[Room](WithName("test.Room"))
	crasherDesc = MustDescribe[Crasher](WithName("test.Crasher"))
)

type step struct {
	n   int
	end bool
}

type stepLog struct {
	lk    sync.Mutex
	steps []step
}

func (sl *stepLog) add(s step) {
	sl.lk.Lock()
	sl.steps = append(sl.steps, s)
	sl.lk.Unlock()
}

func (sl *stepLog) len() int {
	sl.lk.Lock()
	defer sl.lk.Unlock()
	return len(sl.steps)
}

func (sl *stepLog) get() []step {
	sl.lk.Lock()
	defer sl.lk.Unlock()
	return append([]step(nil), sl.steps...)
}

type stepper struct {
	log *stepLog
}

func (s *stepper) Step(n int) {
	s.log.add(step{n: n})
	time.Sleep(time.Duration(rand.IntN(300)) * time.Microsecond)
	s.log.add(step{n: n, end: true})
}

type room struct {
	lk      sync.Mutex
	members []string
}

func (r *room) Join(member Handle, nick string) {
	r.lk.Lock()
	r.members = append(r.members, nick)
	r.lk.Unlock()
	member.Post("Greet", "welcome "+nick)
}

type crasher struct {
	calls atomic.Int32
}

func (c *crasher) Crash(really bool) {
	c.calls.Add(1)
	if really {
		panic("boom")
	}
}

// countingTransport counts outgoing frames.
type countingTransport struct {
	*memory.Endpoint
	sent atomic.Int32
}

func (ct *countingTransport) Send(ctx context.Context, frame []byte) error {
	ct.sent.Add(1)
	return ct.Endpoint.Send(ctx, frame)
}

type failingTransport struct {
	*memory.Endpoint
}

func (ft *failingTransport) Send(context.Context, []byte) error {
	return errors.New("network unreachable")
}

func testLogHandler(emitter string) slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}).WithAttrs([]slog.Attr{
		{Key: "emitter", Value: slog.StringValue(emitter)},
	})
}

func newTestLayer(t *testing.T, emitter string, opts ...Option) *Layer {
	t.Helper()
	opts = append([]Option{
		WithLog(testLogHandler(emitter)),
		WithMetricSink(&metrics.BlackholeSink{}),
		WithInvocationDebugLevel(1),
		WithReceiverDebugLevel(1),
	}, opts...)
	l, err := New(opts...)
	require.NoError(t, err)
	require.NoError(t, l.Start(context.Background()))
	t.Cleanup(func() {
		require.NoError(t, l.Shutdown())
	})
	return l
}

func newNetworkedLayer(t *testing.T, hub *memory.Hub, emitter string, opts ...Option) (*Layer, *countingTransport) {
	t.Helper()
	ep := hub.Endpoint(0)
	t.Cleanup(func() { _ = ep.Close() })
	tr := &countingTransport{Endpoint: ep}
	return newTestLayer(t, emitter, append([]Option{WithTransport(tr)}, opts...)...), tr
}

func TestLayer_Lifecycle(t *testing.T) {
	l, err := New(WithLog(testLogHandler("lifecycle")))
	require.NoError(t, err)

	_, err = l.NewBroadcastHandle(greeterDesc)
	require.ErrorIs(t, err, ErrNotInitialized)
	require.ErrorIs(t, l.Export(&greeter{}, greeterDesc), ErrNotInitialized)

	require.NoError(t, l.Start(context.Background()))
	require.NoError(t, l.Start(context.Background()), "starting twice is a no-op")

	g := &greeter{}
	require.NoError(t, l.Export(g, greeterDesc))
	h, err := l.NewBroadcastHandle(greeterDesc)
	require.NoError(t, err)

	require.NoError(t, l.Shutdown())
	require.NoError(t, l.Shutdown(), "shutting down twice is a no-op")

	select {
	case <-l.ShutdownCh():
	default:
		t.Fatal("shutdown channel must be closed")
	}

	require.ErrorIs(t, l.Start(context.Background()), ErrShutdown)
	require.ErrorIs(t, l.Export(g, greeterDesc), ErrShutdown)
	require.ErrorIs(t, l.Unexport(g), ErrShutdown)
	require.ErrorIs(t, h.Call("Greet", "late"), ErrShutdown)
	require.Empty(t, g.got())
}

func TestLayer_InvalidOptions(t *testing.T) {
	cases := map[string][]Option{
		"no workers":           {WithWorkers(0)},
		"invocation debug":     {WithInvocationDebugLevel(MaxInvocationDebugLevel + 1)},
		"receiver debug":       {WithReceiverDebugLevel(-1)},
		"nil transport":        {WithTransport(nil)},
		"networking without":   {WithNetworking(true)},
		"transport turned off": {WithTransport(&countingTransport{}), WithWorkers(-3)},
	}
	for name, opts := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := New(opts...)
			require.ErrorIs(t, err, ErrInvalidCfg)
		})
	}
}

func TestLayer_ExportValidation(t *testing.T) {
	l := newTestLayer(t, "validation")

	require.ErrorIs(t, l.Export(nil, greeterDesc), ErrInvalidArgument)
	require.ErrorIs(t, l.Export(target{name: "value"}, greeterDesc), ErrInvalidArgument, "only pointers can be exported")
	require.ErrorIs(t, l.Export(&greeter{}, nil), ErrInvalidArgument)
	require.ErrorIs(t, l.Export(&printer{}, greeterDesc), ErrInvalidArgument)

	h, err := l.NewBroadcastHandle(greeterDesc)
	require.NoError(t, err)
	require.ErrorIs(t, h.Call("Wave"), ErrInvalidArgument)
	require.ErrorIs(t, h.Invoke(7), ErrInvalidArgument)
	require.ErrorIs(t, h.Call("Greet", 1), ErrInvalidArgument)
}

func TestLayer_Broadcast(t *testing.T) {
	l := newTestLayer(t, "broadcast")
	g1, g2 := &greeter{}, &greeter{}
	require.NoError(t, l.Export(g1, greeterDesc))
	require.NoError(t, l.Export(g2, greeterDesc))

	h, err := l.NewBroadcastHandle(greeterDesc)
	require.NoError(t, err)
	require.True(t, h.Invokes(g1))
	require.False(t, h.Invokes(&greeter{}))
	require.ElementsMatch(t, []any{g1, g2}, h.LocalTargets())

	require.NoError(t, h.Call("Greet", "bob"))
	require.Eventually(t, func() bool {
		return len(g1.got()) == 1 && len(g2.got()) == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, l.Unexport(g1))
	require.NoError(t, h.Call("Greet", "alice"))
	require.Eventually(t, func() bool {
		return len(g2.got()) == 2
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"bob"}, g1.got())
}

func TestLayer_Ordering(t *testing.T) {
	const (
		targets   = 3
		envelopes = 40
	)

	for workers := 1; workers <= 8; workers++ {
		t.Run(fmt.Sprintf("%d workers", workers), func(t *testing.T) {
			l := newTestLayer(t, "ordering", WithWorkers(workers))
			log := &stepLog{}
			for i := 0; i < targets; i++ {
				require.NoError(t, l.Export(&stepper{log: log}, stepperDesc))
			}
			h, err := l.NewBroadcastHandle(stepperDesc)
			require.NoError(t, err)

			for n := 0; n < envelopes; n++ {
				require.NoError(t, h.Call("Step", n))
			}
			require.Eventually(t, func() bool {
				return log.len() == 2*targets*envelopes
			}, 5*time.Second, 10*time.Millisecond)

			cur, started, ended := 0, 0, 0
			for _, s := range log.get() {
				if s.end {
					require.Equal(t, cur, s.n, "an envelope ended while another was running")
					ended++
					continue
				}
				if s.n != cur {
					require.Equal(t, cur+1, s.n, "envelopes run in FIFO order")
					require.Equal(t, targets, ended, "envelope %d started before %d completed", s.n, cur)
					cur, started, ended = s.n, 0, 0
				}
				started++
				require.LessOrEqual(t, started, targets)
			}
			require.Equal(t, envelopes-1, cur)
			require.Equal(t, targets, ended)
		})
	}
}

func TestLayer_ShutdownDrains(t *testing.T) {
	l, err := New(WithLog(testLogHandler("drain")), WithWorkers(1))
	require.NoError(t, err)
	require.NoError(t, l.Start(context.Background()))

	log := &stepLog{}
	require.NoError(t, l.Export(&stepper{log: log}, stepperDesc))
	h, err := l.NewBroadcastHandle(stepperDesc)
	require.NoError(t, err)
	for n := 0; n < 20; n++ {
		require.NoError(t, h.Call("Step", n))
	}

	require.NoError(t, l.Shutdown())
	require.Equal(t, 40, log.len(), "queued envelopes are delivered before shutdown returns")
}

func TestLayer_SuperInterface(t *testing.T) {
	l := newTestLayer(t, "super")
	loud := &greeter{}
	require.NoError(t, l.Export(loud, loudDesc))

	base, err := l.NewBroadcastHandle(greeterDesc)
	require.NoError(t, err)
	require.True(t, base.Invokes(loud), "exporting under an interface exports under its supers")

	require.NoError(t, base.Call("Greet", "hi"))
	derived, err := l.NewBroadcastHandle(loudDesc)
	require.NoError(t, err)
	require.NoError(t, derived.Call("Shout", "hey", 2))

	require.Eventually(t, func() bool {
		return len(loud.got()) == 3
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"hi", "hey!", "hey!"}, loud.got())
}

func TestLayer_Group(t *testing.T) {
	l := newTestLayer(t, "group")
	a, b, outsider := &greeter{}, &greeter{}, &greeter{}
	require.NoError(t, l.Export(outsider, greeterDesc))

	gh, err := l.NewGroupHandle(greeterDesc)
	require.NoError(t, err)
	require.Empty(t, gh.LocalTargets())
	require.NoError(t, gh.Attach(a))
	require.NoError(t, gh.Attach(b))
	require.True(t, gh.Invokes(a))
	require.False(t, gh.Invokes(outsider))

	require.NoError(t, gh.Call("Greet", "members"))
	require.Eventually(t, func() bool {
		return len(a.got()) == 1 && len(b.got()) == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, gh.Detach(a))
	require.False(t, gh.Invokes(a))
	require.NoError(t, gh.Call("Greet", "members only"))
	require.Eventually(t, func() bool {
		return len(b.got()) == 2
	}, time.Second, 10*time.Millisecond)
	require.Len(t, a.got(), 1)

	// Members are exported under the interface too.
	bh, err := l.NewBroadcastHandle(greeterDesc)
	require.NoError(t, err)
	require.ElementsMatch(t, []any{outsider, a, b}, bh.LocalTargets())
	require.Empty(t, outsider.got(), "group invocations never reach non-members")
}

func TestLayer_SingleStaysLocal(t *testing.T) {
	hub := memory.NewHub()
	l, tr := newNetworkedLayer(t, hub, "single")

	g := &greeter{}
	sh, err := l.NewSingleHandle(g, greeterDesc)
	require.NoError(t, err)
	require.True(t, sh.Invokes(g))

	require.NoError(t, sh.Call("Greet", "you"))
	require.Eventually(t, func() bool {
		return len(g.got()) == 1
	}, time.Second, 10*time.Millisecond)
	require.Zero(t, tr.sent.Load(), "a single invocation on a local object never leaves the process")

	// Rebinding moves the handle to another object.
	other := &greeter{}
	require.NoError(t, sh.Attach(other))
	require.False(t, sh.Invokes(g))
	require.NoError(t, sh.Call("Greet", "again"))
	require.Eventually(t, func() bool {
		return len(other.got()) == 1
	}, time.Second, 10*time.Millisecond)
	require.Len(t, g.got(), 1)
	require.Zero(t, tr.sent.Load())
	require.ErrorIs(t, sh.Attach(nil), ErrInvalidArgument)
}

func TestLayer_SingleDetached(t *testing.T) {
	hub := memory.NewHub()
	l, tr := newNetworkedLayer(t, hub, "detached")

	g := &greeter{}
	sh, err := l.NewSingleHandle(g, greeterDesc)
	require.NoError(t, err)

	require.NoError(t, sh.Detach())
	require.ErrorIs(t, sh.Detach(), ErrHandleDetached)
	require.ErrorIs(t, sh.Attach(g), ErrHandleDetached)
	require.Empty(t, sh.LocalTargets())

	require.NoError(t, sh.Call("Greet", "anyone?"))
	require.Eventually(t, func() bool {
		return tr.sent.Load() == 1
	}, time.Second, 10*time.Millisecond, "the invocation falls back to the network")
	require.Empty(t, g.got())
}

func TestLayer_SingleOverNetwork(t *testing.T) {
	hub := memory.NewHub()
	la, _ := newNetworkedLayer(t, hub, "node-a")
	lb, trb := newNetworkedLayer(t, hub, "node-b")

	g := &greeter{}
	sh, err := lb.NewSingleHandle(g, greeterDesc)
	require.NoError(t, err)

	// The handle reaches node-a out of band.
	_, err = la.NewBroadcastHandle(greeterDesc)
	require.NoError(t, err)
	remote, err := la.UnmarshalHandle(MarshalHandle(sh))
	require.NoError(t, err)
	require.Equal(t, KindSingle, remote.Kind())
	require.Equal(t, sh.GroupID(), remote.GroupID())
	require.Empty(t, remote.LocalTargets())

	require.NoError(t, remote.Call("Greet", "from a"))
	require.Eventually(t, func() bool {
		return len(g.got()) == 1
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"from a"}, g.got())
	require.Zero(t, trb.sent.Load(), "a received single invocation is never sent again")
}

func TestLayer_BroadcastOverNetwork(t *testing.T) {
	hub := memory.NewHub()
	la, tra := newNetworkedLayer(t, hub, "node-a")
	lb, _ := newNetworkedLayer(t, hub, "node-b")

	local, remote := &greeter{}, &greeter{}
	require.NoError(t, la.Export(local, greeterDesc))
	require.NoError(t, lb.Export(remote, greeterDesc))

	h, err := la.NewBroadcastHandle(greeterDesc)
	require.NoError(t, err)
	require.NoError(t, h.Call("Greet", "everyone"))

	require.Eventually(t, func() bool {
		return len(local.got()) == 1 && len(remote.got()) == 1
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, int32(1), tra.sent.Load())

	// Give the echo a chance to be wrongly delivered.
	time.Sleep(50 * time.Millisecond)
	require.Len(t, local.got(), 1, "a layer ignores its own frames")
}

func TestLayer_HandleArgument(t *testing.T) {
	hub := memory.NewHub()
	la, _ := newNetworkedLayer(t, hub, "node-a")
	lb, _ := newNetworkedLayer(t, hub, "node-b")

	r := &room{}
	require.NoError(t, lb.Export(r, roomDesc))
	// node-b must know what a greeter is to decode handles to one.
	_, err := lb.NewBroadcastHandle(greeterDesc)
	require.NoError(t, err)

	me := &greeter{}
	member, err := la.NewSingleHandle(me, greeterDesc)
	require.NoError(t, err)
	rooms, err := la.NewBroadcastHandle(roomDesc)
	require.NoError(t, err)

	require.NoError(t, rooms.Call("Join", member, "ann"))
	require.Eventually(t, func() bool {
		return len(me.got()) == 1
	}, time.Second, 10*time.Millisecond, "the room calls back through the received handle")
	require.Equal(t, []string{"welcome ann"}, me.got())
}

func TestLayer_TargetPanic(t *testing.T) {
	l := newTestLayer(t, "panic", WithWorkers(1))
	c := &crasher{}
	require.NoError(t, l.Export(c, crasherDesc))
	h, err := l.NewBroadcastHandle(crasherDesc)
	require.NoError(t, err)

	require.NoError(t, h.Call("Crash", true))
	require.NoError(t, h.Call("Crash", false))
	require.Eventually(t, func() bool {
		return c.calls.Load() == 2
	}, time.Second, 10*time.Millisecond, "workers survive panicking targets")
}

func TestLayer_SendFailure(t *testing.T) {
	hub := memory.NewHub()
	ep := hub.Endpoint(0)
	t.Cleanup(func() { _ = ep.Close() })

	var (
		lk       sync.Mutex
		reported []error
	)
	l := newTestLayer(t, "send-failure",
		WithTransport(&failingTransport{Endpoint: ep}),
		WithPostErrorHandler(func(h Handle, method string, err error) {
			lk.Lock()
			reported = append(reported, err)
			lk.Unlock()
		}),
	)

	g := &greeter{}
	require.NoError(t, l.Export(g, greeterDesc))
	h, err := l.NewBroadcastHandle(greeterDesc)
	require.NoError(t, err)

	require.ErrorIs(t, h.Call("Greet", "direct"), ErrInvocationFailure)
	h.Post("Greet", "posted")

	require.Eventually(t, func() bool {
		return len(g.got()) == 2
	}, time.Second, 10*time.Millisecond, "local delivery proceeds despite the send failure")

	lk.Lock()
	defer lk.Unlock()
	require.Len(t, reported, 1)
	require.ErrorIs(t, reported[0], ErrInvocationFailure)
}

func TestLayer_Interfaces(t *testing.T) {
	l := newTestLayer(t, "interfaces")
	require.NoError(t, l.Export(&greeter{}, loudDesc))
	_, err := l.NewBroadcastHandle(stepperDesc)
	require.NoError(t, err)

	require.ElementsMatch(t,
		[]*InterfaceDescriptor{greeterDesc, loudDesc, stepperDesc},
		l.Interfaces("test."),
	)
	require.Equal(t, []*InterfaceDescriptor{stepperDesc}, l.Interfaces("test.S"))
}

func TestLayer_Metrics(t *testing.T) {
	sink := metrics.NewInmemSink(time.Minute, time.Minute)
	l := newTestLayer(t, "metrics",
		WithMetricSink(sink),
		WithMetricLabels([]metrics.Label{{Name: "layer", Value: "test"}}),
	)
	g := &greeter{}
	require.NoError(t, l.Export(g, greeterDesc))
	h, err := l.NewBroadcastHandle(greeterDesc)
	require.NoError(t, err)
	require.NoError(t, h.Call("Greet", "counted"))

	require.Eventually(t, func() bool {
		for _, interval := range sink.Data() {
			for key := range interval.Counters {
				if strings.HasPrefix(key, strings.Join(MetricInvocationDelivered, ".")) {
					return true
				}
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

// recordHandler keeps the messages of the records it handles, at the
// default info level.
type recordHandler struct {
	lk   *sync.Mutex
	msgs *[]string
}

func newRecordHandler() recordHandler {
	return recordHandler{lk: &sync.Mutex{}, msgs: new([]string)}
}

func (rh recordHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= slog.LevelInfo
}

func (rh recordHandler) Handle(_ context.Context, r slog.Record) error {
	rh.lk.Lock()
	defer rh.lk.Unlock()
	*rh.msgs = append(*rh.msgs, r.Message)
	return nil
}

func (rh recordHandler) WithAttrs([]slog.Attr) slog.Handler { return rh }
func (rh recordHandler) WithGroup(string) slog.Handler      { return rh }

func (rh recordHandler) saw(msg string) bool {
	rh.lk.Lock()
	defer rh.lk.Unlock()
	for _, m := range *rh.msgs {
		if m == msg {
			return true
		}
	}
	return false
}

func TestLayer_DebugLevelsShowAtInfo(t *testing.T) {
	hub := memory.NewHub()
	senderLog, receiverLog := newRecordHandler(), newRecordHandler()
	la, _ := newNetworkedLayer(t, hub, "node-a", WithLog(senderLog), WithInvocationDebugLevel(2))
	lb, _ := newNetworkedLayer(t, hub, "node-b", WithLog(receiverLog), WithReceiverDebugLevel(2))

	require.NoError(t, la.Export(&greeter{}, greeterDesc))
	require.NoError(t, lb.Export(&greeter{}, greeterDesc))
	h, err := la.NewBroadcastHandle(greeterDesc)
	require.NoError(t, err)
	require.NoError(t, h.Call("Greet", "loud"))

	require.Eventually(t, func() bool {
		return senderLog.saw("delivered") && receiverLog.saw("frame received")
	}, time.Second, 10*time.Millisecond)
}

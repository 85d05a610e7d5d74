package gameserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/botherd/botherd/internal/events"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// fakeTransport records executed commands and answers via respond, or "ok"
// when respond is nil.
type fakeTransport struct {
	mu       sync.Mutex
	executed []string
	closed   bool
	respond  func(ctx context.Context, command string) (string, error)
}

func (f *fakeTransport) Execute(ctx context.Context, command string) (string, error) {
	f.mu.Lock()
	f.executed = append(f.executed, command)
	fn := f.respond
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, command)
	}
	return "ok", nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.executed...)
}

// dialRecorder hands out fake transports and can fail the first N dials.
type dialRecorder struct {
	mu         sync.Mutex
	dials      int
	failFirst  int
	respond    func(ctx context.Context, command string) (string, error)
	transports []*fakeTransport
}

func (d *dialRecorder) dial(ctx context.Context) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.dials <= d.failFirst {
		return nil, errors.New("dial refused")
	}
	ft := &fakeTransport{respond: d.respond}
	d.transports = append(d.transports, ft)
	return ft, nil
}

func (d *dialRecorder) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *dialRecorder) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}

// newTestAdapter returns an adapter with quiet tickers, a fast backoff, and
// the given dialer. Shutdown runs on cleanup.
func newTestAdapter(t *testing.T, cfg Config, bus *events.Bus, dial Dialer) *Adapter {
	t.Helper()
	if cfg.MaxCommandsPerSecond == 0 {
		cfg.MaxCommandsPerSecond = 500
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = time.Hour
	}
	if cfg.SnapshotInterval == 0 {
		cfg.SnapshotInterval = time.Hour
	}
	if cfg.SnapshotPersistInterval == 0 {
		cfg.SnapshotPersistInterval = time.Hour
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = time.Hour
	}
	if cfg.ReconnectBase == 0 {
		cfg.ReconnectBase = 10 * time.Millisecond
	}
	a := New(cfg, bus, testLogger())
	if dial != nil {
		a.dial = dial
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		a.Shutdown(ctx)
	})
	return a
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// eventSink collects bus events for assertions.
type eventSink struct {
	mu   sync.Mutex
	evts []events.Event
}

func (s *eventSink) handler(evt events.Event) {
	s.mu.Lock()
	s.evts = append(s.evts, evt)
	s.mu.Unlock()
}

func (s *eventSink) byType(eventType string) []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []events.Event
	for _, evt := range s.evts {
		if evt.Type == eventType {
			out = append(out, evt)
		}
	}
	return out
}

func TestConnectAndSend(t *testing.T) {
	rec := &dialRecorder{}
	a := newTestAdapter(t, Config{}, nil, rec.dial)

	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !a.Connected() {
		t.Fatal("expected connected state")
	}

	resp, err := a.SendCommand(context.Background(), "/list")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if resp != "ok" {
		t.Errorf("unexpected response %q", resp)
	}
	got := rec.last().commands()
	if len(got) != 1 || got[0] != "/list" {
		t.Errorf("unexpected executed commands: %v", got)
	}
}

func TestSendWhileDisconnectedRejects(t *testing.T) {
	a := newTestAdapter(t, Config{}, nil, (&dialRecorder{}).dial)

	_, err := a.SendCommand(context.Background(), "/list")
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestConnectJoinsInFlightAttempt(t *testing.T) {
	var dials atomic.Int32
	slowDial := func(ctx context.Context) (Transport, error) {
		dials.Add(1)
		time.Sleep(50 * time.Millisecond)
		return &fakeTransport{}, nil
	}
	a := newTestAdapter(t, Config{}, nil, slowDial)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = a.Connect(context.Background())
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("connect %d: %v", i, err)
		}
	}
	if n := dials.Load(); n != 1 {
		t.Errorf("expected a single dial, got %d", n)
	}
	if err := a.Connect(context.Background()); err != nil {
		t.Errorf("connect while connected: %v", err)
	}
	if n := dials.Load(); n != 1 {
		t.Errorf("connect while connected must not redial, got %d dials", n)
	}
}

func TestCommandSpacingAndOrder(t *testing.T) {
	rec := &dialRecorder{}
	a := newTestAdapter(t, Config{MaxCommandsPerSecond: 50}, nil, rec.dial) // 20ms spacing
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	start := time.Now()
	var futures []*Pending
	for i := 0; i < 5; i++ {
		futures = append(futures, a.Send(fmt.Sprintf("cmd-%d", i)))
	}
	for _, p := range futures {
		if _, err := p.Wait(context.Background()); err != nil {
			t.Fatalf("wait: %v", err)
		}
	}
	elapsed := time.Since(start)
	if elapsed < 80*time.Millisecond {
		t.Errorf("5 commands at 50/s should take at least 80ms, took %s", elapsed)
	}

	got := rec.last().commands()
	for i, want := range []string{"cmd-0", "cmd-1", "cmd-2", "cmd-3", "cmd-4"} {
		if got[i] != want {
			t.Fatalf("order broken at %d: %v", i, got)
		}
	}
}

func TestSingleCommandInFlight(t *testing.T) {
	var cur, max int32
	rec := &dialRecorder{respond: func(ctx context.Context, command string) (string, error) {
		n := atomic.AddInt32(&cur, 1)
		for {
			m := atomic.LoadInt32(&max)
			if n <= m || atomic.CompareAndSwapInt32(&max, m, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&cur, -1)
		return "ok", nil
	}}
	a := newTestAdapter(t, Config{}, nil, rec.dial)
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a.SendCommand(context.Background(), fmt.Sprintf("cmd-%d", i))
		}(i)
	}
	wg.Wait()

	if atomic.LoadInt32(&max) != 1 {
		t.Errorf("expected at most 1 in-flight command, saw %d", max)
	}
}

func TestCommandTimeoutAdvancesQueue(t *testing.T) {
	var calls atomic.Int32
	rec := &dialRecorder{respond: func(ctx context.Context, command string) (string, error) {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return "", ctx.Err()
		}
		return "ok", nil
	}}
	a := newTestAdapter(t, Config{CommandTimeout: time.Second}, nil, rec.dial)
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	first := a.Send("slow")
	second := a.Send("fast")

	if _, err := first.Wait(context.Background()); !errors.Is(err, ErrCommandTimeout) {
		t.Fatalf("expected ErrCommandTimeout, got %v", err)
	}
	if resp, err := second.Wait(context.Background()); err != nil || resp != "ok" {
		t.Fatalf("queue should advance past a timeout: %q, %v", resp, err)
	}
	if !a.Connected() {
		t.Error("a timeout must not drop the connection")
	}
	if m := a.Metrics(); m.CommandsTimedOut != 1 {
		t.Errorf("expected 1 timed out command, got %d", m.CommandsTimedOut)
	}
}

func TestResponseErrorMarkers(t *testing.T) {
	responses := []string{"Unknown command: /bogus", "ERROR: something broke", "No such player: bob", "operation Failed"}
	var idx atomic.Int32
	rec := &dialRecorder{respond: func(ctx context.Context, command string) (string, error) {
		return responses[idx.Add(1)-1], nil
	}}
	a := newTestAdapter(t, Config{}, nil, rec.dial)
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	for i := range responses {
		_, err := a.SendCommand(context.Background(), fmt.Sprintf("cmd-%d", i))
		if !errors.Is(err, ErrCommandFailed) {
			t.Errorf("response %d should reject with ErrCommandFailed, got %v", i, err)
		}
	}
	if !a.Connected() {
		t.Error("command failures must not drop the connection")
	}
	if m := a.Metrics(); m.CommandsFailed != int64(len(responses)) {
		t.Errorf("expected %d failed commands, got %d", len(responses), m.CommandsFailed)
	}
}

func TestTransportErrorReconnects(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	rec := &dialRecorder{respond: func(ctx context.Context, command string) (string, error) {
		if fail.Load() {
			return "", errors.New("broken pipe")
		}
		return "ok", nil
	}}
	bus := events.NewBus(testLogger())
	sink := &eventSink{}
	bus.Subscribe([]string{events.TypeDisconnected, events.TypeReconnectScheduled, events.TypeConnected}, sink.handler, false)

	a := newTestAdapter(t, Config{ReconnectBase: 10 * time.Millisecond}, bus, rec.dial)
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	_, err := a.SendCommand(context.Background(), "/list")
	if err == nil || errors.Is(err, ErrCommandTimeout) {
		t.Fatalf("expected transport error, got %v", err)
	}
	fail.Store(false)

	waitFor(t, 2*time.Second, "reconnect", a.Connected)

	if got := sink.byType(events.TypeDisconnected); len(got) == 0 {
		t.Error("expected a disconnected signal")
	}
	scheduled := sink.byType(events.TypeReconnectScheduled)
	if len(scheduled) == 0 {
		t.Fatal("expected a reconnect-scheduled signal")
	}
	if evt, ok := scheduled[0].Data.(ReconnectEvent); !ok || evt.Attempt != 1 {
		t.Errorf("unexpected reconnect payload: %+v", scheduled[0].Data)
	}
	if rec.dialCount() < 2 {
		t.Errorf("expected a redial, got %d dials", rec.dialCount())
	}
}

func TestManualDisconnectSuppressesReconnect(t *testing.T) {
	rec := &dialRecorder{}
	a := newTestAdapter(t, Config{ReconnectBase: 10 * time.Millisecond}, nil, rec.dial)
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := a.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	time.Sleep(60 * time.Millisecond)
	if rec.dialCount() != 1 {
		t.Errorf("manual disconnect must not reconnect, got %d dials", rec.dialCount())
	}
	if _, err := a.SendCommand(context.Background(), "/list"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected after disconnect, got %v", err)
	}
	if !rec.last().closed {
		t.Error("transport should be closed on disconnect")
	}
}

func TestDisconnectDrainsQueue(t *testing.T) {
	block := make(chan struct{})
	var calls atomic.Int32
	rec := &dialRecorder{respond: func(ctx context.Context, command string) (string, error) {
		if calls.Add(1) == 1 {
			<-block
		}
		return "ok", nil
	}}
	a := newTestAdapter(t, Config{}, nil, rec.dial)
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	first := a.Send("blocking")
	waitFor(t, time.Second, "first command in flight", func() bool { return calls.Load() == 1 })
	second := a.Send("queued-1")
	third := a.Send("queued-2")

	if err := a.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	close(block)

	if _, err := second.Wait(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("queued command should be rejected on disconnect, got %v", err)
	}
	if _, err := third.Wait(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("queued command should be rejected on disconnect, got %v", err)
	}
	// The in-flight command resolves from its own outcome, not the drain.
	if _, err := first.Wait(context.Background()); err != nil {
		t.Logf("in-flight command resolved with: %v", err)
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	alwaysFail := func(ctx context.Context) (Transport, error) {
		return nil, errors.New("dial refused")
	}
	bus := events.NewBus(testLogger())
	sink := &eventSink{}
	bus.Subscribe([]string{events.TypeReconnectScheduled}, sink.handler, false)

	a := newTestAdapter(t, Config{ReconnectBase: 10 * time.Millisecond, MaxReconnectDelay: 40 * time.Millisecond}, bus, alwaysFail)
	a.Connect(context.Background())

	waitFor(t, 2*time.Second, "four reconnect attempts", func() bool {
		return len(sink.byType(events.TypeReconnectScheduled)) >= 4
	})

	scheduled := sink.byType(events.TypeReconnectScheduled)
	wantDelays := []int64{10, 20, 40, 40}
	for i, want := range wantDelays {
		evt := scheduled[i].Data.(ReconnectEvent)
		if evt.DelayMs != want {
			t.Errorf("attempt %d: expected %dms delay, got %dms", i+1, want, evt.DelayMs)
		}
		if evt.Attempt != i+1 {
			t.Errorf("attempt %d: expected counter %d, got %d", i+1, i+1, evt.Attempt)
		}
	}
}

func TestShutdownDrainsThenRejects(t *testing.T) {
	rec := &dialRecorder{respond: func(ctx context.Context, command string) (string, error) {
		time.Sleep(5 * time.Millisecond)
		return "ok", nil
	}}
	a := newTestAdapter(t, Config{}, nil, rec.dial)
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	var futures []*Pending
	for i := 0; i < 5; i++ {
		futures = append(futures, a.Send(fmt.Sprintf("cmd-%d", i)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	for i, p := range futures {
		if _, err := p.Wait(context.Background()); err != nil {
			t.Errorf("command %d should complete during graceful shutdown: %v", i, err)
		}
	}
	if _, err := a.SendCommand(context.Background(), "/list"); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after shutdown, got %v", err)
	}
}

func TestHeartbeatGoesThroughQueue(t *testing.T) {
	rec := &dialRecorder{}
	a := newTestAdapter(t, Config{}, nil, rec.dial)
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	a.hbBusy.Store(true)
	a.heartbeat()
	if a.hbBusy.Load() {
		t.Error("heartbeat must clear its busy flag")
	}

	got := rec.last().commands()
	if len(got) != 1 || got[0] != DefaultHeartbeatCommand {
		t.Fatalf("expected heartbeat command, got %v", got)
	}
	if a.Metrics().LastHeartbeatAt.IsZero() {
		t.Error("heartbeat timestamp not recorded")
	}
}

func TestIngestFeedbackEmitsSignals(t *testing.T) {
	bus := events.NewBus(testLogger())
	sink := &eventSink{}
	bus.Subscribe([]string{events.TypeCombatEvent, events.TypeCombatUpdate, events.TypeFriendlyFire}, sink.handler, false)

	a := newTestAdapter(t, Config{}, bus, (&dialRecorder{}).dial)

	if n := a.IngestFeedback("zombie hits steve for 3 damage (17/20 hp)"); n != 1 {
		t.Fatalf("expected 1 accepted event, got %d", n)
	}
	if got := sink.byType(events.TypeCombatEvent); len(got) != 1 {
		t.Errorf("expected 1 combat event signal, got %d", len(got))
	}
	if got := sink.byType(events.TypeCombatUpdate); len(got) != 2 {
		t.Errorf("expected combat updates for both sides, got %d", len(got))
	}
	if got := sink.byType(events.TypeFriendlyFire); len(got) != 0 {
		t.Errorf("hostile attack must not flag friendly fire")
	}

	if n := a.IngestFeedback("npc_miner hits npc_guard for 2 damage"); n != 1 {
		t.Fatalf("expected friendly fire event accepted, got %d", n)
	}
	if got := sink.byType(events.TypeFriendlyFire); len(got) != 1 {
		t.Errorf("expected a friendly fire signal, got %d", len(got))
	}
}

func TestResponsesFeedTheParser(t *testing.T) {
	rec := &dialRecorder{respond: func(ctx context.Context, command string) (string, error) {
		return "zombie hits steve for 3 damage", nil
	}}
	a := newTestAdapter(t, Config{}, nil, rec.dial)
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := a.SendCommand(context.Background(), "/anything"); err != nil {
		t.Fatalf("send: %v", err)
	}

	snap := a.CombatSnapshot()
	if _, ok := snap["zombie"]; !ok {
		t.Errorf("expected zombie tracked from response feedback, got %v", snap)
	}
	if _, ok := snap["steve"]; !ok {
		t.Errorf("expected steve tracked from response feedback, got %v", snap)
	}
}

func TestPersistSnapshotWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "combat.json")
	a := newTestAdapter(t, Config{SnapshotPath: path}, nil, (&dialRecorder{}).dial)

	a.IngestFeedback("zombie hits steve for 3 damage")
	if err := a.PersistSnapshot(); err != nil {
		t.Fatalf("persist: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	var doc snapshotDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(doc.Combatants) != 2 || len(doc.Recent) != 1 {
		t.Errorf("unexpected snapshot contents: %+v", doc)
	}
}

func TestCommandTemplates(t *testing.T) {
	rec := &dialRecorder{}
	a := newTestAdapter(t, Config{}, nil, rec.dial)
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if err := a.RegisterCommandTemplate("", "/say hi"); err == nil {
		t.Error("empty template name should be rejected")
	}
	if err := a.RegisterCommandTemplate("greet", "/say hello {name}, welcome to {place}"); err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := a.ExecuteCommandTemplate(context.Background(), "missing", nil); err == nil {
		t.Error("unknown template should error")
	}
	if _, err := a.ExecuteCommandTemplate(context.Background(), "greet", map[string]string{"name": "steve"}); err == nil || !strings.Contains(err.Error(), "{place}") {
		t.Errorf("unresolved placeholder should error, got %v", err)
	}

	if _, err := a.ExecuteCommandTemplate(context.Background(), "greet", map[string]string{"name": "steve", "place": "spawn"}); err != nil {
		t.Fatalf("execute template: %v", err)
	}
	got := rec.last().commands()
	if got[len(got)-1] != "/say hello steve, welcome to spawn" {
		t.Errorf("unexpected substituted command: %q", got[len(got)-1])
	}
}

func TestSendBatch(t *testing.T) {
	rec := &dialRecorder{respond: func(ctx context.Context, command string) (string, error) {
		return "re:" + command, nil
	}}
	a := newTestAdapter(t, Config{}, nil, rec.dial)
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	commands := []string{"a", "b", "c"}
	responses, err := a.SendBatch(context.Background(), commands, BatchOptions{})
	if err != nil {
		t.Fatalf("sequential batch: %v", err)
	}
	for i, cmd := range commands {
		if responses[i] != "re:"+cmd {
			t.Errorf("response %d: got %q", i, responses[i])
		}
	}

	responses, err = a.SendBatch(context.Background(), commands, BatchOptions{Parallel: true})
	if err != nil {
		t.Fatalf("parallel batch: %v", err)
	}
	for i, cmd := range commands {
		if responses[i] != "re:"+cmd {
			t.Errorf("parallel response %d: got %q", i, responses[i])
		}
	}
}

func TestSendBatchSequentialStopsOnError(t *testing.T) {
	rec := &dialRecorder{respond: func(ctx context.Context, command string) (string, error) {
		if command == "bad" {
			return "Unknown command: bad", nil
		}
		return "ok", nil
	}}
	a := newTestAdapter(t, Config{}, nil, rec.dial)
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	_, err := a.SendBatch(context.Background(), []string{"good", "bad", "never"}, BatchOptions{})
	if !errors.Is(err, ErrCommandFailed) {
		t.Fatalf("expected ErrCommandFailed, got %v", err)
	}
	got := rec.last().commands()
	if len(got) != 2 {
		t.Errorf("sequential batch should stop at the failure, executed %v", got)
	}
}

func TestQueueHighWaterMetric(t *testing.T) {
	block := make(chan struct{})
	var calls atomic.Int32
	rec := &dialRecorder{respond: func(ctx context.Context, command string) (string, error) {
		if calls.Add(1) == 1 {
			<-block
		}
		return "ok", nil
	}}
	a := newTestAdapter(t, Config{}, nil, rec.dial)
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	first := a.Send("blocking")
	waitFor(t, time.Second, "command in flight", func() bool { return calls.Load() == 1 })
	var rest []*Pending
	for i := 0; i < 3; i++ {
		rest = append(rest, a.Send(fmt.Sprintf("cmd-%d", i)))
	}
	if m := a.Metrics(); m.QueueHighWater < 3 {
		t.Errorf("expected high water >= 3, got %d", m.QueueHighWater)
	}
	close(block)
	first.Wait(context.Background())
	for _, p := range rest {
		p.Wait(context.Background())
	}
}

package probe

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"doorguard/internal/config"
	"doorguard/internal/doorstate"
	"doorguard/internal/metrics"
	"doorguard/internal/model"
	"doorguard/internal/storage"
)

type fakeRegistry struct {
	mu        sync.Mutex
	doors     []model.Door
	liveness  map[string]model.Liveness
	log       []model.LivenessEntry
	listErr   error
	listGate  chan struct{}
	listCalls int
}

func newFakeRegistry(doors ...model.Door) *fakeRegistry {
	return &fakeRegistry{doors: doors, liveness: make(map[string]model.Liveness)}
}

func (f *fakeRegistry) Init(context.Context) error { return nil }
func (f *fakeRegistry) Close() error               { return nil }

func (f *fakeRegistry) ListDoors(context.Context, storage.DoorFilter) ([]model.Door, error) {
	f.mu.Lock()
	f.listCalls++
	gate := f.listGate
	err := f.listErr
	out := make([]model.Door, len(f.doors))
	copy(out, f.doors)
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (f *fakeRegistry) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

func (f *fakeRegistry) UpsertDoor(context.Context, model.Door) error { return nil }

func (f *fakeRegistry) UpdateDoorLiveness(_ context.Context, id string, state model.Liveness) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.liveness[id] = state
	return nil
}

func (f *fakeRegistry) AppendLivenessLog(_ context.Context, entry model.LivenessEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log = append(f.log, entry)
	return nil
}

func (f *fakeRegistry) ListLivenessLog(context.Context, string, int, int) ([]model.LivenessEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.LivenessEntry, len(f.log))
	copy(out, f.log)
	return out, nil
}

func (f *fakeRegistry) BulkInsertEvents(context.Context, []model.Event) error { return nil }
func (f *fakeRegistry) ListEvents(context.Context, storage.EventFilter) ([]model.Event, error) {
	return nil, nil
}
func (f *fakeRegistry) ExistsEvent(context.Context, string, string, time.Time) (bool, error) {
	return false, nil
}
func (f *fakeRegistry) FindUsersByEmployeeNos(context.Context, []string) (map[string]model.User, error) {
	return nil, nil
}
func (f *fakeRegistry) UserExists(context.Context, string) (bool, error) { return false, nil }
func (f *fakeRegistry) UpsertUser(context.Context, model.User) error     { return nil }

type captureBroadcaster struct {
	mu        sync.Mutex
	snapshots [][]model.Door
}

func (c *captureBroadcaster) BroadcastDoorStatus(doors []model.Door) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := make([]model.Door, len(doors))
	copy(snap, doors)
	c.snapshots = append(c.snapshots, snap)
}

// listenDoor opens a local TCP listener standing in for a reachable
// door controller.
func listenDoor(t *testing.T, id string) model.Door {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()
	addr := ln.Addr().(*net.TCPAddr)
	return model.Door{
		ID: id, Host: "127.0.0.1", Port: addr.Port,
		Direction: model.DirectionEnter, Status: model.DoorStatusActive,
	}
}

// deadDoor points at a port that was just closed, so the probe is
// refused immediately.
func deadDoor(t *testing.T, id string) model.Door {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	_ = ln.Close()
	return model.Door{
		ID: id, Host: "127.0.0.1", Port: addr.Port,
		Direction: model.DirectionExit, Status: model.DoorStatusActive,
	}
}

func testProberConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Probe.Timeout = 500 * time.Millisecond
	return cfg
}

func TestRunCycleMixedFleet(t *testing.T) {
	reg := newFakeRegistry(
		listenDoor(t, "door-1"),
		listenDoor(t, "door-2"),
		deadDoor(t, "door-3"),
	)
	state := doorstate.NewStore()
	hub := &captureBroadcaster{}
	p := NewProber(testProberConfig(), reg, state, doorstate.NewRing(100), hub, nil)

	if err := p.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if got := reg.liveness["door-1"]; got != model.LivenessOnline {
		t.Errorf("door-1 liveness = %s, want online", got)
	}
	if got := reg.liveness["door-2"]; got != model.LivenessOnline {
		t.Errorf("door-2 liveness = %s, want online", got)
	}
	if got := reg.liveness["door-3"]; got != model.LivenessOffline {
		t.Errorf("door-3 liveness = %s, want offline", got)
	}

	if len(reg.log) != 3 {
		t.Fatalf("log entries = %d, want exactly one per door", len(reg.log))
	}
	for _, entry := range reg.log {
		switch entry.DoorID {
		case "door-1", "door-2":
			if entry.Liveness != model.LivenessOnline {
				t.Errorf("%s log entry = %s, want online", entry.DoorID, entry.Liveness)
			}
			if entry.LatencyMS == nil {
				t.Errorf("%s online entry missing latency", entry.DoorID)
			}
		case "door-3":
			if entry.Liveness != model.LivenessOffline {
				t.Errorf("door-3 log entry = %s, want offline", entry.Liveness)
			}
			if entry.LatencyMS != nil {
				t.Errorf("offline entry must carry null latency, got %v", *entry.LatencyMS)
			}
		default:
			t.Errorf("unexpected log entry for %s", entry.DoorID)
		}
	}
}

func TestRunCycleBroadcastsConsistentSnapshot(t *testing.T) {
	reg := newFakeRegistry(
		listenDoor(t, "door-1"),
		deadDoor(t, "door-2"),
	)
	state := doorstate.NewStore()
	hub := &captureBroadcaster{}
	p := NewProber(testProberConfig(), reg, state, nil, hub, nil)

	if err := p.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if len(hub.snapshots) != 1 {
		t.Fatalf("broadcasts = %d, want exactly one per cycle", len(hub.snapshots))
	}
	snap := hub.snapshots[0]
	if len(snap) != 2 {
		t.Fatalf("broadcast doors = %d, want 2", len(snap))
	}
	// The broadcast snapshot must agree with what was logged this cycle.
	logged := make(map[string]model.Liveness)
	for _, entry := range reg.log {
		logged[entry.DoorID] = entry.Liveness
	}
	for _, d := range snap {
		if d.Liveness != logged[d.ID] {
			t.Errorf("broadcast %s = %s, log says %s", d.ID, d.Liveness, logged[d.ID])
		}
	}
}

func TestRunCycleRegistryFailureAborts(t *testing.T) {
	reg := newFakeRegistry()
	reg.listErr = errors.New("registry unreachable")
	hub := &captureBroadcaster{}
	p := NewProber(testProberConfig(), reg, doorstate.NewStore(), nil, hub, nil)

	if err := p.RunCycle(context.Background()); err == nil {
		t.Fatal("RunCycle must surface a registry read failure")
	}
	if len(hub.snapshots) != 0 {
		t.Error("no broadcast may happen on an aborted cycle")
	}
}

func TestRunCycleEmptyRegistry(t *testing.T) {
	reg := newFakeRegistry()
	hub := &captureBroadcaster{}
	p := NewProber(testProberConfig(), reg, doorstate.NewStore(), nil, hub, nil)
	if err := p.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(hub.snapshots) != 0 {
		t.Error("no broadcast expected for an empty registry")
	}
}

func TestRunSkipsTickWhileCycleRunning(t *testing.T) {
	reg := newFakeRegistry()
	reg.listGate = make(chan struct{})
	cfg := testProberConfig()
	cfg.Probe.Interval = 20 * time.Millisecond
	cfg.Probe.Timeout = 5 * time.Millisecond
	p := NewProber(cfg, reg, doorstate.NewStore(), nil, &captureBroadcaster{}, nil)

	before := testutil.ToFloat64(metrics.ProbeCyclesSkipped)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)
	defer close(reg.listGate)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if testutil.ToFloat64(metrics.ProbeCyclesSkipped)-before >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := testutil.ToFloat64(metrics.ProbeCyclesSkipped) - before; got < 2 {
		t.Fatalf("skipped ticks = %v, want at least 2 while a cycle is stuck", got)
	}
	if got := reg.calls(); got != 1 {
		t.Errorf("registry reads = %d, want 1: skipped ticks must not start cycles", got)
	}
}

func TestRunHonorsConfigReload(t *testing.T) {
	reg := newFakeRegistry()
	cfg := testProberConfig()
	cfg.Probe.Enabled = false
	cfg.Probe.Interval = 10 * time.Millisecond
	cfg.Probe.Timeout = 5 * time.Millisecond
	p := NewProber(cfg, reg, doorstate.NewStore(), nil, &captureBroadcaster{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	time.Sleep(60 * time.Millisecond)
	if got := reg.calls(); got != 0 {
		t.Fatalf("disabled prober probed %d times", got)
	}

	next := testProberConfig()
	next.Probe.Interval = 10 * time.Millisecond
	next.Probe.Timeout = 5 * time.Millisecond
	p.UpdateConfig(next)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && reg.calls() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if reg.calls() == 0 {
		t.Fatal("enabling the prober by reload had no effect")
	}
}

func TestRunCycleUpdatesSnapshotStore(t *testing.T) {
	reg := newFakeRegistry(listenDoor(t, "door-1"))
	state := doorstate.NewStore()
	p := NewProber(testProberConfig(), reg, state, nil, &captureBroadcaster{}, nil)
	if err := p.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	liveness, latency, _, ok := state.Get("door-1")
	if !ok || liveness != model.LivenessOnline {
		t.Fatalf("snapshot = %s (ok=%v), want online", liveness, ok)
	}
	if latency == nil || *latency < 0 {
		t.Errorf("snapshot latency = %v, want non-nil sample", latency)
	}
	if state.OnlineCount() != 1 {
		t.Errorf("online count = %d, want 1", state.OnlineCount())
	}
}

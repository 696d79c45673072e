package sampler

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/skobkin/amdgpu-usage/internal/fdinfo"
	"github.com/skobkin/amdgpu-usage/internal/gpumetrics"
)

func startTestManager(t *testing.T, interval time.Duration, g testGPU, order Order) *Manager {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	monitor, err := NewMonitor(g.info, MonitorOptions{
		ProcRoot:      g.procRoot,
		ProcEnable:    true,
		Retention:     fdinfo.RetainAll,
		MetricsEnable: true,
	}, logger)
	if err != nil {
		t.Fatalf("NewMonitor returned error: %v", err)
	}

	manager, err := NewManager(interval, map[string]*Monitor{g.info.ID: monitor}, order, logger)
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}
	t.Cleanup(func() { _ = manager.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		_ = manager.Run(ctx)
	}()

	waitFor(t, 500*time.Millisecond, manager.Ready)
	return manager
}

func TestManagerSubscribeAndReady(t *testing.T) {
	t.Parallel()

	g := newTestGPU(t)
	g.withMetrics(t, metricsFixture())
	g.addClient(t, 4321, "vkcube", 5, engineFDInfo(1_000_000_000, 2048))
	g.setDevice(t, gpuBusyFilename, "10\n")

	manager := startTestManager(t, 15*time.Millisecond, g, Order{Key: fdinfo.SortPID})

	ch, unsubscribe, err := manager.Subscribe("card0")
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	defer unsubscribe()

	first := awaitSnapshot(t, ch)
	assertBusy(t, first, 10)
	if first.GPUId != "card0" || first.Sort != "pid" {
		t.Fatalf("unexpected snapshot header %+v", first)
	}
	if len(first.Processes) != 1 || first.Processes[0].Name != "vkcube" {
		t.Fatalf("unexpected processes %+v", first.Processes)
	}
	if first.MetricsFormat != "v1.3" || first.Telemetry.Format() != gpumetrics.FormatV1_3 {
		t.Fatalf("unexpected metrics format %q", first.MetricsFormat)
	}
	if got := first.Metrics["Edge Temp"]; got.Value != 45 || got.Unit != "C" {
		t.Fatalf("unexpected metrics summary %+v", first.Metrics)
	}
	if first.Top == nil {
		t.Fatalf("expected top entry for a non-empty process list")
	}

	g.setDevice(t, gpuBusyFilename, "25\n")
	waitFor(t, 500*time.Millisecond, func() bool {
		latest, ok := manager.Latest("card0")
		return ok && latest.Device.GPUBusyPct != nil && *latest.Device.GPUBusyPct == 25
	})

	ids := manager.GPUIDs()
	if len(ids) != 1 || ids[0] != "card0" {
		t.Fatalf("GPUIDs returned %v", ids)
	}

	if _, _, err := manager.Subscribe("unknown"); err == nil {
		t.Fatalf("Subscribe should fail for unknown gpu id")
	}
}

func TestManagerDropsOldestOnBackpressure(t *testing.T) {
	t.Parallel()

	g := newTestGPU(t)
	g.setDevice(t, gpuBusyFilename, "5\n")

	manager := startTestManager(t, 10*time.Millisecond, g, Order{Key: fdinfo.SortPID})

	ch, unsubscribe, err := manager.Subscribe("card0")
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	defer unsubscribe()

	// Consume the cached snapshot.
	_ = awaitSnapshot(t, ch)

	g.setDevice(t, gpuBusyFilename, "15\n")
	time.Sleep(25 * time.Millisecond)
	g.setDevice(t, gpuBusyFilename, "35\n")
	time.Sleep(25 * time.Millisecond)

	// The buffer holds one snapshot; anything older than the last poll was dropped.
	latest := awaitSnapshot(t, ch)
	assertBusy(t, latest, 35)
}

func TestManagerUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()

	g := newTestGPU(t)
	manager := startTestManager(t, 10*time.Millisecond, g, Order{Key: fdinfo.SortPID})

	ch, unsubscribe, err := manager.Subscribe("card0")
	if err != nil {
		t.Fatalf("Subscribe returned error: %v", err)
	}
	unsubscribe()
	unsubscribe()

	deadline := time.After(500 * time.Millisecond)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel not closed after unsubscribe")
		}
	}
}

func TestNewManagerRejectsInterval(t *testing.T) {
	if _, err := NewManager(0, nil, Order{}, nil); err == nil {
		t.Fatalf("expected error for zero interval")
	}
}

func TestBuildSnapshotOrdersProcesses(t *testing.T) {
	result := PollResult{
		Interval: 1500 * time.Millisecond,
		Samples: []fdinfo.Sample{
			{PID: 1, Name: "a", Memory: fdinfo.Memory{VRAMKiB: 1024}},
			{PID: 2, Name: "b", Memory: fdinfo.Memory{VRAMKiB: 4096}},
			{PID: 3, Name: "c", Memory: fdinfo.Memory{VRAMKiB: 2048}},
		},
	}
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.FixedZone("X", 3600))

	snapshot := BuildSnapshot("card1", now, result, Order{Key: fdinfo.SortVRAM})
	if snapshot.IntervalMS != 1500 {
		t.Fatalf("unexpected interval %d", snapshot.IntervalMS)
	}
	if snapshot.Timestamp.Location() != time.UTC {
		t.Fatalf("timestamp must be UTC, got %s", snapshot.Timestamp)
	}
	if pids := processPIDs(snapshot); pids != [3]int{2, 3, 1} {
		t.Fatalf("unexpected descending vram order %v", pids)
	}
	if snapshot.MetricsFormat != "unknown" || snapshot.Metrics != nil {
		t.Fatalf("missing telemetry must be reported as unknown, got %q %+v", snapshot.MetricsFormat, snapshot.Metrics)
	}

	reversed := snapshot.Sorted(Order{Key: fdinfo.SortVRAM, Reverse: true})
	if pids := processPIDs(reversed); pids != [3]int{1, 3, 2} {
		t.Fatalf("unexpected ascending vram order %v", pids)
	}
	if pids := processPIDs(snapshot); pids != [3]int{2, 3, 1} {
		t.Fatalf("Sorted must not modify the receiver, got %v", pids)
	}
	if !reversed.Reverse || reversed.Sort != "vram" {
		t.Fatalf("unexpected order fields %q reverse=%v", reversed.Sort, reversed.Reverse)
	}

	empty := BuildSnapshot("card1", now, PollResult{}, Order{})
	if empty.Processes == nil {
		t.Fatalf("process list must never be nil")
	}
}

func processPIDs(s Snapshot) [3]int {
	var out [3]int
	for i, p := range s.Processes {
		out[i] = p.PID
	}
	return out
}

func awaitSnapshot(t *testing.T, ch <-chan Snapshot) Snapshot {
	t.Helper()
	select {
	case snapshot, ok := <-ch:
		if !ok {
			t.Fatal("subscription channel closed unexpectedly")
		}
		return snapshot
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timed out waiting for snapshot")
		return Snapshot{}
	}
}

func assertBusy(t *testing.T, s Snapshot, want uint64) {
	t.Helper()
	if s.Device.GPUBusyPct == nil || *s.Device.GPUBusyPct != want {
		t.Fatalf("expected gpu busy %d, got %+v", want, s.Device.GPUBusyPct)
	}
}

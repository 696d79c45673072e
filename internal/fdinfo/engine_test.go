package fdinfo

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/skobkin/amdgpu-usage/internal/procscan"
)

const fdinfoFirst = "pos:\t0\nflags:\t02100002\nmnt_id:\t26\nino:\t1045\ndrm-driver:\tamdgpu\ndrm-client-id:\t5\n" +
	"drm-pdev:\t0000:0b:00.0\npasid:\t32771\n" +
	"drm-memory-vram:\t2048 KiB\ndrm-memory-gtt:\t4096 KiB\ndrm-memory-cpu:\t0 KiB\n" +
	"amd-memory-visible-vram:\t2048 KiB\n" +
	"drm-engine-gfx:\t1000000000 ns\ndrm-engine-compute:\t0 ns\ndrm-engine-dma:\t20000000 ns\n"

const fdinfoSecond = "drm-driver:\tamdgpu\ndrm-client-id:\t5\n" +
	"drm-memory-vram:\t2048 KiB\ndrm-memory-gtt:\t4096 KiB\ndrm-memory-cpu:\t0 KiB\n" +
	"drm-engine-gfx:\t1500000000 ns\ndrm-engine-compute:\t0 ns\ndrm-engine-dma:\t20000000 ns\n"

func TestEngineRateAcrossPolls(t *testing.T) {
	root := t.TempDir()
	writeFDInfo(t, root, 100, 7, fdinfoFirst)

	engine := newTestEngine(t, root, RetainAll)
	records := []procscan.Process{{PID: 100, Name: "vkcube", FDs: []int{7}}}

	first := engine.Poll(records, 0)
	if len(first) != 1 {
		t.Fatalf("expected one sample, got %d", len(first))
	}
	if first[0].Memory.VRAMKiB != 2048 || first[0].Memory.GTTKiB != 4096 {
		t.Fatalf("unexpected memory %+v", first[0].Memory)
	}
	if first[0].Rates != (Engines{}) {
		t.Fatalf("first sighting must report zero rates, got %+v", first[0].Rates)
	}

	writeFDInfo(t, root, 100, 7, fdinfoSecond)
	second := engine.Poll(records, time.Second)

	if got := second[0].Rates.GFX; got != 50 {
		t.Fatalf("expected gfx rate 50, got %d", got)
	}
	if got := second[0].Rates.DMA; got != 0 {
		t.Fatalf("unchanged counter should yield 0, got %d", got)
	}
	if got := second[0].Memory.VRAMKiB >> 10; got != 2 {
		t.Fatalf("expected 2 MiB VRAM, got %d", got)
	}
}

func TestEngineIdempotentPoll(t *testing.T) {
	root := t.TempDir()
	writeFDInfo(t, root, 100, 7, fdinfoFirst)

	engine := newTestEngine(t, root, RetainAll)
	records := []procscan.Process{{PID: 100, Name: "vkcube", FDs: []int{7}}}

	engine.Poll(records, 0)
	for _, interval := range []time.Duration{0, 50 * time.Nanosecond, time.Second} {
		samples := engine.Poll(records, interval)
		if samples[0].Rates != (Engines{}) {
			t.Fatalf("interval %s: expected zero rates, got %+v", interval, samples[0].Rates)
		}
		if samples[0].Memory.VRAMKiB != 2048 {
			t.Fatalf("interval %s: memory changed to %+v", interval, samples[0].Memory)
		}
	}
}

func TestEngineCounterResetYieldsZero(t *testing.T) {
	root := t.TempDir()
	writeFDInfo(t, root, 100, 7, fdinfoSecond)

	engine := newTestEngine(t, root, RetainAll)
	records := []procscan.Process{{PID: 100, Name: "vkcube", FDs: []int{7}}}
	engine.Poll(records, 0)

	writeFDInfo(t, root, 100, 7, "drm-client-id:\t6\ndrm-engine-gfx:\t1000 ns\n")
	samples := engine.Poll(records, time.Second)
	if samples[0].Rates.GFX != 0 {
		t.Fatalf("counter decrease must clamp to 0, got %d", samples[0].Rates.GFX)
	}

	writeFDInfo(t, root, 100, 7, "drm-client-id:\t6\ndrm-engine-gfx:\t10001000 ns\n")
	samples = engine.Poll(records, time.Second)
	if samples[0].Rates.GFX != 1 {
		t.Fatalf("expected rate against the reset baseline, got %d", samples[0].Rates.GFX)
	}
}

func TestEngineDeduplicatesSharedContext(t *testing.T) {
	root := t.TempDir()
	writeFDInfo(t, root, 200, 5, fdinfoFirst)
	writeFDInfo(t, root, 200, 6, fdinfoFirst)
	writeFDInfo(t, root, 200, 8, "drm-client-id:\t9\ndrm-memory-vram:\t1024 KiB\n")

	engine := newTestEngine(t, root, RetainAll)

	samples := engine.Poll([]procscan.Process{{PID: 200, Name: "game", FDs: []int{5, 6, 8}}}, 0)
	if got := samples[0].Memory.VRAMKiB; got != 2048 {
		t.Fatalf("duplicate context must be counted once and stop the fd walk, got %d KiB", got)
	}

	samples = engine.Poll([]procscan.Process{{PID: 200, Name: "game", FDs: []int{5, 8}}}, 0)
	if got := samples[0].Memory.VRAMKiB; got != 3072 {
		t.Fatalf("distinct contexts must add up, got %d KiB", got)
	}
}

func TestEngineSkipsUnreadableDescriptor(t *testing.T) {
	root := t.TempDir()
	writeFDInfo(t, root, 300, 4, fdinfoFirst)

	engine := newTestEngine(t, root, RetainAll)
	samples := engine.Poll([]procscan.Process{{PID: 300, Name: "app", FDs: []int{3, 4}}}, 0)
	if len(samples) != 1 || samples[0].Memory.VRAMKiB != 2048 {
		t.Fatalf("missing fdinfo should be skipped, got %+v", samples)
	}
}

func TestEngineMalformedNumbersDefaultToZero(t *testing.T) {
	root := t.TempDir()
	writeFDInfo(t, root, 400, 4, "drm-client-id:\tabc\ndrm-memory-vram:\tlots KiB\ndrm-memory-gtt:\t512 KiB\ndrm-engine-gfx:\t-5 ns\n")

	engine := newTestEngine(t, root, RetainAll)
	samples := engine.Poll([]procscan.Process{{PID: 400, Name: "broken", FDs: []int{4}}}, 0)
	if samples[0].Memory.VRAMKiB != 0 || samples[0].Memory.GTTKiB != 512 {
		t.Fatalf("unexpected memory %+v", samples[0].Memory)
	}
}

func TestEngineTruncatesName(t *testing.T) {
	root := t.TempDir()
	writeFDInfo(t, root, 500, 4, fdinfoFirst)

	engine := newTestEngine(t, root, RetainAll)
	samples := engine.Poll([]procscan.Process{{PID: 500, Name: "a-very-long-process-name", FDs: []int{4}}}, 0)
	if samples[0].Name != "a-very-long-pro" {
		t.Fatalf("unexpected name %q", samples[0].Name)
	}
}

func TestEngineRetention(t *testing.T) {
	root := t.TempDir()
	writeFDInfo(t, root, 1, 4, fdinfoFirst)
	writeFDInfo(t, root, 2, 4, fdinfoFirst)

	both := []procscan.Process{{PID: 1, Name: "a", FDs: []int{4}}, {PID: 2, Name: "b", FDs: []int{4}}}
	one := both[:1]

	keep := newTestEngine(t, root, RetainAll)
	keep.Poll(both, 0)
	samples := keep.Poll(one, time.Second)
	if len(samples) != 1 {
		t.Fatalf("only listed processes are emitted, got %d", len(samples))
	}
	if keep.Tracked() != 2 {
		t.Fatalf("RetainAll must keep stale pids, tracked=%d", keep.Tracked())
	}

	prune := newTestEngine(t, root, PruneMissing)
	prune.Poll(both, 0)
	prune.Poll(one, time.Second)
	if prune.Tracked() != 1 {
		t.Fatalf("PruneMissing must drop stale pids, tracked=%d", prune.Tracked())
	}
}

func TestRate(t *testing.T) {
	testCases := []struct {
		name     string
		pre, cur uint64
		interval time.Duration
		want     uint64
	}{
		{"NoBaseline", 0, 5_000_000_000, time.Second, 0},
		{"Half", 1_000_000_000, 1_500_000_000, time.Second, 50},
		{"Decrease", 2_000, 1_000, time.Second, 0},
		{"ZeroInterval", 1, 1_000_000, 0, 0},
		{"SubHundredNanos", 1, 1_000_000, 99 * time.Nanosecond, 0},
		{"NegativeInterval", 1, 1_000_000, -time.Second, 0},
		{"FullBusy", 1, 2_000_000_001, 2 * time.Second, 100},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Rate(tc.pre, tc.cur, tc.interval); got != tc.want {
				t.Fatalf("Rate(%d, %d, %s) = %d, want %d", tc.pre, tc.cur, tc.interval, got, tc.want)
			}
		})
	}
}

func TestParseRetention(t *testing.T) {
	if r, err := ParseRetention("prune"); err != nil || r != PruneMissing {
		t.Fatalf("unexpected result %v, %v", r, err)
	}
	if r, err := ParseRetention("KEEP"); err != nil || r != RetainAll {
		t.Fatalf("unexpected result %v, %v", r, err)
	}
	if _, err := ParseRetention("forever"); err == nil {
		t.Fatalf("expected error for unknown retention")
	}
}

func newTestEngine(t *testing.T, root string, retention Retention) *Engine {
	t.Helper()
	engine, err := NewEngine(root, retention, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(func() { _ = engine.Close() })
	return engine
}

func writeFDInfo(t *testing.T, root string, pid, fd int, contents string) {
	t.Helper()
	dir := filepath.Join(root, strconv.Itoa(pid), "fdinfo")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	if err := os.WriteFile(filepath.Join(dir, strconv.Itoa(fd)), []byte(contents), 0o644); err != nil {
		t.Fatalf("write fdinfo: %v", err)
	}
}

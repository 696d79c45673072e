package sampler

import (
	"io"
	"log/slog"
	"testing"
)

func TestDeviceReader(t *testing.T) {
	testCases := []struct {
		name    string
		busy    string
		wantPct *uint64
	}{
		{"Plain", "42\n", ptr(42)},
		{"Scaled", "2500\n", ptr(25)},
		{"ScaledCapped", "15000\n", ptr(100)},
		{"Garbage", "busy\n", nil},
		{"Empty", "\n", nil},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			g := newTestGPU(t)
			g.setDevice(t, gpuBusyFilename, tc.busy)
			g.setDevice(t, vramUsedFilename, "1048576\n")

			reader := deviceReader{devicePath: g.info.DevicePath, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
			usage := reader.read()

			if !equalPtr(usage.GPUBusyPct, tc.wantPct) {
				t.Fatalf("unexpected busy %v, want %v", deref(usage.GPUBusyPct), deref(tc.wantPct))
			}
			if usage.VRAMUsedBytes == nil || *usage.VRAMUsedBytes != 1048576 {
				t.Fatalf("unexpected vram used %v", deref(usage.VRAMUsedBytes))
			}
			if usage.VRAMTotalBytes != nil || usage.GTTUsedBytes != nil {
				t.Fatalf("missing files must read as nil, got %+v", usage)
			}
		})
	}
}

func TestDeviceReaderWithoutPath(t *testing.T) {
	if usage := (deviceReader{}).read(); usage != (DeviceUsage{}) {
		t.Fatalf("expected empty usage, got %+v", usage)
	}
}

func ptr(v uint64) *uint64 { return &v }

func deref(v *uint64) any {
	if v == nil {
		return nil
	}
	return *v
}

func equalPtr(a, b *uint64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

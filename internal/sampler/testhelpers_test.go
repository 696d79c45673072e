package sampler

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/skobkin/amdgpu-usage/internal/gpu"
	"github.com/skobkin/amdgpu-usage/internal/gpumetrics"
)

const renderNode = "/dev/dri/renderD128"

// testGPU lays out a sysfs device directory and a proc tree with one client
// process holding the render node.
type testGPU struct {
	info     gpu.Info
	procRoot string
}

func newTestGPU(t *testing.T) testGPU {
	t.Helper()
	devicePath := filepath.Join(t.TempDir(), "class", "drm", "card0", "device")
	if err := os.MkdirAll(devicePath, 0o750); err != nil {
		t.Fatalf("failed to create device directory: %v", err)
	}
	return testGPU{
		info: gpu.Info{
			ID:         "card0",
			RenderNode: renderNode,
			DevicePath: devicePath,
		},
		procRoot: t.TempDir(),
	}
}

func (g *testGPU) withMetrics(t *testing.T, layout any) {
	t.Helper()
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, layout); err != nil {
		t.Fatalf("encode gpu_metrics: %v", err)
	}
	g.info.MetricsPath = filepath.Join(g.info.DevicePath, "gpu_metrics")
	writeFile(t, g.info.MetricsPath, buf.String())
}

func (g testGPU) addClient(t *testing.T, pid int, comm string, fd int, fdinfo string) {
	t.Helper()
	dir := filepath.Join(g.procRoot, strconv.Itoa(pid))
	writeFile(t, filepath.Join(dir, "comm"), comm+"\n")
	if err := os.MkdirAll(filepath.Join(dir, "fd"), 0o750); err != nil {
		t.Fatalf("failed to create fd dir: %v", err)
	}
	if err := os.Symlink(renderNode, filepath.Join(dir, "fd", strconv.Itoa(fd))); err != nil {
		t.Fatalf("failed to link fd: %v", err)
	}
	g.setFDInfo(t, pid, fd, fdinfo)
}

func (g testGPU) setFDInfo(t *testing.T, pid, fd int, fdinfo string) {
	t.Helper()
	writeFile(t, filepath.Join(g.procRoot, strconv.Itoa(pid), "fdinfo", strconv.Itoa(fd)), fdinfo)
}

func (g testGPU) setDevice(t *testing.T, name, value string) {
	t.Helper()
	writeFile(t, filepath.Join(g.info.DevicePath, name), value)
}

func metricsFixture() gpumetrics.LayoutV13 {
	var l gpumetrics.LayoutV13
	l.Header = gpumetrics.Header{StructureSize: 120, FormatRevision: 1, ContentRevision: 3}
	l.TemperatureEdge = 45
	l.AverageSocketPower = 120
	l.CurrentGFXCLK = 2200
	return l
}

func engineFDInfo(gfxNS, vramKiB uint64) string {
	return "drm-driver:\tamdgpu\ndrm-client-id:\t9\n" +
		"drm-memory-vram:\t" + strconv.FormatUint(vramKiB, 10) + " KiB\n" +
		"drm-memory-gtt:\t0 KiB\n" +
		"drm-engine-gfx:\t" + strconv.FormatUint(gfxNS, 10) + " ns\n"
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatalf("failed to create directories for %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

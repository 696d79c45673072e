package sampler

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	gpuBusyFilename   = "gpu_busy_percent"
	vramUsedFilename  = "mem_info_vram_used"
	vramTotalFilename = "mem_info_vram_total"
	gttUsedFilename   = "mem_info_gtt_used"
	gttTotalFilename  = "mem_info_gtt_total"
)

// DeviceUsage holds device-wide counters from the sysfs device directory.
// Pointer fields serialize as null when the driver does not expose them.
type DeviceUsage struct {
	GPUBusyPct     *uint64 `json:"gpu_busy_pct"`
	VRAMUsedBytes  *uint64 `json:"vram_used_bytes"`
	VRAMTotalBytes *uint64 `json:"vram_total_bytes"`
	GTTUsedBytes   *uint64 `json:"gtt_used_bytes"`
	GTTTotalBytes  *uint64 `json:"gtt_total_bytes"`
}

type deviceReader struct {
	devicePath string
	logger     *slog.Logger
}

func (r deviceReader) read() DeviceUsage {
	if r.devicePath == "" {
		return DeviceUsage{}
	}
	usage := DeviceUsage{
		GPUBusyPct:     r.readUint(gpuBusyFilename),
		VRAMUsedBytes:  r.readUint(vramUsedFilename),
		VRAMTotalBytes: r.readUint(vramTotalFilename),
		GTTUsedBytes:   r.readUint(gttUsedFilename),
		GTTTotalBytes:  r.readUint(gttTotalFilename),
	}
	if usage.GPUBusyPct != nil && *usage.GPUBusyPct > 100 {
		// Some kernels report busy % scaled by 100.
		scaled := min(*usage.GPUBusyPct/100, 100)
		usage.GPUBusyPct = &scaled
	}
	return usage
}

func (r deviceReader) readUint(name string) *uint64 {
	path := filepath.Join(r.devicePath, name)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	valueStr := strings.TrimSpace(string(data))
	if valueStr == "" {
		return nil
	}
	value, err := strconv.ParseUint(valueStr, 10, 64)
	if err != nil {
		r.logger.Debug("failed to parse uint value", "path", path, "value", valueStr, "err", err)
		return nil
	}
	return &value
}

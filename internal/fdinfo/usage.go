// Package fdinfo turns the cumulative counters exposed in /proc/<pid>/fdinfo by
// the amdgpu driver into per-process memory figures and engine utilisation.
package fdinfo

import (
	"fmt"
	"strings"
	"time"
)

// MaxNameLen bounds the displayed process name, matching the kernel comm length.
const MaxNameLen = 15

// Memory holds absolute memory figures in KiB. They are gauges and are never diffed.
type Memory struct {
	VRAMKiB       uint64 `json:"vram_kib"`
	GTTKiB        uint64 `json:"gtt_kib"`
	CPUVisibleKiB uint64 `json:"cpu_visible_kib"`
}

// Engines holds one value per hardware engine. In Usage the values are
// cumulative busy nanoseconds; in Sample they are percentages of the interval.
type Engines struct {
	GFX     uint64 `json:"gfx"`
	Compute uint64 `json:"compute"`
	DMA     uint64 `json:"dma"`
	Dec     uint64 `json:"dec"`
	Enc     uint64 `json:"enc"`
	UVDEnc  uint64 `json:"uvd_enc"`
	JPEG    uint64 `json:"jpeg"`
}

// Media returns the combined decode and encode figure used for sorting.
func (e Engines) Media() uint64 {
	return e.Dec + e.Enc + e.UVDEnc
}

// Encode returns the displayed encode figure (VCE/VCN plus legacy UVD encode).
func (e Engines) Encode() uint64 {
	return e.Enc + e.UVDEnc
}

func (e Engines) since(pre Engines, interval time.Duration) Engines {
	return Engines{
		GFX:     Rate(pre.GFX, e.GFX, interval),
		Compute: Rate(pre.Compute, e.Compute, interval),
		DMA:     Rate(pre.DMA, e.DMA, interval),
		Dec:     Rate(pre.Dec, e.Dec, interval),
		Enc:     Rate(pre.Enc, e.Enc, interval),
		UVDEnc:  Rate(pre.UVDEnc, e.UVDEnc, interval),
		JPEG:    Rate(pre.JPEG, e.JPEG, interval),
	}
}

func (e *Engines) add(other Engines) {
	e.GFX += other.GFX
	e.Compute += other.Compute
	e.DMA += other.DMA
	e.Dec += other.Dec
	e.Enc += other.Enc
	e.UVDEnc += other.UVDEnc
	e.JPEG += other.JPEG
}

// Usage is the cumulative state parsed for one process during one poll.
type Usage struct {
	Memory
	Engines
}

func (u *Usage) add(other Usage) {
	u.VRAMKiB += other.VRAMKiB
	u.GTTKiB += other.GTTKiB
	u.CPUVisibleKiB += other.CPUVisibleKiB
	u.Engines.add(other.Engines)
}

// Sample is the per-poll view of one process: absolute memory plus engine rates.
type Sample struct {
	PID    int     `json:"pid"`
	Name   string  `json:"name"`
	Memory Memory  `json:"memory"`
	Rates  Engines `json:"rates"`
}

// Rate converts a busy-time delta into a percentage of the interval.
// There is no rate without a baseline (pre == 0), a counter that went
// backwards yields 0, and so does an interval shorter than 100ns.
func Rate(pre, cur uint64, interval time.Duration) uint64 {
	if pre == 0 || cur <= pre {
		return 0
	}
	hundredths := interval.Nanoseconds() / 100
	if hundredths <= 0 {
		return 0
	}
	return (cur - pre) / uint64(hundredths)
}

// Retention controls what happens to the state of processes that disappear.
type Retention int

const (
	// RetainAll keeps the last counters of every pid ever seen.
	RetainAll Retention = iota
	// PruneMissing forgets pids absent from the latest poll.
	PruneMissing
)

func (r Retention) String() string {
	switch r {
	case RetainAll:
		return "keep"
	case PruneMissing:
		return "prune"
	default:
		return fmt.Sprintf("Retention(%d)", int(r))
	}
}

// ParseRetention accepts "keep" or "prune".
func ParseRetention(value string) (Retention, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "keep", "retain", "":
		return RetainAll, nil
	case "prune":
		return PruneMissing, nil
	default:
		return RetainAll, fmt.Errorf("unsupported retention %q", value)
	}
}

func truncateName(name string) string {
	if len(name) <= MaxNameLen {
		return name
	}
	cut := MaxNameLen
	// Step back to a rune boundary so the result stays valid UTF-8.
	for cut > 0 && name[cut]&0xC0 == 0x80 {
		cut--
	}
	return name[:cut]
}

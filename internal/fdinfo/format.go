package fdinfo

import (
	"bufio"
	"cmp"
	"fmt"
	"io"
	"slices"
	"strings"
)

// SortKey selects the field samples are ordered by.
type SortKey int

const (
	SortPID SortKey = iota
	SortVRAM
	SortGFX
	SortMedia
)

func (k SortKey) String() string {
	switch k {
	case SortPID:
		return "pid"
	case SortVRAM:
		return "vram"
	case SortGFX:
		return "gfx"
	case SortMedia:
		return "media"
	default:
		return fmt.Sprintf("SortKey(%d)", int(k))
	}
}

// ParseSortKey accepts pid, vram, gfx or media (case-insensitive).
func ParseSortKey(value string) (SortKey, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "pid":
		return SortPID, nil
	case "vram":
		return SortVRAM, nil
	case "gfx":
		return SortGFX, nil
	case "media", "media_engine":
		return SortMedia, nil
	default:
		return SortPID, fmt.Errorf("unsupported sort key %q", value)
	}
}

func (k SortKey) value(s Sample) uint64 {
	switch k {
	case SortVRAM:
		return s.Memory.VRAMKiB
	case SortGFX:
		return s.Rates.GFX
	case SortMedia:
		return s.Rates.Media()
	default:
		return uint64(s.PID)
	}
}

// SortSamples orders samples in place. Without reverse the order is
// descending; reverse flips it to ascending. Equal keys keep input order.
func SortSamples(samples []Sample, key SortKey, reverse bool) {
	slices.SortStableFunc(samples, func(a, b Sample) int {
		if reverse {
			return cmp.Compare(key.value(a), key.value(b))
		}
		return cmp.Compare(key.value(b), key.value(a))
	})
}

const (
	vramLabel    = "VRAM"
	gfxLabel     = "GFX"
	computeLabel = "Compute"
	dmaLabel     = "DMA"
	decLabel     = "DEC"
	encLabel     = "ENC"
)

// WriteTable renders the fixed-width usage table: one header line and one row per sample.
func WriteTable(w io.Writer, samples []Sample) error {
	bw := bufio.NewWriter(w)

	fmt.Fprintf(bw, " %26s | %s | %s | %s | %s | %s | %s |\n",
		"", centre(vramLabel, 8), gfxLabel, computeLabel, dmaLabel, decLabel, encLabel)

	for _, s := range samples {
		fmt.Fprintf(bw, " %-*s (%8d) | %5d MiB|", MaxNameLen, s.Name, s.PID, s.Memory.VRAMKiB>>10)
		for _, col := range []struct {
			value uint64
			width int
		}{
			{s.Rates.GFX, len(gfxLabel)},
			{s.Rates.Compute, len(computeLabel)},
			{s.Rates.DMA, len(dmaLabel)},
			{s.Rates.Dec, len(decLabel)},
			{s.Rates.Encode(), len(encLabel)},
		} {
			fmt.Fprintf(bw, " %*d%%|", col.width, col.value)
		}
		bw.WriteByte('\n')
	}

	return bw.Flush()
}

func centre(s string, width int) string {
	if len(s) >= width {
		return s
	}
	left := (width - len(s)) / 2
	return strings.Repeat(" ", left) + s + strings.Repeat(" ", width-len(s)-left)
}

// ValueUnit is a labelled quantity in JSON output.
type ValueUnit struct {
	Value uint64 `json:"value"`
	Unit  string `json:"unit"`
}

// Top describes only the first sample of the current order; it is not an
// aggregate. It returns nil when there are no samples.
func Top(samples []Sample) map[string]ValueUnit {
	if len(samples) == 0 {
		return nil
	}
	s := samples[0]
	return map[string]ValueUnit{
		"VRAM Usage": {Value: s.Memory.VRAMKiB >> 10, Unit: "MiB"},
		"GTT Usage":  {Value: s.Memory.GTTKiB >> 10, Unit: "MiB"},
		gfxLabel:     {Value: s.Rates.GFX, Unit: "%"},
		computeLabel: {Value: s.Rates.Compute, Unit: "%"},
		dmaLabel:     {Value: s.Rates.DMA, Unit: "%"},
		decLabel:     {Value: s.Rates.Dec, Unit: "%"},
		encLabel:     {Value: s.Rates.Encode(), Unit: "%"},
	}
}

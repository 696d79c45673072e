package gpumetrics

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
)

const (
	coreTempLabel  = "Core Temp (C)"
	corePowerLabel = "Core Power (mW)"
	coreClockLabel = "Core Clock (MHz)"
	l3TempLabel    = "L3 Cache Temp (C)"
	l3ClockLabel   = "L3 Cache Clock (MHz)"
)

type scalar struct {
	name  string
	value func() (uint16, bool)
}

type clockPair struct {
	name     string
	avg, cur func() (uint16, bool)
}

func orZero(value uint16, _ bool) uint16 {
	return value
}

// WriteText renders the snapshot as the fixed-width telemetry block.
// The Unknown state writes nothing.
func WriteText(w io.Writer, m Metrics) error {
	bw := bufio.NewWriter(w)

	switch m.Family() {
	case FamilySingleFrame:
		writeSingleFrame(bw, m)
	case FamilyPerCore:
		writePerCore(bw, m)
	}

	return bw.Flush()
}

func writeSingleFrame(w *bufio.Writer, m Metrics) {
	if power, ok := m.AverageSocketPower(); ok {
		fmt.Fprintf(w, " Socket Power: %3d W\n", power)
	}

	for _, group := range [][]scalar{
		{{"Edge", m.TemperatureEdge}, {"Hotspot", m.TemperatureHotspot}, {"Memory", m.TemperatureMem}},
		{{"VRGFX", m.TemperatureVRGFX}, {"VRSOC", m.TemperatureVRSOC}, {"VRMEM", m.TemperatureVRMem}},
	} {
		for _, s := range group {
			if v, ok := s.value(); ok {
				fmt.Fprintf(w, " %s: %3d C,", s.name, v)
			}
		}
		w.WriteByte('\n')
	}

	for _, c := range []clockPair{
		{"GFXCLK", m.AverageGFXCLK, m.CurrentGFXCLK},
		{"SOCCLK", m.AverageSOCCLK, m.CurrentSOCCLK},
		{"UMCCLK", m.AverageUCLK, m.CurrentUCLK},
		{"VCLK", m.AverageVCLK, m.CurrentVCLK},
		{"DCLK", m.AverageDCLK, m.CurrentDCLK},
		{"VCLK1", m.AverageVCLK1, m.CurrentVCLK1},
		{"DCLK1", m.AverageDCLK1, m.CurrentDCLK1},
	} {
		fmt.Fprintf(w, " %-6s Avg. %4d MHz, Cur. %4d MHz\n", c.name, orZero(c.avg()), orZero(c.cur()))
	}

	for _, s := range []scalar{{"SoC", m.VoltageSOC}, {"GFX", m.VoltageGFX}, {"Mem", m.VoltageMem}} {
		if v, ok := s.value(); ok {
			fmt.Fprintf(w, " %s: %4d mV, ", s.name, v)
		}
	}
	w.WriteByte('\n')

	if hbm := m.TemperatureHBM(); allValid(hbm) {
		w.WriteString("HBM Temp (C) [")
		for _, r := range hbm {
			fmt.Fprintf(w, "%5d,", r.Value/100)
		}
		w.WriteString("]\n")
	}
}

func writePerCore(w *bufio.Writer, m Metrics) {
	for _, domain := range []struct {
		name               string
		temp, power, clock func() (uint16, bool)
	}{
		{"GFX", m.TemperatureGFX, m.AverageGFXPower, m.CurrentGFXCLK},
		{"SoC", m.TemperatureSOC, m.AverageSOCPower, m.CurrentSOCCLK},
	} {
		fmt.Fprintf(w, " %s: ", domain.name)
		fmt.Fprintf(w, "%5d C, ", orZero(domain.temp())/100)
		fmt.Fprintf(w, "%5d mW, ", orZero(domain.power()))
		fmt.Fprintf(w, "%5d MHz, ", orZero(domain.clock()))
		w.WriteByte('\n')
	}

	if power, ok := m.AverageSocketPower(); ok {
		fmt.Fprintf(w, " Socket Power: %3d W\n", power)
	}

	for _, c := range []clockPair{
		{"UMCCLK", m.AverageUCLK, m.CurrentUCLK},
		{"FCLK", m.AverageFCLK, m.CurrentFCLK},
		{"VCLK", m.AverageVCLK, m.CurrentVCLK},
		{"DCLK", m.AverageDCLK, m.CurrentDCLK},
	} {
		fmt.Fprintf(w, " %s Avg. %4d MHz, Cur. %4d MHz\n", c.name, orZero(c.avg()), orZero(c.cur()))
	}

	writeArray(w, 16, coreTempLabel, m.TemperatureCore(), 100)
	writeArray(w, 16, corePowerLabel, m.AverageCorePower(), 1)
	writeArray(w, 16, coreClockLabel, m.CurrentCoreCLK(), 1)
	writeArray(w, 20, l3TempLabel, m.TemperatureL3(), 100)
	writeArray(w, 20, l3ClockLabel, m.CurrentL3CLK(), 1)
}

// writeArray prints one element per reading; unsupported elements print as 0.
func writeArray(w *bufio.Writer, labelWidth int, label string, values []Reading, div uint16) {
	fmt.Fprintf(w, " %-*s: [", labelWidth, label)
	for _, r := range values {
		fmt.Fprintf(w, "%5d,", r.Value/div)
	}
	w.WriteString("]\n")
}

func allValid(values []Reading) bool {
	if len(values) == 0 {
		return false
	}
	for _, r := range values {
		if !r.Valid {
			return false
		}
	}
	return true
}

// ValueUnit is a labelled quantity in JSON output.
type ValueUnit struct {
	Value uint64 `json:"value"`
	Unit  string `json:"unit"`
}

// Summary flattens the snapshot into labelled quantities. Unsupported values
// are omitted; temperatures are scaled to whole degrees. The Unknown state
// yields nil.
func Summary(m Metrics) map[string]ValueUnit {
	out := make(map[string]ValueUnit)
	put := func(label, unit string, div uint16, get func() (uint16, bool)) {
		if value, ok := get(); ok {
			out[label] = ValueUnit{Value: uint64(value / div), Unit: unit}
		}
	}
	putArray := func(label, unit string, div uint16, values []Reading) {
		for i, r := range values {
			if r.Valid {
				out[label+" "+strconv.Itoa(i)] = ValueUnit{Value: uint64(r.Value / div), Unit: unit}
			}
		}
	}

	switch m.Family() {
	case FamilySingleFrame:
		put("Socket Power", "W", 1, m.AverageSocketPower)
		put("Edge Temp", "C", 1, m.TemperatureEdge)
		put("Hotspot Temp", "C", 1, m.TemperatureHotspot)
		put("Memory Temp", "C", 1, m.TemperatureMem)
		put("VRGFX Temp", "C", 1, m.TemperatureVRGFX)
		put("VRSOC Temp", "C", 1, m.TemperatureVRSOC)
		put("VRMEM Temp", "C", 1, m.TemperatureVRMem)
		put("GFX Activity", "%", 1, m.AverageGFXActivity)
		put("UMC Activity", "%", 1, m.AverageUMCActivity)
		put("MM Activity", "%", 1, m.AverageMMActivity)
		put("GFXCLK", "MHz", 1, m.CurrentGFXCLK)
		put("SOCCLK", "MHz", 1, m.CurrentSOCCLK)
		put("UMCCLK", "MHz", 1, m.CurrentUCLK)
		put("VCLK", "MHz", 1, m.CurrentVCLK)
		put("DCLK", "MHz", 1, m.CurrentDCLK)
		put("VCLK1", "MHz", 1, m.CurrentVCLK1)
		put("DCLK1", "MHz", 1, m.CurrentDCLK1)
		put("SoC Voltage", "mV", 1, m.VoltageSOC)
		put("GFX Voltage", "mV", 1, m.VoltageGFX)
		put("Mem Voltage", "mV", 1, m.VoltageMem)
		put("Fan Speed", "RPM", 1, m.FanSpeed)
		if hbm := m.TemperatureHBM(); allValid(hbm) {
			putArray("HBM Temp", "C", 100, hbm)
		}
	case FamilyPerCore:
		put("GFX Temp", "C", 100, m.TemperatureGFX)
		put("SoC Temp", "C", 100, m.TemperatureSOC)
		put("GFX Power", "mW", 1, m.AverageGFXPower)
		put("SoC Power", "mW", 1, m.AverageSOCPower)
		put("CPU Power", "mW", 1, m.AverageCPUPower)
		put("Socket Power", "W", 1, m.AverageSocketPower)
		put("GFX Activity", "%", 1, m.AverageGFXActivity)
		put("MM Activity", "%", 1, m.AverageMMActivity)
		put("GFXCLK", "MHz", 1, m.CurrentGFXCLK)
		put("SOCCLK", "MHz", 1, m.CurrentSOCCLK)
		put("UMCCLK", "MHz", 1, m.CurrentUCLK)
		put("FCLK", "MHz", 1, m.CurrentFCLK)
		put("VCLK", "MHz", 1, m.CurrentVCLK)
		put("DCLK", "MHz", 1, m.CurrentDCLK)
		put("Fan PWM", "%", 1, m.FanPWM)
		putArray("Core Temp", "C", 100, m.TemperatureCore())
		putArray("Core Power", "mW", 1, m.AverageCorePower())
		putArray("Core Clock", "MHz", 1, m.CurrentCoreCLK())
		putArray("L3 Temp", "C", 100, m.TemperatureL3())
		putArray("L3 Clock", "MHz", 1, m.CurrentL3CLK())
	default:
		return nil
	}

	return out
}

// Package gpumetrics decodes the amdgpu gpu_metrics sysfs blob into a single
// queryable snapshot and renders it as text or JSON.
package gpumetrics

import (
	"fmt"
	"math"
)

// Format identifies a known gpu_metrics revision.
type Format int

const (
	FormatUnknown Format = iota
	FormatV1_0
	FormatV1_1
	FormatV1_2
	FormatV1_3
	FormatV2_0
	FormatV2_1
	FormatV2_2
	FormatV2_3
)

func (f Format) String() string {
	switch f {
	case FormatV1_0:
		return "v1.0"
	case FormatV1_1:
		return "v1.1"
	case FormatV1_2:
		return "v1.2"
	case FormatV1_3:
		return "v1.3"
	case FormatV2_0:
		return "v2.0"
	case FormatV2_1:
		return "v2.1"
	case FormatV2_2:
		return "v2.2"
	case FormatV2_3:
		return "v2.3"
	default:
		return "unknown"
	}
}

// Family groups formats that share a structure.
type Family int

const (
	FamilyUnknown Family = iota
	// FamilySingleFrame covers v1.x: whole-device readings of discrete GPUs.
	FamilySingleFrame
	// FamilyPerCore covers v2.x: APU layouts with per-core and per-L3 arrays.
	FamilyPerCore
)

func (f Family) String() string {
	switch f {
	case FamilySingleFrame:
		return "single_frame"
	case FamilyPerCore:
		return "per_core"
	default:
		return "unknown"
	}
}

// Family reports the structural family of the format.
func (f Format) Family() Family {
	switch f {
	case FormatV1_0, FormatV1_1, FormatV1_2, FormatV1_3:
		return FamilySingleFrame
	case FormatV2_0, FormatV2_1, FormatV2_2, FormatV2_3:
		return FamilyPerCore
	default:
		return FamilyUnknown
	}
}

// Reading is one element of an array quantity. Valid is false when the
// hardware reported the unsupported sentinel.
type Reading struct {
	Value uint16 `json:"value"`
	Valid bool   `json:"valid"`
}

// Metrics is an immutable decoded snapshot. The zero value is the Unknown
// state. Every revision is widened to the newest layout of its family;
// fields a revision lacks hold the unsupported sentinel, so accessors report
// them exactly like hardware-unsupported values.
type Metrics struct {
	format  Format
	header  Header
	single  *LayoutV13
	perCore *LayoutV23
}

// Format returns the decoded revision.
func (m Metrics) Format() Format { return m.format }

// Family returns the structural family of the decoded revision.
func (m Metrics) Family() Family { return m.format.Family() }

// Version returns the header revision pair. ok is false in the Unknown state.
func (m Metrics) Version() (format, content uint8, ok bool) {
	if m.format == FormatUnknown {
		return 0, 0, false
	}
	return m.header.FormatRevision, m.header.ContentRevision, true
}

func valid16(v uint16) (uint16, bool) {
	if v == math.MaxUint16 {
		return 0, false
	}
	return v, true
}

func valid32(v uint32) (uint32, bool) {
	if v == math.MaxUint32 {
		return 0, false
	}
	return v, true
}

func valid64(v uint64) (uint64, bool) {
	if v == math.MaxUint64 {
		return 0, false
	}
	return v, true
}

func readings(values []uint16) []Reading {
	out := make([]Reading, len(values))
	for i, v := range values {
		value, ok := valid16(v)
		out[i] = Reading{Value: value, Valid: ok}
	}
	return out
}

// pick selects the field of whichever family is populated.
func (m Metrics) pick(single func(*LayoutV13) uint16, perCore func(*LayoutV23) uint16) (uint16, bool) {
	switch {
	case m.single != nil && single != nil:
		return valid16(single(m.single))
	case m.perCore != nil && perCore != nil:
		return valid16(perCore(m.perCore))
	default:
		return 0, false
	}
}

// Temperatures. Single-frame values are degrees Celsius; per-core values are
// centi-degrees.

func (m Metrics) TemperatureEdge() (uint16, bool) {
	return m.pick(func(l *LayoutV13) uint16 { return l.TemperatureEdge }, nil)
}

func (m Metrics) TemperatureHotspot() (uint16, bool) {
	return m.pick(func(l *LayoutV13) uint16 { return l.TemperatureHotspot }, nil)
}

func (m Metrics) TemperatureMem() (uint16, bool) {
	return m.pick(func(l *LayoutV13) uint16 { return l.TemperatureMem }, nil)
}

func (m Metrics) TemperatureVRGFX() (uint16, bool) {
	return m.pick(func(l *LayoutV13) uint16 { return l.TemperatureVRGFX }, nil)
}

func (m Metrics) TemperatureVRSOC() (uint16, bool) {
	return m.pick(func(l *LayoutV13) uint16 { return l.TemperatureVRSOC }, nil)
}

func (m Metrics) TemperatureVRMem() (uint16, bool) {
	return m.pick(func(l *LayoutV13) uint16 { return l.TemperatureVRMem }, nil)
}

func (m Metrics) TemperatureGFX() (uint16, bool) {
	return m.pick(nil, func(l *LayoutV23) uint16 { return l.TemperatureGFX })
}

func (m Metrics) TemperatureSOC() (uint16, bool) {
	return m.pick(nil, func(l *LayoutV23) uint16 { return l.TemperatureSOC })
}

// Activity.

func (m Metrics) AverageGFXActivity() (uint16, bool) {
	return m.pick(
		func(l *LayoutV13) uint16 { return l.AverageGFXActivity },
		func(l *LayoutV23) uint16 { return l.AverageGFXActivity },
	)
}

func (m Metrics) AverageUMCActivity() (uint16, bool) {
	return m.pick(func(l *LayoutV13) uint16 { return l.AverageUMCActivity }, nil)
}

func (m Metrics) AverageMMActivity() (uint16, bool) {
	return m.pick(
		func(l *LayoutV13) uint16 { return l.AverageMMActivity },
		func(l *LayoutV23) uint16 { return l.AverageMMActivity },
	)
}

// Power. Socket power is reported in watts; per-core powers in milliwatts.

func (m Metrics) AverageSocketPower() (uint16, bool) {
	return m.pick(
		func(l *LayoutV13) uint16 { return l.AverageSocketPower },
		func(l *LayoutV23) uint16 { return l.AverageSocketPower },
	)
}

func (m Metrics) AverageCPUPower() (uint16, bool) {
	return m.pick(nil, func(l *LayoutV23) uint16 { return l.AverageCPUPower })
}

func (m Metrics) AverageSOCPower() (uint16, bool) {
	return m.pick(nil, func(l *LayoutV23) uint16 { return l.AverageSOCPower })
}

func (m Metrics) AverageGFXPower() (uint16, bool) {
	return m.pick(nil, func(l *LayoutV23) uint16 { return l.AverageGFXPower })
}

// Clocks, in MHz.

func (m Metrics) AverageGFXCLK() (uint16, bool) {
	return m.pick(
		func(l *LayoutV13) uint16 { return l.AverageGFXCLKFrequency },
		func(l *LayoutV23) uint16 { return l.AverageGFXCLKFrequency },
	)
}

func (m Metrics) CurrentGFXCLK() (uint16, bool) {
	return m.pick(
		func(l *LayoutV13) uint16 { return l.CurrentGFXCLK },
		func(l *LayoutV23) uint16 { return l.CurrentGFXCLK },
	)
}

func (m Metrics) AverageSOCCLK() (uint16, bool) {
	return m.pick(
		func(l *LayoutV13) uint16 { return l.AverageSOCCLKFrequency },
		func(l *LayoutV23) uint16 { return l.AverageSOCCLKFrequency },
	)
}

func (m Metrics) CurrentSOCCLK() (uint16, bool) {
	return m.pick(
		func(l *LayoutV13) uint16 { return l.CurrentSOCCLK },
		func(l *LayoutV23) uint16 { return l.CurrentSOCCLK },
	)
}

func (m Metrics) AverageUCLK() (uint16, bool) {
	return m.pick(
		func(l *LayoutV13) uint16 { return l.AverageUCLKFrequency },
		func(l *LayoutV23) uint16 { return l.AverageUCLKFrequency },
	)
}

func (m Metrics) CurrentUCLK() (uint16, bool) {
	return m.pick(
		func(l *LayoutV13) uint16 { return l.CurrentUCLK },
		func(l *LayoutV23) uint16 { return l.CurrentUCLK },
	)
}

func (m Metrics) AverageFCLK() (uint16, bool) {
	return m.pick(nil, func(l *LayoutV23) uint16 { return l.AverageFCLKFrequency })
}

func (m Metrics) CurrentFCLK() (uint16, bool) {
	return m.pick(nil, func(l *LayoutV23) uint16 { return l.CurrentFCLK })
}

func (m Metrics) AverageVCLK() (uint16, bool) {
	return m.pick(
		func(l *LayoutV13) uint16 { return l.AverageVCLK0Frequency },
		func(l *LayoutV23) uint16 { return l.AverageVCLKFrequency },
	)
}

func (m Metrics) CurrentVCLK() (uint16, bool) {
	return m.pick(
		func(l *LayoutV13) uint16 { return l.CurrentVCLK0 },
		func(l *LayoutV23) uint16 { return l.CurrentVCLK },
	)
}

func (m Metrics) AverageDCLK() (uint16, bool) {
	return m.pick(
		func(l *LayoutV13) uint16 { return l.AverageDCLK0Frequency },
		func(l *LayoutV23) uint16 { return l.AverageDCLKFrequency },
	)
}

func (m Metrics) CurrentDCLK() (uint16, bool) {
	return m.pick(
		func(l *LayoutV13) uint16 { return l.CurrentDCLK0 },
		func(l *LayoutV23) uint16 { return l.CurrentDCLK },
	)
}

func (m Metrics) AverageVCLK1() (uint16, bool) {
	return m.pick(func(l *LayoutV13) uint16 { return l.AverageVCLK1Frequency }, nil)
}

func (m Metrics) CurrentVCLK1() (uint16, bool) {
	return m.pick(func(l *LayoutV13) uint16 { return l.CurrentVCLK1 }, nil)
}

func (m Metrics) AverageDCLK1() (uint16, bool) {
	return m.pick(func(l *LayoutV13) uint16 { return l.AverageDCLK1Frequency }, nil)
}

func (m Metrics) CurrentDCLK1() (uint16, bool) {
	return m.pick(func(l *LayoutV13) uint16 { return l.CurrentDCLK1 }, nil)
}

// Voltages, in mV. Only v1.3 carries them.

func (m Metrics) VoltageSOC() (uint16, bool) {
	return m.pick(func(l *LayoutV13) uint16 { return l.VoltageSOC }, nil)
}

func (m Metrics) VoltageGFX() (uint16, bool) {
	return m.pick(func(l *LayoutV13) uint16 { return l.VoltageGFX }, nil)
}

func (m Metrics) VoltageMem() (uint16, bool) {
	return m.pick(func(l *LayoutV13) uint16 { return l.VoltageMem }, nil)
}

// FanSpeed is the single-frame fan speed in RPM.
func (m Metrics) FanSpeed() (uint16, bool) {
	return m.pick(func(l *LayoutV13) uint16 { return l.CurrentFanSpeed }, nil)
}

// FanPWM is the per-core family fan duty.
func (m Metrics) FanPWM() (uint16, bool) {
	return m.pick(nil, func(l *LayoutV23) uint16 { return l.FanPWM })
}

func (m Metrics) ThrottleStatus() (uint32, bool) {
	switch {
	case m.single != nil:
		return valid32(m.single.ThrottleStatus)
	case m.perCore != nil:
		return valid32(m.perCore.ThrottleStatus)
	default:
		return 0, false
	}
}

// SystemClockCounter is the driver-attached timestamp in nanoseconds.
func (m Metrics) SystemClockCounter() (uint64, bool) {
	switch {
	case m.single != nil:
		return valid64(m.single.SystemClockCounter)
	case m.perCore != nil:
		return valid64(m.perCore.SystemClockCounter)
	default:
		return 0, false
	}
}

// TemperatureHBM returns the per-stack HBM temperatures in centi-degrees.
func (m Metrics) TemperatureHBM() []Reading {
	if m.single == nil {
		return nil
	}
	return readings(m.single.TemperatureHBM[:])
}

// TemperatureCore returns per-core temperatures in centi-degrees.
func (m Metrics) TemperatureCore() []Reading {
	if m.perCore == nil {
		return nil
	}
	return readings(m.perCore.TemperatureCore[:])
}

// AverageCorePower returns per-core power in mW.
func (m Metrics) AverageCorePower() []Reading {
	if m.perCore == nil {
		return nil
	}
	return readings(m.perCore.AverageCorePower[:])
}

// CurrentCoreCLK returns per-core clocks in MHz.
func (m Metrics) CurrentCoreCLK() []Reading {
	if m.perCore == nil {
		return nil
	}
	return readings(m.perCore.CurrentCoreCLK[:])
}

// TemperatureL3 returns per-L3 temperatures in centi-degrees.
func (m Metrics) TemperatureL3() []Reading {
	if m.perCore == nil {
		return nil
	}
	return readings(m.perCore.TemperatureL3[:])
}

// CurrentL3CLK returns per-L3 clocks in MHz.
func (m Metrics) CurrentL3CLK() []Reading {
	if m.perCore == nil {
		return nil
	}
	return readings(m.perCore.CurrentL3CLK[:])
}

func (m Metrics) String() string {
	format, content, ok := m.Version()
	if !ok {
		return "gpu_metrics(unknown)"
	}
	return fmt.Sprintf("gpu_metrics(v%d.%d)", format, content)
}

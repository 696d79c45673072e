package gpumetrics

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
)

// ErrTruncated reports a blob shorter than the layout its header announces.
var ErrTruncated = errors.New("gpu_metrics truncated")

// Decode parses a gpu_metrics blob. An unrecognised revision pair yields the
// Unknown state without an error.
func Decode(data []byte) (Metrics, error) {
	var header Header
	if err := decodeLayout(data, &header); err != nil {
		return Metrics{}, err
	}

	m := Metrics{format: formatOf(header), header: header}
	switch m.format {
	case FormatV1_0:
		var l LayoutV10
		if err := decodeLayout(data, &l); err != nil {
			return Metrics{}, err
		}
		m.single = widenV10(l)
	case FormatV1_1:
		var l LayoutV11
		if err := decodeLayout(data, &l); err != nil {
			return Metrics{}, err
		}
		m.single = widenV12(LayoutV12{LayoutV11: l, FirmwareTimestamp: math.MaxUint64})
	case FormatV1_2:
		var l LayoutV12
		if err := decodeLayout(data, &l); err != nil {
			return Metrics{}, err
		}
		m.single = widenV12(l)
	case FormatV1_3:
		var l LayoutV13
		if err := decodeLayout(data, &l); err != nil {
			return Metrics{}, err
		}
		m.single = &l
	case FormatV2_0:
		var l LayoutV20
		if err := decodeLayout(data, &l); err != nil {
			return Metrics{}, err
		}
		m.perCore = widenV2Base(l.LayoutV2Base)
	case FormatV2_1:
		var l LayoutV21
		if err := decodeLayout(data, &l); err != nil {
			return Metrics{}, err
		}
		m.perCore = widenV2Base(l.LayoutV2Base)
	case FormatV2_2:
		var l LayoutV22
		if err := decodeLayout(data, &l); err != nil {
			return Metrics{}, err
		}
		m.perCore = widenV22(l)
	case FormatV2_3:
		var l LayoutV23
		if err := decodeLayout(data, &l); err != nil {
			return Metrics{}, err
		}
		m.perCore = &l
	}

	return m, nil
}

func formatOf(h Header) Format {
	switch h.FormatRevision {
	case 1:
		switch h.ContentRevision {
		case 0:
			return FormatV1_0
		case 1:
			return FormatV1_1
		case 2:
			return FormatV1_2
		case 3:
			return FormatV1_3
		}
	case 2:
		switch h.ContentRevision {
		case 0:
			return FormatV2_0
		case 1:
			return FormatV2_1
		case 2:
			return FormatV2_2
		case 3:
			return FormatV2_3
		}
	}
	return FormatUnknown
}

func decodeLayout(data []byte, layout any) error {
	size := binary.Size(layout)
	if len(data) < size {
		return fmt.Errorf("%w: have %d bytes, need %d", ErrTruncated, len(data), size)
	}
	return binary.Read(bytes.NewReader(data[:size]), binary.LittleEndian, layout)
}

func widenV10(l LayoutV10) *LayoutV13 {
	v11 := LayoutV11{
		Header:             l.Header,
		TemperatureEdge:    l.TemperatureEdge,
		TemperatureHotspot: l.TemperatureHotspot,
		TemperatureMem:     l.TemperatureMem,
		TemperatureVRGFX:   l.TemperatureVRGFX,
		TemperatureVRSOC:   l.TemperatureVRSOC,
		TemperatureVRMem:   l.TemperatureVRMem,

		AverageGFXActivity: l.AverageGFXActivity,
		AverageUMCActivity: l.AverageUMCActivity,
		AverageMMActivity:  l.AverageMMActivity,

		AverageSocketPower: l.AverageSocketPower,
		EnergyAccumulator:  widen32(l.EnergyAccumulator),
		SystemClockCounter: l.SystemClockCounter,

		AverageGFXCLKFrequency: l.AverageGFXCLKFrequency,
		AverageSOCCLKFrequency: l.AverageSOCCLKFrequency,
		AverageUCLKFrequency:   l.AverageUCLKFrequency,
		AverageVCLK0Frequency:  l.AverageVCLK0Frequency,
		AverageDCLK0Frequency:  l.AverageDCLK0Frequency,
		AverageVCLK1Frequency:  l.AverageVCLK1Frequency,
		AverageDCLK1Frequency:  l.AverageDCLK1Frequency,

		CurrentGFXCLK: l.CurrentGFXCLK,
		CurrentSOCCLK: l.CurrentSOCCLK,
		CurrentUCLK:   l.CurrentUCLK,
		CurrentVCLK0:  l.CurrentVCLK0,
		CurrentDCLK0:  l.CurrentDCLK0,
		CurrentVCLK1:  l.CurrentVCLK1,
		CurrentDCLK1:  l.CurrentDCLK1,

		ThrottleStatus:  l.ThrottleStatus,
		CurrentFanSpeed: l.CurrentFanSpeed,
		PCIeLinkWidth:   widen8(l.PCIeLinkWidth),
		PCIeLinkSpeed:   widen8(l.PCIeLinkSpeed),

		GFXActivityAcc: math.MaxUint32,
		MemActivityAcc: math.MaxUint32,
		TemperatureHBM: [4]uint16{math.MaxUint16, math.MaxUint16, math.MaxUint16, math.MaxUint16},
	}
	return widenV12(LayoutV12{LayoutV11: v11, FirmwareTimestamp: math.MaxUint64})
}

func widenV12(l LayoutV12) *LayoutV13 {
	return &LayoutV13{
		LayoutV12:           l,
		VoltageSOC:          math.MaxUint16,
		VoltageGFX:          math.MaxUint16,
		VoltageMem:          math.MaxUint16,
		IndepThrottleStatus: math.MaxUint64,
	}
}

func widenV2Base(l LayoutV2Base) *LayoutV23 {
	return widenV22(LayoutV22{LayoutV2Base: l, IndepThrottleStatus: math.MaxUint64})
}

func widenV22(l LayoutV22) *LayoutV23 {
	w := &LayoutV23{
		LayoutV22:             l,
		AverageTemperatureGFX: math.MaxUint16,
		AverageTemperatureSOC: math.MaxUint16,
	}
	for i := range w.AverageTemperatureCore {
		w.AverageTemperatureCore[i] = math.MaxUint16
	}
	for i := range w.AverageTemperatureL3 {
		w.AverageTemperatureL3[i] = math.MaxUint16
	}
	return w
}

// widen8 and widen32 keep the sentinel a sentinel at the wider width.
func widen8(v uint8) uint16 {
	if v == math.MaxUint8 {
		return math.MaxUint16
	}
	return uint16(v)
}

func widen32(v uint32) uint64 {
	if v == math.MaxUint32 {
		return math.MaxUint64
	}
	return uint64(v)
}

// Decoder re-reads one gpu_metrics file and keeps the last good snapshot.
// Like the fdinfo engine it has a single owner and no locking.
type Decoder struct {
	path   string
	logger *slog.Logger

	metrics     Metrics
	lastUnknown Header
}

// NewDecoder binds the decoder to path for its whole lifetime.
func NewDecoder(path string, logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Decoder{path: path, logger: logger}
}

// Path returns the telemetry file this decoder reads.
func (d *Decoder) Path() string {
	return d.path
}

// Metrics returns the latest successfully decoded snapshot.
func (d *Decoder) Metrics() Metrics {
	return d.metrics
}

// Update re-reads the telemetry file. On failure the previous snapshot stays
// in place and the error is returned.
func (d *Decoder) Update() error {
	if d.path == "" {
		return errors.New("gpu_metrics path not set")
	}

	data, err := os.ReadFile(d.path)
	if err != nil {
		return fmt.Errorf("read gpu_metrics: %w", err)
	}

	m, err := Decode(data)
	if err != nil {
		return fmt.Errorf("decode %s: %w", d.path, err)
	}

	if m.format == FormatUnknown && m.header != d.lastUnknown {
		d.lastUnknown = m.header
		d.logger.Debug("unsupported gpu_metrics revision",
			"format_revision", m.header.FormatRevision,
			"content_revision", m.header.ContentRevision,
			"size", m.header.StructureSize)
	}

	d.metrics = m
	return nil
}

package gpumetrics

// The layouts below mirror struct gpu_metrics_vX_Y from the amdgpu kernel
// interface (kgd_pp_interface.h). Field order and explicit padding reproduce
// the C alignment so encoding/binary can decode the sysfs blob directly.

// Header is common to every gpu_metrics revision.
type Header struct {
	StructureSize   uint16
	FormatRevision  uint8
	ContentRevision uint8
}

// LayoutV10 is gpu_metrics_v1_0.
type LayoutV10 struct {
	Header
	_                  [4]byte
	SystemClockCounter uint64

	TemperatureEdge    uint16
	TemperatureHotspot uint16
	TemperatureMem     uint16
	TemperatureVRGFX   uint16
	TemperatureVRSOC   uint16
	TemperatureVRMem   uint16

	AverageGFXActivity uint16
	AverageUMCActivity uint16
	AverageMMActivity  uint16

	AverageSocketPower uint16
	EnergyAccumulator  uint32

	AverageGFXCLKFrequency uint16
	AverageSOCCLKFrequency uint16
	AverageUCLKFrequency   uint16
	AverageVCLK0Frequency  uint16
	AverageDCLK0Frequency  uint16
	AverageVCLK1Frequency  uint16
	AverageDCLK1Frequency  uint16

	CurrentGFXCLK uint16
	CurrentSOCCLK uint16
	CurrentUCLK   uint16
	CurrentVCLK0  uint16
	CurrentDCLK0  uint16
	CurrentVCLK1  uint16
	CurrentDCLK1  uint16

	ThrottleStatus  uint32
	CurrentFanSpeed uint16
	PCIeLinkWidth   uint8
	PCIeLinkSpeed   uint8
	_               [4]byte
}

// LayoutV11 is gpu_metrics_v1_1.
type LayoutV11 struct {
	Header

	TemperatureEdge    uint16
	TemperatureHotspot uint16
	TemperatureMem     uint16
	TemperatureVRGFX   uint16
	TemperatureVRSOC   uint16
	TemperatureVRMem   uint16

	AverageGFXActivity uint16
	AverageUMCActivity uint16
	AverageMMActivity  uint16

	AverageSocketPower uint16
	EnergyAccumulator  uint64
	SystemClockCounter uint64

	AverageGFXCLKFrequency uint16
	AverageSOCCLKFrequency uint16
	AverageUCLKFrequency   uint16
	AverageVCLK0Frequency  uint16
	AverageDCLK0Frequency  uint16
	AverageVCLK1Frequency  uint16
	AverageDCLK1Frequency  uint16

	CurrentGFXCLK uint16
	CurrentSOCCLK uint16
	CurrentUCLK   uint16
	CurrentVCLK0  uint16
	CurrentDCLK0  uint16
	CurrentVCLK1  uint16
	CurrentDCLK1  uint16

	ThrottleStatus  uint32
	CurrentFanSpeed uint16
	PCIeLinkWidth   uint16
	PCIeLinkSpeed   uint16
	_               uint16

	GFXActivityAcc uint32
	MemActivityAcc uint32

	// Centi-degrees; only Aldebaran populates it.
	TemperatureHBM [4]uint16
}

// LayoutV12 is gpu_metrics_v1_2.
type LayoutV12 struct {
	LayoutV11
	FirmwareTimestamp uint64
}

// LayoutV13 is gpu_metrics_v1_3.
type LayoutV13 struct {
	LayoutV12
	VoltageSOC          uint16
	VoltageGFX          uint16
	VoltageMem          uint16
	_                   uint16
	IndepThrottleStatus uint64
}

// LayoutV2Base holds the fields shared by every gpu_metrics_v2_x revision,
// up to and excluding the trailing padding that differs between them.
type LayoutV2Base struct {
	Header
	_                  [4]byte
	SystemClockCounter uint64

	// Centi-degrees.
	TemperatureGFX  uint16
	TemperatureSOC  uint16
	TemperatureCore [8]uint16
	TemperatureL3   [2]uint16

	AverageGFXActivity uint16
	AverageMMActivity  uint16

	AverageSocketPower uint16
	AverageCPUPower    uint16
	AverageSOCPower    uint16
	AverageGFXPower    uint16
	AverageCorePower   [8]uint16

	AverageGFXCLKFrequency uint16
	AverageSOCCLKFrequency uint16
	AverageUCLKFrequency   uint16
	AverageFCLKFrequency   uint16
	AverageVCLKFrequency   uint16
	AverageDCLKFrequency   uint16

	CurrentGFXCLK  uint16
	CurrentSOCCLK  uint16
	CurrentUCLK    uint16
	CurrentFCLK    uint16
	CurrentVCLK    uint16
	CurrentDCLK    uint16
	CurrentCoreCLK [8]uint16
	CurrentL3CLK   [2]uint16

	ThrottleStatus uint32
	FanPWM         uint16
}

// LayoutV20 is gpu_metrics_v2_0.
type LayoutV20 struct {
	LayoutV2Base
	_ uint16
}

// LayoutV21 is gpu_metrics_v2_1.
type LayoutV21 struct {
	LayoutV2Base
	_ [3]uint16
	_ [4]byte
}

// LayoutV22 is gpu_metrics_v2_2.
type LayoutV22 struct {
	LayoutV2Base
	_                   [3]uint16
	_                   [4]byte
	IndepThrottleStatus uint64
}

// LayoutV23 is gpu_metrics_v2_3.
type LayoutV23 struct {
	LayoutV22
	AverageTemperatureGFX  uint16
	AverageTemperatureSOC  uint16
	AverageTemperatureCore [8]uint16
	AverageTemperatureL3   [2]uint16
}

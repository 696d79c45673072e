package gpumetrics

import (
	"bytes"
	"encoding/json"
	"math"
	"strings"
	"testing"
)

func renderText(t *testing.T, m Metrics) string {
	t.Helper()
	var buf bytes.Buffer
	if err := WriteText(&buf, m); err != nil {
		t.Fatalf("WriteText: %v", err)
	}
	return buf.String()
}

func TestWriteTextSingleFrame(t *testing.T) {
	m, err := Decode(encode(t, singleFrameFixture()))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	want := strings.Join([]string{
		" Socket Power: 180 W",
		" Edge:  45 C, Hotspot:  60 C,",
		" VRGFX:  50 C, VRSOC:  48 C, VRMEM:  52 C,",
		" GFXCLK Avg. 2100 MHz, Cur. 2200 MHz",
		" SOCCLK Avg. 1000 MHz, Cur. 1050 MHz",
		" UMCCLK Avg. 1000 MHz, Cur. 1000 MHz",
		" VCLK   Avg.    0 MHz, Cur.  500 MHz",
		" DCLK   Avg.  400 MHz, Cur.  410 MHz",
		" VCLK1  Avg.    0 MHz, Cur.    0 MHz",
		" DCLK1  Avg.    0 MHz, Cur.    0 MHz",
		" SoC:  900 mV,  GFX: 1100 mV, ",
		"",
	}, "\n")

	if got := renderText(t, m); got != want {
		t.Fatalf("unexpected text:\n got %q\nwant %q", got, want)
	}
}

func TestWriteTextHBMOnlyWhenSupported(t *testing.T) {
	l := singleFrameFixture()
	l.TemperatureHBM = [4]uint16{4500, 4600, 4700, 4800}
	m, err := Decode(encode(t, l))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got := renderText(t, m); !strings.Contains(got, "HBM Temp (C) [   45,   46,   47,   48,]\n") {
		t.Fatalf("missing HBM line:\n%s", got)
	}

	l.TemperatureHBM[2] = math.MaxUint16
	m, err = Decode(encode(t, l))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got := renderText(t, m); strings.Contains(got, "HBM") {
		t.Fatalf("HBM line must be omitted when any stack is unsupported:\n%s", got)
	}
}

func TestWriteTextSocketPowerSentinel(t *testing.T) {
	l := singleFrameFixture()
	l.AverageSocketPower = math.MaxUint16
	m, err := Decode(encode(t, l))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	got := renderText(t, m)
	if strings.Contains(got, "Socket Power") || strings.Contains(got, "65535") {
		t.Fatalf("sentinel leaked into text:\n%s", got)
	}
}

func TestWriteTextPerCore(t *testing.T) {
	m, err := Decode(encode(t, perCoreFixture()))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	want := strings.Join([]string{
		" GFX:    55 C,  3200 mW,  1900 MHz, ",
		" SoC:    48 C,  1800 mW,   800 MHz, ",
		" Socket Power:  15 W",
		" UMCCLK Avg. 1600 MHz, Cur. 1600 MHz",
		" FCLK Avg. 1600 MHz, Cur.    0 MHz",
		" VCLK Avg.  400 MHz, Cur.  400 MHz",
		" DCLK Avg.  300 MHz, Cur.  300 MHz",
		" Core Temp (C)   : [   61,   62,   63,   64,    0,    0,    0,    0,]",
		" Core Power (mW) : [ 1000, 1100, 1200, 1300,    0,    0,    0,    0,]",
		" Core Clock (MHz): [ 3800, 3900, 4000, 4100,    0,    0,    0,    0,]",
		" L3 Cache Temp (C)   : [   50,    0,]",
		" L3 Cache Clock (MHz): [ 3700,    0,]",
		"",
	}, "\n")

	if got := renderText(t, m); got != want {
		t.Fatalf("unexpected text:\n got %q\nwant %q", got, want)
	}
}

func TestWriteTextUnknown(t *testing.T) {
	if got := renderText(t, Metrics{}); got != "" {
		t.Fatalf("unknown state must render nothing, got %q", got)
	}
}

func TestSummary(t *testing.T) {
	m, err := Decode(encode(t, perCoreFixture()))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	summary := Summary(m)
	if got := summary["GFX Temp"]; got.Value != 55 || got.Unit != "C" {
		t.Fatalf("unexpected GFX Temp %+v", got)
	}
	if _, ok := summary["FCLK"]; ok {
		t.Fatalf("unsupported current FCLK must be omitted")
	}
	if _, ok := summary["Core Temp 4"]; ok {
		t.Fatalf("unsupported core must be omitted")
	}
	if got := summary["Core Clock 3"]; got.Value != 4100 {
		t.Fatalf("unexpected core clock %+v", got)
	}

	raw, err := json.Marshal(summary)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(raw), "65535") {
		t.Fatalf("sentinel leaked into json: %s", raw)
	}

	if Summary(Metrics{}) != nil {
		t.Fatalf("unknown state must summarise to nil")
	}
}

func TestSummarySingleFrameOmitsSentinels(t *testing.T) {
	l := singleFrameFixture()
	l.AverageSocketPower = math.MaxUint16
	m, err := Decode(encode(t, l))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	summary := Summary(m)
	for _, key := range []string{"Socket Power", "Memory Temp", "Mem Voltage", "VCLK1", "DCLK1", "HBM Temp 0"} {
		if got, ok := summary[key]; ok {
			t.Errorf("unsupported %s must be omitted, got %+v", key, got)
		}
	}
	if got := summary["GFX Voltage"]; got.Value != 1100 || got.Unit != "mV" {
		t.Fatalf("unexpected GFX Voltage %+v", got)
	}
	if got := summary["Edge Temp"]; got.Value != 45 || got.Unit != "C" {
		t.Fatalf("unexpected Edge Temp %+v", got)
	}

	raw, err := json.Marshal(summary)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(raw), "65535") {
		t.Fatalf("sentinel leaked into json: %s", raw)
	}
}

package fdinfo

import (
	"bufio"
	"bytes"
	"strconv"
	"strings"
)

const (
	clientIDPrefix = "drm-client-id:"
	memoryPrefix   = "drm-memory-"
	enginePrefix   = "drm-engine-"
)

// parseUsage parses the fdinfo text of a single descriptor. seen tracks the
// client ids already accounted for in the current process; when the
// descriptor refers to one of them it reports duplicate=true and the
// descriptor's figures must be discarded.
func parseUsage(data []byte, seen map[uint64]struct{}) (usage Usage, duplicate bool) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case strings.HasPrefix(line, clientIDPrefix):
			id := parseUint(line[len(clientIDPrefix):])
			if _, ok := seen[id]; ok {
				return Usage{}, true
			}
			seen[id] = struct{}{}
		case strings.HasPrefix(line, memoryPrefix):
			tag, value, ok := splitTagged(line[len(memoryPrefix):])
			if !ok {
				continue
			}
			kib := parseKiB(value)
			switch tag {
			case "vram":
				usage.VRAMKiB += kib
			case "gtt":
				usage.GTTKiB += kib
			case "cpu":
				usage.CPUVisibleKiB += kib
			}
		case strings.HasPrefix(line, enginePrefix):
			tag, value, ok := splitTagged(line[len(enginePrefix):])
			if !ok {
				continue
			}
			ns := parseNanoseconds(value)
			switch tag {
			case "gfx":
				usage.GFX += ns
			case "compute":
				usage.Compute += ns
			case "dma":
				usage.DMA += ns
			case "dec":
				usage.Dec += ns
			case "enc":
				usage.Enc += ns
			case "enc_1":
				usage.UVDEnc += ns
			case "jpeg":
				usage.JPEG += ns
			}
		}
	}

	return usage, false
}

// splitTagged splits "vram:\t2048 KiB" into ("vram", "2048 KiB").
func splitTagged(rest string) (string, string, bool) {
	tag, value, ok := strings.Cut(rest, ":")
	if !ok {
		return "", "", false
	}
	return tag, strings.TrimSpace(value), true
}

func parseUint(value string) uint64 {
	n, err := strconv.ParseUint(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// parseKiB reads "<n> KiB". The amdgpu driver always reports KiB; other
// units are scaled so the accumulated figure stays in KiB.
func parseKiB(value string) uint64 {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return 0
	}
	n := parseUint(fields[0])
	if len(fields) == 1 {
		// Unit-less values are bytes.
		return n >> 10
	}
	switch fields[1] {
	case "KiB":
		return n
	case "MiB":
		return n << 10
	case "GiB":
		return n << 20
	default:
		return n
	}
}

func parseNanoseconds(value string) uint64 {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return 0
	}
	return parseUint(fields[0])
}

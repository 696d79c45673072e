package gpu

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

const (
	drmClassPath    = "class/drm"
	devDRIPath      = "/dev/dri"
	gpuMetricsEntry = "gpu_metrics"
)

// Info describes a single GPU device discovered via sysfs.
type Info struct {
	ID         string `json:"id"`
	PCI        string `json:"pci"`
	PCIID      string `json:"pci_id"`
	Name       string `json:"name"`
	RenderNode string `json:"render_node"`
	CardNode   string `json:"card_node"`
	// DevicePath is the sysfs device directory; MetricsPath is empty when the
	// driver does not expose gpu_metrics.
	DevicePath  string `json:"device_path"`
	MetricsPath string `json:"metrics_path,omitempty"`
}

// DeviceNodes lists the /dev/dri nodes a process may hold open for this GPU.
func (i Info) DeviceNodes() []string {
	var nodes []string
	for _, node := range []string{i.RenderNode, i.CardNode} {
		if node != "" {
			nodes = append(nodes, node)
		}
	}
	return nodes
}

// Discover enumerates DRM cards exposed via sysfs under the provided root.
func Discover(root string, logger *slog.Logger) ([]Info, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	sysRoot, err := os.OpenRoot(root)
	if err != nil {
		return nil, fmt.Errorf("open sysfs root: %w", err)
	}
	defer sysRoot.Close()

	entries, err := fs.ReadDir(sysRoot.FS(), drmClassPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, os.ErrNotExist) {
			logger.Warn("drm class path missing", "path", filepath.Join(root, drmClassPath))
			return nil, nil
		}
		return nil, fmt.Errorf("read drm class dir: %w", err)
	}

	var infos []Info
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "card") {
			continue
		}
		if strings.ContainsRune(name, '-') {
			continue
		}
		if !allDigits(name[4:]) {
			continue
		}

		if !entry.IsDir() && entry.Type()&os.ModeSymlink == 0 {
			continue
		}

		cardRoot, err := sysRoot.OpenRoot(filepath.Join(drmClassPath, name))
		if err != nil {
			logger.Warn("failed to open card root", "card", name, "err", err)
			continue
		}

		info, err := loadCardInfo(name, filepath.Join(root, drmClassPath, name, "device"), cardRoot, logger)
		if err := cardRoot.Close(); err != nil {
			logger.Debug("failed to close card root", "card", name, "err", err)
		}
		if err != nil {
			logger.Warn("failed to load card info", "card", name, "err", err)
			continue
		}
		infos = append(infos, info)
	}

	return infos, nil
}

func loadCardInfo(cardID, devicePath string, cardRoot *os.Root, logger *slog.Logger) (Info, error) {
	deviceRoot, err := cardRoot.OpenRoot("device")
	if err != nil {
		return Info{}, fmt.Errorf("open device root: %w", err)
	}
	defer deviceRoot.Close()

	var (
		pciSlot string
		name    string
		id      pciIdentity
	)

	if data, err := deviceRoot.ReadFile("uevent"); err == nil {
		text := string(data)
		pciSlot = parseKeyValue(text, "PCI_SLOT_NAME")
		id.Vendor, id.Device = parsePCIPair(parseKeyValue(text, "PCI_ID"))
		id.SubVendor, id.SubDevice = parsePCIPair(parseKeyValue(text, "PCI_SUBSYS_ID"))
		name = parseKeyValue(text, "PCI_ID_NAME")
		if name == "" {
			name = parseKeyValue(text, "DRIVER")
		}
	}

	// Older kernels omit PCI_ID from uevent; the per-field files always exist.
	for _, field := range []struct {
		dst  *string
		file string
	}{
		{&id.Vendor, "vendor"},
		{&id.Device, "device"},
		{&id.SubVendor, "subsystem_vendor"},
		{&id.SubDevice, "subsystem_device"},
	} {
		if *field.dst == "" {
			*field.dst, _ = readTrim(deviceRoot, field.file)
		}
	}
	id = id.normalized()

	if name == "" {
		name, _ = readTrim(deviceRoot, "product_name")
	}
	if genericName(name) {
		if resolved := id.marketingName(); resolved != "" {
			name = resolved
		}
	}
	if id.Vendor != "" && !id.isAMD() {
		logger.Debug("drm card is not an AMD device; fdinfo may lack amdgpu keys", "card", cardID, "vendor", id.Vendor)
	}

	renderNode := findRenderNode(deviceRoot)

	var metricsPath string
	if _, err := deviceRoot.Stat(gpuMetricsEntry); err == nil {
		metricsPath = filepath.Join(devicePath, gpuMetricsEntry)
	}

	return Info{
		ID:          cardID,
		PCI:         pciSlot,
		PCIID:       id.pair(),
		Name:        name,
		RenderNode:  renderNode,
		CardNode:    filepath.Join(devDRIPath, cardID),
		DevicePath:  devicePath,
		MetricsPath: metricsPath,
	}, nil
}

func findRenderNode(deviceRoot *os.Root) string {
	drmRoot, err := deviceRoot.OpenRoot("drm")
	if err != nil {
		return ""
	}
	defer drmRoot.Close()

	entries, err := fs.ReadDir(drmRoot.FS(), ".")
	if err != nil {
		return ""
	}
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, "renderD") {
			return filepath.Join(devDRIPath, name)
		}
	}
	return ""
}

func parseKeyValue(data, key string) string {
	prefix := key + "="
	scanner := bufio.NewScanner(strings.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(line, prefix))
		}
	}
	return ""
}

func readTrim(root *os.Root, name string) (string, error) {
	data, err := root.ReadFile(name)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func allDigits(value string) bool {
	if value == "" {
		return false
	}
	for _, r := range value {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

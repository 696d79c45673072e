package gpu

import (
	"strings"
	"sync"

	"github.com/jaypipes/pcidb"
)

// amdVendorID is the PCI vendor of every device the amdgpu driver binds.
const amdVendorID = "1002"

var (
	pciOnce sync.Once
	pciDB   *pcidb.PCIDB
)

// pciIdentity is the vendor/device pair of a card plus its board subsystem.
// All fields are lowercase four-digit hex once normalized.
type pciIdentity struct {
	Vendor    string
	Device    string
	SubVendor string
	SubDevice string
}

// parsePCIPair splits "VVVV:DDDD" as found in PCI_ID and PCI_SUBSYS_ID.
func parsePCIPair(value string) (string, string) {
	first, second, ok := strings.Cut(strings.TrimSpace(value), ":")
	if !ok {
		return "", ""
	}
	return normalizeHexID(first), normalizeHexID(second)
}

func normalizeHexID(raw string) string {
	value := strings.ToLower(strings.TrimSpace(raw))
	value = strings.TrimPrefix(value, "0x")
	if value == "" {
		return ""
	}
	if len(value) < 4 {
		value = strings.Repeat("0", 4-len(value)) + value
	}
	return value
}

func (id pciIdentity) normalized() pciIdentity {
	return pciIdentity{
		Vendor:    normalizeHexID(id.Vendor),
		Device:    normalizeHexID(id.Device),
		SubVendor: normalizeHexID(id.SubVendor),
		SubDevice: normalizeHexID(id.SubDevice),
	}
}

func (id pciIdentity) pair() string {
	if id.Vendor == "" || id.Device == "" {
		return ""
	}
	return id.Vendor + ":" + id.Device
}

func (id pciIdentity) isAMD() bool {
	return id.Vendor == amdVendorID
}

// marketingName resolves the board name from the pci.ids database, preferring
// the subsystem entry so partner cards get their own name.
func (id pciIdentity) marketingName() string {
	if id.Vendor == "" || id.Device == "" {
		return ""
	}

	pciOnce.Do(func() {
		db, err := pcidb.New()
		if err == nil {
			pciDB = db
		}
	})
	if pciDB == nil {
		return ""
	}

	product := pciDB.Products[id.Vendor+id.Device]
	if product == nil {
		return ""
	}
	if id.SubVendor != "" && id.SubDevice != "" {
		for _, sub := range product.Subsystems {
			if sub != nil && sub.Name != "" &&
				strings.EqualFold(sub.VendorID, id.SubVendor) && strings.EqualFold(sub.ID, id.SubDevice) {
				return sub.Name
			}
		}
	}
	return product.Name
}

// genericName reports whether a name read from sysfs says nothing about the
// board (driver name, raw ids) and should lose to the database name.
func genericName(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	switch {
	case lower == "", lower == "amdgpu", lower == "radeon", lower == "unknown":
		return true
	case strings.HasPrefix(lower, "pci device"), strings.HasPrefix(lower, "0x"):
		return true
	}
	return false
}

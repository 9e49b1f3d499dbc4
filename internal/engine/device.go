package engine

import (
	"strings"

	"github.com/go-rod/rod/lib/devices"
)

// ResolveDevice returns the devices.Device for a friendly device name.
// Unknown and empty names map to "laptop" (1280x800), the default viewport.
//   - "clear" - no emulation, page fills the window
//   - "laptop" or "laptop-mdpi" - LaptopWithMDPIScreen (1280x800)
//   - "laptop-hidpi" - LaptopWithHiDPIScreen (1440x900, 2x DPI)
//   - "iphone-x", "ipad", "pixel-2", ... - mobile emulation
func ResolveDevice(name string) devices.Device {
	switch strings.ToLower(name) {
	case "clear":
		return devices.Clear
	case "", "laptop", "laptop-mdpi":
		return devices.LaptopWithMDPIScreen
	case "laptop-hidpi":
		return devices.LaptopWithHiDPIScreen
	case "laptop-touch":
		return devices.LaptopWithTouch
	case "iphone-x":
		return devices.IPhoneX
	case "iphone-8":
		return devices.IPhone6or7or8
	case "iphone-se":
		return devices.IPhone5orSE
	case "ipad":
		return devices.IPad
	case "ipad-pro":
		return devices.IPadPro
	case "pixel-2":
		return devices.Pixel2
	case "galaxy-s5":
		return devices.GalaxyS5
	case "nexus-7":
		return devices.Nexus7
	default:
		return devices.LaptopWithMDPIScreen
	}
}

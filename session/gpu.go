package session

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/NeowayLabs/drmbackend"
)

const sysfsDRM = "/sys/class/drm"

// FindGPUs lists the DRM card nodes to drive. WLR_DRM_DEVICES, a colon
// separated list of paths, overrides discovery. Otherwise every card is
// returned with the boot VGA device first.
func FindGPUs() ([]string, error) {
	if env := os.Getenv("WLR_DRM_DEVICES"); env != "" {
		return splitDevices(env), nil
	}
	cards, err := drm.Cards()
	if err != nil {
		return nil, err
	}
	return orderGPUs(cards, sysfsDRM), nil
}

func splitDevices(env string) []string {
	var paths []string
	for _, p := range strings.Split(env, ":") {
		if p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}

func orderGPUs(cards []string, sysfs string) []string {
	ordered := make([]string, 0, len(cards))
	for _, card := range cards {
		if isBootVGA(sysfs, filepath.Base(card)) {
			ordered = append([]string{card}, ordered...)
		} else {
			ordered = append(ordered, card)
		}
	}
	return ordered
}

func isBootVGA(sysfs, name string) bool {
	data, err := os.ReadFile(filepath.Join(sysfs, name, "device", "boot_vga"))
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(data)) == "1"
}

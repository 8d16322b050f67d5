package adb

import (
	"fmt"
	"strings"

	"github.com/eldersvr/onboard/pkg/types"
)

var unavailableMarkers = []string{
	"device offline",
	"no devices/emulators found",
	"device unauthorized",
	"device still authorizing",
	"error: closed",
	"device not found",
}

// deviceError maps adb's transport complaints onto the error taxonomy. It
// returns nil for output that does not describe a device-level failure.
func deviceError(serial string, result *Result) error {
	out := result.Combined()
	lower := strings.ToLower(out)

	if strings.Contains(lower, "no space left on device") {
		return fmt.Errorf("%s: %w: %s", serial, types.ErrStorageExhausted, firstLine(out))
	}
	if result.ExitCode == 0 {
		return nil
	}
	for _, marker := range unavailableMarkers {
		if strings.Contains(lower, marker) {
			return fmt.Errorf("%s: %w: %s", serial, types.ErrDeviceUnavailable, firstLine(out))
		}
	}
	// adb reports an unknown serial as "error: device 'XYZ' not found".
	if strings.HasPrefix(lower, "error: device") && strings.Contains(lower, "not found") {
		return fmt.Errorf("%s: %w: %s", serial, types.ErrDeviceUnavailable, firstLine(out))
	}
	return nil
}

func isNotExist(out string) bool {
	return strings.Contains(out, "No such file or directory")
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}

// Quote makes s a single shell word for the device's sh.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

package transfer

import (
	"context"
	"os"

	"github.com/eldersvr/onboard/pkg/types"
)

// FileCheck is the verified state of one expected file.
type FileCheck struct {
	Path      string
	Present   bool
	SizeMatch bool
	// Kept marks a device copy a conflict answer chose to keep; its size
	// is not expected to match.
	Kept bool
}

// OK reports whether the file is on the device as the pass left it.
func (f FileCheck) OK() bool {
	return f.Present && (f.SizeMatch || f.Kept)
}

// Verification lists a device's content against what should be there.
type Verification struct {
	Serial string
	Files  []FileCheck
	Err    error
}

// Complete reports whether every expected file is present with the right
// size, or was kept at a conflict.
func (v Verification) Complete() bool {
	if v.Err != nil {
		return false
	}
	for _, f := range v.Files {
		if !f.OK() {
			return false
		}
	}
	return true
}

// Kept counts files left as the device had them after a conflict.
func (v Verification) Kept() int {
	n := 0
	for _, f := range v.Files {
		if f.Kept {
			n++
		}
	}
	return n
}

// Missing returns the files absent from the device or with the wrong size.
func (v Verification) Missing() []FileCheck {
	var missing []FileCheck
	for _, f := range v.Files {
		if !f.OK() {
			missing = append(missing, f)
		}
	}
	return missing
}

// Verify checks a device against its plan for catalog without pushing.
func (m *Manager) Verify(ctx context.Context, device types.Device, catalog []types.Asset, filter ContentFilter) Verification {
	if filter == "" {
		filter = AllContent
	}
	return m.verifyTasks(ctx, device, Plan(device, catalog, filter))
}

// verifyTasks lists the device's content directories and compares them
// with the local copy of every task that should have landed. Failed and
// cancelled tasks are not expected on the device; kept ones only need to
// be present.
func (m *Manager) verifyTasks(ctx context.Context, device types.Device, tasks []*types.TransferTask) Verification {
	v := Verification{Serial: device.Serial}

	remote := make(map[string]int64)
	for _, dir := range device.ContentDirs() {
		entries, err := m.shell.List(ctx, device.Serial, dir)
		if err != nil {
			v.Err = err
			return v
		}
		for _, e := range entries {
			remote[e.Path] = e.Size
		}
	}

	for _, task := range tasks {
		if task.Status == types.TransferFailed || task.Status == types.TransferCancelled {
			continue
		}
		check := FileCheck{Path: task.DestinationPath, Kept: task.Kept}
		size, ok := remote[task.DestinationPath]
		check.Present = ok
		if info, err := os.Stat(task.Asset.LocalCachePath); err == nil {
			check.SizeMatch = ok && info.Size() == size
		}
		v.Files = append(v.Files, check)
	}
	return v
}

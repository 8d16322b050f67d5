package transfer

import (
	"fmt"

	"github.com/eldersvr/onboard/pkg/types"
)

// ContentFilter narrows which kinds of asset are pushed.
type ContentFilter string

const (
	AllContent ContentFilter = "all"
	// VideosOnly pushes videos and the manifest.
	VideosOnly ContentFilter = "videos-only"
	// JSONOnly pushes only the manifest.
	JSONOnly ContentFilter = "json-only"
)

func (f ContentFilter) allows(kind types.Kind) bool {
	if kind == types.KindMetadata {
		return true
	}
	switch f {
	case VideosOnly:
		return kind == types.KindVideo
	case JSONOnly:
		return false
	}
	return true
}

// DeviceScope selects which devices take part in a pass.
type DeviceScope string

const (
	AllDevices DeviceScope = "all"
	MasterOnly DeviceScope = "master-only"
	SlaveOnly  DeviceScope = "slave-only"
)

func (s DeviceScope) includes(d types.Device) bool {
	switch s {
	case MasterOnly:
		return d.Role == types.RoleMaster
	case SlaveOnly:
		return d.Role == types.RoleSlave
	}
	return true
}

// ParseContentFilter maps CLI flags onto a filter.
func ParseContentFilter(videosOnly, jsonOnly bool) (ContentFilter, error) {
	switch {
	case videosOnly && jsonOnly:
		return "", fmt.Errorf("videos-only and json-only are mutually exclusive")
	case videosOnly:
		return VideosOnly, nil
	case jsonOnly:
		return JSONOnly, nil
	}
	return AllContent, nil
}

// ParseDeviceScope maps CLI flags onto a scope.
func ParseDeviceScope(masterOnly, slaveOnly bool) (DeviceScope, error) {
	switch {
	case masterOnly && slaveOnly:
		return "", fmt.Errorf("master-only and slave-only are mutually exclusive")
	case masterOnly:
		return MasterOnly, nil
	case slaveOnly:
		return SlaveOnly, nil
	}
	return AllDevices, nil
}

// Plan returns the device's transfer tasks in catalog order. An asset
// applies when the device accepts its quality and the filter allows its
// kind; the manifest always applies.
func Plan(device types.Device, catalog []types.Asset, filter ContentFilter) []*types.TransferTask {
	var tasks []*types.TransferTask
	for _, asset := range catalog {
		if !filter.allows(asset.Kind) {
			continue
		}
		if asset.Kind != types.KindMetadata && !device.Accepts(asset.Quality) {
			continue
		}
		tasks = append(tasks, &types.TransferTask{
			Asset:           asset,
			Device:          device,
			DestinationPath: device.DestinationPath(asset),
			Status:          types.TransferPending,
		})
	}
	return tasks
}

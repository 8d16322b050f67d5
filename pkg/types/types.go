package types

import (
	"fmt"
	"path"
	"strings"
)

// Kind identifies what an asset is on the device.
type Kind string

const (
	KindVideo    Kind = "video"
	KindImage    Kind = "image"
	KindMetadata Kind = "metadata"
)

// Quality tags an asset's encoding tier. Images and the manifest carry
// QualityNone.
type Quality string

const (
	QualityLow  Quality = "low"
	QualityHigh Quality = "high"
	QualityNone Quality = "n/a"
)

// ParseQuality accepts "low", "high" and "n/a" (or "none").
func ParseQuality(s string) (Quality, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return QualityLow, nil
	case "high":
		return QualityHigh, nil
	case "n/a", "none":
		return QualityNone, nil
	}
	return "", fmt.Errorf("unknown quality %q", s)
}

// Asset represents one deployable file.
type Asset struct {
	ID                 string  `json:"id"`
	Kind               Kind    `json:"kind"`
	Quality            Quality `json:"quality"`
	SourceURL          string  `json:"source_url,omitempty"`
	LocalCachePath     string  `json:"local_cache_path"`
	ExpectedSize       int64   `json:"expected_size,omitempty"` // 0 when unknown
	Checksum           string  `json:"checksum,omitempty"`
	RemoteRelativePath string  `json:"remote_relative_path"`
}

// Key is unique per cache slot.
func (a Asset) Key() string {
	return a.ID + "@" + string(a.Quality)
}

// Role is the part a device plays in a paired deployment.
type Role string

const (
	RoleMaster Role = "master"
	RoleSlave  Role = "slave"
)

// Profile selects the master's share of a deployment.
type Profile string

const (
	// ProfileMasterLow sends low quality videos, images and metadata to the master.
	ProfileMasterLow Profile = "master-low"
	// ProfileMasterMetadata sends only images and metadata to the master.
	ProfileMasterMetadata Profile = "master-metadata"
)

// roleQualities is the filter table behind role dispatch. New roles are
// added here rather than by special-casing them in the transfer path.
var roleQualities = map[Profile]map[Role][]Quality{
	ProfileMasterLow: {
		RoleMaster: {QualityLow, QualityNone},
		RoleSlave:  {QualityHigh, QualityNone},
	},
	ProfileMasterMetadata: {
		RoleMaster: {QualityNone},
		RoleSlave:  {QualityHigh, QualityNone},
	},
}

// RoleQualities returns the qualities a role accepts under a profile.
// An unknown profile falls back to ProfileMasterLow.
func RoleQualities(role Role, profile Profile) []Quality {
	table, ok := roleQualities[profile]
	if !ok {
		table = roleQualities[ProfileMasterLow]
	}
	qualities := table[role]
	out := make([]Quality, len(qualities))
	copy(out, qualities)
	return out
}

// Subpaths locates each kind of content under a device's storage root.
type Subpaths struct {
	Video    string `json:"video" yaml:"video"`
	Image    string `json:"image" yaml:"image"`
	Manifest string `json:"manifest" yaml:"manifest"`
}

var DefaultSubpaths = Subpaths{
	Video:    "Video",
	Image:    "Image",
	Manifest: "new_data.json",
}

const DefaultStorageRoot = "/storage/emulated/0/Download/EldersVR"

// Device represents a transfer target.
type Device struct {
	Serial          string    `json:"serial"`
	Role            Role      `json:"role"`
	StorageRoot     string    `json:"storage_root"`
	QualityFilter   []Quality `json:"quality_filter"`
	ContentSubpaths Subpaths  `json:"content_subpaths"`
}

// NewDevice builds a device whose quality filter comes from the role table.
func NewDevice(serial string, role Role, storageRoot string, profile Profile) Device {
	if storageRoot == "" {
		storageRoot = DefaultStorageRoot
	}
	return Device{
		Serial:          serial,
		Role:            role,
		StorageRoot:     storageRoot,
		QualityFilter:   RoleQualities(role, profile),
		ContentSubpaths: DefaultSubpaths,
	}
}

// Accepts reports whether q is in the device's quality filter.
func (d Device) Accepts(q Quality) bool {
	for _, allowed := range d.QualityFilter {
		if allowed == q {
			return true
		}
	}
	return false
}

// DestinationPath returns where an asset lives on this device.
func (d Device) DestinationPath(a Asset) string {
	name := path.Base(a.RemoteRelativePath)
	switch {
	case a.Kind == KindVideo && d.ContentSubpaths.Video != "":
		return path.Join(d.StorageRoot, d.ContentSubpaths.Video, name)
	case a.Kind == KindImage && d.ContentSubpaths.Image != "":
		return path.Join(d.StorageRoot, d.ContentSubpaths.Image, name)
	case a.Kind == KindMetadata && d.ContentSubpaths.Manifest != "":
		return path.Join(d.StorageRoot, d.ContentSubpaths.Manifest)
	}
	return path.Join(d.StorageRoot, a.RemoteRelativePath)
}

// ContentDirs lists the device directories holding deployed files.
func (d Device) ContentDirs() []string {
	dirs := []string{d.StorageRoot}
	if d.ContentSubpaths.Video != "" {
		dirs = append(dirs, path.Join(d.StorageRoot, d.ContentSubpaths.Video))
	}
	if d.ContentSubpaths.Image != "" {
		dirs = append(dirs, path.Join(d.StorageRoot, d.ContentSubpaths.Image))
	}
	return dirs
}

func (d Device) String() string {
	return fmt.Sprintf("%s (%s)", d.Serial, d.Role)
}

// RemoteFile is the result of a stat on a device path.
type RemoteFile struct {
	Exists bool
	Size   int64
}

// Entry is one file in a device directory listing.
type Entry struct {
	Path string
	Size int64
}

package catalog

import (
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/eldersvr/onboard/pkg/types"
)

// ManifestAssetID identifies the manifest file itself in the catalog.
const ManifestAssetID = "manifest"

// Layout names the local and remote directories assets are filed under.
type Layout struct {
	CacheDir     string
	ManifestPath string
	Subpaths     types.Subpaths
}

// DefaultLayout caches under dir, with the manifest at dir/new_data.json.
func DefaultLayout(dir string) Layout {
	return Layout{
		CacheDir:     dir,
		ManifestPath: filepath.Join(dir, types.DefaultSubpaths.Manifest),
		Subpaths:     types.DefaultSubpaths,
	}
}

// Normalize expands a manifest into assets. Per video it yields the high
// and low encodes and the thumbnail; per tag with an image one image; and
// last the manifest itself. Entries without a key or URL are left out, so
// Validate is the place to surface them.
func Normalize(m *Manifest, layout Layout) []types.Asset {
	subpaths := layout.Subpaths
	if subpaths == (types.Subpaths{}) {
		subpaths = types.DefaultSubpaths
	}

	var assets []types.Asset
	add := func(a types.Asset) {
		a.LocalCachePath = CachePath(layout.CacheDir, a)
		assets = append(assets, a)
	}

	for _, v := range m.Videos {
		id := "video-" + v.ID.String()
		if v.FileKey != "" && v.FileURL != "" {
			add(types.Asset{
				ID:                 id,
				Kind:               types.KindVideo,
				Quality:            types.QualityHigh,
				SourceURL:          v.FileURL,
				ExpectedSize:       v.FileSize,
				Checksum:           v.FileChecksum,
				RemoteRelativePath: path.Join(subpaths.Video, path.Base(v.FileKey)),
			})
		}
		if v.FileKeyLow != "" && v.FileURLLow != "" {
			add(types.Asset{
				ID:                 id,
				Kind:               types.KindVideo,
				Quality:            types.QualityLow,
				SourceURL:          v.FileURLLow,
				ExpectedSize:       v.FileSizeLow,
				Checksum:           v.FileChecksumLow,
				RemoteRelativePath: path.Join(subpaths.Video, path.Base(v.FileKeyLow)),
			})
		}
		if v.ThumbnailKey != "" && v.ThumbnailURL != "" {
			add(types.Asset{
				ID:                 "thumb-" + v.ID.String(),
				Kind:               types.KindImage,
				Quality:            types.QualityNone,
				SourceURL:          v.ThumbnailURL,
				RemoteRelativePath: path.Join(subpaths.Image, path.Base(v.ThumbnailKey)),
			})
		}
	}

	for _, t := range m.Tags {
		if t.ImageURL == "" {
			continue
		}
		add(types.Asset{
			ID:                 "tag-" + t.ID.String(),
			Kind:               types.KindImage,
			Quality:            types.QualityNone,
			SourceURL:          t.ImageURL,
			RemoteRelativePath: path.Join(subpaths.Image, urlFileName(t.ImageURL)),
		})
	}

	manifest := types.Asset{
		ID:                 ManifestAssetID,
		Kind:               types.KindMetadata,
		Quality:            types.QualityNone,
		RemoteRelativePath: subpaths.Manifest,
	}
	manifest.LocalCachePath = layout.ManifestPath
	assets = append(assets, manifest)
	return assets
}

// CachePath is the local slot for an asset. It depends only on the asset's
// id, quality and file extension, so every run reuses the same slot.
func CachePath(cacheDir string, a types.Asset) string {
	ext := path.Ext(a.RemoteRelativePath)
	name := sanitize(a.ID) + ext
	switch a.Kind {
	case types.KindVideo:
		return filepath.Join(cacheDir, "videos", qualityDir(a.Quality), name)
	case types.KindImage:
		return filepath.Join(cacheDir, "images", name)
	}
	return filepath.Join(cacheDir, name)
}

func qualityDir(q types.Quality) string {
	if q == types.QualityNone {
		return "na"
	}
	return string(q)
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, id)
}

func urlFileName(raw string) string {
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		return path.Base(u.Path)
	}
	return path.Base(raw)
}

// Summary counts what a manifest will download.
type Summary struct {
	Videos         int
	Thumbnails     int
	TagImages      int
	EstimatedFiles int
}

// Summarize reports high and low encodes separately in Videos.
func Summarize(m *Manifest) Summary {
	s := Summary{
		Videos:     len(m.Videos) * 2,
		Thumbnails: len(m.Videos),
	}
	for _, t := range m.Tags {
		if t.ImageURL != "" {
			s.TagImages++
		}
	}
	s.EstimatedFiles = s.Videos + s.Thumbnails + s.TagImages
	return s
}

// Count tallies assets by kind and quality.
type Count struct {
	High, Low, Images, Metadata int
}

func CountAssets(assets []types.Asset) Count {
	var c Count
	for _, a := range assets {
		switch {
		case a.Kind == types.KindVideo && a.Quality == types.QualityHigh:
			c.High++
		case a.Kind == types.KindVideo && a.Quality == types.QualityLow:
			c.Low++
		case a.Kind == types.KindImage:
			c.Images++
		case a.Kind == types.KindMetadata:
			c.Metadata++
		}
	}
	return c
}

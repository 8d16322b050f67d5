// Package catalog turns the backend's content manifest into the ordered
// list of assets a deployment moves.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// LastModifiedLayout is the timestamp format the headset app expects.
const LastModifiedLayout = "01/02/2006 15:04:05"

// ManifestSource supplies the current manifest.
type ManifestSource interface {
	FetchManifest(ctx context.Context) (*Manifest, error)
}

// FlexString decodes a JSON string or number into a string. Backend ids
// arrive as numbers, the app's manifest stores them as strings.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id is neither string nor number: %s", data)
	}
	*f = FlexString(n.String())
	return nil
}

func (f FlexString) String() string { return string(f) }

// Manifest is the new_data.json document read by the headset app.
type Manifest struct {
	LastModified string  `json:"lastModified"`
	Videos       []Video `json:"videos"`
	Tags         []Tag   `json:"tags"`
}

// Video is one film in the manifest. Sizes and checksums are optional and
// only present when the backend publishes them.
type Video struct {
	ID           FlexString      `json:"id"`
	Title        string          `json:"title"`
	Description  string          `json:"description"`
	ThumbnailKey string          `json:"thumbnailKey"`
	ThumbnailURL string          `json:"thumbnailUrl"`
	FileKeyLow   string          `json:"fileKeyLow"`
	FileKey      string          `json:"fileKey"`
	FileURLLow   string          `json:"fileUrlLow"`
	FileURL      string          `json:"fileUrl"`
	IsActive     bool            `json:"isActive"`
	Tags         json.RawMessage `json:"tags"`

	FileSize        int64  `json:"fileSize,omitempty"`
	FileSizeLow     int64  `json:"fileSizeLow,omitempty"`
	FileChecksum    string `json:"fileChecksum,omitempty"`
	FileChecksumLow string `json:"fileChecksumLow,omitempty"`
}

// Tag is a category with an optional image.
type Tag struct {
	ID       FlexString `json:"id"`
	Name     string     `json:"name"`
	ImageURL string     `json:"imageUrl,omitempty"`
}

// Film is a film record as returned by the backend films endpoint.
type Film struct {
	ID                FlexString      `json:"id"`
	Title             string          `json:"title"`
	Description       string          `json:"description"`
	ThumbnailKey      string          `json:"thumbnailKey"`
	ThumbnailURL      string          `json:"thumbnailUrl"`
	LowQualityFileKey string          `json:"lowQualityFileKey"`
	FileKey           string          `json:"fileKey"`
	LowQualityFileURL string          `json:"lowQualityFileUrl"`
	FileURL           string          `json:"fileUrl"`
	IsActive          bool            `json:"isActive"`
	Tags              json.RawMessage `json:"tags,omitempty"`

	FileSize               int64  `json:"fileSize,omitempty"`
	LowQualityFileSize     int64  `json:"lowQualityFileSize,omitempty"`
	FileChecksum           string `json:"fileChecksum,omitempty"`
	LowQualityFileChecksum string `json:"lowQualityFileChecksum,omitempty"`
}

// Films is the payload of the films endpoint.
type Films struct {
	Films []Film `json:"films"`
}

var ErrMissingPayload = errors.New("films and tags payloads are required")

// BuildManifest converts backend payloads into the app's manifest format.
// Empty lists are accepted; nil payloads are not.
func BuildManifest(films *Films, tags []Tag, now time.Time) (*Manifest, error) {
	if films == nil || tags == nil {
		return nil, ErrMissingPayload
	}

	m := &Manifest{
		LastModified: now.Format(LastModifiedLayout),
		Videos:       make([]Video, 0, len(films.Films)),
		Tags:         tags,
	}
	for _, film := range films.Films {
		filmTags := film.Tags
		if len(filmTags) == 0 {
			filmTags = json.RawMessage("[]")
		}
		m.Videos = append(m.Videos, Video{
			ID:              film.ID,
			Title:           film.Title,
			Description:     film.Description,
			ThumbnailKey:    film.ThumbnailKey,
			ThumbnailURL:    film.ThumbnailURL,
			FileKeyLow:      film.LowQualityFileKey,
			FileKey:         film.FileKey,
			FileURLLow:      film.LowQualityFileURL,
			FileURL:         film.FileURL,
			IsActive:        film.IsActive,
			Tags:            filmTags,
			FileSize:        film.FileSize,
			FileSizeLow:     film.LowQualityFileSize,
			FileChecksum:    film.FileChecksum,
			FileChecksumLow: film.LowQualityFileChecksum,
		})
	}
	return m, nil
}

// Encode renders the manifest the way the app expects it on disk.
func (m *Manifest) Encode() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(m); err != nil {
		return nil, fmt.Errorf("encoding manifest: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteFile writes the manifest to path, replacing any previous copy only
// once the new one is fully on disk.
func (m *Manifest) WriteFile(path string) error {
	data, err := m.Encode()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating manifest directory: %w", err)
	}
	tmp := path + ".part"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("writing manifest: %w", err)
	}
	return nil
}

// LoadManifestFile reads a manifest previously written by WriteFile.
func LoadManifestFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", path, err)
	}
	return &m, nil
}

// FileSource serves a manifest from local disk.
type FileSource struct {
	Path string
}

func (s FileSource) FetchManifest(ctx context.Context) (*Manifest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return LoadManifestFile(s.Path)
}

var (
	requiredManifestKeys = []string{"lastModified", "videos", "tags"}
	requiredVideoKeys    = []string{"id", "title", "description", "thumbnailKey", "thumbnailUrl", "fileKeyLow", "fileKey", "fileUrlLow", "fileUrl", "isActive", "tags"}
	requiredTagKeys      = []string{"id", "name"}
)

// Validate checks a raw manifest document for missing keys. The issues are
// advisory; the engine trusts the backend's schema beyond this.
func Validate(data []byte) []string {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return []string{"manifest is not a JSON object: " + err.Error()}
	}

	var issues []string
	for _, key := range requiredManifestKeys {
		if _, ok := doc[key]; !ok {
			issues = append(issues, "Missing required key: "+key)
		}
	}
	issues = append(issues, validateList(doc["videos"], "Video", requiredVideoKeys)...)
	issues = append(issues, validateList(doc["tags"], "Tag", requiredTagKeys)...)
	return issues
}

func validateList(raw json.RawMessage, label string, required []string) []string {
	if raw == nil {
		return nil
	}
	var items []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return []string{label + " list is malformed: " + err.Error()}
	}

	var issues []string
	for i, item := range items {
		var missing []string
		for _, key := range required {
			if _, ok := item[key]; !ok {
				missing = append(missing, "Missing key: "+key)
			}
		}
		if len(missing) > 0 {
			issues = append(issues, label+" "+strconv.Itoa(i)+": "+strings.Join(missing, ", "))
		}
	}
	return issues
}

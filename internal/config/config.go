// Package config loads the onboarding tool's settings file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/eldersvr/onboard/pkg/types"
	"gopkg.in/yaml.v3"
)

// Environment variables consulted by Load.
const (
	EnvToken    = "ELDERSVR_TOKEN"
	EnvPassword = "ELDERSVR_PASSWORD"
	EnvAPIURL   = "ELDERSVR_API_URL"
)

// DefaultFileName is the settings file looked up in the working directory.
const DefaultFileName = "eldersvr_config.json"

type Config struct {
	Backend  Backend        `json:"backend" yaml:"backend"`
	Auth     Auth           `json:"auth" yaml:"auth"`
	Paths    Paths          `json:"paths" yaml:"paths"`
	Devices  Devices        `json:"devices" yaml:"devices"`
	Download Download       `json:"download" yaml:"download"`
	Profile  types.Profile  `json:"profile" yaml:"profile"`
	Subpaths types.Subpaths `json:"subpaths" yaml:"subpaths"`
}

type Backend struct {
	APIURL        string `json:"api_url" yaml:"api_url"`
	AuthEndpoint  string `json:"auth_endpoint" yaml:"auth_endpoint"`
	TagsEndpoint  string `json:"tags_endpoint" yaml:"tags_endpoint"`
	FilmsEndpoint string `json:"films_endpoint" yaml:"films_endpoint"`
	// Token is never written back to disk.
	Token string `json:"-" yaml:"-"`
}

// Auth holds the login identity. The password only comes from the
// environment.
type Auth struct {
	Email    string `json:"email" yaml:"email"`
	Password string `json:"-" yaml:"-"`
}

type Paths struct {
	LocalDownloads string `json:"local_downloads" yaml:"local_downloads"`
	DevicePath     string `json:"device_path" yaml:"device_path"`
	JSONFilename   string `json:"json_filename" yaml:"json_filename"`
	// StateDB is the sqlite cache index and history; defaults under
	// LocalDownloads.
	StateDB string `json:"state_db,omitempty" yaml:"state_db,omitempty"`
}

type Devices struct {
	MasterSerial string `json:"master_serial" yaml:"master_serial"`
	SlaveSerial  string `json:"slave_serial" yaml:"slave_serial"`
}

type Download struct {
	MaxWorkers     int `json:"max_workers" yaml:"max_workers"`
	RetryAttempts  int `json:"retry_attempts" yaml:"retry_attempts"`
	TimeoutSeconds int `json:"timeout_seconds" yaml:"timeout_seconds"`
}

func DefaultConfig() *Config {
	return &Config{
		Backend: Backend{
			APIURL:        "https://api.eldersvr.com",
			AuthEndpoint:  "/integration/auth/login",
			TagsEndpoint:  "/integration/tags",
			FilmsEndpoint: "/integration/films",
		},
		Paths: Paths{
			LocalDownloads: "./downloads",
			DevicePath:     types.DefaultStorageRoot,
			JSONFilename:   types.DefaultSubpaths.Manifest,
		},
		Download: Download{
			MaxWorkers:     5,
			RetryAttempts:  3,
			TimeoutSeconds: 60,
		},
		Profile:  types.ProfileMasterLow,
		Subpaths: types.DefaultSubpaths,
	}
}

// SearchPaths lists the files Load tries, in order, when no explicit path
// is given.
func SearchPaths() []string {
	paths := []string{DefaultFileName}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".eldersvr", "config.json"))
	}
	return append(paths, "/etc/eldersvr/config.json")
}

// Load reads path, or the first existing file from SearchPaths when path
// is empty. Missing files fall back to defaults; an explicit path must
// exist. It returns the file actually read, empty for defaults.
func Load(path string) (*Config, string, error) {
	cfg := DefaultConfig()

	candidates := SearchPaths()
	if path != "" {
		candidates = []string{path}
	}

	var used string
	for _, candidate := range candidates {
		data, err := os.ReadFile(candidate)
		if errors.Is(err, os.ErrNotExist) && path == "" {
			continue
		}
		if err != nil {
			return nil, "", fmt.Errorf("reading config: %w", err)
		}
		// YAML is a superset of JSON, so the original JSON files load too.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, "", fmt.Errorf("parsing config %s: %w", candidate, err)
		}
		used = candidate
		break
	}

	cfg.applyEnv()
	cfg.fillDefaults()
	return cfg, used, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvToken); v != "" {
		c.Backend.Token = v
	}
	if v := os.Getenv(EnvPassword); v != "" {
		c.Auth.Password = v
	}
	if v := os.Getenv(EnvAPIURL); v != "" {
		c.Backend.APIURL = v
	}
}

// fillDefaults restores zero values a partial file left behind.
func (c *Config) fillDefaults() {
	d := DefaultConfig()
	if c.Paths.LocalDownloads == "" {
		c.Paths.LocalDownloads = d.Paths.LocalDownloads
	}
	if c.Paths.DevicePath == "" {
		c.Paths.DevicePath = d.Paths.DevicePath
	}
	if c.Paths.JSONFilename == "" {
		c.Paths.JSONFilename = d.Paths.JSONFilename
	}
	if c.Profile == "" {
		c.Profile = d.Profile
	}
	if c.Subpaths.Video == "" {
		c.Subpaths.Video = d.Subpaths.Video
	}
	if c.Subpaths.Image == "" {
		c.Subpaths.Image = d.Subpaths.Image
	}
	c.Subpaths.Manifest = c.Paths.JSONFilename
}

// Save writes the config as JSON when path ends in ".json" and as YAML
// otherwise. Secrets are never written.
func (c *Config) Save(path string) error {
	var data []byte
	var err error
	if strings.EqualFold(filepath.Ext(path), ".json") {
		data, err = json.MarshalIndent(c, "", "  ")
		data = append(data, '\n')
	} else {
		data, err = yaml.Marshal(c)
	}
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// UpdateDevices stores new headset serials in the file at path, creating
// it when missing. Other settings are kept as the file has them; values
// from the environment are never written.
func UpdateDevices(path string, d Devices) error {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return fmt.Errorf("reading config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	cfg.fillDefaults()
	cfg.Devices = d
	return cfg.Save(path)
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var problems []string

	if u, err := url.Parse(c.Backend.APIURL); err != nil || u.Scheme == "" || u.Host == "" {
		problems = append(problems, fmt.Sprintf("backend.api_url %q is not an absolute URL", c.Backend.APIURL))
	}
	switch c.Profile {
	case types.ProfileMasterLow, types.ProfileMasterMetadata:
	default:
		problems = append(problems, fmt.Sprintf("profile %q is not one of %s, %s", c.Profile, types.ProfileMasterLow, types.ProfileMasterMetadata))
	}
	if c.Download.MaxWorkers < 1 {
		problems = append(problems, "download.max_workers must be at least 1")
	}
	if c.Download.RetryAttempts < 0 {
		problems = append(problems, "download.retry_attempts must not be negative")
	}
	if c.Download.TimeoutSeconds < 1 {
		problems = append(problems, "download.timeout_seconds must be at least 1")
	}
	if !strings.HasPrefix(c.Paths.DevicePath, "/") {
		problems = append(problems, fmt.Sprintf("paths.device_path %q must be absolute", c.Paths.DevicePath))
	}
	if c.Devices.MasterSerial != "" && c.Devices.MasterSerial == c.Devices.SlaveSerial {
		problems = append(problems, "devices.master_serial and devices.slave_serial must differ")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// StatePath is where the sqlite state database lives.
func (c *Config) StatePath() string {
	if c.Paths.StateDB != "" {
		return c.Paths.StateDB
	}
	return filepath.Join(c.Paths.LocalDownloads, ".onboard", "state.db")
}

// ManifestPath is the local copy of the manifest.
func (c *Config) ManifestPath() string {
	return filepath.Join(c.Paths.LocalDownloads, c.Paths.JSONFilename)
}

// DeviceList builds the configured devices, master first. Devices with
// no serial are left out.
func (c *Config) DeviceList() []types.Device {
	var devices []types.Device
	add := func(serial string, role types.Role) {
		if serial == "" {
			return
		}
		d := types.NewDevice(serial, role, c.Paths.DevicePath, c.Profile)
		d.ContentSubpaths = c.Subpaths
		devices = append(devices, d)
	}
	add(c.Devices.MasterSerial, types.RoleMaster)
	add(c.Devices.SlaveSerial, types.RoleSlave)
	return devices
}

package adb

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/eldersvr/onboard/pkg/types"
)

// DeviceInfo is one line of `adb devices -l`.
type DeviceInfo struct {
	Serial  string
	State   string
	Model   string
	Product string
}

// Ready reports whether the device accepts commands.
func (d DeviceInfo) Ready() bool { return d.State == "device" }

// StorageInfo describes the filesystem holding the content root.
type StorageInfo struct {
	TotalBytes     int64
	UsedBytes      int64
	AvailableBytes int64
	ContentBytes   int64 // bytes under the content root
}

// Shell implements the transfer package's device API over adb.
type Shell struct {
	runner      Runner
	logger      *slog.Logger
	opTimeout   time.Duration
	pushTimeout time.Duration
}

func NewShell(runner Runner, logger *slog.Logger) *Shell {
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Shell{
		runner:      runner,
		logger:      logger,
		opTimeout:   30 * time.Second,
		pushTimeout: 5 * time.Minute,
	}
}

func (s *Shell) run(ctx context.Context, timeout time.Duration, args ...string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.logger.Debug("adb", "args", args)
	result, err := s.runner.Run(ctx, args...)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("adb %s: %w: timed out after %s", args[0], types.ErrDeviceUnavailable, timeout)
		}
		return nil, err
	}
	return result, nil
}

// shell runs a command line on the device.
func (s *Shell) shell(ctx context.Context, serial, command string) (*Result, error) {
	return s.run(ctx, s.opTimeout, "-s", serial, "shell", command)
}

// Version checks that adb can be executed.
func (s *Shell) Version(ctx context.Context) (string, error) {
	result, err := s.run(ctx, 10*time.Second, "version")
	if err != nil {
		return "", err
	}
	if result.ExitCode != 0 {
		return "", fmt.Errorf("adb version: %s", result.Combined())
	}
	line, _, _ := strings.Cut(result.Stdout, "\n")
	return strings.TrimSpace(line), nil
}

// Devices lists attached devices in every state.
func (s *Shell) Devices(ctx context.Context) ([]DeviceInfo, error) {
	result, err := s.run(ctx, s.opTimeout, "devices", "-l")
	if err != nil {
		return nil, err
	}
	if result.ExitCode != 0 {
		return nil, fmt.Errorf("adb devices: %s", result.Combined())
	}
	return parseDevices(result.Stdout), nil
}

func parseDevices(out string) []DeviceInfo {
	var devices []DeviceInfo
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "List of devices") || strings.HasPrefix(line, "*") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		info := DeviceInfo{Serial: fields[0], State: fields[1], Model: "Unknown", Product: "Unknown"}
		for _, field := range fields[2:] {
			key, value, ok := strings.Cut(field, ":")
			if !ok {
				continue
			}
			switch key {
			case "model":
				info.Model = value
			case "product":
				info.Product = value
			}
		}
		devices = append(devices, info)
	}
	return devices
}

// Stat reports whether path exists on the device and its size.
func (s *Shell) Stat(ctx context.Context, serial, p string) (types.RemoteFile, error) {
	result, err := s.shell(ctx, serial, "stat -c %s "+Quote(p))
	if err != nil {
		return types.RemoteFile{}, err
	}
	if err := deviceError(serial, result); err != nil {
		return types.RemoteFile{}, err
	}
	if result.ExitCode != 0 {
		if isNotExist(result.Combined()) {
			return types.RemoteFile{}, nil
		}
		return types.RemoteFile{}, fmt.Errorf("stat %s on %s: %s", p, serial, result.Combined())
	}
	size, err := strconv.ParseInt(strings.TrimSpace(result.Stdout), 10, 64)
	if err != nil {
		return types.RemoteFile{}, fmt.Errorf("stat %s on %s: unexpected output %q", p, serial, result.Stdout)
	}
	return types.RemoteFile{Exists: true, Size: size}, nil
}

// Checksum returns the sha256 hex digest of a file on the device.
func (s *Shell) Checksum(ctx context.Context, serial, p string) (string, error) {
	result, err := s.shell(ctx, serial, "sha256sum "+Quote(p))
	if err != nil {
		return "", err
	}
	if err := deviceError(serial, result); err != nil {
		return "", err
	}
	if result.ExitCode != 0 {
		return "", fmt.Errorf("sha256sum %s on %s: %s", p, serial, result.Combined())
	}
	fields := strings.Fields(result.Stdout)
	if len(fields) == 0 || len(fields[0]) != 64 {
		return "", fmt.Errorf("sha256sum %s on %s: unexpected output %q", p, serial, result.Stdout)
	}
	return strings.ToLower(fields[0]), nil
}

// Push copies a local file to the device.
func (s *Shell) Push(ctx context.Context, serial, localPath, remotePath string) error {
	result, err := s.run(ctx, s.pushTimeout, "-s", serial, "push", localPath, remotePath)
	if err != nil {
		return err
	}
	if err := deviceError(serial, result); err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("push %s to %s: %s", localPath, serial, result.Combined())
	}
	return nil
}

// Delete removes a file. Removing a missing file is not an error.
func (s *Shell) Delete(ctx context.Context, serial, p string) error {
	result, err := s.shell(ctx, serial, "rm -f "+Quote(p))
	if err != nil {
		return err
	}
	if err := deviceError(serial, result); err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("rm %s on %s: %s", p, serial, result.Combined())
	}
	return nil
}

// List returns the regular files directly inside dir. A missing directory
// lists as empty.
func (s *Shell) List(ctx context.Context, serial, dir string) ([]types.Entry, error) {
	command := "find " + Quote(dir) + " -maxdepth 1 -type f -exec stat -c '%s %n' {} +"
	result, err := s.shell(ctx, serial, command)
	if err != nil {
		return nil, err
	}
	if err := deviceError(serial, result); err != nil {
		return nil, err
	}
	if result.ExitCode != 0 {
		if isNotExist(result.Combined()) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing %s on %s: %s", dir, serial, result.Combined())
	}
	return parseListing(result.Stdout), nil
}

func parseListing(out string) []types.Entry {
	var entries []types.Entry
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		sizeField, name, ok := strings.Cut(strings.TrimRight(scanner.Text(), "\r"), " ")
		if !ok {
			continue
		}
		size, err := strconv.ParseInt(sizeField, 10, 64)
		if err != nil {
			continue
		}
		entries = append(entries, types.Entry{Path: name, Size: size})
	}
	return entries
}

// EnsureLayout creates the content root and its subdirectories.
func (s *Shell) EnsureLayout(ctx context.Context, device types.Device) error {
	dirs := make([]string, 0, 3)
	for _, dir := range device.ContentDirs() {
		dirs = append(dirs, Quote(dir))
	}
	result, err := s.shell(ctx, device.Serial, "mkdir -p "+strings.Join(dirs, " "))
	if err != nil {
		return err
	}
	if err := deviceError(device.Serial, result); err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("creating %s on %s: %s", device.StorageRoot, device.Serial, result.Combined())
	}
	return nil
}

// StorageInfo reports free space on the filesystem holding root and how
// much the content under root occupies.
func (s *Shell) StorageInfo(ctx context.Context, serial, root string) (StorageInfo, error) {
	var info StorageInfo

	result, err := s.shell(ctx, serial, "df -k "+Quote(path.Dir(root)))
	if err != nil {
		return info, err
	}
	if err := deviceError(serial, result); err != nil {
		return info, err
	}
	if result.ExitCode != 0 {
		return info, fmt.Errorf("df on %s: %s", serial, result.Combined())
	}
	if info, err = parseDF(result.Stdout); err != nil {
		return info, fmt.Errorf("df on %s: %w", serial, err)
	}

	result, err = s.shell(ctx, serial, "du -sk "+Quote(root))
	if err != nil {
		return info, err
	}
	if result.ExitCode == 0 {
		field, _, _ := strings.Cut(strings.TrimSpace(result.Stdout), "\t")
		if kb, err := strconv.ParseInt(strings.TrimSpace(field), 10, 64); err == nil {
			info.ContentBytes = kb * 1024
		}
	}
	return info, nil
}

// parseDF reads the first data row of `df -k`.
func parseDF(out string) (StorageInfo, error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 2 {
		return StorageInfo{}, fmt.Errorf("unexpected df output %q", out)
	}
	fields := strings.Fields(lines[1])
	if len(fields) < 4 {
		return StorageInfo{}, fmt.Errorf("unexpected df row %q", lines[1])
	}
	var kb [3]int64
	for i := range kb {
		v, err := strconv.ParseInt(fields[i+1], 10, 64)
		if err != nil {
			return StorageInfo{}, fmt.Errorf("unexpected df row %q", lines[1])
		}
		kb[i] = v
	}
	return StorageInfo{TotalBytes: kb[0] * 1024, UsedBytes: kb[1] * 1024, AvailableBytes: kb[2] * 1024}, nil
}

package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eldersvr/onboard/internal/adb"
	"github.com/eldersvr/onboard/internal/backend"
	"github.com/eldersvr/onboard/internal/catalog"
	"github.com/eldersvr/onboard/internal/clock"
	"github.com/eldersvr/onboard/internal/conflict"
	"github.com/eldersvr/onboard/internal/deploy"
	"github.com/eldersvr/onboard/internal/download"
	"github.com/eldersvr/onboard/internal/storage"
	"github.com/eldersvr/onboard/internal/transfer"
	"github.com/eldersvr/onboard/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeADB answers the adb invocations the shell makes, backed by an
// in-memory filesystem per device. Devices with a capacity refuse pushes
// that would exceed it.
type fakeADB struct {
	mu       sync.Mutex
	files    map[string]map[string]int64
	capacity map[string]int64
}

func newFakeADB(serials ...string) *fakeADB {
	f := &fakeADB{files: make(map[string]map[string]int64), capacity: make(map[string]int64)}
	for _, s := range serials {
		f.files[s] = make(map[string]int64)
	}
	return f
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	return strings.ReplaceAll(strings.Trim(s, "'"), `'\''`, "'")
}

func (f *fakeADB) Run(_ context.Context, args ...string) (*adb.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(args) < 3 || args[0] != "-s" {
		return &adb.Result{Stderr: "unsupported: " + strings.Join(args, " "), ExitCode: 1}, nil
	}
	serial := args[1]
	files, ok := f.files[serial]
	if !ok {
		return &adb.Result{Stderr: fmt.Sprintf("error: device '%s' not found", serial), ExitCode: 1}, nil
	}

	switch args[2] {
	case "push":
		info, err := os.Stat(args[3])
		if err != nil {
			return &adb.Result{Stderr: "adb: error: cannot stat '" + args[3] + "'", ExitCode: 1}, nil
		}
		if limit, ok := f.capacity[serial]; ok {
			var used int64
			for p, size := range files {
				if p != args[4] {
					used += size
				}
			}
			if used+info.Size() > limit {
				return &adb.Result{Stderr: "adb: error: failed to copy '" + args[3] + "': No space left on device", ExitCode: 1}, nil
			}
		}
		files[args[4]] = info.Size()
		return &adb.Result{Stdout: args[3] + ": 1 file pushed, 0 skipped."}, nil

	case "shell":
		command := args[3]
		switch {
		case strings.HasPrefix(command, "stat -c %s "):
			p := unquote(strings.TrimPrefix(command, "stat -c %s "))
			size, ok := files[p]
			if !ok {
				return &adb.Result{Stderr: "stat: '" + p + "': No such file or directory", ExitCode: 1}, nil
			}
			return &adb.Result{Stdout: fmt.Sprintf("%d\n", size)}, nil
		case strings.HasPrefix(command, "rm -f "):
			delete(files, unquote(strings.TrimPrefix(command, "rm -f ")))
			return &adb.Result{}, nil
		case strings.HasPrefix(command, "mkdir -p "):
			return &adb.Result{}, nil
		case strings.HasPrefix(command, "find "):
			dir, _, _ := strings.Cut(strings.TrimPrefix(command, "find "), " -maxdepth")
			dir = unquote(dir)
			var lines []string
			for p, size := range files {
				if path.Dir(p) == dir {
					lines = append(lines, fmt.Sprintf("%d %s\r", size, p))
				}
			}
			sort.Strings(lines)
			return &adb.Result{Stdout: strings.Join(lines, "\n")}, nil
		}
	}
	return &adb.Result{Stderr: "unsupported: " + strings.Join(args, " "), ExitCode: 1}, nil
}

func (f *fakeADB) size(serial, p string) (int64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	size, ok := f.files[serial][p]
	return size, ok
}

func newContentBackend(t *testing.T) *httptest.Server {
	t.Helper()
	content := map[string]string{
		"/cdn/films/reef.mp4":     strings.Repeat("H", 4096),
		"/cdn/films/reef_low.mp4": strings.Repeat("L", 1024),
		"/cdn/thumbs/reef.jpg":    strings.Repeat("T", 256),
		"/cdn/tags/nature.png":    strings.Repeat("N", 128),
	}

	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("POST /integration/auth/login", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success": true, "data": {"success": true, "accessToken": "tok"}}`))
	})
	mux.HandleFunc("GET /integration/tags", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"success": true, "data": [{"id": 7, "name": "Nature", "imageUrl": "%s/cdn/tags/nature.png"}]}`, srv.URL)
	})
	mux.HandleFunc("GET /integration/films", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"success": true, "data": {"films": [{
			"id": 12, "title": "Reef", "isActive": true,
			"thumbnailKey": "thumbs/reef.jpg", "thumbnailUrl": "%[1]s/cdn/thumbs/reef.jpg",
			"lowQualityFileKey": "films/reef_low.mp4", "lowQualityFileUrl": "%[1]s/cdn/films/reef_low.mp4",
			"fileKey": "films/reef.mp4", "fileUrl": "%[1]s/cdn/films/reef.mp4",
			"fileSize": 4096, "lowQualityFileSize": 1024
		}]}}`, srv.URL)
	})
	mux.HandleFunc("GET /cdn/", func(w http.ResponseWriter, r *http.Request) {
		body, ok := content[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(body))
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type pipeline struct {
	engine  *deploy.Engine
	adb     *fakeADB
	store   *storage.Store
	layout  catalog.Layout
	devices []types.Device
}

func newPipeline(t *testing.T, resolver *conflict.Resolver) *pipeline {
	t.Helper()
	srv := newContentBackend(t)
	clk := clock.Fake(time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC))

	client := backend.NewClient(backend.Config{BaseURL: srv.URL, Client: srv.Client(), Clock: clk})
	require.NoError(t, client.Login(context.Background(), "ops@example.com", "secret"))

	store, err := storage.NewStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	p := &pipeline{
		adb:    newFakeADB("MASTER1", "SLAVE1"),
		store:  store,
		layout: catalog.DefaultLayout(t.TempDir()),
		devices: []types.Device{
			types.NewDevice("MASTER1", types.RoleMaster, "/sdcard/EldersVR", types.ProfileMasterLow),
			types.NewDevice("SLAVE1", types.RoleSlave, "/sdcard/EldersVR", types.ProfileMasterLow),
		},
	}
	p.engine = deploy.NewEngine(deploy.Config{
		Source:   client,
		Layout:   p.layout,
		HTTP:     srv.Client(),
		Shell:    adb.NewShell(p.adb, nil),
		Resolver: resolver,
		Store:    store,
		Clock:    clk,
	})
	return p
}

func TestBackendToHeadsetsIntegration(t *testing.T) {
	p := newPipeline(t, nil)

	report, err := p.engine.Deploy(context.Background(), p.devices, deploy.Options{
		Download:   download.DefaultOptions(),
		Transfer:   transfer.Options{Verify: true, ConcurrentDevices: true},
		WatchCache: true,
	})
	require.NoError(t, err)
	assert.Equal(t, deploy.ExitOK, report.ExitCode())
	assert.Equal(t, deploy.DownloadCounts{Succeeded: 4}, report.Downloaded())

	// Master: low encode, thumbnail, tag image, manifest. Slave: high
	// encode instead of low.
	transferred := report.Transferred()
	assert.Equal(t, transfer.Counts{Transferred: 4}, transferred["MASTER1"])
	assert.Equal(t, transfer.Counts{Transferred: 4}, transferred["SLAVE1"])

	size, ok := p.adb.size("SLAVE1", "/sdcard/EldersVR/Video/reef.mp4")
	require.True(t, ok)
	assert.Equal(t, int64(4096), size)
	_, ok = p.adb.size("MASTER1", "/sdcard/EldersVR/Video/reef.mp4")
	assert.False(t, ok)
	_, ok = p.adb.size("MASTER1", "/sdcard/EldersVR/Image/nature.png")
	assert.True(t, ok)

	for _, v := range report.Transfer.Verifications {
		assert.True(t, v.Complete(), "device %s", v.Serial)
	}

	entries, err := p.store.ListCacheEntries()
	require.NoError(t, err)
	assert.Len(t, entries, 4)
	assert.Zero(t, report.Evicted)
}

func TestFullDeviceStopsOnlyThatDevice(t *testing.T) {
	p := newPipeline(t, nil)
	p.adb.capacity["SLAVE1"] = 3000

	report, err := p.engine.Deploy(context.Background(), p.devices, deploy.Options{})
	require.NoError(t, err)
	assert.Equal(t, deploy.ExitFailure, report.ExitCode())

	transferred := report.Transferred()
	assert.Equal(t, transfer.Counts{Transferred: 4}, transferred["MASTER1"])
	assert.Equal(t, transfer.Counts{Failed: 4}, transferred["SLAVE1"])

	slave := report.Transfer.Device("SLAVE1")
	require.NotNil(t, slave)
	assert.ErrorIs(t, slave.Err, types.ErrStorageExhausted)
	for _, task := range slave.Tasks {
		assert.Equal(t, "storage exhausted", task.Reason)
	}

	status, err := deploy.LastStatus(p.store)
	require.NoError(t, err)
	assert.Len(t, status.Failed, 4)
}

func TestConflictingDeviceFileIsOverwritten(t *testing.T) {
	scripted := conflict.NewScripted(types.DecisionOverwrite)
	p := newPipeline(t, conflict.NewResolver(scripted))
	p.adb.files["MASTER1"]["/sdcard/EldersVR/Image/reef.jpg"] = 999

	report, err := p.engine.Deploy(context.Background(), p.devices, deploy.Options{
		Transfer: transfer.Options{DeviceScope: transfer.MasterOnly},
	})
	require.NoError(t, err)
	assert.Equal(t, deploy.ExitOK, report.ExitCode())
	assert.Equal(t, transfer.Counts{Transferred: 3, Overwritten: 1}, report.Transferred()["MASTER1"])
	assert.Nil(t, report.Transfer.Device("SLAVE1"))
	require.Len(t, scripted.Asked(), 1)

	size, _ := p.adb.size("MASTER1", "/sdcard/EldersVR/Image/reef.jpg")
	assert.Equal(t, int64(256), size)
}

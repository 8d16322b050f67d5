package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/eldersvr/onboard/internal/conflict"
	"github.com/eldersvr/onboard/internal/progress"
	"github.com/eldersvr/onboard/internal/storage"
	"github.com/eldersvr/onboard/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeShell keeps device filesystems in memory.
type fakeShell struct {
	mu          sync.Mutex
	files       map[string]map[string]int64
	unavailable map[string]bool
	full        map[string]bool
	// shortPushes makes the next n pushes of a path land truncated.
	shortPushes map[string]int
	pushes      []string
	deletes     []string
	layouts     []string
	// onPush runs after each successful push, outside the lock.
	onPush func(serial, remote string)
}

func newFakeShell() *fakeShell {
	return &fakeShell{
		files:       make(map[string]map[string]int64),
		unavailable: make(map[string]bool),
		full:        make(map[string]bool),
		shortPushes: make(map[string]int),
	}
}

func (f *fakeShell) put(serial, p string, size int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.files[serial] == nil {
		f.files[serial] = make(map[string]int64)
	}
	f.files[serial][p] = size
}

func (f *fakeShell) check(serial string) error {
	if f.unavailable[serial] {
		return fmt.Errorf("adb -s %s: %w", serial, types.ErrDeviceUnavailable)
	}
	return nil
}

func (f *fakeShell) Stat(_ context.Context, serial, p string) (types.RemoteFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(serial); err != nil {
		return types.RemoteFile{}, err
	}
	size, ok := f.files[serial][p]
	return types.RemoteFile{Exists: ok, Size: size}, nil
}

func (f *fakeShell) Push(_ context.Context, serial, local, remote string) error {
	info, err := os.Stat(local)
	if err != nil {
		return err
	}

	f.mu.Lock()
	if err := f.check(serial); err != nil {
		f.mu.Unlock()
		return err
	}
	if f.full[serial] {
		f.mu.Unlock()
		return fmt.Errorf("push %s: %w", remote, types.ErrStorageExhausted)
	}
	size := info.Size()
	if f.shortPushes[remote] > 0 {
		f.shortPushes[remote]--
		size /= 2
	}
	if f.files[serial] == nil {
		f.files[serial] = make(map[string]int64)
	}
	f.files[serial][remote] = size
	f.pushes = append(f.pushes, serial+":"+remote)
	hook := f.onPush
	f.mu.Unlock()

	if hook != nil {
		hook(serial, remote)
	}
	return nil
}

func (f *fakeShell) Delete(_ context.Context, serial, p string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(serial); err != nil {
		return err
	}
	delete(f.files[serial], p)
	f.deletes = append(f.deletes, serial+":"+p)
	return nil
}

func (f *fakeShell) List(_ context.Context, serial, dir string) ([]types.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(serial); err != nil {
		return nil, err
	}
	var entries []types.Entry
	for p, size := range f.files[serial] {
		if path.Dir(p) == dir {
			entries = append(entries, types.Entry{Path: p, Size: size})
		}
	}
	return entries, nil
}

func (f *fakeShell) EnsureLayout(_ context.Context, device types.Device) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(device.Serial); err != nil {
		return err
	}
	f.layouts = append(f.layouts, device.Serial)
	return nil
}

func (f *fakeShell) pushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pushes)
}

type fixture struct {
	dir     string
	master  types.Device
	slave   types.Device
	catalog []types.Asset
}

// newFixture caches two videos (high and low encodes), one image and the
// manifest on local disk.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	fx := &fixture{
		dir:    dir,
		master: types.NewDevice("MASTER1", types.RoleMaster, "", types.ProfileMasterLow),
		slave:  types.NewDevice("SLAVE1", types.RoleSlave, "", types.ProfileMasterLow),
	}

	add := func(id string, kind types.Kind, q types.Quality, remote string, size int) {
		local := filepath.Join(dir, id+"-"+string(kind)+"-"+path.Base(remote))
		require.NoError(t, os.WriteFile(local, make([]byte, size), 0644))
		fx.catalog = append(fx.catalog, types.Asset{
			ID:                 id,
			Kind:               kind,
			Quality:            q,
			LocalCachePath:     local,
			ExpectedSize:       int64(size),
			RemoteRelativePath: remote,
		})
	}
	add("video-1", types.KindVideo, types.QualityHigh, "Video/one.mp4", 4000)
	add("video-1", types.KindVideo, types.QualityLow, "Video/one_low.mp4", 1000)
	add("video-2", types.KindVideo, types.QualityHigh, "Video/two.mp4", 5000)
	add("video-2", types.KindVideo, types.QualityLow, "Video/two_low.mp4", 1200)
	add("thumb-1", types.KindImage, types.QualityNone, "Image/one.jpg", 300)
	add("manifest", types.KindMetadata, types.QualityNone, "new_data.json", 120)
	return fx
}

func (fx *fixture) devices() []types.Device {
	return []types.Device{fx.master, fx.slave}
}

func destinations(tasks []*types.TransferTask) []string {
	var out []string
	for _, task := range tasks {
		out = append(out, task.DestinationPath)
	}
	sort.Strings(out)
	return out
}

func TestTwoDeviceDeployment(t *testing.T) {
	fx := newFixture(t)
	shell := newFakeShell()
	agg := progress.NewAggregator(nil)
	m := NewManager(Config{Shell: shell, Progress: agg})

	report, err := m.Transfer(context.Background(), fx.devices(), fx.catalog, Options{Verify: true})
	require.NoError(t, err)

	root := types.DefaultStorageRoot
	master := report.Device("MASTER1")
	require.NotNil(t, master)
	assert.Equal(t, []string{
		root + "/Image/one.jpg",
		root + "/Video/one_low.mp4",
		root + "/Video/two_low.mp4",
		root + "/new_data.json",
	}, destinations(master.Tasks))
	assert.Equal(t, Counts{Transferred: 4}, master.Counts())

	slave := report.Device("SLAVE1")
	require.NotNil(t, slave)
	assert.Equal(t, []string{
		root + "/Image/one.jpg",
		root + "/Video/one.mp4",
		root + "/Video/two.mp4",
		root + "/new_data.json",
	}, destinations(slave.Tasks))
	assert.Equal(t, Counts{Transferred: 4}, slave.Counts())

	assert.ElementsMatch(t, []string{"MASTER1", "SLAVE1"}, shell.layouts)

	require.Len(t, report.Verifications, 2)
	for _, v := range report.Verifications {
		assert.True(t, v.Complete(), "device %s incomplete: %+v", v.Serial, v.Missing())
		assert.Len(t, v.Files, 4)
	}

	summary := agg.Finalize()
	assert.Equal(t, 8, summary.Transfer.Succeeded)
	assert.Equal(t, summary.Transfer.BytesTotal, summary.Transfer.BytesDone)
	assert.Equal(t, 4, summary.Devices["SLAVE1"].Succeeded)
}

func TestQualityFilterNeverLeaksAcrossRoles(t *testing.T) {
	fx := newFixture(t)

	for _, profile := range []types.Profile{types.ProfileMasterLow, types.ProfileMasterMetadata} {
		for _, role := range []types.Role{types.RoleMaster, types.RoleSlave} {
			device := types.NewDevice("D", role, "", profile)
			for _, filter := range []ContentFilter{AllContent, VideosOnly, JSONOnly} {
				for _, task := range Plan(device, fx.catalog, filter) {
					if task.Asset.Kind == types.KindMetadata {
						continue
					}
					assert.True(t, device.Accepts(task.Asset.Quality),
						"%s/%s/%s got %s", profile, role, filter, task.Asset.Key())
				}
			}
		}
	}

	meta := types.NewDevice("M", types.RoleMaster, "", types.ProfileMasterMetadata)
	tasks := Plan(meta, fx.catalog, AllContent)
	require.Len(t, tasks, 2)
	assert.Equal(t, types.KindImage, tasks[0].Asset.Kind)
	assert.Equal(t, types.KindMetadata, tasks[1].Asset.Kind)

	videos := Plan(fx.slave, fx.catalog, VideosOnly)
	require.Len(t, videos, 3)
	assert.Equal(t, types.KindMetadata, videos[2].Asset.Kind)

	jsonOnly := Plan(fx.slave, fx.catalog, JSONOnly)
	require.Len(t, jsonOnly, 1)
	assert.Equal(t, "manifest", jsonOnly[0].Asset.ID)
}

func TestIdenticalFilesSkipWithoutPrompt(t *testing.T) {
	fx := newFixture(t)
	shell := newFakeShell()
	source := conflict.NewScripted()
	m := NewManager(Config{Shell: shell, Resolver: conflict.NewResolver(source)})

	_, err := m.Transfer(context.Background(), []types.Device{fx.slave}, fx.catalog, Options{})
	require.NoError(t, err)
	pushed := shell.pushCount()

	report, err := m.Transfer(context.Background(), []types.Device{fx.slave}, fx.catalog, Options{})
	require.NoError(t, err)
	assert.Equal(t, Counts{Skipped: 4}, report.Counts())
	assert.Equal(t, pushed, shell.pushCount())
	assert.Empty(t, source.Asked())
}

func TestConflictCompleteness(t *testing.T) {
	fx := newFixture(t)
	shell := newFakeShell()
	root := types.DefaultStorageRoot
	// Every slave file exists with a different size.
	for _, p := range []string{"/Video/one.mp4", "/Video/two.mp4", "/Image/one.jpg", "/new_data.json"} {
		shell.put("SLAVE1", root+p, 7)
	}

	source := conflict.NewScripted(types.DecisionSkip, types.DecisionOverwrite, types.DecisionSkip, types.DecisionOverwrite)
	m := NewManager(Config{Shell: shell, Resolver: conflict.NewResolver(source)})

	report, err := m.Transfer(context.Background(), []types.Device{fx.slave}, fx.catalog, Options{})
	require.NoError(t, err)

	asked := source.Asked()
	require.Len(t, asked, 4)
	for _, c := range asked {
		assert.Equal(t, int64(7), c.RemoteSize)
		assert.Equal(t, types.RoleSlave, c.Role)
		assert.NotEqual(t, c.LocalSize, c.RemoteSize)
	}
	assert.Equal(t, root+"/Video/one.mp4", asked[0].Path)
	assert.Equal(t, int64(4000), asked[0].LocalSize)

	for _, task := range report.Tasks() {
		assert.Contains(t, []types.TransferStatus{types.TransferSkipped, types.TransferOverwritten}, task.Status)
	}
	assert.Equal(t, Counts{Skipped: 2, Overwritten: 2}, report.Counts())
	assert.Equal(t, []string{"SLAVE1:" + root + "/Video/two.mp4", "SLAVE1:" + root + "/new_data.json"}, shell.deletes)
}

// hashingShell adds on-device digests to fakeShell. Paths without an
// entry in sums fail to hash.
type hashingShell struct {
	*fakeShell
	sums map[string]string
}

func (h *hashingShell) Checksum(_ context.Context, serial, p string) (string, error) {
	sum, ok := h.sums[serial+":"+p]
	if !ok {
		return "", fmt.Errorf("sha256sum %s: No such file or directory", p)
	}
	return sum, nil
}

func manifestAsset(t *testing.T, fx *fixture) types.Asset {
	t.Helper()
	for _, a := range fx.catalog {
		if a.Kind == types.KindMetadata {
			return a
		}
	}
	t.Fatal("fixture has no manifest")
	return types.Asset{}
}

func TestSameSizeManifestComparedByDigest(t *testing.T) {
	fx := newFixture(t)
	root := types.DefaultStorageRoot
	manifest := manifestAsset(t, fx)
	local, err := storage.HashFile(manifest.LocalCachePath, storage.SHA256)
	require.NoError(t, err)

	shell := &hashingShell{fakeShell: newFakeShell(), sums: map[string]string{
		"SLAVE1:" + root + "/new_data.json":  "0000000000000000000000000000000000000000000000000000000000000000",
		"MASTER1:" + root + "/new_data.json": local.Hex,
	}}
	shell.put("SLAVE1", root+"/new_data.json", manifest.ExpectedSize)
	shell.put("MASTER1", root+"/new_data.json", manifest.ExpectedSize)

	source := conflict.NewScripted(types.DecisionOverwrite)
	m := NewManager(Config{Shell: shell, Resolver: conflict.NewResolver(source)})

	report, err := m.Transfer(context.Background(), fx.devices(), fx.catalog, Options{ContentFilter: JSONOnly})
	require.NoError(t, err)

	require.Len(t, source.Asked(), 1)
	assert.Equal(t, "SLAVE1", source.Asked()[0].Serial)
	assert.Equal(t, source.Asked()[0].LocalSize, source.Asked()[0].RemoteSize)
	assert.Equal(t, Counts{Overwritten: 1}, report.Device("SLAVE1").Counts())
	assert.Equal(t, Counts{Skipped: 1}, report.Device("MASTER1").Counts())
	assert.Equal(t, []string{"SLAVE1:" + root + "/new_data.json"}, shell.deletes)
}

func TestUnreadableDeviceDigestKeepsSizeMatch(t *testing.T) {
	fx := newFixture(t)
	root := types.DefaultStorageRoot
	shell := &hashingShell{fakeShell: newFakeShell(), sums: map[string]string{}}
	shell.put("SLAVE1", root+"/new_data.json", manifestAsset(t, fx).ExpectedSize)

	source := conflict.NewScripted()
	m := NewManager(Config{Shell: shell, Resolver: conflict.NewResolver(source)})

	report, err := m.Transfer(context.Background(), []types.Device{fx.slave}, fx.catalog, Options{ContentFilter: JSONOnly})
	require.NoError(t, err)
	assert.Empty(t, source.Asked())
	assert.Equal(t, Counts{Skipped: 1}, report.Counts())
}

func TestKeptCopyCountsAsVerified(t *testing.T) {
	fx := newFixture(t)
	shell := newFakeShell()
	root := types.DefaultStorageRoot
	shell.put("SLAVE1", root+"/Video/one.mp4", 7)

	source := conflict.NewScripted(types.DecisionSkip)
	m := NewManager(Config{Shell: shell, Resolver: conflict.NewResolver(source)})

	report, err := m.Transfer(context.Background(), []types.Device{fx.slave}, fx.catalog, Options{Verify: true})
	require.NoError(t, err)
	assert.Equal(t, Counts{Transferred: 3, Skipped: 1}, report.Counts())

	require.Len(t, report.Verifications, 1)
	v := report.Verifications[0]
	assert.True(t, v.Complete(), "missing: %+v", v.Missing())
	assert.Equal(t, 1, v.Kept())
	for _, f := range v.Files {
		if f.Path == root+"/Video/one.mp4" {
			assert.True(t, f.Kept)
			assert.False(t, f.SizeMatch)
			assert.True(t, f.OK())
		}
	}

	// A kept file that later disappears still fails.
	require.NoError(t, shell.Delete(context.Background(), "SLAVE1", root+"/Video/one.mp4"))
	again := m.verifyTasks(context.Background(), fx.slave, report.Device("SLAVE1").Tasks)
	assert.False(t, again.Complete())
	require.Len(t, again.Missing(), 1)
	assert.Equal(t, root+"/Video/one.mp4", again.Missing()[0].Path)
}

func TestSkipAllIsSticky(t *testing.T) {
	fx := newFixture(t)
	shell := newFakeShell()
	root := types.DefaultStorageRoot
	for _, p := range []string{"/Video/one.mp4", "/Video/two.mp4", "/Image/one.jpg"} {
		shell.put("SLAVE1", root+p, 1)
	}

	source := conflict.NewScripted(types.DecisionSkipAll, types.DecisionOverwrite, types.DecisionOverwrite, types.DecisionOverwrite)
	m := NewManager(Config{Shell: shell, Resolver: conflict.NewResolver(source)})

	report, err := m.Transfer(context.Background(), []types.Device{fx.slave}, fx.catalog, Options{})
	require.NoError(t, err)

	assert.Len(t, source.Asked(), 1)
	assert.Equal(t, Counts{Skipped: 3, Transferred: 1}, report.Counts())
	assert.Empty(t, shell.deletes)

	// Sticky state does not outlive the pass.
	report, err = m.Transfer(context.Background(), []types.Device{fx.slave}, fx.catalog, Options{})
	require.NoError(t, err)
	assert.Len(t, source.Asked(), 4)
	assert.Equal(t, Counts{Overwritten: 3, Skipped: 1}, report.Counts())
}

func TestOverwriteAllAcrossDevices(t *testing.T) {
	fx := newFixture(t)
	shell := newFakeShell()
	root := types.DefaultStorageRoot
	shell.put("MASTER1", root+"/Video/one_low.mp4", 1)
	shell.put("SLAVE1", root+"/Video/one.mp4", 1)

	source := conflict.NewScripted(types.DecisionOverwriteAll)
	m := NewManager(Config{Shell: shell, Resolver: conflict.NewResolver(source)})

	report, err := m.Transfer(context.Background(), fx.devices(), fx.catalog, Options{})
	require.NoError(t, err)

	assert.Len(t, source.Asked(), 1)
	assert.Equal(t, 1, report.Device("MASTER1").Counts().Overwritten)
	assert.Equal(t, 1, report.Device("SLAVE1").Counts().Overwritten)
}

func TestCancelPreservesHistory(t *testing.T) {
	fx := newFixture(t)
	shell := newFakeShell()
	root := types.DefaultStorageRoot
	// Slave: first two files succeed, third conflicts and is cancelled.
	shell.put("SLAVE1", root+"/Image/one.jpg", 1)

	store, err := storage.NewStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer store.Close()

	source := conflict.NewScripted(types.DecisionCancel)
	m := NewManager(Config{Shell: shell, Resolver: conflict.NewResolver(source), Store: store})

	devices := []types.Device{fx.slave, fx.master}
	report, err := m.Transfer(context.Background(), devices, fx.catalog, Options{RunID: "run-1", Verify: true})
	require.NoError(t, err)
	assert.True(t, report.Cancelled)
	assert.Empty(t, report.Verifications)

	slave := report.Device("SLAVE1")
	require.Len(t, slave.Tasks, 4)
	assert.Equal(t, types.TransferTransferred, slave.Tasks[0].Status)
	assert.Equal(t, types.TransferTransferred, slave.Tasks[1].Status)
	assert.Equal(t, types.TransferCancelled, slave.Tasks[2].Status)
	assert.Equal(t, types.TransferCancelled, slave.Tasks[3].Status)

	// The master never started, so everything there is cancelled too.
	assert.Equal(t, Counts{Cancelled: 4}, report.Device("MASTER1").Counts())
	assert.Equal(t, 2, shell.pushCount())

	records, err := store.Transfers("run-1", types.TransferTransferred)
	require.NoError(t, err)
	assert.Len(t, records, 2)
	cancelled, err := store.Transfers("run-1", types.TransferCancelled)
	require.NoError(t, err)
	assert.Len(t, cancelled, 6)
}

type sinkFunc func(types.ProgressEvent)

func (f sinkFunc) Record(e types.ProgressEvent) { f(e) }

func TestCancelStopsConcurrentDevice(t *testing.T) {
	fx := newFixture(t)
	shell := newFakeShell()
	root := types.DefaultStorageRoot
	shell.put("MASTER1", root+"/Video/one_low.mp4", 1)

	// The slave's first push stays in flight until the master has been
	// cancelled at its conflict prompt.
	masterCancelled := make(chan struct{})
	var cancelOnce, pushOnce sync.Once
	sink := sinkFunc(func(e types.ProgressEvent) {
		if e.Device == "MASTER1" && e.Outcome == types.OutcomeCancelled {
			cancelOnce.Do(func() { close(masterCancelled) })
		}
	})
	shell.onPush = func(serial, _ string) {
		if serial == "SLAVE1" {
			pushOnce.Do(func() { <-masterCancelled })
		}
	}
	source := conflict.NewScripted(types.DecisionCancel)
	m := NewManager(Config{Shell: shell, Resolver: conflict.NewResolver(source), Progress: sink})

	report, err := m.Transfer(context.Background(), fx.devices(), fx.catalog, Options{ConcurrentDevices: true})
	require.NoError(t, err)
	assert.True(t, report.Cancelled)
	assert.Len(t, source.Asked(), 1)

	slave := report.Device("SLAVE1").Counts()
	assert.Equal(t, 1, slave.Transferred, "the in-flight push completes")
	assert.Equal(t, 3, slave.Cancelled)
	assert.Equal(t, Counts{Cancelled: 4}, report.Device("MASTER1").Counts())
}

func TestDecisionSourceFailureIsPassLevel(t *testing.T) {
	fx := newFixture(t)
	shell := newFakeShell()
	shell.put("SLAVE1", types.DefaultStorageRoot+"/Video/one.mp4", 1)

	boom := errors.New("stdin closed")
	source := conflict.SourceFunc(func(context.Context, conflict.Context) (types.Decision, error) {
		return "", boom
	})
	m := NewManager(Config{Shell: shell, Resolver: conflict.NewResolver(source)})

	report, err := m.Transfer(context.Background(), fx.devices(), fx.catalog, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDecisionSource)
	assert.ErrorIs(t, err, boom)

	for _, task := range report.Tasks() {
		assert.True(t, task.Status.IsTerminal(), "%s left %s", task.ID(), task.Status)
	}
	assert.Equal(t, types.TransferTransferred, report.Device("MASTER1").Tasks[0].Status)
	assert.Equal(t, types.TransferFailed, report.Device("SLAVE1").Tasks[0].Status)
}

func TestDeviceUnavailableFailsOnlyThatDevice(t *testing.T) {
	fx := newFixture(t)
	shell := newFakeShell()
	shell.unavailable["MASTER1"] = true
	m := NewManager(Config{Shell: shell})

	report, err := m.Transfer(context.Background(), fx.devices(), fx.catalog, Options{Verify: true})
	require.NoError(t, err)

	master := report.Device("MASTER1")
	assert.ErrorIs(t, master.Err, types.ErrDeviceUnavailable)
	assert.Equal(t, Counts{Failed: 4}, master.Counts())
	for _, task := range master.Tasks {
		assert.Equal(t, "device unavailable", task.Reason)
	}
	assert.Equal(t, Counts{Transferred: 4}, report.Device("SLAVE1").Counts())
	require.Len(t, report.Verifications, 1)
	assert.Equal(t, "SLAVE1", report.Verifications[0].Serial)
}

func TestAllDevicesUnavailable(t *testing.T) {
	fx := newFixture(t)
	shell := newFakeShell()
	shell.unavailable["MASTER1"] = true
	shell.unavailable["SLAVE1"] = true
	m := NewManager(Config{Shell: shell})

	report, err := m.Transfer(context.Background(), fx.devices(), fx.catalog, Options{})
	assert.ErrorIs(t, err, ErrAllDevicesUnavailable)
	assert.Equal(t, Counts{Failed: 8}, report.Counts())
}

func TestStorageExhaustedStopsDevice(t *testing.T) {
	fx := newFixture(t)
	shell := newFakeShell()
	shell.full["SLAVE1"] = true
	m := NewManager(Config{Shell: shell})

	report, err := m.Transfer(context.Background(), []types.Device{fx.slave}, fx.catalog, Options{})
	require.NoError(t, err)

	slave := report.Device("SLAVE1")
	assert.ErrorIs(t, slave.Err, types.ErrStorageExhausted)
	for _, task := range slave.Tasks {
		assert.Equal(t, types.TransferFailed, task.Status)
		assert.Equal(t, "storage exhausted", task.Reason)
	}
}

func TestSizeMismatchRetriedOnce(t *testing.T) {
	fx := newFixture(t)
	shell := newFakeShell()
	root := types.DefaultStorageRoot
	shell.shortPushes[root+"/Video/one.mp4"] = 1
	shell.shortPushes[root+"/Video/two.mp4"] = 2
	m := NewManager(Config{Shell: shell})

	report, err := m.Transfer(context.Background(), []types.Device{fx.slave}, fx.catalog, Options{})
	require.NoError(t, err)

	tasks := report.Device("SLAVE1").Tasks
	assert.Equal(t, types.TransferTransferred, tasks[0].Status)
	assert.Equal(t, types.TransferFailed, tasks[1].Status)
	assert.Contains(t, tasks[1].Reason, "integrity")
	// A single failed file does not stop the device.
	assert.Equal(t, types.TransferTransferred, tasks[2].Status)
	assert.Equal(t, types.TransferTransferred, tasks[3].Status)
}

func TestMissingLocalFileFailsTask(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, os.Remove(fx.catalog[0].LocalCachePath))
	shell := newFakeShell()
	m := NewManager(Config{Shell: shell})

	report, err := m.Transfer(context.Background(), []types.Device{fx.slave}, fx.catalog, Options{})
	require.NoError(t, err)
	assert.Equal(t, Counts{Failed: 1, Transferred: 3}, report.Counts())
	assert.Equal(t, "not in local cache", report.Tasks()[0].Reason)
}

func TestScopeAndOnly(t *testing.T) {
	fx := newFixture(t)
	shell := newFakeShell()
	m := NewManager(Config{Shell: shell})

	report, err := m.Transfer(context.Background(), fx.devices(), fx.catalog, Options{DeviceScope: MasterOnly})
	require.NoError(t, err)
	require.Len(t, report.Devices, 1)
	assert.Equal(t, "MASTER1", report.Devices[0].Device.Serial)

	_, err = m.Transfer(context.Background(), []types.Device{fx.master}, fx.catalog, Options{DeviceScope: SlaveOnly})
	assert.ErrorIs(t, err, ErrNoDevices)

	only := map[string]map[string]bool{"SLAVE1": {fx.catalog[2].Key(): true}}
	report, err = m.Transfer(context.Background(), fx.devices(), fx.catalog, Options{Only: only})
	require.NoError(t, err)
	assert.Empty(t, report.Device("MASTER1").Tasks)
	require.Len(t, report.Device("SLAVE1").Tasks, 1)
	assert.Equal(t, "video-2", report.Device("SLAVE1").Tasks[0].Asset.ID)
}

func TestInterruptedPass(t *testing.T) {
	fx := newFixture(t)
	shell := newFakeShell()
	ctx, cancel := context.WithCancel(context.Background())
	shell.onPush = func(string, string) { cancel() }
	m := NewManager(Config{Shell: shell})

	report, err := m.Transfer(ctx, []types.Device{fx.slave}, fx.catalog, Options{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, report.Interrupted)
	assert.False(t, report.Cancelled)
	for _, task := range report.Tasks() {
		assert.True(t, task.Status.IsTerminal())
	}
	assert.Equal(t, 3, report.Counts().Cancelled)
}

func TestParseFilters(t *testing.T) {
	f, err := ParseContentFilter(true, false)
	require.NoError(t, err)
	assert.Equal(t, VideosOnly, f)
	_, err = ParseContentFilter(true, true)
	assert.Error(t, err)

	s, err := ParseDeviceScope(false, true)
	require.NoError(t, err)
	assert.Equal(t, SlaveOnly, s)
	_, err = ParseDeviceScope(true, true)
	assert.Error(t, err)
}

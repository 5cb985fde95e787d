package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"safevest-cerebro/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeSource 按调用顺序返回脚本化的结果
type fakeSource struct {
	mu      sync.Mutex
	calls   int
	results []fakeResult
}

type fakeResult struct {
	entries []models.DeviceEntry
	err     error
}

func (f *fakeSource) FetchDeviceMap(ctx context.Context) ([]models.DeviceEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	f.calls++
	r := f.results[idx]
	return r.entries, r.err
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// memorySnapshots 内存快照存储
type memorySnapshots struct {
	mu      sync.Mutex
	entries []models.DeviceEntry
	saves   int
	loadErr error
}

func (m *memorySnapshots) Load(ctx context.Context) ([]models.DeviceEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	return m.entries, nil
}

func (m *memorySnapshots) Save(ctx context.Context, entries []models.DeviceEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = entries
	m.saves++
	return nil
}

func owner(id int64) *int64 {
	return &id
}

func TestLookup_EmptyRegistry(t *testing.T) {
	r := New(&fakeSource{}, Options{}, zap.NewNop())

	_, ok := r.Lookup("SV-01")
	assert.False(t, ok)
	assert.False(t, r.Populated())
	assert.Equal(t, 0, r.Len())
	assert.True(t, r.LastRefresh().IsZero())
}

func TestRefresh_PopulatesRegistry(t *testing.T) {
	src := &fakeSource{results: []fakeResult{{entries: []models.DeviceEntry{
		{Serial: "SV-01", VestID: 5, OwnerUserID: owner(9)},
		{Serial: "SV-02", VestID: 6},
		{Serial: "", VestID: 7},
	}}}}
	r := New(src, Options{}, zap.NewNop())

	require.NoError(t, r.Refresh(context.Background()))

	entry, ok := r.Lookup("SV-01")
	require.True(t, ok)
	assert.Equal(t, int64(5), entry.VestID)
	assert.True(t, entry.HasOwner())
	assert.Equal(t, int64(9), *entry.OwnerUserID)

	entry, ok = r.Lookup("SV-02")
	require.True(t, ok)
	assert.False(t, entry.HasOwner())

	assert.Equal(t, 2, r.Len())
	assert.False(t, r.LastRefresh().IsZero())
}

func TestRefresh_FailureKeepsLastSnapshot(t *testing.T) {
	src := &fakeSource{results: []fakeResult{
		{entries: []models.DeviceEntry{{Serial: "SV-01", VestID: 5}}},
		{err: errors.New("connection refused")},
	}}
	r := New(src, Options{}, zap.NewNop())

	require.NoError(t, r.Refresh(context.Background()))
	require.Error(t, r.Refresh(context.Background()))

	entry, ok := r.Lookup("SV-01")
	require.True(t, ok)
	assert.Equal(t, int64(5), entry.VestID)
}

func TestRefresh_ReplacesWholeMap(t *testing.T) {
	src := &fakeSource{results: []fakeResult{
		{entries: []models.DeviceEntry{{Serial: "SV-01", VestID: 5}, {Serial: "SV-02", VestID: 6}}},
		{entries: []models.DeviceEntry{{Serial: "SV-03", VestID: 8}}},
	}}
	r := New(src, Options{}, zap.NewNop())

	require.NoError(t, r.Refresh(context.Background()))
	require.NoError(t, r.Refresh(context.Background()))

	_, ok := r.Lookup("SV-01")
	assert.False(t, ok)
	_, ok = r.Lookup("SV-03")
	assert.True(t, ok)
	assert.Equal(t, 1, r.Len())
}

func TestLookup_ConcurrentWithRefreshSeesWholeSnapshots(t *testing.T) {
	const devices = 200
	snapshotA := make([]models.DeviceEntry, devices)
	snapshotB := make([]models.DeviceEntry, devices)
	for i := 0; i < devices; i++ {
		serial := fmt.Sprintf("SV-%03d", i)
		snapshotA[i] = models.DeviceEntry{Serial: serial, VestID: int64(i), OwnerUserID: owner(int64(i))}
		snapshotB[i] = models.DeviceEntry{Serial: serial, VestID: int64(i + 1000), OwnerUserID: owner(int64(i + 1000))}
	}

	src := &fakeSource{}
	for i := 0; i < 50; i++ {
		src.results = append(src.results, fakeResult{entries: snapshotA}, fakeResult{entries: snapshotB})
	}
	r := New(src, Options{}, zap.NewNop())
	require.NoError(t, r.Refresh(context.Background()))

	var wg sync.WaitGroup
	done := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 99; i++ {
			_ = r.Refresh(context.Background())
		}
		close(done)
	}()

	var failures sync.Map
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				for i := 0; i < devices; i++ {
					entry, ok := r.Lookup(fmt.Sprintf("SV-%03d", i))
					if !ok || entry.OwnerUserID == nil || *entry.OwnerUserID != entry.VestID {
						failures.Store(i, entry)
						continue
					}
					if entry.VestID != int64(i) && entry.VestID != int64(i+1000) {
						failures.Store(i, entry)
					}
				}
			}
		}()
	}
	wg.Wait()

	count := 0
	failures.Range(func(_, _ any) bool {
		count++
		return true
	})
	assert.Zero(t, count)
	assert.Equal(t, devices, r.Len())
}

func TestRefresh_SavesSnapshot(t *testing.T) {
	snaps := &memorySnapshots{}
	src := &fakeSource{results: []fakeResult{{entries: []models.DeviceEntry{{Serial: "SV-01", VestID: 5}}}}}
	r := New(src, Options{Snapshots: snaps}, zap.NewNop())

	require.NoError(t, r.Refresh(context.Background()))
	assert.Equal(t, 1, snaps.saves)
	assert.Equal(t, "SV-01", snaps.entries[0].Serial)
}

func TestWarm_LoadsSnapshotIntoEmptyRegistry(t *testing.T) {
	snaps := &memorySnapshots{entries: []models.DeviceEntry{{Serial: "SV-09", VestID: 42, OwnerUserID: owner(3)}}}
	r := New(&fakeSource{results: []fakeResult{{err: errors.New("api down")}}}, Options{Snapshots: snaps}, zap.NewNop())

	require.NoError(t, r.Warm(context.Background()))
	entry, ok := r.Lookup("SV-09")
	require.True(t, ok)
	assert.Equal(t, int64(42), entry.VestID)

	// API 仍不可用时保留快照
	require.Error(t, r.Refresh(context.Background()))
	_, ok = r.Lookup("SV-09")
	assert.True(t, ok)
}

func TestWarm_DoesNotOverrideLiveData(t *testing.T) {
	snaps := &memorySnapshots{entries: []models.DeviceEntry{{Serial: "SV-OLD", VestID: 1}}}
	src := &fakeSource{results: []fakeResult{{entries: []models.DeviceEntry{{Serial: "SV-NEW", VestID: 2}}}}}
	r := New(src, Options{Snapshots: snaps}, zap.NewNop())

	require.NoError(t, r.Refresh(context.Background()))
	require.NoError(t, r.Warm(context.Background()))

	_, ok := r.Lookup("SV-OLD")
	assert.False(t, ok)
	_, ok = r.Lookup("SV-NEW")
	assert.True(t, ok)
}

func TestWarm_LoadError(t *testing.T) {
	snaps := &memorySnapshots{loadErr: errors.New("cache miss")}
	r := New(&fakeSource{}, Options{Snapshots: snaps}, zap.NewNop())

	assert.Error(t, r.Warm(context.Background()))
	assert.False(t, r.Populated())
}

func TestRun_RefreshesPeriodicallyAndRetriesFaster(t *testing.T) {
	src := &fakeSource{results: []fakeResult{
		{err: errors.New("401 twice")},
		{entries: []models.DeviceEntry{{Serial: "SV-01", VestID: 5}}},
	}}
	r := New(src, Options{RefreshInterval: time.Hour, RetryInterval: 10 * time.Millisecond}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(stopped)
	}()

	require.Eventually(t, func() bool {
		_, ok := r.Lookup("SV-01")
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("refresh loop did not stop")
	}

	// 成功后进入一小时的正常间隔，不会再刷新
	assert.Equal(t, 2, src.callCount())
}

package scanner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitushen/netpresence/internal/discovery/netaddr"
	"github.com/hitushen/netpresence/internal/models"
	"github.com/hitushen/netpresence/internal/realtime"
)

type blockingScanner struct {
	release chan struct{}
	calls   atomic.Int32
	devices map[string][]models.Device
	errs    map[string]error
}

func (b *blockingScanner) Scan(_ context.Context, cidr string) ([]models.Device, error) {
	b.calls.Add(1)
	if b.release != nil {
		<-b.release
	}
	if err := b.errs[cidr]; err != nil {
		return nil, err
	}
	return b.devices[cidr], nil
}

type staticSource struct {
	targets []models.NetworkTarget
	err     error
}

func (s staticSource) Networks() ([]models.NetworkTarget, error) { return s.targets, s.err }

type memRecorder struct {
	mu      sync.Mutex
	devices map[string][]models.Device
	runs    []models.ScanRun
}

func (m *memRecorder) UpsertDevices(_ context.Context, network string, devices []models.Device, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.devices == nil {
		m.devices = map[string][]models.Device{}
	}
	m.devices[network] = devices
	return nil
}

func (m *memRecorder) AddScanRun(_ context.Context, run models.ScanRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	return nil
}

func mac(s string) *string { return &s }

func TestStatusImmediatelyAfterStart(t *testing.T) {
	sc := &blockingScanner{release: make(chan struct{})}
	m := NewManager(sc, staticSource{targets: []models.NetworkTarget{{Name: "lan", CIDR: "10.0.0.0/30"}}}, nil, nil, 1)
	m.Start()

	st := m.Status()
	assert.True(t, st.Scanning)
	assert.NotNil(t, st.Networks)
	assert.Empty(t, st.Networks)
	assert.Nil(t, st.LastUpdated)

	close(sc.release)
	m.Close()
	st = m.Status()
	assert.False(t, st.Scanning)
	assert.NotNil(t, st.LastUpdated)
	assert.Len(t, st.Networks, 1)
}

func TestRapidRefreshRunsOnce(t *testing.T) {
	sc := &blockingScanner{release: make(chan struct{})}
	m := NewManager(sc, staticSource{targets: []models.NetworkTarget{{Name: "lan", CIDR: "10.0.0.0/30"}}}, nil, nil, 1)

	started := 0
	var wg sync.WaitGroup
	var mu sync.Mutex
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.RefreshAsync() {
				mu.Lock()
				started++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, started)
	assert.True(t, m.Status().Scanning)
	assert.False(t, m.RefreshSync())

	close(sc.release)
	m.Close()
	assert.EqualValues(t, 1, sc.calls.Load())
	assert.False(t, m.Status().Scanning)
}

func TestStatusDoesNotBlockDuringScan(t *testing.T) {
	sc := &blockingScanner{release: make(chan struct{})}
	m := NewManager(sc, staticSource{targets: []models.NetworkTarget{{CIDR: "10.0.0.0/30"}}}, nil, nil, 1)
	require.True(t, m.RefreshAsync())

	done := make(chan Status, 1)
	go func() { done <- m.Status() }()
	select {
	case st := <-done:
		assert.True(t, st.Scanning)
	case <-time.After(time.Second):
		t.Fatal("Status blocked on running scan")
	}
	close(sc.release)
	m.Close()
}

func TestCacheReplacedOncePerScan(t *testing.T) {
	sc := &blockingScanner{devices: map[string][]models.Device{
		"10.0.0.0/30": {{IP: "10.0.0.1", Reachable: true}, {IP: "10.0.0.2"}},
	}}
	m := NewManager(sc, staticSource{targets: []models.NetworkTarget{{Name: "lan", CIDR: "10.0.0.0/30"}}}, nil, nil, 1)

	require.True(t, m.RefreshSync())
	first := m.Status()
	require.NotNil(t, first.LastUpdated)

	time.Sleep(2 * time.Millisecond)
	require.True(t, m.RefreshSync())
	second := m.Status()
	assert.True(t, second.LastUpdated.After(*first.LastUpdated))
	assert.EqualValues(t, 2, sc.calls.Load())
	assert.Equal(t, "lan", second.Networks[0].Target.Name)
	assert.Len(t, second.Networks[0].Devices, 2)
}

func TestFailedNetworksAreSkipped(t *testing.T) {
	targets := []models.NetworkTarget{
		{Name: "bad", CIDR: "nope"},
		{Name: "a", CIDR: "10.0.0.0/30"},
		{Name: "huge", CIDR: "10.0.0.0/8"},
		{Name: "broken", CIDR: "10.9.0.0/30"},
		{Name: "b", CIDR: "10.1.0.0/30"},
	}
	sc := &blockingScanner{
		devices: map[string][]models.Device{
			"10.0.0.0/30": {{IP: "10.0.0.1", Reachable: true}},
			"10.1.0.0/30": {{IP: "10.1.0.1"}},
		},
		errs: map[string]error{
			"nope":        fmt.Errorf("%w: nope", netaddr.ErrInvalidCIDR),
			"10.0.0.0/8":  netaddr.ErrTooLarge,
			"10.9.0.0/30": errors.New("boom"),
		},
	}
	for _, parallelism := range []int{1, 4} {
		m := NewManager(sc, staticSource{targets: targets}, nil, nil, parallelism)
		require.True(t, m.RefreshSync())
		st := m.Status()
		require.Len(t, st.Networks, 2)
		assert.Equal(t, "a", st.Networks[0].Target.Name)
		assert.Equal(t, "b", st.Networks[1].Target.Name)
	}
}

func TestSourceErrorPublishesEmpty(t *testing.T) {
	m := NewManager(&blockingScanner{}, staticSource{err: errors.New("missing file")}, nil, nil, 1)
	require.True(t, m.RefreshSync())
	st := m.Status()
	assert.Empty(t, st.Networks)
	assert.NotNil(t, st.LastUpdated)
	assert.False(t, st.Scanning)
}

func TestPanicClearsScanningFlag(t *testing.T) {
	m := NewManager(panicScanner{}, staticSource{targets: []models.NetworkTarget{{CIDR: "10.0.0.0/30"}}}, nil, nil, 1)
	assert.NotPanics(t, func() { assert.True(t, m.RefreshSync()) })
	st := m.Status()
	assert.False(t, st.Scanning)
	assert.Empty(t, st.Networks)
	assert.True(t, m.RefreshSync())
}

type panicScanner struct{}

func (panicScanner) Scan(context.Context, string) ([]models.Device, error) { panic("scanner exploded") }

func TestRecordsSeenDevicesAndRun(t *testing.T) {
	sc := &blockingScanner{devices: map[string][]models.Device{
		"10.0.0.0/29": {
			{IP: "10.0.0.1", Reachable: true},
			{IP: "10.0.0.4", MAC: mac("aa:bb:cc:dd:ee:04")},
			{IP: "10.0.0.2"},
			{IP: "10.0.0.3"},
		},
	}}
	rec := &memRecorder{}
	broker := realtime.NewBroker()
	events, cleanup := broker.Subscribe()
	defer cleanup()

	m := NewManager(sc, staticSource{targets: []models.NetworkTarget{{Name: "lan", CIDR: "10.0.0.0/29"}}}, rec, broker, 1)
	require.True(t, m.RefreshSync())

	require.Len(t, rec.devices["10.0.0.0/29"], 2)
	require.Len(t, rec.runs, 1)
	run := rec.runs[0]
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, 1, run.Networks)
	assert.Equal(t, 4, run.Devices)
	assert.Equal(t, 1, run.Reachable)
	assert.Len(t, events, 3)
}

func TestClosedManagerIgnoresRefresh(t *testing.T) {
	m := NewManager(&blockingScanner{}, staticSource{}, nil, nil, 1)
	m.StartTicker(time.Hour)
	m.Close()
	assert.False(t, m.RefreshAsync())
}

func TestTickerRefreshes(t *testing.T) {
	sc := &blockingScanner{}
	m := NewManager(sc, staticSource{targets: []models.NetworkTarget{{CIDR: "10.0.0.0/30"}}}, nil, nil, 1)
	m.StartTicker(5 * time.Millisecond)
	require.Eventually(t, func() bool { return sc.calls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	m.Close()
}

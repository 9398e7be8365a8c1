package scanner

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/projectdiscovery/gologger"
	"github.com/rs/xid"
	"golang.org/x/sync/errgroup"

	"github.com/hitushen/netpresence/internal/discovery/netaddr"
	"github.com/hitushen/netpresence/internal/metrics"
	"github.com/hitushen/netpresence/internal/models"
	"github.com/hitushen/netpresence/internal/realtime"
)

// NetworkScanner 扫描单个网段。
type NetworkScanner interface {
	Scan(ctx context.Context, cidr string) ([]models.Device, error)
}

// NetworkSource 提供每一轮需要扫描的网段，每轮重新读取。
type NetworkSource interface {
	Networks() ([]models.NetworkTarget, error)
}

// Recorder 持久化扫描结果，可以为 nil。
type Recorder interface {
	UpsertDevices(ctx context.Context, network string, devices []models.Device, seenAt time.Time) error
	AddScanRun(ctx context.Context, run models.ScanRun) error
}

// Manager 负责协调后台网段扫描，保证同一时刻只有一轮扫描。
type Manager struct {
	scanner      NetworkScanner
	source       NetworkSource
	store        Recorder
	realtime     *realtime.Broker
	cache        *Cache
	parallelism  int
	wg           sync.WaitGroup
	shutdownOnce sync.Once
	stopCh       chan struct{}
}

// NewManager 创建 Manager。parallelism 控制一轮中同时扫描的网段数量。
func NewManager(sc NetworkScanner, src NetworkSource, st Recorder, broker *realtime.Broker, parallelism int) *Manager {
	if parallelism <= 0 {
		parallelism = 1
	}
	return &Manager{
		scanner:     sc,
		source:      src,
		store:       st,
		realtime:    broker,
		cache:       NewCache(),
		parallelism: parallelism,
		stopCh:      make(chan struct{}),
	}
}

// Start 触发进程启动时的首轮扫描，返回时扫描标记已经置位。
func (m *Manager) Start() {
	m.RefreshAsync()
}

// RefreshAsync 在后台开始一轮扫描。已有扫描在进行时直接忽略并返回 false。
func (m *Manager) RefreshAsync() bool {
	if m.stopped() {
		return false
	}
	if !m.cache.TryBegin() {
		metrics.RefreshDropped.Inc()
		gologger.Verbose().Msgf("[scanner] refresh ignored, scan already running")
		return false
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run()
	}()
	return true
}

// RefreshSync 在当前协程中完成一轮扫描。已有扫描在进行时立即返回 false。
func (m *Manager) RefreshSync() bool {
	if !m.cache.TryBegin() {
		metrics.RefreshDropped.Inc()
		return false
	}
	m.run()
	return true
}

// Status 返回缓存快照，从不等待正在进行的扫描。
func (m *Manager) Status() Status {
	return m.cache.Snapshot()
}

// StartTicker 启动周期任务，定期刷新所有网段。
func (m *Manager) StartTicker(interval time.Duration) {
	if interval <= 0 {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.RefreshAsync()
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Close 停止周期任务并等待正在进行的扫描结束。
func (m *Manager) Close() {
	m.shutdownOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()
}

func (m *Manager) stopped() bool {
	select {
	case <-m.stopCh:
		return true
	default:
		return false
	}
}

// run 执行一轮扫描。扫描不可取消，单个网段失败只记录日志。
func (m *Manager) run() {
	published := false
	defer func() {
		if r := recover(); r != nil {
			gologger.Error().Msgf("[scanner] scan panicked err=%v", r)
		}
		if !published {
			m.cache.Abort()
		}
	}()

	ctx := context.Background()
	startedAt := time.Now().UTC()
	targets, err := m.source.Networks()
	if err != nil {
		gologger.Warning().Msgf("[scanner] load networks error err=%v", err)
	}
	m.realtime.Publish(realtime.Event{
		Type:    realtime.EventScanStarted,
		Payload: map[string]interface{}{"networks": len(targets)},
	})
	gologger.Info().Msgf("[scanner] starting scan networks=%d", len(targets))

	results := m.scanNetworks(ctx, targets)
	finishedAt := time.Now().UTC()
	m.cache.Publish(results, finishedAt)
	published = true
	metrics.ScansTotal.Inc()

	run := models.ScanRun{
		ID:         xid.New().String(),
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
		Networks:   len(results),
	}
	for _, res := range results {
		run.Devices += len(res.Devices)
		for _, d := range res.Devices {
			if d.Reachable {
				run.Reachable++
			}
		}
	}
	m.record(ctx, run, results)

	m.realtime.Publish(realtime.Event{
		Type: realtime.EventScanCompleted,
		Payload: map[string]interface{}{
			"id":        run.ID,
			"networks":  run.Networks,
			"devices":   run.Devices,
			"reachable": run.Reachable,
		},
	})
	gologger.Info().Msgf("[scanner] completed scan id=%s networks=%d reachable=%d duration=%s",
		run.ID, run.Networks, run.Reachable, finishedAt.Sub(startedAt).Truncate(time.Millisecond))
}

func (m *Manager) scanNetworks(ctx context.Context, targets []models.NetworkTarget) []models.ScanResult {
	slots := make([]*models.ScanResult, len(targets))
	var g errgroup.Group
	g.SetLimit(m.parallelism)
	for i, target := range targets {
		i, target := i, target
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					gologger.Error().Msgf("[scanner] scan panicked cidr=%s err=%v", target.CIDR, r)
				}
			}()
			slots[i] = m.scanNetwork(ctx, target)
			return nil
		})
	}
	_ = g.Wait()

	results := make([]models.ScanResult, 0, len(targets))
	for _, res := range slots {
		if res != nil {
			results = append(results, *res)
		}
	}
	return results
}

func (m *Manager) scanNetwork(ctx context.Context, target models.NetworkTarget) *models.ScanResult {
	start := time.Now()
	devices, err := m.scanner.Scan(ctx, target.CIDR)
	if err != nil {
		if errors.Is(err, netaddr.ErrInvalidCIDR) || errors.Is(err, netaddr.ErrTooLarge) {
			gologger.Warning().Msgf("[scanner] skipping network name=%s cidr=%s err=%v", target.Name, target.CIDR, err)
		} else {
			gologger.Error().Msgf("[scanner] scan failed name=%s cidr=%s err=%v", target.Name, target.CIDR, err)
		}
		return nil
	}
	elapsed := time.Since(start)
	metrics.ScanDuration.WithLabelValues(target.CIDR).Observe(elapsed.Seconds())

	reachable := 0
	for _, d := range devices {
		if d.Reachable {
			reachable++
		}
	}
	metrics.Devices.WithLabelValues(target.CIDR, models.StateReachable).Set(float64(reachable))
	metrics.Devices.WithLabelValues(target.CIDR, models.StateUnreachable).Set(float64(len(devices) - reachable))

	m.realtime.Publish(realtime.Event{
		Type:    realtime.EventNetworkScanned,
		Network: target.CIDR,
		Payload: map[string]interface{}{
			"name":      target.Name,
			"devices":   len(devices),
			"reachable": reachable,
		},
	})
	gologger.Verbose().Msgf("[scanner] network scanned name=%s cidr=%s devices=%d reachable=%d duration=%s",
		target.Name, target.CIDR, len(devices), reachable, elapsed.Truncate(time.Millisecond))
	return &models.ScanResult{Target: target, Devices: devices}
}

// record 保存可达或在邻居表中出现过的设备，以及本轮的汇总。
func (m *Manager) record(ctx context.Context, run models.ScanRun, results []models.ScanResult) {
	if m.store == nil {
		return
	}
	for _, res := range results {
		seen := make([]models.Device, 0, len(res.Devices))
		for _, d := range res.Devices {
			if d.Seen() {
				seen = append(seen, d)
			}
		}
		if err := m.store.UpsertDevices(ctx, res.Target.CIDR, seen, run.FinishedAt); err != nil {
			gologger.Error().Msgf("[scanner] persist devices error cidr=%s err=%v", res.Target.CIDR, err)
		}
	}
	if err := m.store.AddScanRun(ctx, run); err != nil {
		gologger.Error().Msgf("[scanner] persist scan run error id=%s err=%v", run.ID, err)
	}
}

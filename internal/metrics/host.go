package metrics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/projectdiscovery/gologger"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/hitushen/netpresence/internal/models"
)

// 主机指标名称。
const (
	MetricCPU = "cpu_percent"
	MetricMem = "mem_percent"
)

// Writer 保存主机指标采样。
type Writer interface {
	InsertMetric(ctx context.Context, metric models.HostMetric) error
}

// HostCollector 定期采集本机 CPU 与内存使用率。
type HostCollector struct {
	store    Writer
	interval time.Duration
	sample   func() (cpuPct, memPct float64, err error)

	wg           sync.WaitGroup
	shutdownOnce sync.Once
	stopCh       chan struct{}
}

// NewHostCollector 创建采集器，interval<=0 时 Start 不做任何事。
func NewHostCollector(st Writer, interval time.Duration) *HostCollector {
	return &HostCollector{
		store:    st,
		interval: interval,
		sample:   readHost,
		stopCh:   make(chan struct{}),
	}
}

// Start 启动后台采集循环。
func (c *HostCollector) Start() {
	if c.interval <= 0 {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := c.Collect(context.Background()); err != nil {
					gologger.Warning().Msgf("[metrics] host sample failed err=%v", err)
				}
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Collect 采集一次并写入 Prometheus 与存储。
func (c *HostCollector) Collect(ctx context.Context) error {
	cpuPct, memPct, err := c.sample()
	if err != nil {
		return err
	}
	HostCPU.Set(cpuPct)
	HostMem.Set(memPct)

	now := time.Now().UTC()
	for _, m := range []models.HostMetric{
		{Metric: MetricCPU, Value: cpuPct, Timestamp: now},
		{Metric: MetricMem, Value: memPct, Timestamp: now},
	} {
		if err := c.store.InsertMetric(ctx, m); err != nil {
			return fmt.Errorf("store %s: %w", m.Metric, err)
		}
	}
	return nil
}

// Close 停止采集循环。
func (c *HostCollector) Close() {
	c.shutdownOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func readHost() (float64, float64, error) {
	percents, err := cpu.Percent(0, false)
	if err != nil {
		return 0, 0, fmt.Errorf("cpu percent: %w", err)
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, fmt.Errorf("virtual memory: %w", err)
	}
	var cpuPct float64
	if len(percents) > 0 {
		cpuPct = percents[0]
	}
	return cpuPct, vm.UsedPercent, nil
}

// Package monitor 对配置中的关键主机执行 ping 检查并记录往返时间。
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/projectdiscovery/gologger"
	syncutil "github.com/projectdiscovery/utils/sync"

	"github.com/hitushen/netpresence/internal/discovery/probe"
	"github.com/hitushen/netpresence/internal/metrics"
	"github.com/hitushen/netpresence/internal/models"
	"github.com/hitushen/netpresence/internal/realtime"
)

const parallelism = 16

// Pinger 发送一次 ping 并返回 RTT。
type Pinger interface {
	Ping(ctx context.Context, address string) (probe.Result, error)
}

// Source 提供监控主机列表。
type Source interface {
	Monitors() ([]models.Monitor, error)
}

// Store 保存检查结果。
type Store interface {
	InsertPingResult(ctx context.Context, res models.PingResult) (int64, error)
}

// Checker 负责执行监控检查。
type Checker struct {
	pinger   Pinger
	source   Source
	store    Store
	realtime *realtime.Broker

	wg           sync.WaitGroup
	shutdownOnce sync.Once
	stopCh       chan struct{}
}

// NewChecker 创建 Checker，store 与 broker 可以为 nil。
func NewChecker(p Pinger, src Source, st Store, broker *realtime.Broker) *Checker {
	return &Checker{pinger: p, source: src, store: st, realtime: broker, stopCh: make(chan struct{})}
}

// Check 对单个主机执行一次 ping。
func (c *Checker) Check(ctx context.Context, m models.Monitor) models.PingResult {
	res, err := c.pinger.Ping(ctx, m.Host)
	out := models.PingResult{
		Name:      m.Name,
		Host:      m.Host,
		OK:        res.Reachable,
		Raw:       res.Raw,
		CheckedAt: time.Now().UTC(),
	}
	if err != nil {
		out.Error = err.Error()
	}
	if res.Reachable && res.RTT > 0 {
		ms := float64(res.RTT) / float64(time.Millisecond)
		out.RTTMillis = &ms
		metrics.MonitorRTT.WithLabelValues(m.Name).Set(res.RTT.Seconds())
	}
	up := 0.0
	if res.Reachable {
		up = 1
	}
	metrics.MonitorUp.WithLabelValues(m.Name).Set(up)
	return out
}

// CheckAll 并发检查所有主机，结果顺序与配置一致，不做持久化。
func (c *Checker) CheckAll(ctx context.Context) ([]models.PingResult, error) {
	monitors, err := c.source.Monitors()
	if err != nil {
		return nil, fmt.Errorf("load monitors: %w", err)
	}
	results := make([]models.PingResult, len(monitors))
	if len(monitors) == 0 {
		return results, nil
	}
	awg, err := syncutil.New(syncutil.WithSize(min(parallelism, len(monitors))))
	if err != nil {
		return nil, fmt.Errorf("monitor pool: %w", err)
	}
	for i, m := range monitors {
		awg.Add()
		go func(i int, m models.Monitor) {
			defer awg.Done()
			results[i] = c.Check(ctx, m)
		}(i, m)
	}
	awg.Wait()
	return results, nil
}

// Refresh 检查所有主机并保存结果。
func (c *Checker) Refresh(ctx context.Context) ([]models.PingResult, error) {
	results, err := c.CheckAll(ctx)
	if err != nil {
		return nil, err
	}
	up := 0
	for i := range results {
		if results[i].OK {
			up++
		}
		if c.store == nil {
			continue
		}
		id, err := c.store.InsertPingResult(ctx, results[i])
		if err != nil {
			gologger.Error().Msgf("[monitor] save result error host=%s err=%v", results[i].Host, err)
			continue
		}
		results[i].ID = id
	}
	c.realtime.Publish(realtime.Event{
		Type:    realtime.EventMonitorChecked,
		Payload: map[string]interface{}{"monitors": len(results), "up": up},
	})
	gologger.Verbose().Msgf("[monitor] checked monitors=%d up=%d", len(results), up)
	return results, nil
}

// StartTicker 周期性执行 Refresh，interval<=0 时不启动。
func (c *Checker) StartTicker(interval time.Duration) {
	if interval <= 0 {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				if _, err := c.Refresh(ctx); err != nil {
					gologger.Warning().Msgf("[monitor] periodic check error err=%v", err)
				}
				cancel()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Close 停止周期检查并等待当前检查结束。
func (c *Checker) Close() {
	c.shutdownOnce.Do(func() {
		close(c.stopCh)
	})
	c.wg.Wait()
}

// Package discovery 对一个网段执行存活探测，并合并邻居表与主机名信息。
package discovery

import (
	"context"
	"fmt"
	"net/netip"
	"slices"
	"strings"
	"time"

	"github.com/projectdiscovery/gologger"
	mapsutil "github.com/projectdiscovery/utils/maps"
	syncutil "github.com/projectdiscovery/utils/sync"

	"github.com/hitushen/netpresence/internal/discovery/neighbor"
	"github.com/hitushen/netpresence/internal/discovery/netaddr"
	"github.com/hitushen/netpresence/internal/models"
)

// DefaultConcurrency 是每个网段同时进行的探测上限。
const DefaultConcurrency = 100

// Prober 判断单个地址是否可达。
type Prober interface {
	Probe(ctx context.Context, address string) bool
}

// NeighborReader 读取系统邻居表。
type NeighborReader interface {
	ReadTable(ctx context.Context) neighbor.Table
}

// HostnameResolver 尽力为 IP 反查主机名。
type HostnameResolver interface {
	Resolve(ctx context.Context, ip string) (string, bool)
}

// Options 控制扫描行为。
type Options struct {
	Concurrency int
	MaxHosts    int
	// ResolveAll 为 true 时也为既不可达也不在邻居表中的地址反查主机名。
	ResolveAll bool
}

// Scanner 负责单个网段的完整扫描流程，可并发使用。
type Scanner struct {
	prober    Prober
	neighbors NeighborReader
	resolver  HostnameResolver
	opts      Options
}

type probeOutcome struct {
	reachable bool
	at        time.Time
}

// New 创建 Scanner。
func New(prober Prober, neighbors NeighborReader, resolver HostnameResolver, opts Options) *Scanner {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	return &Scanner{prober: prober, neighbors: neighbors, resolver: resolver, opts: opts}
}

// Scan 探测网段内的所有可用地址，返回按可达性与 IP 排序的完整设备列表。
// 只有 CIDR 非法或过大时返回错误，单个主机的失败只会降级对应字段。
func (s *Scanner) Scan(ctx context.Context, cidr string) ([]models.Device, error) {
	hosts, err := netaddr.Hosts(cidr, s.opts.MaxHosts)
	if err != nil {
		return nil, err
	}
	if len(hosts) == 0 {
		return []models.Device{}, nil
	}
	start := time.Now()

	probed, err := s.probeAll(ctx, hosts)
	if err != nil {
		return nil, err
	}
	// 邻居表必须在全部探测结束后读取，探测本身会填充 ARP 缓存。
	table := s.neighbors.ReadTable(ctx)

	devices := make([]models.Device, len(hosts))
	reachable := 0
	for i, ip := range hosts {
		outcome, _ := probed.Get(ip)
		dev := models.Device{IP: ip, Reachable: outcome.reachable, ProbedAt: outcome.at}
		if entry, ok := table[ip]; ok {
			dev.MAC = optional(entry.MAC)
			dev.Iface = optional(entry.Iface)
			dev.NeighborState = optional(entry.State)
		}
		if dev.Reachable {
			reachable++
		}
		devices[i] = dev
	}

	if err := s.resolveAll(ctx, devices); err != nil {
		return nil, err
	}
	SortDevices(devices)

	gologger.Verbose().Msgf("[discovery] scanned cidr=%s hosts=%d reachable=%d neighbors=%d duration=%s",
		cidr, len(hosts), reachable, len(table), time.Since(start).Truncate(time.Millisecond))
	return devices, nil
}

func (s *Scanner) probeAll(ctx context.Context, hosts []string) (*mapsutil.SyncLockMap[string, probeOutcome], error) {
	results := mapsutil.NewSyncLockMap[string, probeOutcome]()
	awg, err := syncutil.New(syncutil.WithSize(min(s.opts.Concurrency, len(hosts))))
	if err != nil {
		return nil, fmt.Errorf("probe pool: %w", err)
	}
	for _, ip := range hosts {
		awg.Add()
		go func(ip string) {
			defer awg.Done()
			reachable := s.prober.Probe(ctx, ip)
			_ = results.Set(ip, probeOutcome{reachable: reachable, at: time.Now().UTC()})
		}(ip)
	}
	awg.Wait()
	return results, nil
}

func (s *Scanner) resolveAll(ctx context.Context, devices []models.Device) error {
	pending := make([]int, 0, len(devices))
	for i, dev := range devices {
		if s.opts.ResolveAll || dev.Seen() {
			pending = append(pending, i)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	awg, err := syncutil.New(syncutil.WithSize(min(s.opts.Concurrency, len(pending))))
	if err != nil {
		return fmt.Errorf("resolve pool: %w", err)
	}
	for _, idx := range pending {
		awg.Add()
		go func(dev *models.Device) {
			defer awg.Done()
			if name, ok := s.resolver.Resolve(ctx, dev.IP); ok {
				dev.Hostname = &name
			}
		}(&devices[idx])
	}
	awg.Wait()
	return nil
}

// SortDevices 将可达设备排在前面，组内按 IP 数值升序。
func SortDevices(devices []models.Device) {
	slices.SortStableFunc(devices, func(a, b models.Device) int {
		if a.Reachable != b.Reachable {
			if a.Reachable {
				return -1
			}
			return 1
		}
		return compareIP(a.IP, b.IP)
	})
}

func compareIP(a, b string) int {
	ia, errA := netip.ParseAddr(a)
	ib, errB := netip.ParseAddr(b)
	if errA != nil || errB != nil {
		return strings.Compare(a, b)
	}
	return ia.Compare(ib)
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

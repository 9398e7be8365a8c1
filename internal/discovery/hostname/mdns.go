package hostname

import (
	"context"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/projectdiscovery/gologger"
)

// 常见的局域网服务类型，用于收集 mDNS 广播中的主机名。
var mdnsServices = []string{
	"_workstation._tcp",
	"_device-info._tcp",
	"_ssh._tcp",
	"_http._tcp",
	"_smb._tcp",
	"_airplay._tcp",
	"_googlecast._tcp",
	"_printer._tcp",
	"_ipp._tcp",
}

// MDNSProvider 浏览 mDNS 服务并按地址建立主机名快照，快照在 ttl 内复用。
type MDNSProvider struct {
	ttl    time.Duration
	browse func(ctx context.Context) map[string]string

	mu       sync.Mutex
	snapshot map[string]string
	taken    time.Time
}

func NewMDNSProvider(ttl time.Duration) *MDNSProvider {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &MDNSProvider{ttl: ttl, browse: browseServices}
}

func (p *MDNSProvider) Name() string { return "mdns" }

func (p *MDNSProvider) Lookup(ctx context.Context, ip string) (string, error) {
	return p.table(ctx)[ip], nil
}

// table 在锁内刷新快照，同一时刻只有一次浏览。
func (p *MDNSProvider) table(ctx context.Context) map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.snapshot != nil && time.Since(p.taken) < p.ttl {
		return p.snapshot
	}
	p.snapshot = p.browse(ctx)
	p.taken = time.Now()
	return p.snapshot
}

// browseServices 并发浏览各服务类型直到 ctx 结束。
func browseServices(ctx context.Context) map[string]string {
	var (
		mu    sync.Mutex
		names = make(map[string]string)
		wg    sync.WaitGroup
	)
	for _, service := range mdnsServices {
		wg.Add(1)
		go func(svc string) {
			defer wg.Done()
			resolver, err := zeroconf.NewResolver(nil)
			if err != nil {
				gologger.Debug().Msgf("[hostname] mdns resolver init failed service=%s err=%v", svc, err)
				return
			}
			entries := make(chan *zeroconf.ServiceEntry, 32)
			go func() {
				for entry := range entries {
					if entry == nil || entry.HostName == "" {
						continue
					}
					host := cleanName(entry.HostName)
					mu.Lock()
					for _, ip := range entry.AddrIPv4 {
						names[ip.String()] = host
					}
					for _, ip := range entry.AddrIPv6 {
						names[ip.String()] = host
					}
					mu.Unlock()
				}
			}()
			if err := resolver.Browse(ctx, svc, "local.", entries); err != nil {
				gologger.Debug().Msgf("[hostname] mdns browse failed service=%s err=%v", svc, err)
				close(entries)
				return
			}
			<-ctx.Done()
		}(service)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	snapshot := make(map[string]string, len(names))
	for ip, host := range names {
		snapshot[ip] = host
	}
	return snapshot
}

// Package hostname 通过多种手段为 IP 反查主机名。
package hostname

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/projectdiscovery/gcache"
	"github.com/projectdiscovery/gologger"

	"github.com/hitushen/netpresence/internal/discovery/command"
)

// DefaultOrder 是默认的解析顺序。
var DefaultOrder = []string{"system", "dig", "avahi"}

const (
	defaultTimeout   = 2 * time.Second
	defaultCacheTTL  = 10 * time.Minute
	defaultCacheSize = 4096
)

// Provider 是一种反查手段。未找到时返回空字符串和 nil；
// 返回错误表示该手段失败（工具缺失、超时等），两者都会继续尝试下一个。
type Provider interface {
	Name() string
	Lookup(ctx context.Context, ip string) (string, error)
}

// Options 用于组装 Resolver。
type Options struct {
	Order     []string
	Timeout   time.Duration
	CacheTTL  time.Duration
	CacheSize int
	DNSServer string
	Runner    command.Runner
}

// Resolver 依次尝试各 Provider，第一个非空结果生效，结果带缓存。
type Resolver struct {
	providers []Provider
	timeout   time.Duration
	ttl       time.Duration
	cache     gcache.Cache[string, string]
}

// New 按 Options.Order 中的名称构建 Resolver。
func New(opts Options) (*Resolver, error) {
	order := opts.Order
	if len(order) == 0 {
		order = DefaultOrder
	}
	runner := opts.Runner
	if runner == nil {
		runner = command.Exec{}
	}
	providers := make([]Provider, 0, len(order))
	for _, name := range order {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "system":
			providers = append(providers, NewSystemProvider())
		case "dig":
			providers = append(providers, &DigProvider{Runner: runner})
		case "avahi":
			providers = append(providers, &AvahiProvider{Runner: runner})
		case "dns":
			if opts.DNSServer == "" {
				return nil, errors.New("dns resolver requires a dns server")
			}
			providers = append(providers, NewDNSProvider(opts.DNSServer))
		case "mdns":
			providers = append(providers, NewMDNSProvider(opts.CacheTTL))
		case "":
		default:
			return nil, fmt.Errorf("unknown hostname resolver %q", name)
		}
	}
	return NewWithProviders(opts.Timeout, opts.CacheTTL, opts.CacheSize, providers...), nil
}

// NewWithProviders 使用显式的 Provider 列表。
func NewWithProviders(timeout, ttl time.Duration, size int, providers ...Provider) *Resolver {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	if size <= 0 {
		size = defaultCacheSize
	}
	return &Resolver{
		providers: providers,
		timeout:   timeout,
		ttl:       ttl,
		cache:     gcache.New[string, string](size).LRU().Expiration(ttl).Build(),
	}
}

// Providers 返回生效的解析顺序。
func (r *Resolver) Providers() []string {
	names := make([]string, len(r.providers))
	for i, p := range r.providers {
		names[i] = p.Name()
	}
	return names
}

// Resolve 返回主机名，全部失败时 ok 为 false。不会返回错误。
func (r *Resolver) Resolve(ctx context.Context, ip string) (string, bool) {
	if name, err := r.cache.Get(ip); err == nil {
		return name, name != ""
	}
	for _, p := range r.providers {
		if ctx.Err() != nil {
			return "", false
		}
		name, err := r.lookup(ctx, p, ip)
		if err != nil {
			gologger.Debug().Msgf("[hostname] lookup failed provider=%s ip=%s err=%v", p.Name(), ip, err)
			continue
		}
		if name != "" {
			_ = r.cache.Set(ip, name)
			return name, true
		}
	}
	if ctx.Err() != nil {
		return "", false
	}
	// 未命中的结果缓存较短时间。
	_ = r.cache.SetWithExpire(ip, "", r.ttl/10)
	return "", false
}

func (r *Resolver) lookup(ctx context.Context, p Provider, ip string) (string, error) {
	stepCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	name, err := p.Lookup(stepCtx, ip)
	if err != nil {
		return "", err
	}
	return cleanName(name), nil
}

func cleanName(name string) string {
	return strings.TrimSuffix(strings.TrimSpace(name), ".")
}

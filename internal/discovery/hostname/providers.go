package hostname

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/miekg/dns"

	"github.com/hitushen/netpresence/internal/discovery/command"
)

// SystemProvider 使用系统解析器做反向 DNS。
type SystemProvider struct {
	resolver *net.Resolver
}

func NewSystemProvider() *SystemProvider {
	return &SystemProvider{resolver: net.DefaultResolver}
}

func (p *SystemProvider) Name() string { return "system" }

func (p *SystemProvider) Lookup(ctx context.Context, ip string) (string, error) {
	names, err := p.resolver.LookupAddr(ctx, ip)
	if err != nil {
		return "", err
	}
	for _, name := range names {
		if name = cleanName(name); name != "" {
			return name, nil
		}
	}
	return "", nil
}

// DigProvider 调用 `dig -x`。
type DigProvider struct {
	Runner command.Runner
}

func (p *DigProvider) Name() string { return "dig" }

func (p *DigProvider) Lookup(ctx context.Context, ip string) (string, error) {
	out, err := p.Runner.Output(ctx, "dig", "-x", ip, "+short", "+time=1", "+tries=1")
	if err != nil {
		return "", err
	}
	// dig 会把 ";; connection timed out" 之类的提示写到标准输出。
	return firstLine(out, func(line string) bool { return !strings.HasPrefix(line, ";") }), nil
}

// AvahiProvider 调用 avahi-resolve-address 做 mDNS 反查，输出形如 "192.168.1.10\thost.local"。
type AvahiProvider struct {
	Runner command.Runner
}

func (p *AvahiProvider) Name() string { return "avahi" }

func (p *AvahiProvider) Lookup(ctx context.Context, ip string) (string, error) {
	out, err := p.Runner.Output(ctx, "avahi-resolve-address", ip)
	if err != nil {
		return "", err
	}
	line := firstLine(out, nil)
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return "", nil
	}
	return fields[1], nil
}

// DNSProvider 直接向指定服务器发送 PTR 查询。
type DNSProvider struct {
	server string
	client *dns.Client
}

func NewDNSProvider(server string) *DNSProvider {
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}
	return &DNSProvider{server: server, client: &dns.Client{Timeout: defaultTimeout}}
}

func (p *DNSProvider) Name() string { return "dns" }

func (p *DNSProvider) Lookup(ctx context.Context, ip string) (string, error) {
	arpa, err := dns.ReverseAddr(ip)
	if err != nil {
		return "", err
	}
	msg := new(dns.Msg)
	msg.SetQuestion(arpa, dns.TypePTR)
	msg.RecursionDesired = true

	in, _, err := p.client.ExchangeContext(ctx, msg, p.server)
	if err != nil {
		return "", err
	}
	if in.Rcode != dns.RcodeSuccess {
		return "", fmt.Errorf("ptr %s: %s", arpa, dns.RcodeToString[in.Rcode])
	}
	for _, rr := range in.Answer {
		if ptr, ok := rr.(*dns.PTR); ok {
			return ptr.Ptr, nil
		}
	}
	return "", nil
}

func firstLine(out []byte, keep func(string) bool) string {
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if keep != nil && !keep(line) {
			continue
		}
		return line
	}
	return ""
}

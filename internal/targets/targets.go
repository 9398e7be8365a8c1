// Package targets 规范化用户填写的监控主机地址。
package targets

import (
	"net"
	"net/url"
	"strings"
)

// Normalize 从 URL、host:port 或带方括号的 IPv6 写法中提取主机部分并转为小写。
// 无法提取时返回空字符串。
func Normalize(address string) string {
	addr := strings.TrimSpace(address)
	if addr == "" {
		return ""
	}
	if strings.Contains(addr, "://") {
		u, err := url.Parse(addr)
		if err != nil {
			return ""
		}
		return clean(u.Hostname())
	}

	addr = strings.TrimPrefix(addr, "//")
	if i := strings.IndexAny(addr, "/?#"); i >= 0 {
		addr = addr[:i]
	}
	if i := strings.LastIndex(addr, "@"); i >= 0 {
		addr = addr[i+1:]
	}

	switch {
	case strings.HasPrefix(addr, "["):
		// [::1] 或 [::1]:443
		if end := strings.Index(addr, "]"); end > 0 {
			addr = addr[1:end]
		}
	case strings.Count(addr, ":") == 1:
		if host, _, err := net.SplitHostPort(addr); err == nil {
			addr = host
		}
	}
	return clean(addr)
}

// IsIP 报告规范化后的地址是否为字面 IP。
func IsIP(address string) bool {
	return net.ParseIP(Normalize(address)) != nil
}

func clean(host string) string {
	return strings.ToLower(strings.Trim(host, "[] "))
}

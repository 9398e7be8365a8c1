// Package netaddr 将 CIDR 展开为可探测的主机地址。
package netaddr

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/projectdiscovery/mapcidr"
)

var (
	// ErrInvalidCIDR 表示输入无法解析为网段。
	ErrInvalidCIDR = errors.New("invalid cidr")
	// ErrTooLarge 表示网段超过允许扫描的地址数量。
	ErrTooLarge = errors.New("network too large")
)

// DefaultLimit 是单次扫描允许的最大地址数（/16）。
const DefaultLimit = 1 << 16

// Parse 解析 CIDR，单个 IP 视为 /32 或 /128。主机位允许非零。
func Parse(cidr string) (*net.IPNet, error) {
	raw := strings.TrimSpace(cidr)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidCIDR)
	}
	if !strings.Contains(raw, "/") {
		ip := net.ParseIP(raw)
		if ip == nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidCIDR, cidr)
		}
		if ip.To4() != nil {
			raw += "/32"
		} else {
			raw += "/128"
		}
	}
	_, network, err := net.ParseCIDR(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCIDR, cidr)
	}
	return network, nil
}

// Hosts 返回网段内的可用主机地址，按数值升序排列。
// IPv4 排除网络地址与广播地址；IPv6 排除子网路由器任播地址。
// /31、/32、/127、/128 保留全部地址。limit<=0 时使用 DefaultLimit。
func Hosts(cidr string, limit int) ([]string, error) {
	network, err := Parse(cidr)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	ones, bits := network.Mask.Size()
	hostBits := bits - ones
	if hostBits >= 31 || uint64(1)<<hostBits > uint64(limit) {
		return nil, fmt.Errorf("%w: %s exceeds %d addresses", ErrTooLarge, network.String(), limit)
	}

	ips, err := mapcidr.IPAddresses(network.String())
	if err != nil {
		return nil, fmt.Errorf("%w: expand %s: %v", ErrInvalidCIDR, network.String(), err)
	}
	if hostBits < 2 {
		return ips, nil
	}

	isV4 := network.IP.To4() != nil
	first := network.IP.String()
	last := broadcast(network).String()
	hosts := make([]string, 0, len(ips))
	for _, ip := range ips {
		if ip == first {
			continue
		}
		if isV4 && ip == last {
			continue
		}
		hosts = append(hosts, ip)
	}
	return hosts, nil
}

func broadcast(network *net.IPNet) net.IP {
	ip := network.IP.To4()
	if ip == nil {
		ip = network.IP.To16()
	}
	out := make(net.IP, len(ip))
	mask := network.Mask
	if len(mask) != len(ip) {
		mask = mask[len(mask)-len(ip):]
	}
	for i := range ip {
		out[i] = ip[i] | ^mask[i]
	}
	return out
}

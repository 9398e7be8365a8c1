// Package netdetect 探测本机所在的 IPv4 网段。
package netdetect

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/projectdiscovery/gologger"
	"github.com/tidwall/gjson"

	"github.com/hitushen/netpresence/internal/discovery/command"
	"github.com/hitushen/netpresence/internal/models"
)

// 自动探测只接受 /16 到 /30 之间的网段。
const (
	minPrefix = 16
	maxPrefix = 30
)

// Detector 发现本地网段。
type Detector struct {
	runner     command.Runner
	interfaces func() ([]net.Interface, error)
}

// New 创建 Detector。
func New(runner command.Runner) *Detector {
	return &Detector{runner: runner, interfaces: net.Interfaces}
}

// Networks 优先解析 `ip -j addr`，不可用时遍历系统网卡。
func (d *Detector) Networks() ([]models.NetworkTarget, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := d.runner.Output(ctx, "ip", "-j", "addr", "show")
	if err == nil {
		nets, perr := ParseIPJSON(out)
		if perr == nil {
			return nets, nil
		}
		err = perr
	}
	gologger.Debug().Msgf("[netdetect] ip -j addr unavailable, using interfaces err=%v", err)
	return d.fromInterfaces()
}

// ParseIPJSON 解析 `ip -j addr` 的输出，只保留处于工作状态、非回环网卡上的全局 IPv4 地址。
func ParseIPJSON(raw []byte) ([]models.NetworkTarget, error) {
	if !gjson.ValidBytes(raw) {
		return nil, errors.New("invalid ip json output")
	}
	var nets []models.NetworkTarget
	seen := map[string]struct{}{}
	gjson.ParseBytes(raw).ForEach(func(_, iface gjson.Result) bool {
		name := iface.Get("ifname").String()
		for _, flag := range iface.Get("flags").Array() {
			if flag.String() == "LOOPBACK" {
				return true
			}
		}
		if iface.Get("operstate").String() == "DOWN" {
			return true
		}
		iface.Get("addr_info").ForEach(func(_, addr gjson.Result) bool {
			if addr.Get("family").String() != "inet" || addr.Get("scope").String() == "host" {
				return true
			}
			cidr, ok := networkOf(addr.Get("local").String(), int(addr.Get("prefixlen").Int()))
			if !ok {
				return true
			}
			if _, dup := seen[cidr]; !dup {
				seen[cidr] = struct{}{}
				nets = append(nets, models.NetworkTarget{Name: name, CIDR: cidr})
			}
			return true
		})
		return true
	})
	return nets, nil
}

func (d *Detector) fromInterfaces() ([]models.NetworkTarget, error) {
	ifaces, err := d.interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}
	var nets []models.NetworkTarget
	seen := map[string]struct{}{}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ones, _ := ipnet.Mask.Size()
			cidr, ok := networkOf(ipnet.IP.String(), ones)
			if !ok {
				continue
			}
			if _, dup := seen[cidr]; !dup {
				seen[cidr] = struct{}{}
				nets = append(nets, models.NetworkTarget{Name: iface.Name, CIDR: cidr})
			}
		}
	}
	return nets, nil
}

func networkOf(ip string, prefix int) (string, bool) {
	parsed := net.ParseIP(ip).To4()
	if parsed == nil || parsed.IsLoopback() || parsed.IsLinkLocalUnicast() {
		return "", false
	}
	if prefix < minPrefix || prefix > maxPrefix {
		return "", false
	}
	mask := net.CIDRMask(prefix, 32)
	return (&net.IPNet{IP: parsed.Mask(mask), Mask: mask}).String(), true
}

package neighbor

import (
	"bufio"
	"bytes"
	"net"
	"strings"
)

// ParseModern 解析 `ip neigh` 输出：
//
//	192.168.1.5 dev wlan0 lladdr aa:bb:cc:dd:ee:ff REACHABLE
//
// 没有 lladdr 的行（INCOMPLETE、FAILED）会被跳过。
func ParseModern(raw []byte) (Table, error) {
	return parseLines(raw, func(fields []string) (string, Entry, bool) {
		idx := indexOf(fields, "lladdr")
		if idx < 0 || idx+1 >= len(fields) {
			return "", Entry{}, false
		}
		mac, ok := normalizeMAC(fields[idx+1])
		if !ok {
			return "", Entry{}, false
		}
		entry := Entry{MAC: mac}
		if dev := indexOf(fields, "dev"); dev >= 0 && dev+1 < len(fields) {
			entry.Iface = fields[dev+1]
		}
		if last := fields[len(fields)-1]; last != fields[idx+1] && isStateKeyword(last) {
			entry.State = last
		}
		return fields[0], entry, true
	})
}

// ParseLegacy 解析 `arp -n` 输出，第三列为 MAC，最后一列为接口：
//
//	192.168.1.1  ether  aa:bb:cc:dd:ee:ff  C  eth0
func ParseLegacy(raw []byte) (Table, error) {
	return parseLines(raw, func(fields []string) (string, Entry, bool) {
		if len(fields) < 4 {
			return "", Entry{}, false
		}
		mac, ok := normalizeMAC(fields[2])
		if !ok {
			return "", Entry{}, false
		}
		return fields[0], Entry{MAC: mac, Iface: fields[len(fields)-1]}, true
	})
}

// ParseProc 解析 /proc/net/arp。
func ParseProc(raw []byte) (Table, error) {
	return parseLines(raw, func(fields []string) (string, Entry, bool) {
		if len(fields) < 6 || fields[2] == "0x0" {
			return "", Entry{}, false
		}
		mac, ok := normalizeMAC(fields[3])
		if !ok || mac == "00:00:00:00:00:00" {
			return "", Entry{}, false
		}
		return fields[0], Entry{MAC: mac, Iface: fields[5]}, true
	})
}

// ParseBSD 解析 macOS/BSD 的 `arp -an`：
//
//	? (192.168.1.1) at 0:1a:2b:3c:4d:5e on en0 ifscope [ethernet]
func ParseBSD(raw []byte) (Table, error) {
	table := Table{}
	candidates := 0
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 {
			continue
		}
		ip := strings.Trim(fields[1], "()")
		if net.ParseIP(ip) == nil {
			continue
		}
		candidates++
		at := indexOf(fields, "at")
		if at < 0 || at+1 >= len(fields) {
			continue
		}
		mac, ok := normalizeMAC(fields[at+1])
		if !ok {
			continue
		}
		entry := Entry{MAC: mac}
		if on := indexOf(fields, "on"); on >= 0 && on+1 < len(fields) {
			entry.Iface = fields[on+1]
		}
		table[ip] = entry
	}
	if candidates > 0 && len(table) == 0 {
		return nil, ErrNoEntries
	}
	return table, nil
}

// parseLines 处理首列为 IP 的格式。首列不是 IP 的行（表头等）不计入候选。
func parseLines(raw []byte, parse func(fields []string) (string, Entry, bool)) (Table, error) {
	table := Table{}
	candidates := 0
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || net.ParseIP(fields[0]) == nil {
			continue
		}
		candidates++
		ip, entry, ok := parse(fields)
		if !ok {
			continue
		}
		table[ip] = entry
	}
	if candidates > 0 && len(table) == 0 {
		return nil, ErrNoEntries
	}
	return table, nil
}

func indexOf(fields []string, token string) int {
	for i, f := range fields {
		if f == token {
			return i
		}
	}
	return -1
}

func isStateKeyword(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// normalizeMAC 将 MAC 统一为小写、两位一组的冒号格式，兼容 BSD 省略前导零的写法。
func normalizeMAC(s string) (string, bool) {
	parts := strings.Split(s, ":")
	if len(parts) == 6 {
		for i, p := range parts {
			if len(p) == 1 {
				parts[i] = "0" + p
			}
		}
		s = strings.Join(parts, ":")
	}
	hw, err := net.ParseMAC(s)
	if err != nil {
		return "", false
	}
	return hw.String(), true
}

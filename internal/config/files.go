package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/projectdiscovery/gologger"
	"gopkg.in/yaml.v3"

	"github.com/hitushen/netpresence/internal/discovery/netaddr"
	"github.com/hitushen/netpresence/internal/models"
	"github.com/hitushen/netpresence/internal/targets"
)

type networkEntry struct {
	Nombre string `yaml:"nombre"`
	Name   string `yaml:"name"`
	CIDR   string `yaml:"cidr"`
}

type monitorEntry struct {
	Nombre   string `yaml:"nombre"`
	Name     string `yaml:"name"`
	Host     string `yaml:"host"`
	IP       string `yaml:"ip"`
	Hostname string `yaml:"hostname"`
}

type networksFile struct {
	Redes    []yaml.Node `yaml:"redes"`
	Networks []yaml.Node `yaml:"networks"`
}

type monitorsFile struct {
	Monitores []yaml.Node `yaml:"monitores"`
	Monitors  []yaml.Node `yaml:"monitors"`
}

// LoadNetworks 读取网段列表。文件不存在时返回空列表，
// 缺少 cidr、cidr 非法或重复的条目会被跳过。
func LoadNetworks(path string) ([]models.NetworkTarget, error) {
	raw, err := readOptional(path)
	if err != nil || raw == nil {
		return []models.NetworkTarget{}, err
	}
	var doc networksFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return []models.NetworkTarget{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return ParseNetworkNodes(append(doc.Redes, doc.Networks...)), nil
}

// ParseNetworkNodes 逐条解码，单条格式错误不影响其他条目。
func ParseNetworkNodes(nodes []yaml.Node) []models.NetworkTarget {
	out := make([]models.NetworkTarget, 0, len(nodes))
	seen := make(map[string]struct{}, len(nodes))
	for i := range nodes {
		var entry networkEntry
		if err := nodes[i].Decode(&entry); err != nil {
			gologger.Warning().Msgf("[config] skipping malformed network entry line=%d err=%v", nodes[i].Line, err)
			continue
		}
		cidr := strings.TrimSpace(entry.CIDR)
		if cidr == "" {
			gologger.Warning().Msgf("[config] skipping network without cidr line=%d", nodes[i].Line)
			continue
		}
		if _, err := netaddr.Parse(cidr); err != nil {
			gologger.Warning().Msgf("[config] skipping network line=%d err=%v", nodes[i].Line, err)
			continue
		}
		if _, dup := seen[cidr]; dup {
			continue
		}
		seen[cidr] = struct{}{}
		out = append(out, models.NetworkTarget{Name: firstNonEmpty(entry.Nombre, entry.Name, cidr), CIDR: cidr})
	}
	return out
}

// LoadMonitors 读取需要 ping 的主机列表，规则与 LoadNetworks 相同。
func LoadMonitors(path string) ([]models.Monitor, error) {
	raw, err := readOptional(path)
	if err != nil || raw == nil {
		return []models.Monitor{}, err
	}
	var doc monitorsFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return []models.Monitor{}, fmt.Errorf("parse %s: %w", path, err)
	}
	nodes := append(doc.Monitores, doc.Monitors...)
	out := make([]models.Monitor, 0, len(nodes))
	for i := range nodes {
		var entry monitorEntry
		if err := nodes[i].Decode(&entry); err != nil {
			gologger.Warning().Msgf("[config] skipping malformed monitor entry line=%d err=%v", nodes[i].Line, err)
			continue
		}
		host := targets.Normalize(firstNonEmpty(entry.Host, entry.IP, entry.Hostname))
		if host == "" {
			gologger.Warning().Msgf("[config] skipping monitor without host line=%d", nodes[i].Line)
			continue
		}
		out = append(out, models.Monitor{Name: firstNonEmpty(entry.Nombre, entry.Name, host), Host: host})
	}
	return out, nil
}

// NetworkFile 在每一轮扫描时重新读取网段文件。
// 文件中没有网段且设置了 Detect 时，改用自动探测到的本地网段。
type NetworkFile struct {
	Path   string
	Detect func() ([]models.NetworkTarget, error)
}

// Networks 实现 scanner.NetworkSource。
func (f NetworkFile) Networks() ([]models.NetworkTarget, error) {
	nets, err := LoadNetworks(f.Path)
	if err != nil {
		return nets, err
	}
	if len(nets) == 0 && f.Detect != nil {
		detected, err := f.Detect()
		if err != nil {
			return nets, fmt.Errorf("detect networks: %w", err)
		}
		gologger.Verbose().Msgf("[config] no networks configured, using %d detected", len(detected))
		return detected, nil
	}
	return nets, nil
}

func readOptional(path string) ([]byte, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return raw, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// MonitorFile 在每次检查时重新读取监控主机文件。
type MonitorFile struct {
	Path string
}

// Monitors 实现 monitor.Source。
func (f MonitorFile) Monitors() ([]models.Monitor, error) {
	return LoadMonitors(f.Path)
}

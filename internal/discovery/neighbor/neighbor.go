// Package neighbor 读取系统邻居表（ARP/NDP），得到 IP 到链路层信息的映射。
package neighbor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/projectdiscovery/gologger"
	osutils "github.com/projectdiscovery/utils/os"

	"github.com/hitushen/netpresence/internal/discovery/command"
)

// ErrNoEntries 表示输出非空但没有任何一行可以解析。
var ErrNoEntries = errors.New("no parsable neighbor entries")

const defaultTimeout = 5 * time.Second

// Entry 是邻居表中的一条记录，State 在旧格式中为空。
type Entry struct {
	MAC   string `json:"mac"`
	Iface string `json:"iface"`
	State string `json:"state,omitempty"`
}

// Table 以 IP 字符串为键。
type Table map[string]Entry

// Parser 将某个工具的原始输出解析为 Table。
type Parser func(raw []byte) (Table, error)

// Source 组合了一个查询方式和与之匹配的解析器。
type Source struct {
	Name  string
	Fetch func(ctx context.Context) ([]byte, error)
	Parse Parser
}

// Reader 按顺序尝试各个来源，第一个成功的结果生效。
type Reader struct {
	sources []Source
	timeout time.Duration
}

// NewReader 按当前平台组装默认来源。
func NewReader(runner command.Runner) *Reader {
	if osutils.IsLinux() {
		return NewReaderWithSources(LinuxSources(runner)...)
	}
	return NewReaderWithSources(BSDSources(runner)...)
}

// NewReaderWithSources 使用自定义来源顺序。
func NewReaderWithSources(sources ...Source) *Reader {
	return &Reader{sources: sources, timeout: defaultTimeout}
}

// LinuxSources 依次为 ip neigh、arp -n 与 /proc/net/arp。
func LinuxSources(runner command.Runner) []Source {
	return []Source{
		{Name: "ip-neigh", Fetch: run(runner, "ip", "neigh", "show"), Parse: ParseModern},
		{Name: "arp", Fetch: run(runner, "arp", "-n"), Parse: ParseLegacy},
		{Name: "proc", Fetch: func(context.Context) ([]byte, error) { return os.ReadFile("/proc/net/arp") }, Parse: ParseProc},
	}
}

// BSDSources 适用于 macOS 与 BSD 的 arp -an。
func BSDSources(runner command.Runner) []Source {
	return []Source{
		{Name: "arp", Fetch: run(runner, "arp", "-an"), Parse: ParseBSD},
	}
}

func run(runner command.Runner, name string, args ...string) func(ctx context.Context) ([]byte, error) {
	return func(ctx context.Context) ([]byte, error) {
		return runner.Output(ctx, name, args...)
	}
}

// ReadTable 返回邻居表；所有来源失败时返回空表而不是错误。
func (r *Reader) ReadTable(ctx context.Context) Table {
	for _, src := range r.sources {
		table, err := r.read(ctx, src)
		if err != nil {
			gologger.Debug().Msgf("[neighbor] source failed source=%s err=%v", src.Name, err)
			continue
		}
		gologger.Verbose().Msgf("[neighbor] read %d entries source=%s", len(table), src.Name)
		return table
	}
	gologger.Warning().Msgf("[neighbor] no neighbor source available, continuing without link-layer data")
	return Table{}
}

func (r *Reader) read(ctx context.Context, src Source) (Table, error) {
	readCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	raw, err := src.Fetch(readCtx)
	if err != nil {
		return nil, err
	}
	table, err := src.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", src.Name, err)
	}
	return table, nil
}

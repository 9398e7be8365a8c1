// Package probe 实现单次存活探测。
package probe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/projectdiscovery/gologger"

	"github.com/hitushen/netpresence/internal/discovery/command"
)

// DefaultTimeout 是单次探测的等待上限。
const DefaultTimeout = time.Second

// Result 是一次 ping 的结果。RTT 为零表示未知。
type Result struct {
	Reachable bool
	RTT       time.Duration
	Raw       string
}

// Provider 是一种探测手段。返回错误表示该手段在当前环境不可用，
// 此时 Prober 会尝试下一个；目标不可达不是错误。
type Provider interface {
	Name() string
	Ping(ctx context.Context, address string, timeout time.Duration) (Result, error)
}

// Prober 按顺序尝试各 Provider，可并发使用。
type Prober struct {
	providers []Provider
	timeout   time.Duration
}

// New 使用给定的 Provider 顺序创建 Prober。
func New(timeout time.Duration, providers ...Provider) *Prober {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Prober{providers: providers, timeout: timeout}
}

// NewDefault 先使用系统 ping，缺失时退回到 ICMP 套接字。
func NewDefault(timeout time.Duration) *Prober {
	return New(timeout, NewExecProvider(command.Exec{}), &ICMPProvider{})
}

// Probe 报告地址是否可达，任何失败均视为不可达。
func (p *Prober) Probe(ctx context.Context, address string) bool {
	res, _ := p.Ping(ctx, address)
	return res.Reachable
}

// Ping 返回带 RTT 的探测结果；所有 Provider 都不可用时返回最后一个错误。
func (p *Prober) Ping(ctx context.Context, address string) (Result, error) {
	var lastErr error
	for _, provider := range p.providers {
		res, err := provider.Ping(ctx, address, p.timeout)
		if err == nil {
			return res, nil
		}
		gologger.Debug().Msgf("[probe] provider unavailable provider=%s addr=%s err=%v", provider.Name(), address, err)
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	if lastErr == nil {
		lastErr = errors.New("no probe provider configured")
	}
	return Result{}, fmt.Errorf("probe %s: %w", address, lastErr)
}

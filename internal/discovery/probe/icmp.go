package probe

import (
	"context"
	"fmt"
	"time"

	"github.com/go-ping/ping"
)

// ICMPProvider 直接使用 ICMP 套接字探测，非特权模式下走 UDP ICMP。
type ICMPProvider struct {
	Privileged bool
}

func (p *ICMPProvider) Name() string { return "icmp" }

func (p *ICMPProvider) Ping(ctx context.Context, address string, timeout time.Duration) (Result, error) {
	pinger, err := ping.NewPinger(address)
	if err != nil {
		return Result{}, fmt.Errorf("icmp pinger: %w", err)
	}
	pinger.SetPrivileged(p.Privileged)
	pinger.Count = 1
	pinger.Timeout = timeout

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			pinger.Stop()
		case <-done:
		}
	}()

	if err := pinger.Run(); err != nil {
		return Result{}, fmt.Errorf("icmp run: %w", err)
	}
	stats := pinger.Statistics()
	if stats.PacketsRecv == 0 {
		return Result{}, nil
	}
	return Result{Reachable: true, RTT: stats.AvgRtt}, nil
}

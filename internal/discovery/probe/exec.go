package probe

import (
	"context"
	"errors"
	"math"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	osutils "github.com/projectdiscovery/utils/os"

	"github.com/hitushen/netpresence/internal/discovery/command"
)

var rttPattern = regexp.MustCompile(`time[=<]([0-9.]+) ?ms`)

// ExecProvider 调用系统 ping 发送一个回显请求。
type ExecProvider struct {
	runner command.Runner
	darwin bool
}

// NewExecProvider 根据当前平台选择 ping 参数。
func NewExecProvider(runner command.Runner) *ExecProvider {
	return &ExecProvider{runner: runner, darwin: osutils.IsOSX()}
}

func (e *ExecProvider) Name() string { return "exec" }

func (e *ExecProvider) Ping(ctx context.Context, address string, timeout time.Duration) (Result, error) {
	name, args := e.command(address, timeout)
	// ping 自身的 -W 控制等待，外层再留出进程启动的余量。
	runCtx, cancel := context.WithTimeout(ctx, timeout+time.Second)
	defer cancel()

	out, err := e.runner.Output(runCtx, name, args...)
	raw := strings.TrimSpace(string(out))
	switch {
	case err == nil:
		return Result{Reachable: true, RTT: ParseRTT(raw), Raw: raw}, nil
	case command.IsMissing(err):
		return Result{}, err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return Result{Raw: raw}, nil
	case command.IsExit(err):
		if permissionDenied(err) {
			return Result{}, err
		}
		return Result{Raw: raw}, nil
	default:
		return Result{}, err
	}
}

func (e *ExecProvider) command(address string, timeout time.Duration) (string, []string) {
	if e.darwin {
		if ip := net.ParseIP(address); ip != nil && ip.To4() == nil {
			return "ping6", []string{"-c", "1", address}
		}
		return "ping", []string{"-c", "1", "-W", strconv.Itoa(int(timeout.Milliseconds())), address}
	}
	secs := int(math.Ceil(timeout.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return "ping", []string{"-c", "1", "-W", strconv.Itoa(secs), address}
}

// ParseRTT 从 ping 输出中提取往返时间，找不到时返回 0。
func ParseRTT(output string) time.Duration {
	m := rttPattern.FindStringSubmatch(output)
	if len(m) < 2 {
		return 0
	}
	ms, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}
	return time.Duration(ms * float64(time.Millisecond))
}

func permissionDenied(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "operation not permitted") || strings.Contains(msg, "permission denied")
}

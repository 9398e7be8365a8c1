// Package command 封装对外部系统工具的调用。
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ErrMissing 表示所需的工具在当前系统中不存在。
var ErrMissing = errors.New("command not available")

// Runner 执行外部命令并返回标准输出。
type Runner interface {
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

// Exec 通过 os/exec 运行真实进程。
type Exec struct{}

// Output 运行命令，非零退出码以 *ExitError 返回，同时保留已产生的输出。
func (Exec) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMissing, name)
	}
	cmd := exec.CommandContext(ctx, path, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return stdout.Bytes(), fmt.Errorf("%s: %w", name, ctxErr)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdout.Bytes(), &ExitError{Name: name, Code: exitErr.ExitCode(), Stderr: strings.TrimSpace(stderr.String())}
		}
		return stdout.Bytes(), fmt.Errorf("run %s: %w", name, err)
	}
	return stdout.Bytes(), nil
}

// ExitError 描述以非零状态退出的命令。
type ExitError struct {
	Name   string
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s exited with status %d: %s", e.Name, e.Code, e.Stderr)
	}
	return fmt.Sprintf("%s exited with status %d", e.Name, e.Code)
}

// IsMissing 判断错误是否源于工具缺失。
func IsMissing(err error) bool {
	return errors.Is(err, ErrMissing)
}

// IsExit 判断错误是否为非零退出。
func IsExit(err error) bool {
	var exitErr *ExitError
	return errors.As(err, &exitErr)
}

// Func 让普通函数满足 Runner，测试中常用。
type Func func(ctx context.Context, name string, args ...string) ([]byte, error)

// Output 调用函数本身。
func (f Func) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	return f(ctx, name, args...)
}

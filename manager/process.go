package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
)

// ErrInterrupted 表示对进程退出的等待被打断，进程是否退出未知。
var ErrInterrupted = errors.New("等待进程退出被中断")

// Process 是被监视的子进程。
type Process interface {
	Pid() int
	// Wait 阻塞直到进程退出。返回 ErrInterrupted 表示等待被打断。
	Wait() error
	Kill() error
}

// LaunchSpec 描述要启动的子进程。
type LaunchSpec struct {
	Command []string
	LogFile string
	Env     []string
}

// Launcher 启动子进程。
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}

// ExecLauncher 用 os/exec 启动子进程，标准输出和标准错误追加到日志文件。
type ExecLauncher struct{}

func (ExecLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	if len(spec.Command) == 0 {
		return nil, errors.New("命令行为空")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Env = append(os.Environ(), spec.Env...)
	var logFile *os.File
	if spec.LogFile != "" {
		f, err := os.OpenFile(spec.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("打开日志文件失败: %w", err)
		}
		cmd.Stdout = f
		cmd.Stderr = f
		logFile = f
	}
	if err := cmd.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return nil, err
	}
	return &execProcess{cmd: cmd, logFile: logFile}, nil
}

type execProcess struct {
	cmd     *exec.Cmd
	logFile *os.File
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Wait() error {
	err := p.cmd.Wait()
	if p.logFile != nil {
		p.logFile.Close()
	}
	return err
}

func (p *execProcess) Kill() error {
	err := p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

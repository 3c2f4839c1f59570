// Package sysinfo 描述 agent 所在的主机。
package sysinfo

import (
	"os"
	"runtime"

	"github.com/TAnNbR/fleet/fleet"
)

// Describe 返回当前主机和进程的描述。
func Describe() fleet.SystemDescription {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fleet.SystemDescription{
		Hostname:    hostname,
		OS:          runtime.GOOS,
		Arch:        runtime.GOARCH,
		CPUs:        runtime.NumCPU(),
		MemoryBytes: totalMemory(),
		GoVersion:   runtime.Version(),
		PID:         os.Getpid(),
	}
}

//go:build !linux

package sysinfo

func totalMemory() uint64 { return 0 }

package minfree

import (
	"fmt"
	"log/slog"
	"syscall"
)

// Policy triggers eviction when disk free space is below a threshold.
type Policy struct {
	Path         string
	MinFreeBytes int64
	// Statfs is used instead of syscall.Statfs when set.
	Statfs func(path string) (free int64, err error)
}

func (m *Policy) BytesToFree(currentSize int64) (int64, error) {
	if m.MinFreeBytes <= 0 {
		return 0, nil
	}
	statfs := m.Statfs
	if statfs == nil {
		statfs = freeSpace
	}
	free, err := statfs(m.Path)
	if err != nil {
		return 0, err
	}

	slog.Debug("Disk space check", "path", m.Path, "free_bytes", free, "min_required", m.MinFreeBytes)

	if free < m.MinFreeBytes {
		return m.MinFreeBytes - free, nil
	}
	return 0, nil
}

func freeSpace(path string) (int64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, fmt.Errorf("failed to check disk space: %w", err)
	}
	return int64(stat.Bavail) * int64(stat.Bsize), nil
}

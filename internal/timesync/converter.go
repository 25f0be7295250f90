package timesync

import (
	"fmt"
	"time"

	"github.com/prometheus/procfs"
)

// Converter handles conversion from monotonic timestamps to wall-clock time.
type Converter struct {
	bootTime time.Time
}

// NewConverter creates a converter from the boot time in /proc/stat.
// If reading fails, it uses a conservative fallback estimate and returns
// the error alongside the usable converter.
func NewConverter() (*Converter, error) {
	return NewConverterFromFS(procfs.DefaultMountPoint)
}

// NewConverterFromFS is NewConverter for a procfs mounted at mountPoint.
func NewConverterFromFS(mountPoint string) (*Converter, error) {
	bootTime, err := systemBootTime(mountPoint)
	if err != nil {
		return &Converter{bootTime: time.Now().Add(-time.Hour)}, err
	}
	return &Converter{bootTime: bootTime}, nil
}

// NewConverterAt returns a converter for a known boot time.
func NewConverterAt(bootTime time.Time) *Converter {
	return &Converter{bootTime: bootTime}
}

// MonotonicToWallClock converts a monotonic timestamp (nanoseconds since boot) to wall-clock time.
func (c *Converter) MonotonicToWallClock(monotonicNanos uint64) time.Time {
	//nolint:gosec // uint64 to int64 conversion for time.Duration is safe for reasonable timestamps
	return c.bootTime.Add(time.Duration(monotonicNanos))
}

// BootTime returns the system boot time used for conversions.
func (c *Converter) BootTime() time.Time {
	return c.bootTime
}

func systemBootTime(mountPoint string) (time.Time, error) {
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to open procfs at %s: %w", mountPoint, err)
	}

	stat, err := fs.Stat()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read %s/stat: %w", mountPoint, err)
	}
	if stat.BootTime == 0 {
		return time.Time{}, fmt.Errorf("btime not found in %s/stat", mountPoint)
	}

	//nolint:gosec // btime is seconds since the epoch
	return time.Unix(int64(stat.BootTime), 0), nil
}

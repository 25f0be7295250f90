// Package timesync converts proc connector timestamps to wall-clock time.
//
// The kernel stamps each process event with nanoseconds since boot. This
// package adds that offset to the boot time read from /proc/stat.
package timesync

//go:build linux || darwin

package slabmem

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// residentSetKB reports the process's peak resident set size (getrusage's
// maxrss) in kilobytes, for Manager.CheckPressure. Mirrors the
// resource-accounting role bufferpool.go fills
// with table-level byte counters, but sourced from the OS instead of an
// application-level estimate.
func residentSetKB() int64 {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return 0
	}
	// Darwin reports bytes, Linux reports kilobytes; normalize to KB.
	maxRSS := int64(ru.Maxrss)
	if runtime.GOOS == "darwin" {
		return maxRSS / 1024
	}
	return maxRSS
}

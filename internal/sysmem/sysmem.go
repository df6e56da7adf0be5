// Package sysmem reports the amount of physical memory on the host.
package sysmem

import "errors"

var ErrUnsupported = errors.New("total memory lookup not supported on this platform")

// Total returns the total physical memory of the host in bytes.
func Total() (uint64, error) {
	return total()
}

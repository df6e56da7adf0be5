package sysmem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func total() (uint64, error) {
	n, err := unix.SysctlUint64("hw.memsize")
	if err != nil {
		return 0, fmt.Errorf("reading hw.memsize: %w", err)
	}
	return n, nil
}

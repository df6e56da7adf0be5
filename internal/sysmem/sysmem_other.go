//go:build !linux && !darwin

package sysmem

func total() (uint64, error) {
	return 0, ErrUnsupported
}

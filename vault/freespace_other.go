//go:build !linux && !darwin && !freebsd

package vault

func freeSpace(string) (uint64, error) {
	return 0, ErrUnsupported
}

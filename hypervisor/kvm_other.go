//go:build !linux

package hypervisor

// NewVirtualizedDriver has no backend outside Linux/KVM: this
// implementation's hypervisor partition is built entirely on
// /dev/kvm's ioctl surface. Non-Linux hosts can still use in-process
// run mode.
func NewVirtualizedDriver(cfg Config) (Driver, error) {
	return nil, ErrUnsupportedPlatform
}

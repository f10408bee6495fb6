//go:build !linux

package tunbridge

func openPlatformDevice(b *Bridge, addr Addressing) (Device, func(), error) {
	return nil, nil, ErrUnsupported
}

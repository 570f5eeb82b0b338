//go:build linux

package tundev

import (
	"fmt"

	"github.com/songgao/water"
)

// linuxDevice wraps a water TUN interface.
type linuxDevice struct {
	ifce *water.Interface
}

// New creates a TUN device named name ("" lets the kernel pick).
func New(name string) (Device, error) {
	ifce, err := water.New(water.Config{
		DeviceType: water.TUN,
		PlatformSpecificParams: water.PlatformSpecificParams{
			Name: name,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("tundev: creating TUN device: %w", err)
	}
	return &linuxDevice{ifce: ifce}, nil
}

func (d *linuxDevice) Read(buf []byte) (int, error) {
	return d.ifce.Read(buf)
}

func (d *linuxDevice) Write(packet []byte) (int, error) {
	return d.ifce.Write(packet)
}

func (d *linuxDevice) Name() string {
	return d.ifce.Name()
}

func (d *linuxDevice) Close() error {
	return d.ifce.Close()
}

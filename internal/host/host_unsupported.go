//go:build !linux

package host

import "github.com/tinyrange/stordrv/internal/hw"

func Open(Options) (Backend, error) {
	return nil, hw.ErrUnsupported
}

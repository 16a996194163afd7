//go:build !linux

package blockdev

import (
	"os"

	"github.com/runningwild/qpbench/pkg/device"
)

const directFlag = 0

func geometry(f *os.File) (uint64, uint64, error) { return seekSize(f) }

func allocate(size int) (*device.Buffer, error) {
	return device.NewBuffer(make([]byte, size), nil), nil
}

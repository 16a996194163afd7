package blockdev

import (
	"os"
	"syscall"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/runningwild/qpbench/pkg/device"
)

const directFlag = syscall.O_DIRECT

func init() {
	engines["uring"] = newUringQueuePair
	engines["libaio"] = newAIOQueuePair
	engines["iouring"] = newIOURingQueuePair
}

// geometry asks the kernel for block devices and falls back to the file
// length otherwise.
func geometry(f *os.File) (uint64, uint64, error) {
	fi, err := f.Stat()
	if err != nil {
		return 0, 0, err
	}
	if fi.Mode()&os.ModeDevice == 0 {
		return seekSize(f)
	}
	var size uint64
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), unix.BLKGETSIZE64, uintptr(unsafe.Pointer(&size))); errno != 0 {
		return 0, 0, errors.Wrap(errno, "BLKGETSIZE64")
	}
	bs, err := unix.IoctlGetInt(int(f.Fd()), unix.BLKSSZGET)
	if err != nil {
		return 0, 0, errors.Wrap(err, "BLKSSZGET")
	}
	return size, uint64(bs), nil
}

func allocate(size int) (*device.Buffer, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrap(err, "failed to allocate aligned memory")
	}
	return device.NewBuffer(mem, unix.Munmap), nil
}

func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.EINTR) {
		return true
	}
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		return sysErr.Err == syscall.EINTR
	}
	return false
}

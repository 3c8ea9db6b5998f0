//go:build linux

package nitro

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// nsmIoctlRequest is the ioctl command number the NSM kernel driver
// registers for request/response exchanges (magic 0x0A, number 0).
const nsmIoctlRequest = 0xC02C4E00

// nsmRawMessage mirrors the kernel's nsm_raw structure: pointers to an
// input buffer and an output buffer, both CBOR-encoded.
type nsmRawMessage struct {
	requestPtr  uintptr
	requestLen  uint32
	responsePtr uintptr
	responseLen uint32
}

type realDriver struct{}

func (realDriver) init() (int, error) {
	f, err := os.OpenFile("/dev/nsm", os.O_RDWR, 0)
	if err != nil {
		return -1, fmt.Errorf("open /dev/nsm: %w", err)
	}
	return int(f.Fd()), nil
}

func (realDriver) process(handle int, request []byte) ([]byte, error) {
	response := make([]byte, 1<<16)
	msg := nsmRawMessage{
		requestPtr:  uintptr(unsafe.Pointer(&request[0])),
		requestLen:  uint32(len(request)),
		responsePtr: uintptr(unsafe.Pointer(&response[0])),
		responseLen: uint32(len(response)),
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(handle), uintptr(nsmIoctlRequest), uintptr(unsafe.Pointer(&msg)))
	if errno != 0 {
		return nil, fmt.Errorf("NSM ioctl: %w", errno)
	}
	return response[:msg.responseLen], nil
}

func newDriver() nsmDriver { return realDriver{} }

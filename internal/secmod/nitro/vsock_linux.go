//go:build linux

package nitro

import (
	"context"
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// vmaddrCIDAny binds a vsock listener to accept connections from any CID.
const vmaddrCIDAny = 0xFFFFFFFF

// parentCID is the fixed peer CID this enclave dials when initiating a
// vsock connection (the parent EC2 instance / sibling enclave tunnel).
const parentCID = 3

// vsockListen opens an AF_VSOCK listening socket on the given port and
// wraps it as a net.Listener via os.NewFile + net.FileListener, so callers
// never need to touch the raw socket family.
func vsockListen(_ context.Context, port uint32) (net.Listener, error) {
	fd, err := unix.Socket(unix.AF_VSOCK, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("vsock socket: %w", err)
	}
	addr := &unix.SockaddrVM{CID: vmaddrCIDAny, Port: port}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("vsock bind port %d: %w", port, err)
	}
	if err := unix.Listen(fd, 16); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("vsock listen port %d: %w", port, err)
	}
	f := os.NewFile(uintptr(fd), fmt.Sprintf("vsock-listen-%d", port))
	ln, err := net.FileListener(f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("vsock file listener: %w", err)
	}
	return ln, nil
}

// vsockConnect dials the fixed parent CID on the given port.
func vsockConnect(_ context.Context, port uint32) (net.Conn, error) {
	fd, err := unix.Socket(unix.AF_VSOCK, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("vsock socket: %w", err)
	}
	addr := &unix.SockaddrVM{CID: parentCID, Port: port}
	if err := unix.Connect(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("vsock connect CID %d port %d: %w", parentCID, port, err)
	}
	f := os.NewFile(uintptr(fd), fmt.Sprintf("vsock-conn-%d", port))
	conn, err := net.FileConn(f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("vsock file conn: %w", err)
	}
	return conn, nil
}

//go:build !linux

package nitro

import (
	"context"
	"fmt"
	"net"
)

func vsockListen(_ context.Context, port uint32) (net.Listener, error) {
	return nil, fmt.Errorf("AF_VSOCK is only available on Linux (port %d)", port)
}

func vsockConnect(_ context.Context, port uint32) (net.Conn, error) {
	return nil, fmt.Errorf("AF_VSOCK is only available on Linux (port %d)", port)
}

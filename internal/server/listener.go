package server

import (
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// setReuseAddrAndKeepAlive is the net.ListenConfig.Control hook enabling
// SO_REUSEADDR on the listening socket. SO_KEEPALIVE is a per-connection
// option, applied to each accepted socket in enableKeepAlive below.
func setReuseAddrAndKeepAlive(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

// enableKeepAlive turns on SO_KEEPALIVE for an accepted connection.
func enableKeepAlive(conn net.Conn) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(60 * time.Second)
	}
}

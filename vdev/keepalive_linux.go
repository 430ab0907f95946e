//go:build linux

package vdev

import (
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// setKeepalive tunes TCP keep-alive on conn to the given idle time,
// probe count, and probe interval. net.TCPConn only exposes a single
// period knob on most platforms, so the individual parameters are set
// directly through the raw file descriptor.
func setKeepalive(conn *net.TCPConn, idle time.Duration, count int, interval time.Duration) error {
	if err := conn.SetKeepAlive(true); err != nil {
		return err
	}

	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}

	var sockErr error
	err = raw.Control(func(fd uintptr) {
		if sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, int(idle.Seconds())); sockErr != nil {
			return
		}
		if sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPCNT, count); sockErr != nil {
			return
		}
		sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, int(interval.Seconds()))
	})
	if err != nil {
		return err
	}
	return sockErr
}

//go:build !linux && !windows

package vdev

import (
	"net"
	"time"
)

// setKeepalive falls back to the portable single-period knob on
// platforms without a dedicated idle/count/interval syscall path wired
// in this package.
func setKeepalive(conn *net.TCPConn, idle time.Duration, _ int, interval time.Duration) error {
	if err := conn.SetKeepAlive(true); err != nil {
		return err
	}
	return conn.SetKeepAlivePeriod(interval)
}

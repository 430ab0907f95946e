//go:build windows

package vdev

import (
	"net"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"
)

// tcpKeepalive mirrors the Winsock SIO_KEEPALIVE_VALS structure.
type tcpKeepalive struct {
	OnOff      uint32
	KeepAliveTime   uint32
	KeepAliveInterval uint32
}

// setKeepalive tunes TCP keep-alive idle time and probe interval via
// WSAIoctl(SIO_KEEPALIVE_VALS). Windows has no per-connection probe
// count knob; it is fixed by the OS (historically 5-10 probes) so
// count is accepted for API symmetry with the linux build but unused.
func setKeepalive(conn *net.TCPConn, idle time.Duration, _ int, interval time.Duration) error {
	if err := conn.SetKeepAlive(true); err != nil {
		return err
	}

	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}

	in := tcpKeepalive{
		OnOff:             1,
		KeepAliveTime:     uint32(idle.Milliseconds()),
		KeepAliveInterval: uint32(interval.Milliseconds()),
	}

	var sockErr error
	err = raw.Control(func(fd uintptr) {
		var outBytes uint32
		const sioKeepaliveVals = windows.IOC_IN | windows.IOC_VENDOR | 4
		sockErr = windows.WSAIoctl(
			windows.Handle(fd),
			sioKeepaliveVals,
			(*byte)(unsafe.Pointer(&in)),
			uint32(unsafe.Sizeof(in)),
			nil, 0,
			&outBytes,
			nil, 0,
		)
	})
	if err != nil {
		return err
	}
	return sockErr
}

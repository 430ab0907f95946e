// Package registry implements the per-device request registry: sequence
// number allocation, pending/sent queue tracking, partial-send
// continuation, cancellation, and reply correlation.
package registry

import (
	"sync/atomic"

	"github.com/alia5/usbip-vhci/urb"
)

// SeqNum is a USB/IP cmd_submit/ret_submit sequence number: a 31-bit
// monotonic counter shifted left by one, with the low bit carrying
// transfer direction. Zero is reserved as "invalid".
type SeqNum uint32

// Direction extracts the transfer direction carried in the low bit.
func (s SeqNum) Direction() urb.Direction {
	if s&1 != 0 {
		return urb.DirIn
	}
	return urb.DirOut
}

// Valid reports whether s is usable (non-zero).
func (s SeqNum) Valid() bool { return s != 0 }

// seqAllocator draws sequence numbers for one device: a 31-bit counter
// shifted left by one, re-drawn whenever the shift would produce zero.
type seqAllocator struct {
	counter uint32
}

// next allocates the next sequence number for the given direction.
func (a *seqAllocator) next(dir urb.Direction) SeqNum {
	for {
		n := atomic.AddUint32(&a.counter, 1)
		seq := n << 1
		if seq == 0 {
			continue
		}
		if dir == urb.DirIn {
			seq |= 1
		}
		return SeqNum(seq)
	}
}

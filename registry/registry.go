package registry

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/alia5/usbip-vhci/urb"
)

// ErrNotConnected is returned by Enqueue when the device is not plugged.
var ErrNotConnected = errors.New("registry: device not connected")

// Result is delivered on a Request's Done channel exactly once, either
// by the dispatcher on reply correlation or by a cancellation path
// (abort-pipe, explicit cancel, or session teardown).
type Result struct {
	Status    urb.Status
	Cancelled bool
}

// Request is one URBR: the registry's record of a URB in flight. The
// caller-facing completion handle is Done, a single-element buffered
// channel delivered to exactly once (registry's stand-in for an
// IRP-completion callback).
type Request struct {
	SeqNum SeqNum
	Pipe   urb.PipeHandle
	URB    *urb.Request
	Done   chan Result

	claimed atomic.Bool
}

// claim atomically marks this request as resolved, returning true if
// the caller won the race (i.e. is the one that gets to send on Done).
// Exactly one caller across {reply match, cancel, abort-pipe, teardown}
// ever observes true for a given Request.
func (r *Request) claim() bool {
	return r.claimed.CompareAndSwap(false, true)
}

// Registry tracks one device's in-flight URBRs: the pending queue
// (not yet serialized), the sent set (awaiting reply), a single partial
// write cursor, and the full membership set used for abort-pipe scans.
type Registry struct {
	mu sync.Mutex

	seq     seqAllocator
	plugged bool

	all     map[SeqNum]*Request
	pending []*Request
	sent    map[SeqNum]*Request
	partial *WriteCursor

	notify chan struct{}
}

// New returns an empty, unplugged Registry.
func New() *Registry {
	return &Registry{
		all:    make(map[SeqNum]*Request),
		sent:   make(map[SeqNum]*Request),
		notify: make(chan struct{}, 1),
	}
}

// Notify returns the channel a writer pump should select on alongside
// its own shutdown signal: a pending admission wakes it without
// requiring a poll loop. The channel is buffered by one, so a signal
// sent before the pump starts waiting is not lost.
func (r *Registry) Notify() <-chan struct{} {
	return r.notify
}

func (r *Registry) wake() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// SetPlugged toggles whether new requests may be admitted. Un-plugging
// does not itself cancel outstanding requests; callers that want to
// tear a device down should call CancelAll first.
func (r *Registry) SetPlugged(plugged bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugged = plugged
}

// Enqueue admits a new URBR for the given direction/pipe, allocating
// its sequence number and placing it on the pending queue. Returns
// ErrNotConnected if the device is not plugged.
func (r *Registry) Enqueue(dir urb.Direction, pipe urb.PipeHandle, u *urb.Request) (*Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.plugged {
		return nil, ErrNotConnected
	}

	req := &Request{
		SeqNum: r.seq.next(dir),
		Pipe:   pipe,
		URB:    u,
		Done:   make(chan Result, 1),
	}
	r.all[req.SeqNum] = req
	r.pending = append(r.pending, req)
	r.wake()
	return req, nil
}

// PopPending removes and returns the oldest pending URBR, FIFO. The
// caller (the writer) is responsible for calling MarkSent or
// BeginPartial once it has serialized the request.
func (r *Registry) PopPending() (*Request, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) == 0 {
		return nil, false
	}
	req := r.pending[0]
	r.pending = r.pending[1:]
	return req, true
}

// MarkSent records that req has been fully serialized and is now
// awaiting a reply.
func (r *Registry) MarkSent(req *Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent[req.SeqNum] = req
}

// BeginPartial starts a write cursor for a request whose outbound
// payload did not fit in a single reader-supplied buffer. Subsequent
// reader calls should use Partial and the cursor's Next until it is
// Done, then CompletePartial.
func (r *Registry) BeginPartial(req *Request, header, payload []byte) *WriteCursor {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := newWriteCursor(req, header, payload)
	r.partial = c
	return c
}

// Partial returns the in-progress write cursor, if any.
func (r *Registry) Partial() (*WriteCursor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.partial, r.partial != nil
}

// CompletePartial moves the request owning the current partial cursor
// into the sent set and clears the cursor. Call once the cursor
// reports Done.
func (r *Registry) CompletePartial() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.partial == nil {
		return
	}
	req := r.partial.Request()
	r.sent[req.SeqNum] = req
	r.partial = nil
}

// MatchReply looks up the sent request for seq. If found, it is
// removed from the registry and claimed; the caller then owns
// completing it (decoding the reply via the urb package and sending on
// Done). Returns ok=false if there is no such request, or it was
// already claimed by a concurrent cancellation (discard the frame).
func (r *Registry) MatchReply(seq SeqNum) (*Request, bool) {
	r.mu.Lock()
	req, ok := r.sent[seq]
	if ok {
		delete(r.sent, seq)
		delete(r.all, seq)
	}
	r.mu.Unlock()

	if !ok {
		return nil, false
	}
	if !req.claim() {
		return nil, false
	}
	return req, true
}

// Cancel removes and claims a single request by sequence number,
// wherever it is queued (pending, sent, or the partial slot). Returns
// ok=false if there is no such request or it was already claimed.
// wasSent reports whether the request had already been handed to the
// wire (and so needs a CMD_UNLINK to tell the peer to stop it); it is
// only meaningful when ok is true.
func (r *Registry) Cancel(seq SeqNum) (req *Request, ok bool, wasSent bool) {
	r.mu.Lock()
	req, ok = r.all[seq]
	if ok {
		_, wasSent = r.sent[seq]
		r.removeLocked(req)
	}
	r.mu.Unlock()

	if !ok || !req.claim() {
		return nil, false, false
	}
	return req, true, wasSent
}

// Resolve removes and claims a single request, wherever queued, for
// local-only completion paths that bypass a wire reply entirely
// (NOT_IMPLEMENTED handlers, ABORT_PIPE's own request, no-network-traffic
// completions). Same underlying bookkeeping as Cancel, named for call
// sites that aren't cancelling anything.
func (r *Registry) Resolve(seq SeqNum) (*Request, bool) {
	req, ok, _ := r.Cancel(seq)
	return req, ok
}

// AbortPipe removes and claims every request bound to pipe, wherever
// queued. The caller completes each returned request with
// urb.StatusCancelled. Used for ABORT_PIPE, whose own request the
// caller has already resolved out of the registry before calling this.
func (r *Registry) AbortPipe(pipe urb.PipeHandle) []*Request {
	return r.AbortPipeExcept(pipe, 0, false)
}

// AbortPipeExcept is AbortPipe but skips the request named by except
// when exceptSet is true. Used by SYNC_RESET_PIPE_AND_CLEAR_STALL's
// follow-up cancel, where the CLEAR_FEATURE request itself shares the
// target pipe but must stay registered in sent awaiting its own reply.
func (r *Registry) AbortPipeExcept(pipe urb.PipeHandle, except SeqNum, exceptSet bool) []*Request {
	r.mu.Lock()
	var victims []*Request
	for _, req := range r.all {
		if req.Pipe != pipe {
			continue
		}
		if exceptSet && req.SeqNum == except {
			continue
		}
		victims = append(victims, req)
	}
	for _, req := range victims {
		r.removeLocked(req)
	}
	r.mu.Unlock()

	return claimAll(victims)
}

// CancelAll removes and claims every outstanding request, used during
// session teardown so every in-flight URBR resolves exactly once.
func (r *Registry) CancelAll() []*Request {
	r.mu.Lock()
	victims := make([]*Request, 0, len(r.all))
	for _, req := range r.all {
		victims = append(victims, req)
	}
	for _, req := range victims {
		r.removeLocked(req)
	}
	r.mu.Unlock()

	return claimAll(victims)
}

func claimAll(victims []*Request) []*Request {
	claimed := make([]*Request, 0, len(victims))
	for _, req := range victims {
		if req.claim() {
			claimed = append(claimed, req)
		}
	}
	return claimed
}

// removeLocked removes req from whichever queue currently holds it.
// Callers must hold r.mu.
func (r *Registry) removeLocked(req *Request) {
	delete(r.all, req.SeqNum)
	delete(r.sent, req.SeqNum)
	if r.partial != nil && r.partial.Request() == req {
		r.partial = nil
	}
	for i, p := range r.pending {
		if p == req {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			break
		}
	}
}

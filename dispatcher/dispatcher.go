// Package dispatcher runs the writer and reader pumps that drive one
// session's registry against its socket: the writer serializes pending
// URBRs (in bounded chunks, resuming a partial send across calls when a
// payload doesn't fit one pass), the reader decodes ret_submit/ret_unlink
// frames and correlates them back to the registry by sequence number.
package dispatcher

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/alia5/usbip-vhci/internal/vhcilog"
	"github.com/alia5/usbip-vhci/registry"
	"github.com/alia5/usbip-vhci/urb"
	"github.com/alia5/usbip-vhci/usbip"
)

// Transport is the socket seam a Dispatcher drives: *net.TCPConn in
// production (and against internal/testserver), a net.Pipe end in this
// package's tests.
type Transport interface {
	io.Reader
	io.Writer
	io.Closer
}

// defaultWriteChunkSize bounds a single writer-pump pass over a
// request's header+payload, the Go stand-in for the IRP-supplied read
// buffer the source's "reader" chunked large transfers into. Most
// requests fit in one chunk; tests shrink this to exercise the partial
// continuation path (spec.md §8 scenario 6).
const defaultWriteChunkSize = 64 * 1024

// Dispatcher owns the two pump goroutines for one session's registry.
// It does not own the transport's lifecycle beyond Stop: the caller
// (vdev.Session) remains the single owner of the underlying socket.
type Dispatcher struct {
	reg    *registry.Registry
	conn   Transport
	devID  uint32
	logger *slog.Logger
	raw    vhcilog.RawLogger

	writeChunkSize int

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}
	err      error
}

// New builds a Dispatcher over reg and conn. devID is the usbip devid
// (busnum<<16 | devnum) stamped into every outbound header. writeChunkSize
// <= 0 selects defaultWriteChunkSize.
func New(reg *registry.Registry, conn Transport, devID uint32, logger *slog.Logger, raw vhcilog.RawLogger, writeChunkSize int) *Dispatcher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if raw == nil {
		raw = vhcilog.NewRaw(nil)
	}
	if writeChunkSize <= 0 {
		writeChunkSize = defaultWriteChunkSize
	}
	return &Dispatcher{
		reg:            reg,
		conn:           conn,
		devID:          devID,
		logger:         logger,
		raw:            raw,
		writeChunkSize: writeChunkSize,
		stopped:        make(chan struct{}),
	}
}

// Start launches the writer and reader pumps.
func (d *Dispatcher) Start() {
	d.wg.Add(2)
	go d.runWriter()
	go d.runReader()
}

// Done reports when the dispatcher has stopped, whether by a graceful
// Stop or a transport failure; Err distinguishes the two (nil on a
// graceful stop).
func (d *Dispatcher) Done() <-chan struct{} { return d.stopped }

// Err returns the failure that stopped the dispatcher, if any. Only
// meaningful after Done is closed.
func (d *Dispatcher) Err() error { return d.err }

// Stop closes the transport (unblocking a parked reader) and waits for
// both pumps to exit. Safe to call more than once and safe to call
// after a transport failure already stopped the dispatcher on its own.
func (d *Dispatcher) Stop() {
	d.stop(nil)
	d.wg.Wait()
}

func (d *Dispatcher) stop(err error) {
	d.stopOnce.Do(func() {
		d.err = err
		_ = d.conn.Close()
		close(d.stopped)
	})
}

// runWriter drains the registry's pending queue onto the wire, FIFO,
// resuming any in-progress partial cursor first.
func (d *Dispatcher) runWriter() {
	defer d.wg.Done()
	scratch := make([]byte, d.writeChunkSize)

	for {
		if cursor, ok := d.reg.Partial(); ok {
			if err := d.drainCursor(cursor, scratch); err != nil {
				d.stop(err)
				return
			}
			d.reg.CompletePartial()
			continue
		}

		req, ok := d.reg.PopPending()
		if !ok {
			select {
			case <-d.stopped:
				return
			case <-d.reg.Notify():
				continue
			}
		}

		if err := d.submit(req, scratch); err != nil {
			d.stop(err)
			return
		}
	}
}

func (d *Dispatcher) drainCursor(cursor *registry.WriteCursor, scratch []byte) error {
	for !cursor.Done() {
		n := cursor.Next(scratch)
		if err := d.writeChunk(scratch[:n]); err != nil {
			return err
		}
	}
	return nil
}

// submit turns one popped URBR into wire traffic (or a purely local
// completion), per the per-Function rules in urb.Submit.
func (d *Dispatcher) submit(req *registry.Request, scratch []byte) error {
	if req.URB.Function == urb.FunctionAbortPipe {
		d.handleAbortPipe(req)
		return nil
	}

	frame, err := urb.Submit(req.URB)
	if err != nil {
		if err != urb.ErrNotImplemented {
			d.logger.Debug("urb rejected before submit", "seq", req.SeqNum, "error", err)
		}
		d.completeLocal(req, err)
		return nil
	}
	if frame.NoNetworkTraffic {
		d.completeLocal(req, nil)
		return nil
	}

	var header bytes.Buffer
	header.Grow(usbip.CmdSubmitHeaderSize)
	cmd := usbip.CmdSubmit{
		Basic: usbip.HeaderBasic{
			Command: usbip.CmdSubmitCode,
			Seqnum:  uint32(req.SeqNum),
			Devid:   d.devID,
			Dir:     uint32(frame.Dir),
			Ep:      uint32(frame.Ep),
		},
		TransferFlags:     frame.TransferFlags,
		TransferBufferLen: frame.TransferLength,
		StartFrame:        frame.StartFrame,
		NumberOfPackets:   frame.NumberOfPackets,
		Interval:          frame.Interval,
		Setup:             frame.Setup,
	}
	if err := cmd.Write(&header); err != nil {
		return fmt.Errorf("dispatcher: encode cmd_submit: %w", err)
	}

	if header.Len()+len(frame.Payload) <= len(scratch) {
		combined := append(append([]byte(nil), header.Bytes()...), frame.Payload...)
		if err := d.writeChunk(combined); err != nil {
			return err
		}
		d.reg.MarkSent(req)
	} else {
		cursor := d.reg.BeginPartial(req, header.Bytes(), frame.Payload)
		if err := d.drainCursor(cursor, scratch); err != nil {
			return err
		}
		d.reg.CompletePartial()
	}

	if req.URB.Function == urb.FunctionSyncResetPipeAndClearStall {
		for _, v := range d.reg.AbortPipeExcept(req.URB.Pipe, req.SeqNum, true) {
			v.Done <- registry.Result{Status: urb.StatusCancelled, Cancelled: true}
		}
	}
	return nil
}

func (d *Dispatcher) writeChunk(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if _, err := d.conn.Write(b); err != nil {
		return fmt.Errorf("dispatcher: write: %w", err)
	}
	d.raw.Log(true, b)
	return nil
}

// completeLocal finishes a URBR that never reaches the wire: a handler
// that rejected it outright (ErrInvalidParameter, ErrControlPipe), one
// that answers NOT_IMPLEMENTED, or one flagged NoNetworkTraffic
// (GET_CURRENT_FRAME_NUMBER). urb.Complete is still run with a
// zero-value reply so each handler's own Complete fills in the right
// status (e.g. notImplementedHandler always sets StatusNotImplemented
// regardless of submitErr).
func (d *Dispatcher) completeLocal(req *registry.Request, submitErr error) {
	_ = urb.Complete(req.URB, urb.ReplyFrame{})
	if submitErr != nil && submitErr != urb.ErrNotImplemented {
		req.URB.Status = urb.StatusInvalidParameter
	}
	d.reg.Resolve(req.SeqNum)
	req.Done <- registry.Result{Status: req.URB.Status}
}

// handleAbortPipe resolves the ABORT_PIPE request itself first (so the
// registry's pipe-walk below doesn't also catch it, since Enqueue binds
// it to the target pipe it names) and then cancels every URBR bound to
// that pipe, entirely locally (spec.md §4.3: no wire traffic).
func (d *Dispatcher) handleAbortPipe(req *registry.Request) {
	pipe := req.URB.Pipe
	d.reg.Resolve(req.SeqNum)

	for _, v := range d.reg.AbortPipe(pipe) {
		v.Done <- registry.Result{Status: urb.StatusCancelled, Cancelled: true}
	}

	req.URB.Status = urb.StatusSuccess
	req.Done <- registry.Result{Status: urb.StatusSuccess}
}

// Cancel cancels one outstanding URBR by sequence number (e.g. on
// caller-context cancellation, distinct from ABORT_PIPE). A request
// still in the pending queue is dropped with no wire traffic; one
// already sent gets a best-effort CMD_UNLINK so the peer stops
// transferring it, though completion has already fired locally by the
// time this returns (spec.md §9: cancellation races completion, exactly
// one of them claims the request; the wire confirmation, if any, is
// read back as an ordinary ret_unlink and discarded).
func (d *Dispatcher) Cancel(seq registry.SeqNum) bool {
	req, ok, wasSent := d.reg.Cancel(seq)
	if !ok {
		return false
	}
	req.Done <- registry.Result{Status: urb.StatusCancelled, Cancelled: true}

	if wasSent {
		d.sendUnlink(seq)
	}
	return true
}

func (d *Dispatcher) sendUnlink(target registry.SeqNum) {
	unlink := usbip.CmdUnlink{
		Basic:        usbip.HeaderBasic{Command: usbip.CmdUnlinkCode, Seqnum: uint32(target), Devid: d.devID},
		UnlinkSeqnum: uint32(target),
	}
	var buf bytes.Buffer
	buf.Grow(usbip.CmdUnlinkSize)
	if err := unlink.Write(&buf); err != nil {
		d.logger.Warn("encode cmd_unlink failed", "seq", target, "error", err)
		return
	}
	if err := d.writeChunk(buf.Bytes()); err != nil {
		d.logger.Debug("cmd_unlink write failed, session is tearing down", "seq", target, "error", err)
	}
}

// runReader decodes ret_submit/ret_unlink frames until the transport
// fails or Stop closes it.
func (d *Dispatcher) runReader() {
	defer d.wg.Done()
	for {
		header, err := d.readHeader()
		if err != nil {
			select {
			case <-d.stopped:
				return
			default:
			}
			d.stop(err)
			return
		}

		switch binary.BigEndian.Uint32(header[0:4]) {
		case usbip.RetSubmitCode:
			if err := d.handleRetSubmit(header); err != nil {
				d.stop(err)
				return
			}
		case usbip.RetUnlinkCode:
			d.handleRetUnlink(header)
		default:
			d.stop(fmt.Errorf("dispatcher: unexpected command %#x on reply stream", binary.BigEndian.Uint32(header[0:4])))
			return
		}
	}
}

func (d *Dispatcher) readHeader() ([]byte, error) {
	buf := make([]byte, usbip.RetSubmitHeaderSize)
	if err := usbip.ReadExactly(d.conn, buf); err != nil {
		return nil, err
	}
	d.raw.Log(false, buf)
	return buf, nil
}

func (d *Dispatcher) handleRetSubmit(header []byte) error {
	var ret usbip.RetSubmit
	if err := ret.Read(bytes.NewReader(header)); err != nil {
		return fmt.Errorf("dispatcher: decode ret_submit: %w", err)
	}

	var payload []byte
	if ret.ActualLength > 0 && registry.SeqNum(ret.Basic.Seqnum).Direction() == urb.DirIn {
		payload = make([]byte, ret.ActualLength)
		if err := usbip.ReadExactly(d.conn, payload); err != nil {
			return fmt.Errorf("dispatcher: read ret_submit payload: %w", err)
		}
		d.raw.Log(false, payload)
	}

	var isoPackets []usbip.IsoPacketDescriptor
	if ret.NumberOfPackets > 0 {
		pkts, err := usbip.ReadIsoPacketDescriptors(d.conn, int(ret.NumberOfPackets))
		if err != nil {
			return fmt.Errorf("dispatcher: read iso packet descriptors: %w", err)
		}
		isoPackets = pkts
	}

	req, ok := d.reg.MatchReply(registry.SeqNum(ret.Basic.Seqnum))
	if !ok {
		d.logger.Debug("discarding unmatched ret_submit", "seq", ret.Basic.Seqnum)
		return nil
	}

	if err := urb.Complete(req.URB, urb.ReplyFrame{
		Status:       ret.Status,
		ActualLength: ret.ActualLength,
		Payload:      payload,
		IsoPackets:   isoPackets,
	}); err != nil {
		req.URB.Status = urb.StatusError
	}
	req.Done <- registry.Result{Status: req.URB.Status}
	return nil
}

// handleRetUnlink discards ret_unlink replies unconditionally: Cancel
// already completed the original request locally by the time a
// confirmation could arrive, and nothing is ever registered under an
// unlink command's own seqnum to match against.
func (d *Dispatcher) handleRetUnlink(header []byte) {
	var ret usbip.RetUnlink
	if err := ret.Read(bytes.NewReader(header)); err != nil {
		d.logger.Debug("malformed ret_unlink", "error", err)
		return
	}
	d.logger.Debug("discarding ret_unlink", "seq", ret.Basic.Seqnum, "status", ret.Status)
}

// Package vdev implements the virtual device session: the state machine
// that carries one imported remote device from a bare TCP connect
// through the OP_REQ_IMPORT handshake, descriptor enumeration, and
// attachment to a hub port, down to teardown.
package vdev

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"
	"unicode/utf16"

	"github.com/alia5/usbip-vhci/dispatcher"
	"github.com/alia5/usbip-vhci/hub"
	"github.com/alia5/usbip-vhci/internal/vhcilog"
	"github.com/alia5/usbip-vhci/registry"
	"github.com/alia5/usbip-vhci/urb"
	"github.com/alia5/usbip-vhci/usb"
	"github.com/alia5/usbip-vhci/usbip"
	"github.com/alia5/usbip-vhci/vhcierr"
)

// State is a session's position in its lifecycle.
type State uint8

const (
	StateCreated State = iota
	StateConnected
	StateImporting
	StateEnumerated
	StatePlugged
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnected:
		return "connected"
	case StateImporting:
		return "importing"
	case StateEnumerated:
		return "enumerated"
	case StatePlugged:
		return "plugged"
	case StateDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// stringIndexKind tags which well-known descriptor field a string index
// came from, purely so FetchDescriptors can name it in a log line.
type stringIndexKind struct {
	index uint8
	name  string
}

// Options configures a single import attempt.
type Options struct {
	Host string
	Port string // service name or numeric port; default "3240"
	BusID string
	Serial string // overrides the reported serial number when non-empty

	ConnectTimeout    time.Duration
	KeepaliveIdle     time.Duration
	KeepaliveInterval time.Duration
	KeepaliveCount    int

	// Dialer is used for the TCP connect; nil selects a default
	// net.Dialer honoring ConnectTimeout. Tests that exercise a loopback
	// internal/testserver can leave this nil and just point Host/Port at
	// the listener.
	Dialer *net.Dialer
}

func (o Options) service() string {
	if o.Port == "" {
		return "3240"
	}
	return o.Port
}

// Session is a single imported remote device. Exported methods are not
// safe for concurrent use against each other except where noted (the
// registry they drive internally is).
type Session struct {
	opts   Options
	logger *slog.Logger
	raw    vhcilog.RawLogger

	state State
	conn  *net.TCPConn

	handshakeSeq uint32

	udev     usbip.ImportReply
	devID    uint32
	speed    hub.Speed
	hciClass hub.HCIClass

	deviceDesc usb.DeviceDescriptor
	configBlob []byte
	strings    map[uint8]string

	// effective class/subclass/protocol after SetClassSubclassProto's
	// interface-association fallback.
	class, subclass, protocol uint8

	port int

	Registry *registry.Registry
	disp     *dispatcher.Dispatcher
}

// New builds a Session in StateCreated. logger and raw may be nil, in
// which case logging/raw-dump calls are no-ops.
func New(opts Options, logger *slog.Logger, raw vhcilog.RawLogger) *Session {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if raw == nil {
		raw = vhcilog.NewRaw(nil)
	}
	return &Session{
		opts:     opts,
		logger:   logger,
		raw:      raw,
		state:    StateCreated,
		Registry: registry.New(),
	}
}

// State returns the session's current lifecycle state.
func (s *Session) State() State { return s.state }

// Port returns the 1-based hub port the session occupies, or 0 if not
// yet attached.
func (s *Session) Port() int { return s.port }

// HCIClass returns the host-controller generation this session's speed
// maps to. Only meaningful from StateImporting onward.
func (s *Session) HCIClass() hub.HCIClass { return s.hciClass }

// Connect dials the remote usbipd and tunes TCP keep-alive. Must be
// called from StateCreated.
func (s *Session) Connect(ctx context.Context) error {
	addr := net.JoinHostPort(s.opts.Host, s.opts.service())

	dialer := s.opts.Dialer
	if dialer == nil {
		dialer = &net.Dialer{Timeout: s.opts.ConnectTimeout}
	}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return vhcierr.Wrap(vhcierr.Network, err)
	}

	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return vhcierr.Wrap(vhcierr.Network, fmt.Errorf("dialed connection is not a TCP connection: %T", conn))
	}

	idle, interval, count := s.opts.KeepaliveIdle, s.opts.KeepaliveInterval, s.opts.KeepaliveCount
	if idle == 0 {
		idle = 30 * time.Second
	}
	if interval == 0 {
		interval = 10 * time.Second
	}
	if count == 0 {
		count = 9
	}
	if err := setKeepalive(tcpConn, idle, count, interval); err != nil {
		s.logger.Warn("tcp keepalive tuning failed", "error", err)
	}

	s.conn = tcpConn
	s.state = StateConnected
	s.logger.Info("connected", "remote", addr)
	return nil
}

// Import performs the OP_REQ_IMPORT/OP_REP_IMPORT exchange and checks
// the returned device's speed against expectedClass. A mismatch returns
// a vhcierr.USBVer error so the caller can retry against the other HCI
// class's vhci_list entry (see AttachWithRetry).
func (s *Session) Import(expectedClass hub.HCIClass) error {
	if s.state != StateConnected {
		return vhcierr.New(vhcierr.General)
	}

	req := usbip.OpCommon{Version: usbip.Version, Code: usbip.OpReqImport, Status: 0}
	if err := s.writeOp(&req); err != nil {
		return vhcierr.Wrap(vhcierr.Network, err)
	}

	importReq := usbip.NewOpImportRequest(s.opts.BusID)
	if err := s.writeFrame(func(w io.Writer) error { return importReq.Write(w) }, usbip.BusIDSize); err != nil {
		return vhcierr.Wrap(vhcierr.Network, err)
	}

	var reply usbip.OpCommon
	if err := s.readOp(&reply); err != nil {
		return vhcierr.Wrap(vhcierr.Network, err)
	}
	if reply.Version != usbip.Version {
		return vhcierr.New(vhcierr.Version)
	}
	if reply.Status != usbip.StatusOK {
		return vhcierr.Wrap(vhcierr.Protocol, fmt.Errorf("import rejected: %s", vhcierr.OpStatus(reply.Status)))
	}

	var udev usbip.ImportReply
	if err := s.readFrame(func(r io.Reader) error { return udev.Read(r) }, usbip.PathSize+usbip.BusIDSize+24); err != nil {
		return vhcierr.Wrap(vhcierr.Network, err)
	}
	if udev.BusIDString() != s.opts.BusID {
		return vhcierr.Wrap(vhcierr.Protocol, fmt.Errorf("bus id mismatch: asked for %q, got %q", s.opts.BusID, udev.BusIDString()))
	}

	speed := hub.Speed(udev.Speed)
	if speed.HCIClass() != expectedClass {
		return vhcierr.New(vhcierr.USBVer)
	}

	s.udev = udev
	s.devID = udev.BusNum<<16 | udev.DevNum
	s.speed = speed
	s.hciClass = expectedClass
	s.class, s.subclass, s.protocol = udev.BDeviceClass, udev.BDeviceSubClass, udev.BDeviceProtocol
	s.state = StateImporting
	s.logger.Info("imported", "bus_id", s.opts.BusID, "vendor", udev.IDVendor, "product", udev.IDProduct, "speed", speed)
	return nil
}

// FetchDescriptors reads the device descriptor, the full configuration
// descriptor, and the well-known string descriptors. A failing string
// read stops further string reads without failing enumeration, per the
// descriptor-fetch contract.
func (s *Session) FetchDescriptors() error {
	if s.state != StateImporting {
		return vhcierr.New(vhcierr.General)
	}

	devBytes, err := s.controlRead(urb.ReqGetDescriptor, uint16(usb.DeviceDescType)<<8, 0, usb.DeviceDescLen)
	if err != nil {
		return err
	}
	dev, ok := usb.DecodeDeviceDescriptor(devBytes)
	if !ok {
		return vhcierr.New(vhcierr.Protocol)
	}
	s.deviceDesc = dev

	cfgHeader, err := s.controlRead(urb.ReqGetDescriptor, uint16(usb.ConfigDescType)<<8, 0, usb.ConfigDescLen)
	if err != nil {
		return err
	}
	if !usb.ValidConfig(cfgHeader) {
		return vhcierr.New(vhcierr.Protocol)
	}
	total := int(binary.LittleEndian.Uint16(cfgHeader[2:4]))

	full, err := s.controlRead(urb.ReqGetDescriptor, uint16(usb.ConfigDescType)<<8, 0, total)
	if err != nil {
		return err
	}
	if !usb.ValidConfig(full) {
		return vhcierr.New(vhcierr.Protocol)
	}
	s.configBlob = full

	s.fetchStrings(dev, full)

	s.state = StateEnumerated
	s.logger.Info("descriptors fetched", "config_len", len(full), "strings", len(s.strings))
	return nil
}

func (s *Session) fetchStrings(dev usb.DeviceDescriptor, config []byte) {
	s.strings = make(map[uint8]string)

	var langID uint16
	langList, err := s.controlRead(urb.ReqGetDescriptor, uint16(usb.StringDescType)<<8, 0, 255)
	if err == nil && usb.ValidString(langList) && len(langList) >= 4 {
		langID = binary.LittleEndian.Uint16(langList[2:4])
	}

	iConfiguration := uint8(0)
	if len(config) > 6 {
		iConfiguration = config[6]
	}

	wanted := []stringIndexKind{
		{dev.IManufacturer, "manufacturer"},
		{dev.IProduct, "product"},
		{dev.ISerialNumber, "serial"},
		{iConfiguration, "configuration"},
	}
	for _, w := range wanted {
		if w.index == 0 {
			continue
		}
		b, err := s.controlRead(urb.ReqGetDescriptor, uint16(usb.StringDescType)<<8|uint16(w.index), langID, 255)
		if err != nil || !usb.ValidString(b) {
			s.logger.Debug("stopping string descriptor reads", "at", w.name, "error", err)
			break
		}
		s.strings[w.index] = decodeUTF16LEString(b[2:])
	}
}

// SerialNumber returns the device's reported (or overridden) serial
// number string, the empty string if none is known.
func (s *Session) SerialNumber() string {
	if s.opts.Serial != "" {
		return s.opts.Serial
	}
	return s.strings[s.deviceDesc.ISerialNumber]
}

// SetClassSubclassProto inherits the device class/subclass/protocol
// triplet from the sole interface when the device descriptor itself
// reports the interface-association placeholder (0/0/0) and the config
// has exactly one interface.
func (s *Session) SetClassSubclassProto() {
	if s.udev.BDeviceClass != 0 || s.udev.BDeviceSubClass != 0 || s.udev.BDeviceProtocol != 0 {
		return
	}
	if s.udev.BNumInterfaces != 1 {
		return
	}
	iface, ok := usb.FindInterface(s.configBlob, usb.Any, 0)
	if !ok || len(iface.Bytes) < usb.InterfaceDescLen {
		return
	}
	s.class = iface.Bytes[5]
	s.subclass = iface.Bytes[6]
	s.protocol = iface.Bytes[7]
}

// Attach claims a free port on h (chosen by the session's HCI class),
// opens the registry for URBR admission, and starts the dispatcher that
// drives the registry against the socket for the rest of the session's
// life.
func (s *Session) Attach(h *hub.Hub[*Session]) (int, error) {
	if s.state != StateEnumerated {
		return 0, vhcierr.New(vhcierr.General)
	}
	port, err := h.Remember(s.hciClass, s)
	if err != nil {
		return 0, vhcierr.Wrap(vhcierr.PortFull, err)
	}
	s.port = port
	s.Registry.SetPlugged(true)
	s.disp = dispatcher.New(s.Registry, s.conn, s.devID, s.logger, s.raw, 0)
	s.disp.Start()
	s.state = StatePlugged
	s.logger.Info("attached", "port", port, "hci_class", s.hciClass)
	return port, nil
}

// Submit admits a URB for wire dispatch, returning the registry.Request
// whose Done channel receives exactly one Result once the request is
// answered, cancelled, or the session tears down. Only valid once the
// session is StatePlugged.
func (s *Session) Submit(dir urb.Direction, pipe urb.PipeHandle, u *urb.Request) (*registry.Request, error) {
	req, err := s.Registry.Enqueue(dir, pipe, u)
	if err != nil {
		return nil, vhcierr.Wrap(vhcierr.General, err)
	}
	return req, nil
}

// Cancel asks the dispatcher to cancel a single in-flight request by
// sequence number, sending CMD_UNLINK if it had already reached the
// wire. Returns false if there is no such request or it already
// resolved. Distinct from ABORT_PIPE, which a caller submits as a URB
// through Submit like any other request.
func (s *Session) Cancel(seq registry.SeqNum) bool {
	if s.disp == nil {
		return false
	}
	return s.disp.Cancel(seq)
}

// Destroy tears the session down: the dispatcher is stopped (closing
// the socket), every outstanding URBR resolves with StatusCancelled,
// the registry stops admitting new ones, and the hub port (if any) is
// released.
func (s *Session) Destroy(h *hub.Hub[*Session]) {
	if s.state == StateDestroyed {
		return
	}
	s.Registry.SetPlugged(false)
	if s.disp != nil {
		s.disp.Stop()
	} else if s.conn != nil {
		_ = s.conn.Close()
	}
	for _, req := range s.Registry.CancelAll() {
		req.Done <- registry.Result{Status: urb.StatusCancelled, Cancelled: true}
	}
	if s.port > 0 && h != nil {
		_, _ = h.Forget(s.hciClass, s.port)
	}
	s.state = StateDestroyed
	s.logger.Info("destroyed", "port", s.port)
}

// controlRead performs a synchronous GET_DESCRIPTOR-style IN control
// transfer directly over the socket. Used only during the handshake,
// before the session is attached and serving URBRs through the
// registry/dispatcher pair, so there is never more than one request in
// flight and a private sequence counter is sufficient.
func (s *Session) controlRead(bRequest uint8, value, index uint16, length int) ([]byte, error) {
	s.handshakeSeq++
	seq := s.handshakeSeq

	setup := urb.Setup{BmRequestType: urb.ReqDirIn, BRequest: bRequest, WValue: value, WIndex: index, WLength: uint16(length)}
	cmd := usbip.CmdSubmit{
		Basic:             usbip.HeaderBasic{Command: usbip.CmdSubmitCode, Seqnum: seq, Devid: s.devID, Dir: usbip.DirIn, Ep: 0},
		TransferBufferLen: uint32(length),
		Setup:             setup.Encode(),
	}
	if err := s.writeFrame(func(w io.Writer) error { return cmd.Write(w) }, usbip.CmdSubmitHeaderSize); err != nil {
		return nil, vhcierr.Wrap(vhcierr.Network, err)
	}

	var ret usbip.RetSubmit
	if err := s.readFrame(func(r io.Reader) error { return ret.Read(r) }, usbip.RetSubmitHeaderSize); err != nil {
		return nil, vhcierr.Wrap(vhcierr.Network, err)
	}
	if ret.Basic.Seqnum != seq {
		return nil, vhcierr.Wrap(vhcierr.Protocol, fmt.Errorf("control read: seqnum mismatch, want %d got %d", seq, ret.Basic.Seqnum))
	}
	if ret.Status != 0 {
		return nil, vhcierr.Wrap(vhcierr.Protocol, fmt.Errorf("control read: status %d", ret.Status))
	}
	if ret.ActualLength == 0 {
		return nil, nil
	}

	var payload []byte
	if err := s.readFrame(func(r io.Reader) error {
		payload = make([]byte, ret.ActualLength)
		return usbip.ReadExactly(r, payload)
	}, int(ret.ActualLength)); err != nil {
		return nil, vhcierr.Wrap(vhcierr.Network, err)
	}
	return payload, nil
}

func (s *Session) writeOp(h *usbip.OpCommon) error {
	return s.writeFrame(func(w io.Writer) error { return h.Write(w) }, 8)
}

func (s *Session) readOp(h *usbip.OpCommon) error {
	return s.readFrame(func(r io.Reader) error { return h.Read(r) }, 8)
}

// writeFrame encodes into a scratch buffer first so the raw logger sees
// the exact bytes that go on the wire, then writes that buffer to conn.
func (s *Session) writeFrame(encode func(io.Writer) error, sizeHint int) error {
	var buf bytes.Buffer
	buf.Grow(sizeHint)
	if err := encode(&buf); err != nil {
		return err
	}
	if _, err := s.conn.Write(buf.Bytes()); err != nil {
		return err
	}
	s.raw.Log(true, buf.Bytes())
	return nil
}

// readFrame reads exactly size bytes off conn into a scratch buffer,
// logs it, then decodes from that buffer.
func (s *Session) readFrame(decode func(io.Reader) error, size int) error {
	buf := make([]byte, size)
	if err := usbip.ReadExactly(s.conn, buf); err != nil {
		return err
	}
	s.raw.Log(false, buf)
	return decode(bytes.NewReader(buf))
}

func decodeUTF16LEString(b []byte) string {
	u16 := make([]uint16, len(b)/2)
	for i := range u16 {
		u16[i] = binary.LittleEndian.Uint16(b[i*2:])
	}
	return string(utf16.Decode(u16))
}

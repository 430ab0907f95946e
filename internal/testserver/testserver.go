// Package testserver is a minimal mock usbipd: the external collaborator
// a vhcid session attaches to. It plays the OP_REQ_IMPORT handshake
// against one scripted device, then answers the URB stream against a
// pluggable Device, mirroring the accept-loop / peek-first-8-bytes /
// dispatch-on-opcode shape of a real exporter closely enough to drive
// vdev/dispatcher integration tests without a kernel or a second machine.
package testserver

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/alia5/usbip-vhci/urb"
	"github.com/alia5/usbip-vhci/usb"
	"github.com/alia5/usbip-vhci/usbip"
)

// Linux errno value returned for a CMD_UNLINK reply, matching the
// teacher's own canned -ECONNRESET answer.
const errConnReset = -104

// Device answers one imported device's transfers. Control (ep 0)
// requests route through HandleControl; everything else through
// HandleTransfer. Both return the Linux errno ret_submit.status should
// carry (0 for success) alongside any IN payload.
type Device interface {
	HandleControl(setup urb.Setup, out []byte) (in []byte, status int32)
	HandleTransfer(ep uint8, dir uint32, out []byte) (in []byte, status int32)
}

// Fixture describes the udev record and descriptor bytes one Device
// presents during the import handshake.
type Fixture struct {
	BusID  string
	BusNum uint32
	DevNum uint32
	Speed  uint32

	IDVendor, IDProduct uint16
	DeviceClass, DeviceSubClass, DeviceProtocol uint8
	NumInterfaces uint8

	// ReplyVersion overrides the protocol version stamped on
	// OP_REP_IMPORT; zero selects usbip.Version. Lets a test script a
	// version-mismatch rejection without a second server type.
	ReplyVersion uint16
}

func (f Fixture) replyVersion() uint16 {
	if f.ReplyVersion == 0 {
		return usbip.Version
	}
	return f.ReplyVersion
}

// Server is a single-device mock usbipd, good for exactly one imported
// session at a time (a real exporter serves many; tests only need one).
type Server struct {
	fixture Fixture
	device  Device
	logger  *slog.Logger

	ln        net.Listener
	ready     chan struct{}
	readyOnce sync.Once
}

func New(fixture Fixture, device Device, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		fixture: fixture,
		device:  device,
		logger:  logger,
		ready:   make(chan struct{}),
	}
}

// Ready closes once the listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the bound listen address, valid only after Ready closes.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}

// ListenAndServe binds to addr (":0" for an ephemeral port) and serves
// each accepted connection in its own goroutine until Close. Intended to
// run in its own goroutine for the duration of a test.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.readyOnce.Do(func() { close(s.ready) })

	for {
		conn, err := ln.Accept()
		if err != nil {
			return nil
		}
		go func() {
			if err := s.handleConn(conn); err != nil {
				s.logger.Debug("connection handler stopped", "error", err)
			}
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) error {
	defer conn.Close()

	var req usbip.OpCommon
	if err := req.Read(conn); err != nil {
		return fmt.Errorf("read op_common: %w", err)
	}
	if req.Version != usbip.Version || req.Code != usbip.OpReqImport {
		return fmt.Errorf("unsupported management op %#x", req.Code)
	}

	var importReq usbip.OpImportRequest
	if err := importReq.Read(conn); err != nil {
		return fmt.Errorf("read op_req_import: %w", err)
	}
	if importReq.String() != s.fixture.BusID {
		reply := usbip.OpCommon{Version: usbip.Version, Code: usbip.OpRepImport, Status: usbip.StatusNoDev}
		_ = reply.Write(conn)
		return fmt.Errorf("busid mismatch: wanted %q, got %q", s.fixture.BusID, importReq.String())
	}

	reply := usbip.OpCommon{Version: s.fixture.replyVersion(), Code: usbip.OpRepImport, Status: usbip.StatusOK}
	if err := reply.Write(conn); err != nil {
		return fmt.Errorf("write op_rep_import: %w", err)
	}
	if reply.Version != usbip.Version {
		return nil
	}

	udev := usbip.ImportReply{
		BusNum: s.fixture.BusNum, DevNum: s.fixture.DevNum, Speed: s.fixture.Speed,
		IDVendor: s.fixture.IDVendor, IDProduct: s.fixture.IDProduct,
		BDeviceClass: s.fixture.DeviceClass, BDeviceSubClass: s.fixture.DeviceSubClass, BDeviceProtocol: s.fixture.DeviceProtocol,
		BConfigurationValue: 1, BNumConfigurations: 1, BNumInterfaces: s.fixture.NumInterfaces,
	}
	copy(udev.BusID[:], s.fixture.BusID)
	if err := udev.Write(conn); err != nil {
		return fmt.Errorf("write udev record: %w", err)
	}

	devID := s.fixture.BusNum<<16 | s.fixture.DevNum
	return s.handleUrbStream(conn, devID)
}

func (s *Server) handleUrbStream(conn net.Conn, devID uint32) error {
	for {
		var cmd usbip.CmdSubmit
		var hdr [usbip.CmdSubmitHeaderSize]byte
		if err := usbip.ReadExactly(conn, hdr[:]); err != nil {
			return fmt.Errorf("read urb header: %w", err)
		}

		command := binary.BigEndian.Uint32(hdr[0:4])
		if command == usbip.CmdUnlinkCode {
			var unlink usbip.CmdUnlink
			if err := unlink.Read(bytes.NewReader(hdr[:])); err != nil {
				return fmt.Errorf("decode cmd_unlink: %w", err)
			}
			ret := usbip.RetUnlink{Basic: usbip.HeaderBasic{Command: usbip.RetUnlinkCode, Seqnum: unlink.Basic.Seqnum}, Status: errConnReset}
			if err := ret.Write(conn); err != nil {
				return fmt.Errorf("write ret_unlink: %w", err)
			}
			continue
		}
		if command != usbip.CmdSubmitCode {
			return fmt.Errorf("unexpected command %#x on urb stream", command)
		}
		if err := cmd.Read(bytes.NewReader(hdr[:])); err != nil {
			return fmt.Errorf("decode cmd_submit: %w", err)
		}

		var outPayload []byte
		if cmd.Basic.Dir == usbip.DirOut && cmd.TransferBufferLen > 0 {
			outPayload = make([]byte, cmd.TransferBufferLen)
			if err := usbip.ReadExactly(conn, outPayload); err != nil {
				return fmt.Errorf("read out payload: %w", err)
			}
		}

		var inPayload []byte
		var status int32
		if cmd.Basic.Ep == 0 {
			inPayload, status = s.device.HandleControl(urb.DecodeSetup(cmd.Setup), outPayload)
		} else {
			inPayload, status = s.device.HandleTransfer(uint8(cmd.Basic.Ep), cmd.Basic.Dir, outPayload)
		}
		if cmd.Basic.Dir == usbip.DirIn && uint32(len(inPayload)) > cmd.TransferBufferLen {
			inPayload = inPayload[:cmd.TransferBufferLen]
		}

		actual := uint32(len(outPayload))
		if cmd.Basic.Dir == usbip.DirIn {
			actual = uint32(len(inPayload))
		}
		ret := usbip.RetSubmit{
			Basic:        usbip.HeaderBasic{Command: usbip.RetSubmitCode, Seqnum: cmd.Basic.Seqnum, Devid: devID, Dir: cmd.Basic.Dir, Ep: cmd.Basic.Ep},
			Status:       status,
			ActualLength: actual,
		}
		if err := ret.Write(conn); err != nil {
			return fmt.Errorf("write ret_submit: %w", err)
		}
		if cmd.Basic.Dir == usbip.DirIn && len(inPayload) > 0 {
			if _, err := conn.Write(inPayload); err != nil {
				return fmt.Errorf("write ret_submit payload: %w", err)
			}
		}
	}
}

// StaticDevice answers every control/transfer request from fixed tables,
// enough to drive the handshake and scripted URB scenarios in tests
// without a real kernel device behind it.
type StaticDevice struct {
	DeviceDescriptor []byte
	ConfigDescriptor []byte
	Strings          map[uint8][]byte

	mu        sync.Mutex
	transfers map[uint8]func(dir uint32, out []byte) ([]byte, int32)
}

// NewStaticDevice builds a StaticDevice with no endpoint handlers wired
// yet; call OnEndpoint to script one per test.
func NewStaticDevice(deviceDesc, configDesc []byte, strings map[uint8][]byte) *StaticDevice {
	return &StaticDevice{
		DeviceDescriptor: deviceDesc,
		ConfigDescriptor: configDesc,
		Strings:          strings,
		transfers:        make(map[uint8]func(dir uint32, out []byte) ([]byte, int32)),
	}
}

// OnEndpoint scripts the response for every cmd_submit targeting ep.
func (d *StaticDevice) OnEndpoint(ep uint8, handler func(dir uint32, out []byte) ([]byte, int32)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.transfers[ep] = handler
}

func (d *StaticDevice) HandleControl(setup urb.Setup, out []byte) ([]byte, int32) {
	switch setup.BRequest {
	case urb.ReqGetConfiguration:
		return []byte{0x01}, 0
	case urb.ReqSetConfiguration, urb.ReqSetAddress:
		return nil, 0
	case urb.ReqGetDescriptor:
		dtype := uint8(setup.WValue >> 8)
		dindex := uint8(setup.WValue)
		switch dtype {
		case usb.DeviceDescType:
			return d.DeviceDescriptor, 0
		case usb.ConfigDescType:
			if int(setup.WLength) <= usb.ConfigDescLen && len(d.ConfigDescriptor) > usb.ConfigDescLen {
				return d.ConfigDescriptor[:usb.ConfigDescLen], 0
			}
			return d.ConfigDescriptor, 0
		case usb.StringDescType:
			if dindex == 0 {
				return usb.EncodeLangIDList([]uint16{0x0409}), 0
			}
			if b, ok := d.Strings[dindex]; ok {
				return b, 0
			}
			return nil, errConnReset
		}
	}
	return nil, errConnReset
}

func (d *StaticDevice) HandleTransfer(ep uint8, dir uint32, out []byte) ([]byte, int32) {
	d.mu.Lock()
	handler := d.transfers[ep]
	d.mu.Unlock()
	if handler == nil {
		return nil, errConnReset
	}
	return handler(dir, out)
}

// Package usbip implements the wire codec for the USB/IP protocol: the
// op_common preamble, the OP_REQ_IMPORT/OP_REP_IMPORT management
// exchange, and the cmd_submit/ret_submit/cmd_unlink/ret_unlink URB
// frames. All integers on the wire are big-endian; the embedded SETUP
// packet is the one exception and is never byteswapped.
package usbip

import (
	"encoding/binary"
	"io"
)

// Wire constants (network byte order / big-endian).
const (
	Version = 0x0111

	// Management commands.
	OpReqDevlist = 0x8005
	OpRepDevlist = 0x0005
	OpReqImport  = 0x8003
	OpRepImport  = 0x0003

	// URB transfer commands.
	CmdSubmitCode = 0x00000001
	CmdUnlinkCode = 0x00000002
	RetSubmitCode = 0x00000003
	RetUnlinkCode = 0x00000004

	// Directions used in usbip_header_basic.direction.
	DirOut = 0x00000000
	DirIn  = 0x00000001

	// op_common.status values.
	StatusOK      = 0x00000000
	StatusNA      = 0x00000001
	StatusDevBusy = 0x00000002
	StatusDevErr  = 0x00000003
	StatusNoDev   = 0x00000004
	StatusError   = 0x00000005

	// BusIDSize is the fixed width of a bus_id field on the wire.
	BusIDSize = 32
	// PathSize is the fixed width of the sysfs path field on the wire.
	PathSize = 256
)

// OpCommon is the 8-byte preamble shared by all management-plane packets.
type OpCommon struct {
	Version uint16
	Code    uint16
	Status  uint32
}

func (h *OpCommon) Write(w io.Writer) error {
	var buf [8]byte
	binary.BigEndian.PutUint16(buf[0:2], h.Version)
	binary.BigEndian.PutUint16(buf[2:4], h.Code)
	binary.BigEndian.PutUint32(buf[4:8], h.Status)
	_, err := w.Write(buf[:])
	return err
}

// Read decodes an OpCommon from r.
func (h *OpCommon) Read(r io.Reader) error {
	var buf [8]byte
	if err := ReadExactly(r, buf[:]); err != nil {
		return err
	}
	h.Version = binary.BigEndian.Uint16(buf[0:2])
	h.Code = binary.BigEndian.Uint16(buf[2:4])
	h.Status = binary.BigEndian.Uint32(buf[4:8])
	return nil
}

// MgmtHeader is an alias retained for callers that still spell out the
// kernel-doc name for the op_common preamble.
type MgmtHeader = OpCommon

// OpImportRequest is OP_REQ_IMPORT's payload: a NUL-padded bus_id string.
type OpImportRequest struct {
	BusID [BusIDSize]byte
}

// NewOpImportRequest builds a request for the given bus_id, truncating
// (never NUL-terminated on overflow, matching the kernel's strncpy-style
// field) if busID is too long.
func NewOpImportRequest(busID string) OpImportRequest {
	var r OpImportRequest
	copy(r.BusID[:], busID)
	return r
}

func (r *OpImportRequest) Write(w io.Writer) error {
	_, err := w.Write(r.BusID[:])
	return err
}

func (r *OpImportRequest) Read(reader io.Reader) error {
	return ReadExactly(reader, r.BusID[:])
}

// String returns the NUL-terminated bus_id as a Go string.
func (r *OpImportRequest) String() string {
	return cStr(r.BusID[:])
}

// InterfaceDesc is the class/subclass/protocol triplet the exporter
// reports per interface in OP_REP_DEVLIST (not present in OP_REP_IMPORT).
type InterfaceDesc struct {
	Class    uint8
	SubClass uint8
	Protocol uint8
}

// ImportReply is the udev record carried by OP_REP_IMPORT: everything
// the client learns about the remote device before it starts reading
// descriptors over the freshly-imported session.
type ImportReply struct {
	Path  [PathSize]byte
	BusID [BusIDSize]byte

	BusNum uint32
	DevNum uint32
	Speed  uint32

	IDVendor            uint16
	IDProduct           uint16
	BcdDevice           uint16
	BDeviceClass        uint8
	BDeviceSubClass     uint8
	BDeviceProtocol     uint8
	BConfigurationValue uint8
	BNumConfigurations  uint8
	BNumInterfaces      uint8
}

// PathString returns the NUL-terminated sysfs path as a Go string.
func (d *ImportReply) PathString() string { return cStr(d.Path[:]) }

// BusIDString returns the NUL-terminated bus_id as a Go string.
func (d *ImportReply) BusIDString() string { return cStr(d.BusID[:]) }

// Write encodes the OP_REP_IMPORT udev record (ends at bNumInterfaces;
// no trailing interface triplets, unlike OP_REP_DEVLIST).
func (d *ImportReply) Write(w io.Writer) error {
	if _, err := w.Write(d.Path[:]); err != nil {
		return err
	}
	if _, err := w.Write(d.BusID[:]); err != nil {
		return err
	}
	fields := []uint32{d.BusNum, d.DevNum, d.Speed}
	for _, f := range fields {
		if err := binary.Write(w, binary.BigEndian, f); err != nil {
			return err
		}
	}
	for _, f := range []uint16{d.IDVendor, d.IDProduct, d.BcdDevice} {
		if err := binary.Write(w, binary.BigEndian, f); err != nil {
			return err
		}
	}
	_, err := w.Write([]byte{
		d.BDeviceClass,
		d.BDeviceSubClass,
		d.BDeviceProtocol,
		d.BConfigurationValue,
		d.BNumConfigurations,
		d.BNumInterfaces,
	})
	return err
}

// Read decodes an OP_REP_IMPORT udev record.
func (d *ImportReply) Read(r io.Reader) error {
	var buf [PathSize + BusIDSize + 4 + 4 + 4 + 2 + 2 + 2 + 6]byte
	if err := ReadExactly(r, buf[:]); err != nil {
		return err
	}
	off := 0
	copy(d.Path[:], buf[off:off+PathSize])
	off += PathSize
	copy(d.BusID[:], buf[off:off+BusIDSize])
	off += BusIDSize
	d.BusNum = binary.BigEndian.Uint32(buf[off:])
	off += 4
	d.DevNum = binary.BigEndian.Uint32(buf[off:])
	off += 4
	d.Speed = binary.BigEndian.Uint32(buf[off:])
	off += 4
	d.IDVendor = binary.BigEndian.Uint16(buf[off:])
	off += 2
	d.IDProduct = binary.BigEndian.Uint16(buf[off:])
	off += 2
	d.BcdDevice = binary.BigEndian.Uint16(buf[off:])
	off += 2
	d.BDeviceClass = buf[off]
	d.BDeviceSubClass = buf[off+1]
	d.BDeviceProtocol = buf[off+2]
	d.BConfigurationValue = buf[off+3]
	d.BNumConfigurations = buf[off+4]
	d.BNumInterfaces = buf[off+5]
	return nil
}

func cStr(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// HeaderBasic is common to all URB cmds and replies.
type HeaderBasic struct {
	Command uint32
	Seqnum  uint32
	Devid   uint32
	Dir     uint32
	Ep      uint32
}

func (h *HeaderBasic) write(w io.Writer) error {
	for _, f := range []uint32{h.Command, h.Seqnum, h.Devid, h.Dir, h.Ep} {
		if err := binary.Write(w, binary.BigEndian, f); err != nil {
			return err
		}
	}
	return nil
}

func (h *HeaderBasic) readFrom(buf []byte) {
	h.Command = binary.BigEndian.Uint32(buf[0:4])
	h.Seqnum = binary.BigEndian.Uint32(buf[4:8])
	h.Devid = binary.BigEndian.Uint32(buf[8:12])
	h.Dir = binary.BigEndian.Uint32(buf[12:16])
	h.Ep = binary.BigEndian.Uint32(buf[16:20])
}

// CmdSubmitHeaderSize and RetSubmitHeaderSize are the fixed header
// lengths preceding any payload/iso-descriptor array.
const (
	CmdSubmitHeaderSize = 0x30
	RetSubmitHeaderSize = 0x30
	CmdUnlinkSize       = 0x30
	RetUnlinkSize       = 0x30
)

// CmdSubmit is USBIP_CMD_SUBMIT's 48-byte header.
type CmdSubmit struct {
	Basic             HeaderBasic
	TransferFlags     uint32
	TransferBufferLen uint32
	StartFrame        uint32
	NumberOfPackets   uint32
	Interval          uint32
	Setup             [8]byte
}

func (c *CmdSubmit) Write(w io.Writer) error {
	if err := c.Basic.write(w); err != nil {
		return err
	}
	for _, f := range []uint32{c.TransferFlags, c.TransferBufferLen, c.StartFrame, c.NumberOfPackets, c.Interval} {
		if err := binary.Write(w, binary.BigEndian, f); err != nil {
			return err
		}
	}
	_, err := w.Write(c.Setup[:])
	return err
}

// Read decodes a CmdSubmit header. The setup bytes are copied verbatim
// (never byteswapped, per spec.md §4.2).
func (c *CmdSubmit) Read(r io.Reader) error {
	var buf [CmdSubmitHeaderSize]byte
	if err := ReadExactly(r, buf[:]); err != nil {
		return err
	}
	c.Basic.readFrom(buf[0:20])
	c.TransferFlags = binary.BigEndian.Uint32(buf[20:24])
	c.TransferBufferLen = binary.BigEndian.Uint32(buf[24:28])
	c.StartFrame = binary.BigEndian.Uint32(buf[28:32])
	c.NumberOfPackets = binary.BigEndian.Uint32(buf[32:36])
	c.Interval = binary.BigEndian.Uint32(buf[36:40])
	copy(c.Setup[:], buf[40:48])
	return nil
}

// RetSubmit is USBIP_RET_SUBMIT's 48-byte header.
type RetSubmit struct {
	Basic           HeaderBasic
	Status          int32
	ActualLength    uint32
	StartFrame      uint32
	NumberOfPackets uint32
	ErrorCount      uint32
	Padding         [8]byte
}

func (r *RetSubmit) Write(w io.Writer) error {
	if err := r.Basic.write(w); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, r.Status); err != nil {
		return err
	}
	for _, f := range []uint32{r.ActualLength, r.StartFrame, r.NumberOfPackets, r.ErrorCount} {
		if err := binary.Write(w, binary.BigEndian, f); err != nil {
			return err
		}
	}
	_, err := w.Write(r.Padding[:])
	return err
}

// Read decodes a RetSubmit header.
func (r *RetSubmit) Read(reader io.Reader) error {
	var buf [RetSubmitHeaderSize]byte
	if err := ReadExactly(reader, buf[:]); err != nil {
		return err
	}
	r.Basic.readFrom(buf[0:20])
	r.Status = int32(binary.BigEndian.Uint32(buf[20:24]))
	r.ActualLength = binary.BigEndian.Uint32(buf[24:28])
	r.StartFrame = binary.BigEndian.Uint32(buf[28:32])
	r.NumberOfPackets = binary.BigEndian.Uint32(buf[32:36])
	r.ErrorCount = binary.BigEndian.Uint32(buf[36:40])
	copy(r.Padding[:], buf[40:48])
	return nil
}

// CmdUnlink is USBIP_CMD_UNLINK.
type CmdUnlink struct {
	Basic        HeaderBasic
	UnlinkSeqnum uint32
	Padding      [24]byte
}

func (c *CmdUnlink) Write(w io.Writer) error {
	if err := c.Basic.write(w); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, c.UnlinkSeqnum); err != nil {
		return err
	}
	_, err := w.Write(c.Padding[:])
	return err
}

// Read decodes a CmdUnlink header.
func (c *CmdUnlink) Read(r io.Reader) error {
	var buf [CmdUnlinkSize]byte
	if err := ReadExactly(r, buf[:]); err != nil {
		return err
	}
	c.Basic.readFrom(buf[0:20])
	c.UnlinkSeqnum = binary.BigEndian.Uint32(buf[20:24])
	copy(c.Padding[:], buf[24:48])
	return nil
}

// RetUnlink is USBIP_RET_UNLINK.
type RetUnlink struct {
	Basic   HeaderBasic
	Status  int32
	Padding [24]byte
}

func (r *RetUnlink) Write(w io.Writer) error {
	if err := r.Basic.write(w); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, r.Status); err != nil {
		return err
	}
	_, err := w.Write(r.Padding[:])
	return err
}

// Read decodes a RetUnlink header.
func (r *RetUnlink) Read(reader io.Reader) error {
	var buf [RetUnlinkSize]byte
	if err := ReadExactly(reader, buf[:]); err != nil {
		return err
	}
	r.Basic.readFrom(buf[0:20])
	r.Status = int32(binary.BigEndian.Uint32(buf[20:24]))
	copy(r.Padding[:], buf[24:48])
	return nil
}

// IsoPacketDescriptor describes one packet within an isochronous
// transfer's descriptor array, which follows the header (and, for OUT,
// the payload too; for IN it follows the yet-to-be-filled payload
// region in the reply).
type IsoPacketDescriptor struct {
	Offset       uint32
	Length       uint32
	ActualLength uint32
	Status       uint32
}

func (p *IsoPacketDescriptor) write(w io.Writer) error {
	for _, f := range []uint32{p.Offset, p.Length, p.ActualLength, p.Status} {
		if err := binary.Write(w, binary.BigEndian, f); err != nil {
			return err
		}
	}
	return nil
}

func (p *IsoPacketDescriptor) readFrom(buf []byte) {
	p.Offset = binary.BigEndian.Uint32(buf[0:4])
	p.Length = binary.BigEndian.Uint32(buf[4:8])
	p.ActualLength = binary.BigEndian.Uint32(buf[8:12])
	p.Status = binary.BigEndian.Uint32(buf[12:16])
}

// WriteIsoPacketDescriptors encodes an array of iso packet descriptors.
func WriteIsoPacketDescriptors(w io.Writer, packets []IsoPacketDescriptor) error {
	for i := range packets {
		if err := packets[i].write(w); err != nil {
			return err
		}
	}
	return nil
}

// ReadIsoPacketDescriptors decodes n iso packet descriptors.
func ReadIsoPacketDescriptors(r io.Reader, n int) ([]IsoPacketDescriptor, error) {
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n*16)
	if err := ReadExactly(r, buf); err != nil {
		return nil, err
	}
	out := make([]IsoPacketDescriptor, n)
	for i := range out {
		out[i].readFrom(buf[i*16 : i*16+16])
	}
	return out, nil
}

// ReadExactly fills buf completely from r, returning the first error
// (including io.EOF on a short read) encountered while doing so.
func ReadExactly(r io.Reader, buf []byte) error {
	_, err := io.ReadFull(r, buf)
	return err
}

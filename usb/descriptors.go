// Package usb provides USB descriptor encoding and parsing.
//
// Encoding (Descriptor, ConfigHeader, InterfaceDescriptor,
// EndpointDescriptor, HIDDescriptor) builds descriptor blobs — used by
// internal/testserver to hand back byte-identical fixtures to the
// session under test, and by this package's own round-trip tests.
// Parsing (FindNext, FindInterface, NumAltSettings, ForEachEndpoint,
// and the Valid* predicates in parser.go) is the consumer side a VHCI
// import actually exercises.
package usb

import (
	"bytes"
	"encoding/binary"
)

// USB descriptor type constants.
const (
	DeviceDescType    = 0x01
	ConfigDescType    = 0x02
	StringDescType    = 0x03
	InterfaceDescType = 0x04
	EndpointDescType  = 0x05
	HIDDescType       = 0x21
	ReportDescType    = 0x22
)

// Descriptor lengths in bytes (fixed values from the USB spec).
const (
	DeviceDescLen    = 18
	ConfigDescLen    = 9
	InterfaceDescLen = 9
	EndpointDescLen  = 7
	HIDDescLen       = 9
)

// Descriptor holds all static descriptor/config data for a device.
type Descriptor struct {
	Device     DeviceDescriptor
	Interfaces []InterfaceConfig
	Strings    map[uint8]string
}

// InterfaceConfig holds all descriptors for a single interface.
type InterfaceConfig struct {
	Descriptor InterfaceDescriptor
	Endpoints  []EndpointDescriptor
	HIDDesc    []byte // optional HID class descriptor (0x21)
	HIDReport  []byte // optional HID report descriptor (0x22)
	VendorData []byte // optional vendor-specific bytes interleaved after endpoints
}

// EncodeStringDescriptor converts a UTF-8 string to a USB string
// descriptor byte array (bLength, bDescriptorType, UTF-16LE payload).
func EncodeStringDescriptor(s string) []byte {
	runes := []rune(s)
	buf := make([]byte, 2+len(runes)*2)
	buf[0] = uint8(len(buf))
	buf[1] = StringDescType
	for i, r := range runes {
		buf[2+i*2] = uint8(r)
		buf[2+i*2+1] = uint8(r >> 8)
	}
	return buf
}

// EncodeLangIDList encodes the index-0 string descriptor carrying the
// supported language IDs.
func EncodeLangIDList(langIDs []uint16) []byte {
	buf := make([]byte, 2+len(langIDs)*2)
	buf[0] = uint8(len(buf))
	buf[1] = StringDescType
	for i, id := range langIDs {
		binary.LittleEndian.PutUint16(buf[2+i*2:], id)
	}
	return buf
}

// DeviceDescriptor is the standard 18-byte USB device descriptor sans
// the two leading bytes (bLength/bDescriptorType), which Bytes() fills.
type DeviceDescriptor struct {
	BcdUSB             uint16
	BDeviceClass       uint8
	BDeviceSubClass    uint8
	BDeviceProtocol    uint8
	BMaxPacketSize0    uint8
	IDVendor           uint16
	IDProduct          uint16
	BcdDevice          uint16
	IManufacturer      uint8
	IProduct           uint8
	ISerialNumber      uint8
	BNumConfigurations uint8
	Speed              uint32 // 1=low, 2=full, 3=high, 4=super, 5=super+
}

// DecodeDeviceDescriptor parses an 18-byte device descriptor blob, as
// handed back by GET_DESCRIPTOR(DEVICE) during session enumeration.
func DecodeDeviceDescriptor(b []byte) (DeviceDescriptor, bool) {
	if !ValidDevice(b) || len(b) < DeviceDescLen {
		return DeviceDescriptor{}, false
	}
	return DeviceDescriptor{
		BcdUSB:             binary.LittleEndian.Uint16(b[2:4]),
		BDeviceClass:       b[4],
		BDeviceSubClass:    b[5],
		BDeviceProtocol:    b[6],
		BMaxPacketSize0:    b[7],
		IDVendor:           binary.LittleEndian.Uint16(b[8:10]),
		IDProduct:          binary.LittleEndian.Uint16(b[10:12]),
		BcdDevice:          binary.LittleEndian.Uint16(b[12:14]),
		IManufacturer:      b[14],
		IProduct:           b[15],
		ISerialNumber:      b[16],
		BNumConfigurations: b[17],
	}, true
}

// Bytes returns the 18-byte binary representation with bLength/bDescriptorType auto-filled.
func (d Descriptor) Bytes() []byte {
	var b bytes.Buffer
	b.WriteByte(DeviceDescLen)
	b.WriteByte(DeviceDescType)
	_ = binary.Write(&b, binary.LittleEndian, d.Device.BcdUSB)
	b.WriteByte(d.Device.BDeviceClass)
	b.WriteByte(d.Device.BDeviceSubClass)
	b.WriteByte(d.Device.BDeviceProtocol)
	b.WriteByte(d.Device.BMaxPacketSize0)
	_ = binary.Write(&b, binary.LittleEndian, d.Device.IDVendor)
	_ = binary.Write(&b, binary.LittleEndian, d.Device.IDProduct)
	_ = binary.Write(&b, binary.LittleEndian, d.Device.BcdDevice)
	b.WriteByte(d.Device.IManufacturer)
	b.WriteByte(d.Device.IProduct)
	b.WriteByte(d.Device.ISerialNumber)
	b.WriteByte(d.Device.BNumConfigurations)
	return b.Bytes()
}

// ConfigHeader is the 9-byte USB configuration descriptor header.
type ConfigHeader struct {
	WTotalLength        uint16 // patched after the full blob is built
	BNumInterfaces      uint8
	BConfigurationValue uint8
	IConfiguration      uint8
	BMAttributes        uint8
	BMaxPower           uint8
}

func (h ConfigHeader) Write(b *bytes.Buffer) {
	b.WriteByte(ConfigDescLen)
	b.WriteByte(ConfigDescType)
	_ = binary.Write(b, binary.LittleEndian, h.WTotalLength)
	b.WriteByte(h.BNumInterfaces)
	b.WriteByte(h.BConfigurationValue)
	b.WriteByte(h.IConfiguration)
	b.WriteByte(h.BMAttributes)
	b.WriteByte(h.BMaxPower)
}

// InterfaceDescriptor is the 9-byte interface descriptor for one alt setting.
type InterfaceDescriptor struct {
	BInterfaceNumber   uint8
	BAlternateSetting  uint8
	BNumEndpoints      uint8
	BInterfaceClass    uint8
	BInterfaceSubClass uint8
	BInterfaceProtocol uint8
	IInterface         uint8
}

func (i InterfaceDescriptor) Write(b *bytes.Buffer) {
	b.WriteByte(InterfaceDescLen)
	b.WriteByte(InterfaceDescType)
	b.WriteByte(i.BInterfaceNumber)
	b.WriteByte(i.BAlternateSetting)
	b.WriteByte(i.BNumEndpoints)
	b.WriteByte(i.BInterfaceClass)
	b.WriteByte(i.BInterfaceSubClass)
	b.WriteByte(i.BInterfaceProtocol)
	b.WriteByte(i.IInterface)
}

// EndpointDescriptor is the 7-byte endpoint descriptor.
type EndpointDescriptor struct {
	BEndpointAddress uint8
	BMAttributes     uint8
	WMaxPacketSize   uint16
	BInterval        uint8
}

func (e EndpointDescriptor) Write(b *bytes.Buffer) {
	b.WriteByte(EndpointDescLen)
	b.WriteByte(EndpointDescType)
	b.WriteByte(e.BEndpointAddress)
	b.WriteByte(e.BMAttributes)
	_ = binary.Write(b, binary.LittleEndian, e.WMaxPacketSize)
	b.WriteByte(e.BInterval)
}

// HIDDescriptor is the class descriptor (0x21) with one subordinate
// report descriptor (0x22).
type HIDDescriptor struct {
	BcdHID            uint16
	BCountryCode      uint8
	BNumDescriptors   uint8
	ClassDescType     uint8
	WDescriptorLength uint16
}

func (h HIDDescriptor) Write(b *bytes.Buffer) {
	b.WriteByte(HIDDescLen)
	b.WriteByte(HIDDescType)
	_ = binary.Write(b, binary.LittleEndian, h.BcdHID)
	b.WriteByte(h.BCountryCode)
	b.WriteByte(h.BNumDescriptors)
	b.WriteByte(h.ClassDescType)
	_ = binary.Write(b, binary.LittleEndian, h.WDescriptorLength)
}

// BuildConfigDescriptor assembles a complete configuration descriptor
// blob (header + interfaces + their endpoints) and patches wTotalLength.
// Used by internal/testserver to answer GET_DESCRIPTOR(CONFIGURATION).
func BuildConfigDescriptor(desc *Descriptor, configValue uint8) []byte {
	var b bytes.Buffer
	h := ConfigHeader{
		BNumInterfaces:      uint8(len(desc.Interfaces)),
		BConfigurationValue: configValue,
		BMAttributes:        0x80,
		BMaxPower:           50,
	}
	h.Write(&b)
	for _, iface := range desc.Interfaces {
		iface.Descriptor.Write(&b)
		if len(iface.HIDDesc) > 0 {
			b.Write(iface.HIDDesc)
		}
		if len(iface.VendorData) > 0 {
			b.Write(iface.VendorData)
		}
		for _, ep := range iface.Endpoints {
			ep.Write(&b)
		}
	}
	data := b.Bytes()
	binary.LittleEndian.PutUint16(data[2:4], uint16(len(data)))
	return data
}

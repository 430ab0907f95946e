package urb

// Standard USB request codes (bRequest).
const (
	ReqGetStatus        = 0x00
	ReqClearFeature     = 0x01
	ReqSetFeature       = 0x03
	ReqSetAddress       = 0x05
	ReqGetDescriptor    = 0x06
	ReqSetDescriptor    = 0x07
	ReqGetConfiguration = 0x08
	ReqSetConfiguration = 0x09
	ReqGetInterface     = 0x0A
	ReqSetInterface     = 0x0B
	ReqSynchFrame       = 0x0C
)

// bmRequestType bit fields.
const (
	ReqDirOut = 0x00
	ReqDirIn  = 0x80

	ReqTypeStandard = 0x00
	ReqTypeClass    = 0x20
	ReqTypeVendor   = 0x40

	RecipDevice    = 0x00
	RecipInterface = 0x01
	RecipEndpoint  = 0x02
	RecipOther     = 0x03
)

// Recipient identifies the target of a GET_STATUS/FEATURE/DESCRIPTOR or
// vendor/class request.
type Recipient uint8

const (
	RecipientDevice Recipient = iota
	RecipientInterface
	RecipientEndpoint
	RecipientOther
)

func (r Recipient) bits() uint8 {
	switch r {
	case RecipientInterface:
		return RecipInterface
	case RecipientEndpoint:
		return RecipEndpoint
	case RecipientOther:
		return RecipOther
	default:
		return RecipDevice
	}
}

// RequestClass distinguishes standard/class/vendor requests.
type RequestClass uint8

const (
	ClassStandard RequestClass = iota
	ClassClass
	ClassVendor
)

func (c RequestClass) bits() uint8 {
	switch c {
	case ClassClass:
		return ReqTypeClass
	case ClassVendor:
		return ReqTypeVendor
	default:
		return ReqTypeStandard
	}
}

// Setup is the 8-byte USB SETUP packet, built/parsed per the standard
// request layout (bmRequestType, bRequest, wValue, wIndex, wLength).
type Setup struct {
	BmRequestType uint8
	BRequest      uint8
	WValue        uint16
	WIndex        uint16
	WLength       uint16
}

// Encode packs the setup packet into its 8-byte wire form (little-endian
// wValue/wIndex/wLength, matching the USB SETUP packet layout; these
// bytes are carried unchanged through the cmd_submit/ret_submit setup
// field and never byteswapped).
func (s Setup) Encode() [8]byte {
	var b [8]byte
	b[0] = s.BmRequestType
	b[1] = s.BRequest
	b[2] = uint8(s.WValue)
	b[3] = uint8(s.WValue >> 8)
	b[4] = uint8(s.WIndex)
	b[5] = uint8(s.WIndex >> 8)
	b[6] = uint8(s.WLength)
	b[7] = uint8(s.WLength >> 8)
	return b
}

// DecodeSetup parses an 8-byte setup packet.
func DecodeSetup(b [8]byte) Setup {
	return Setup{
		BmRequestType: b[0],
		BRequest:      b[1],
		WValue:        uint16(b[2]) | uint16(b[3])<<8,
		WIndex:        uint16(b[4]) | uint16(b[5])<<8,
		WLength:       uint16(b[6]) | uint16(b[7])<<8,
	}
}

// newSetup builds bmRequestType = dir | type | recipient, per spec.md §4.3.
func newSetup(dir uint8, class RequestClass, recip Recipient, req uint8, value, index, length uint16) Setup {
	return Setup{
		BmRequestType: dir | class.bits() | recip.bits(),
		BRequest:      req,
		WValue:        value,
		WIndex:        index,
		WLength:       length,
	}
}

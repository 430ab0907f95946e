package usb

import "errors"

// ErrNotFound is returned when a requested sub-descriptor is absent.
var ErrNotFound = errors.New("usb: descriptor not found")

// Any is the wildcard value accepted by FindInterface for intfNum/altSetting.
const Any = -1

// RawDescriptor is a view into one sub-descriptor inside a configuration
// blob: its bLength/bDescriptorType plus the full slice (header included).
type RawDescriptor struct {
	Length uint8
	Type   uint8
	Bytes  []byte
	Offset int
}

// FindNext scans forward through config (config[0:wTotalLength]) starting
// just past the descriptor found at `from` (byte offset into config), or
// from the start if from < 0, returning the first descriptor whose
// bDescriptorType matches typ. Each step advances by bLength; a zero
// bLength, or one that would run past wTotalLength, terminates the scan.
func FindNext(config []byte, from int, typ uint8) (RawDescriptor, bool) {
	total := configTotalLength(config)
	pos := 0
	if from >= 0 {
		if from+1 >= len(config) {
			return RawDescriptor{}, false
		}
		blen := int(config[from])
		if blen == 0 {
			return RawDescriptor{}, false
		}
		pos = from + blen
	}
	for pos+1 < total && pos+1 < len(config) {
		blen := int(config[pos])
		if blen == 0 || pos+blen > total {
			return RawDescriptor{}, false
		}
		dtype := config[pos+1]
		if dtype == typ {
			return RawDescriptor{Length: uint8(blen), Type: dtype, Bytes: config[pos : pos+blen], Offset: pos}, true
		}
		pos += blen
	}
	return RawDescriptor{}, false
}

// configTotalLength reads wTotalLength from a configuration descriptor
// blob's header (bytes 2-3, little-endian); if config is too short to
// contain a header, it falls back to len(config).
func configTotalLength(config []byte) int {
	if len(config) < ConfigDescLen {
		return len(config)
	}
	total := int(config[2]) | int(config[3])<<8
	if total <= 0 || total > len(config) {
		return len(config)
	}
	return total
}

// FindInterface returns the first interface descriptor whose interface
// number and alternate setting match (Any is a wildcard for either).
func FindInterface(config []byte, intfNum, altSetting int) (RawDescriptor, bool) {
	from := -1
	for {
		d, ok := FindNext(config, from, InterfaceDescType)
		if !ok {
			return RawDescriptor{}, false
		}
		from = d.Offset
		if len(d.Bytes) < InterfaceDescLen {
			continue
		}
		num := int(d.Bytes[2])
		alt := int(d.Bytes[3])
		if (intfNum == Any || intfNum == num) && (altSetting == Any || altSetting == alt) {
			return d, true
		}
	}
}

// NumAltSettings counts the interface descriptors sharing intfNum.
func NumAltSettings(config []byte, intfNum int) int {
	count := 0
	from := -1
	for {
		d, ok := FindNext(config, from, InterfaceDescType)
		if !ok {
			return count
		}
		from = d.Offset
		if len(d.Bytes) >= InterfaceDescLen && int(d.Bytes[2]) == intfNum {
			count++
		}
	}
}

// ForEachEndpoint walks the bNumEndpoints endpoint descriptors
// immediately following the given interface descriptor, tolerating
// vendor-specific descriptors interleaved between them, and invokes fn
// for each. Returns ErrNotFound if fewer than bNumEndpoints are present
// before the next interface descriptor (or the blob ends).
func ForEachEndpoint(config []byte, iface RawDescriptor, fn func(RawDescriptor) error) error {
	if len(iface.Bytes) < InterfaceDescLen {
		return ErrNotFound
	}
	want := int(iface.Bytes[4])
	if want == 0 {
		return nil
	}
	total := configTotalLength(config)
	pos := iface.Offset + int(iface.Length)
	found := 0
	for found < want {
		if pos+1 >= total || pos+1 >= len(config) {
			return ErrNotFound
		}
		blen := int(config[pos])
		if blen == 0 || pos+blen > total {
			return ErrNotFound
		}
		dtype := config[pos+1]
		if dtype == InterfaceDescType {
			return ErrNotFound
		}
		if dtype == EndpointDescType {
			d := RawDescriptor{Length: uint8(blen), Type: dtype, Bytes: config[pos : pos+blen], Offset: pos}
			if err := fn(d); err != nil {
				return err
			}
			found++
		}
		pos += blen
	}
	return nil
}

// ValidDevice validates an 18-byte device descriptor header.
func ValidDevice(b []byte) bool {
	return len(b) >= 2 && b[0] == DeviceDescLen && b[1] == DeviceDescType
}

// ValidConfig validates a configuration descriptor header.
func ValidConfig(b []byte) bool {
	if len(b) < ConfigDescLen || b[0] != ConfigDescLen || b[1] != ConfigDescType {
		return false
	}
	total := int(b[2]) | int(b[3])<<8
	return total > int(b[0])
}

// ValidString validates a string descriptor header (empty strings permitted).
func ValidString(b []byte) bool {
	return len(b) >= 2 && b[0] >= 2 && b[1] == StringDescType
}

// msft100Signature is the 7-character UTF-16LE "MSFT100" signature that
// follows the header in a Microsoft OS string descriptor.
var msft100Signature = []byte{
	'M', 0, 'S', 0, 'F', 0, 'T', 0, '1', 0, '0', 0, '0', 0,
}

// IsMSFT100 reports whether b is a valid, header-conformant Microsoft OS
// string descriptor carrying the "MSFT100" signature.
func IsMSFT100(b []byte) bool {
	if !ValidString(b) {
		return false
	}
	if len(b) < 2+len(msft100Signature) {
		return false
	}
	sig := b[2 : 2+len(msft100Signature)]
	for i := range msft100Signature {
		if sig[i] != msft100Signature[i] {
			return false
		}
	}
	return true
}

// DescriptorType returns the bDescriptorType of a raw sub-descriptor, or
// 0 if b is too short to contain one.
func DescriptorType(b []byte) uint8 {
	if len(b) < 2 {
		return 0
	}
	return b[1]
}

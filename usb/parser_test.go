package usb

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func buildSampleConfig() []byte {
	desc := &Descriptor{
		Interfaces: []InterfaceConfig{
			{
				Descriptor: InterfaceDescriptor{BInterfaceNumber: 0, BAlternateSetting: 0, BNumEndpoints: 1, BInterfaceClass: 3},
				Endpoints: []EndpointDescriptor{
					{BEndpointAddress: 0x81, BMAttributes: 3, WMaxPacketSize: 8, BInterval: 10},
				},
			},
			{
				Descriptor: InterfaceDescriptor{BInterfaceNumber: 0, BAlternateSetting: 1, BNumEndpoints: 1, BInterfaceClass: 3},
				Endpoints: []EndpointDescriptor{
					{BEndpointAddress: 0x81, BMAttributes: 3, WMaxPacketSize: 64, BInterval: 1},
				},
			},
		},
	}
	return BuildConfigDescriptor(desc, 1)
}

func TestFindNextTotality(t *testing.T) {
	config := buildSampleConfig()
	total := configTotalLength(config)
	require.Equal(t, len(config), total)

	// Every byte of a well-formed configuration descriptor belongs to
	// exactly one sub-descriptor: summing bLength across a manual walk
	// must equal wTotalLength.
	sum := 0
	count := 0
	pos := 0
	for pos < total {
		blen := int(config[pos])
		require.Greater(t, blen, 0)
		sum += blen
		pos += blen
		count++
	}
	require.Equal(t, total, sum)
	require.Equal(t, 5, count) // config header + 2 interfaces + 2 endpoints
}

func TestFindInterfaceAndAltSettings(t *testing.T) {
	config := buildSampleConfig()

	d, ok := FindInterface(config, 0, 0)
	require.True(t, ok)
	require.Equal(t, uint8(0), d.Bytes[3])

	d, ok = FindInterface(config, 0, 1)
	require.True(t, ok)
	require.Equal(t, uint8(1), d.Bytes[3])

	_, ok = FindInterface(config, 5, Any)
	require.False(t, ok)

	require.Equal(t, 2, NumAltSettings(config, 0))
	require.Equal(t, 0, NumAltSettings(config, 1))
}

func TestForEachEndpoint(t *testing.T) {
	config := buildSampleConfig()
	iface, ok := FindInterface(config, 0, 0)
	require.True(t, ok)

	var eps []RawDescriptor
	err := ForEachEndpoint(config, iface, func(d RawDescriptor) error {
		eps = append(eps, d)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, eps, 1)
	require.Equal(t, uint8(0x81), eps[0].Bytes[2])
}

func TestForEachEndpointMissing(t *testing.T) {
	// Interface claims 2 endpoints but only 1 is present before the next interface.
	config := buildSampleConfig()
	iface, ok := FindInterface(config, 0, 0)
	require.True(t, ok)
	iface.Bytes[4] = 2 // lie about bNumEndpoints in place

	err := ForEachEndpoint(config, iface, func(RawDescriptor) error { return nil })
	require.ErrorIs(t, err, ErrNotFound)
}

func TestValidDeviceConfigString(t *testing.T) {
	dev := Descriptor{Device: DeviceDescriptor{BcdUSB: 0x0200, BMaxPacketSize0: 64, BNumConfigurations: 1}}
	require.True(t, ValidDevice(dev.Bytes()))
	require.False(t, ValidDevice([]byte{1, 2}))

	config := buildSampleConfig()
	require.True(t, ValidConfig(config))
	require.False(t, ValidConfig(config[:4]))

	str := EncodeStringDescriptor("hi")
	require.True(t, ValidString(str))
	empty := EncodeStringDescriptor("")
	require.True(t, ValidString(empty))
}

func TestIsMSFT100(t *testing.T) {
	// bLength=18, bDescriptorType=3, "MSFT100" (14 bytes UTF-16LE), vendor code + pad.
	var b bytes.Buffer
	b.WriteByte(18)
	b.WriteByte(StringDescType)
	b.Write(msft100Signature)
	b.WriteByte(0x05) // vendor code
	b.WriteByte(0x00) // pad
	require.True(t, IsMSFT100(b.Bytes()))

	require.False(t, IsMSFT100(EncodeStringDescriptor("not it")))
}

func TestFindNextInterleavedVendorDescriptor(t *testing.T) {
	var hid bytes.Buffer
	HIDDescriptor{BcdHID: 0x0111, BNumDescriptors: 1, ClassDescType: ReportDescType, WDescriptorLength: 30}.Write(&hid)

	desc := &Descriptor{
		Interfaces: []InterfaceConfig{
			{
				Descriptor: InterfaceDescriptor{BInterfaceNumber: 0, BNumEndpoints: 1, BInterfaceClass: 3},
				HIDDesc:    hid.Bytes(),
				Endpoints: []EndpointDescriptor{
					{BEndpointAddress: 0x81, BMAttributes: 3, WMaxPacketSize: 8, BInterval: 10},
				},
			},
		},
	}
	config := BuildConfigDescriptor(desc, 1)

	iface, ok := FindInterface(config, 0, 0)
	require.True(t, ok)

	var eps []RawDescriptor
	err := ForEachEndpoint(config, iface, func(d RawDescriptor) error {
		eps = append(eps, d)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, eps, 1)

	_, ok = FindNext(config, -1, HIDDescType)
	require.True(t, ok)
}

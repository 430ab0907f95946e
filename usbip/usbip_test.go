package usbip

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpCommonRoundTrip(t *testing.T) {
	in := OpCommon{Version: Version, Code: OpRepImport, Status: StatusOK}
	var buf bytes.Buffer
	require.NoError(t, in.Write(&buf))
	require.Len(t, buf.Bytes(), 8)

	var out OpCommon
	require.NoError(t, out.Read(&buf))
	require.Equal(t, in, out)
}

func TestOpImportRequestRoundTrip(t *testing.T) {
	in := NewOpImportRequest("1-1")
	var buf bytes.Buffer
	require.NoError(t, in.Write(&buf))
	require.Len(t, buf.Bytes(), BusIDSize)

	var out OpImportRequest
	require.NoError(t, out.Read(&buf))
	require.Equal(t, "1-1", out.String())
}

func TestImportReplyRoundTrip(t *testing.T) {
	in := ImportReply{
		BusNum:              1,
		DevNum:              1,
		Speed:               3,
		IDVendor:            0x1234,
		IDProduct:           0x5678,
		BcdDevice:           0x0100,
		BDeviceClass:        0,
		BDeviceSubClass:     0,
		BDeviceProtocol:     0,
		BConfigurationValue: 1,
		BNumConfigurations:  1,
		BNumInterfaces:      1,
	}
	copy(in.Path[:], "/sys/devices/usb1")
	copy(in.BusID[:], "1-1")

	var buf bytes.Buffer
	require.NoError(t, in.Write(&buf))

	var out ImportReply
	require.NoError(t, out.Read(&buf))
	require.Equal(t, in, out)
	require.Equal(t, "1-1", out.BusIDString())
	require.Equal(t, "/sys/devices/usb1", out.PathString())
}

func TestCmdSubmitRoundTrip(t *testing.T) {
	in := CmdSubmit{
		Basic:             HeaderBasic{Command: CmdSubmitCode, Seqnum: 7, Devid: 0, Dir: DirIn, Ep: 1},
		TransferFlags:     0,
		TransferBufferLen: 512,
		Setup:             [8]byte{1, 2, 3, 4, 5, 6, 7, 8},
	}
	var buf bytes.Buffer
	require.NoError(t, in.Write(&buf))
	require.Len(t, buf.Bytes(), CmdSubmitHeaderSize)

	var out CmdSubmit
	require.NoError(t, out.Read(&buf))
	require.Equal(t, in, out)
	// Setup bytes are carried unchanged through the pipeline.
	require.Equal(t, in.Setup, out.Setup)
}

func TestRetSubmitRoundTrip(t *testing.T) {
	in := RetSubmit{
		Basic:        HeaderBasic{Command: RetSubmitCode, Seqnum: 7, Dir: 0, Ep: 0},
		Status:       0,
		ActualLength: 200,
	}
	var buf bytes.Buffer
	require.NoError(t, in.Write(&buf))
	require.Len(t, buf.Bytes(), RetSubmitHeaderSize)

	var out RetSubmit
	require.NoError(t, out.Read(&buf))
	require.Equal(t, in, out)
}

func TestCmdUnlinkRetUnlinkRoundTrip(t *testing.T) {
	inCmd := CmdUnlink{Basic: HeaderBasic{Command: CmdUnlinkCode, Seqnum: 9}, UnlinkSeqnum: 7}
	var buf bytes.Buffer
	require.NoError(t, inCmd.Write(&buf))
	var outCmd CmdUnlink
	require.NoError(t, outCmd.Read(&buf))
	require.Equal(t, inCmd, outCmd)

	inRet := RetUnlink{Basic: HeaderBasic{Command: RetUnlinkCode, Seqnum: 9}, Status: -104}
	buf.Reset()
	require.NoError(t, inRet.Write(&buf))
	var outRet RetUnlink
	require.NoError(t, outRet.Read(&buf))
	require.Equal(t, inRet, outRet)
}

func TestIsoPacketDescriptorsRoundTrip(t *testing.T) {
	in := []IsoPacketDescriptor{
		{Offset: 0, Length: 64, ActualLength: 64, Status: 0},
		{Offset: 64, Length: 64, ActualLength: 32, Status: 0},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteIsoPacketDescriptors(&buf, in))

	out, err := ReadIsoPacketDescriptors(&buf, len(in))
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestReadExactlyShortRead(t *testing.T) {
	r := bytes.NewReader([]byte{1, 2, 3})
	buf := make([]byte, 4)
	err := ReadExactly(r, buf)
	require.Error(t, err)
}

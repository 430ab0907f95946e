package urb

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMapErrnoTable(t *testing.T) {
	require.Equal(t, StatusSuccess, MapErrno(0))
	require.Equal(t, StatusStall, MapErrno(errnoEPIPE))
	require.Equal(t, StatusCancelled, MapErrno(errnoENOENT))
	require.Equal(t, StatusCancelled, MapErrno(errnoECONNRESET))
	require.Equal(t, StatusTimeout, MapErrno(errnoETIMEDOUT))
	require.Equal(t, StatusDeviceNotConnected, MapErrno(errnoESHUTDOWN))
	require.Equal(t, StatusDeviceNotConnected, MapErrno(errnoENODEV))
	require.Equal(t, StatusError, MapErrno(-9999))
}

func TestBulkOrInterruptDirectionFromPipe(t *testing.T) {
	req := &Request{
		Function: FunctionBulkOrInterruptTransfer,
		Pipe:     NewPipeHandle(0x81, PipeBulk, 0),
		Length:   64,
	}
	frame, err := Submit(req)
	require.NoError(t, err)
	require.Equal(t, DirIn, frame.Dir)
	require.Equal(t, uint8(1), frame.Ep)
	require.Nil(t, frame.Payload)

	req.TransferFlags = 0xFFFFFFFF // direction must come from the pipe, not flags
	frame, err = Submit(req)
	require.NoError(t, err)
	require.Equal(t, DirIn, frame.Dir)

	out := &Request{
		Function: FunctionBulkOrInterruptTransfer,
		Pipe:     NewPipeHandle(0x02, PipeBulk, 0),
		Buffer:   []byte{1, 2, 3},
		Length:   3,
	}
	frame, err = Submit(out)
	require.NoError(t, err)
	require.Equal(t, DirOut, frame.Dir)
	require.Equal(t, []byte{1, 2, 3}, frame.Payload)
}

func TestBulkOrInterruptCompleteClampsActualLength(t *testing.T) {
	req := &Request{
		Function: FunctionBulkOrInterruptTransfer,
		Pipe:     NewPipeHandle(0x81, PipeBulk, 0),
		Length:   4,
		Buffer:   make([]byte, 4),
	}
	err := Complete(req, ReplyFrame{Status: 0, ActualLength: 10, Payload: []byte{1, 2, 3, 4, 5}})
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, req.Status)
	require.Equal(t, uint32(4), req.ActualLength)
	require.Equal(t, []byte{1, 2, 3, 4}, req.Buffer)
}

func TestSelectConfigurationUnconfigured(t *testing.T) {
	req := &Request{Function: FunctionSelectConfiguration, Unconfigured: true, ConfigurationValue: 1}
	frame, err := Submit(req)
	require.NoError(t, err)
	setup := DecodeSetup(frame.Setup)
	require.Equal(t, uint8(ReqSetConfiguration), setup.BRequest)
	require.Equal(t, uint16(0), setup.WValue)

	req2 := &Request{Function: FunctionSelectConfiguration, ConfigurationValue: 3}
	frame2, err := Submit(req2)
	require.NoError(t, err)
	setup2 := DecodeSetup(frame2.Setup)
	require.Equal(t, uint16(3), setup2.WValue)
}

func TestSelectInterfaceSetupFields(t *testing.T) {
	req := &Request{Function: FunctionSelectInterface, AlternateSetting: 2, InterfaceNumber: 1}
	frame, err := Submit(req)
	require.NoError(t, err)
	setup := DecodeSetup(frame.Setup)
	require.Equal(t, uint8(ReqSetInterface), setup.BRequest)
	require.Equal(t, uint16(2), setup.WValue)
	require.Equal(t, uint16(1), setup.WIndex)
}

func TestGetDescriptorSetupFields(t *testing.T) {
	req := &Request{
		Function:        FunctionGetDescriptor,
		DescriptorType:  0x02,
		DescriptorIndex: 0,
		WIndex:          0x0409,
		Length:          255,
	}
	frame, err := Submit(req)
	require.NoError(t, err)
	setup := DecodeSetup(frame.Setup)
	require.Equal(t, uint8(ReqGetDescriptor), setup.BRequest)
	require.Equal(t, uint16(0x0200), setup.WValue)
	require.Equal(t, uint16(0x0409), setup.WIndex)
	require.Equal(t, uint8(ReqDirIn), setup.BmRequestType&ReqDirIn)
}

func TestSyncResetPipeRejectsControlPipe(t *testing.T) {
	req := &Request{Function: FunctionSyncResetPipeAndClearStall, Pipe: DefaultPipe}
	_, err := Submit(req)
	require.ErrorIs(t, err, ErrControlPipe)
}

func TestSyncResetPipeClearsEndpointStall(t *testing.T) {
	req := &Request{Function: FunctionSyncResetPipeAndClearStall, Pipe: NewPipeHandle(0x81, PipeBulk, 0)}
	frame, err := Submit(req)
	require.NoError(t, err)
	setup := DecodeSetup(frame.Setup)
	require.Equal(t, uint8(ReqClearFeature), setup.BRequest)
	require.Equal(t, uint16(0x81), setup.WIndex)
}

func TestAbortPipeNeverReachesWire(t *testing.T) {
	req := &Request{Function: FunctionAbortPipe}
	_, err := Submit(req)
	require.Error(t, err)
}

func TestGetCurrentFrameNumberNoNetworkTraffic(t *testing.T) {
	req := &Request{Function: FunctionGetCurrentFrameNumber}
	frame, err := Submit(req)
	require.NoError(t, err)
	require.True(t, frame.NoNetworkTraffic)

	err = Complete(req, ReplyFrame{})
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, req.Status)
	require.Equal(t, uint32(0), req.ActualLength)
}

func TestUnimplementedFunctionsRejected(t *testing.T) {
	for _, fn := range []Function{
		FunctionGetMSFeatureDescriptor,
		FunctionGetIsochPipeTransferPathDelays,
		FunctionOpenStaticStreams,
	} {
		req := &Request{Function: fn}
		_, err := Submit(req)
		require.ErrorIs(t, err, ErrNotImplemented)
	}
}

func TestUnknownFunctionCodeIsHandledNotPanic(t *testing.T) {
	req := &Request{Function: Function(0xFE)}
	_, err := Submit(req)
	require.ErrorIs(t, err, ErrInvalidParameter)
}

func TestVendorOrClassTransferSetup(t *testing.T) {
	req := &Request{
		Function:     FunctionVendorOrClassTransfer,
		Pipe:         DefaultPipe,
		RequestClass: ClassVendor,
		Recipient:    RecipientDevice,
		BRequest:     0x5B,
		WValue:       0x0001,
		WIndex:       0x0002,
		Buffer:       []byte{0xAA},
		Length:       1,
	}
	frame, err := Submit(req)
	require.NoError(t, err)
	setup := DecodeSetup(frame.Setup)
	require.Equal(t, uint8(0x5B), setup.BRequest)
	require.Equal(t, uint8(ReqTypeVendor), setup.BmRequestType&ReqTypeVendor)
	require.Equal(t, DirOut, frame.Dir)
	require.Equal(t, []byte{0xAA}, frame.Payload)
}

func TestSetupEncodeDecodeRoundTrip(t *testing.T) {
	s := Setup{BmRequestType: 0x80, BRequest: 6, WValue: 0x0100, WIndex: 0, WLength: 18}
	got := DecodeSetup(s.Encode())
	require.Equal(t, s, got)
}

func TestPipeHandleAccessors(t *testing.T) {
	p := NewPipeHandle(0x85, PipeInterrupt, 10)
	require.Equal(t, uint8(0x85), p.EndpointAddress())
	require.Equal(t, uint8(5), p.EndpointNumber())
	require.Equal(t, DirIn, p.Direction())
	require.Equal(t, PipeInterrupt, p.Type())
	require.Equal(t, uint8(10), p.Interval())
	require.False(t, p.IsDefault())
	require.True(t, DefaultPipe.IsDefault())
}

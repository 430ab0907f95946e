package urb

import (
	"errors"

	"github.com/alia5/usbip-vhci/usbip"
)

// Function identifies the URB operation being translated. It is the Go
// stand-in for the source's UrbHeader.Function tag (spec.md §9): a
// sealed enum dispatched through a handler table instead of cast-based
// access to a common struct prefix.
type Function uint8

const (
	FunctionSelectConfiguration Function = iota
	FunctionSelectInterface
	FunctionControlTransfer
	FunctionBulkOrInterruptTransfer
	FunctionIsochTransfer
	FunctionGetDescriptor
	FunctionSetDescriptor
	FunctionGetStatus
	FunctionSetFeature
	FunctionClearFeature
	FunctionVendorOrClassTransfer
	FunctionGetConfiguration
	FunctionGetInterface
	FunctionSyncResetPipeAndClearStall
	FunctionAbortPipe
	FunctionGetCurrentFrameNumber
	FunctionGetMSFeatureDescriptor
	FunctionGetIsochPipeTransferPathDelays
	FunctionOpenStaticStreams
)

// Status is the Go stand-in for a USBD_STATUS completion code.
type Status uint32

const (
	StatusSuccess Status = iota
	StatusPending
	StatusStall
	StatusCancelled
	StatusTimeout
	StatusDeviceNotConnected
	StatusNotImplemented
	StatusInvalidParameter
	StatusError
)

// Errors returned directly by Submit/Complete (as opposed to Status
// values carried in a completed URB).
var (
	ErrNotImplemented   = errors.New("urb: function not implemented")
	ErrInvalidParameter = errors.New("urb: invalid parameter")
	ErrControlPipe      = errors.New("urb: operation not valid on the control pipe")
)

// Linux errno values ret_submit.status carries.
const (
	errnoENOENT      = -2
	errnoEPIPE       = -32
	errnoESHUTDOWN   = -108
	errnoECONNRESET  = -104
	errnoETIMEDOUT   = -110
	errnoENODEV      = -19
	ErrConnResetErrno = errnoECONNRESET
)

// MapErrno maps a ret_submit.status Linux errno to a Status, per the
// fixed table spec.md §4.3 calls for.
func MapErrno(status int32) Status {
	switch status {
	case 0:
		return StatusSuccess
	case errnoEPIPE:
		return StatusStall
	case errnoENOENT, errnoECONNRESET:
		return StatusCancelled
	case errnoETIMEDOUT:
		return StatusTimeout
	case errnoESHUTDOWN, errnoENODEV:
		return StatusDeviceNotConnected
	default:
		return StatusError
	}
}

// Request is a tagged-variant view over one URB. Only the fields
// relevant to Function are meaningful; TransferCommon-ish fields
// (Pipe/Flags/Length/Buffer) are read uniformly across every transfer
// and control variant, mirroring the shared prefix layout the source
// exploits via casts (spec.md §4.3/§9).
type Request struct {
	Function Function

	// Common transfer view (BULK_OR_INTERRUPT, ISOCH, CONTROL*, all
	// GET/SET_DESCRIPTOR, GET_STATUS/SET/CLEAR_FEATURE, VENDOR/CLASS,
	// GET_CONFIGURATION/INTERFACE, GET_MS_FEATURE_DESCRIPTOR).
	Pipe          PipeHandle
	TransferFlags uint32
	// Buffer holds outbound payload (OUT) or, after Complete, inbound
	// payload (IN). Length is the originally requested
	// TransferBufferLength; callers size Buffer to Length before an IN
	// request so Complete can clamp/copy into it in place.
	Buffer []byte
	Length uint32

	// Isochronous-only.
	StartFrame      uint32
	NumberOfPackets uint32
	Interval        uint32
	IsoPackets      []usbip.IsoPacketDescriptor

	// Control-ish requests (GET/SET_DESCRIPTOR, GET_STATUS,
	// SET/CLEAR_FEATURE, VENDOR/CLASS). WIndex doubles as the
	// endpoint/interface target for GET_STATUS/FEATURE/VENDOR requests
	// and as the language ID for GET/SET_DESCRIPTOR.
	Recipient       Recipient
	RequestClass    RequestClass
	BRequest        uint8 // VENDOR/CLASS bRequest
	WValue          uint16
	WIndex          uint16
	DescriptorType  uint8
	DescriptorIndex uint8
	FeatureSelector uint16

	// CONTROL_TRANSFER/CONTROL_TRANSFER_EX carry an already-assembled
	// setup packet from the caller instead of one the translator builds.
	RawSetup *Setup

	// SELECT_CONFIGURATION / SELECT_INTERFACE.
	ConfigurationValue uint8 // 0 when unconfiguring
	Unconfigured       bool
	AlternateSetting   uint8
	InterfaceNumber    uint8

	// Result fields, populated by Complete.
	Status       Status
	ActualLength uint32
}

// SubmitFrame is what Submit hands the wire codec: direction/ep/flags
// plus an encoded setup packet and outbound payload.
type SubmitFrame struct {
	Dir             Direction
	Ep              uint8
	Setup           [8]byte
	Payload         []byte
	TransferFlags   uint32
	TransferLength  uint32
	StartFrame      uint32
	NumberOfPackets uint32
	Interval        uint32
	NoNetworkTraffic bool
	LocalResult      []byte // for GET_CURRENT_FRAME_NUMBER and similar zero-traffic completions
}

// ReplyFrame is what the reply path hands Complete: a decoded
// ret_submit plus whatever payload/iso descriptors followed it.
type ReplyFrame struct {
	Status       int32
	ActualLength uint32
	Payload      []byte
	IsoPackets   []usbip.IsoPacketDescriptor
}

// Handler is the sealed per-Function implementation: one Submit/Complete
// pair, dispatched by Function code through the table in dispatch.go
// (spec.md §9's single sealed handler interface replacing the source's
// two parallel function-pointer tables).
type Handler interface {
	Submit(req *Request) (SubmitFrame, error)
	Complete(req *Request, reply ReplyFrame) error
}

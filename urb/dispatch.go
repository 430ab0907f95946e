package urb

// handlers is the single sealed dispatch table keyed by Function,
// replacing the source's two parallel function-pointer tables (one for
// caller-side validation, one for wire emission) with one handler per
// variant (spec.md §9).
var handlers = map[Function]Handler{
	FunctionSelectConfiguration:            selectConfigurationHandler{},
	FunctionSelectInterface:                selectInterfaceHandler{},
	FunctionControlTransfer:                controlTransferHandler{},
	FunctionBulkOrInterruptTransfer:        bulkOrInterruptHandler{},
	FunctionIsochTransfer:                  isochTransferHandler{},
	FunctionGetDescriptor:                  getDescriptorHandler{},
	FunctionSetDescriptor:                  setDescriptorHandler{},
	FunctionGetStatus:                      getStatusHandler{},
	FunctionSetFeature:                     setOrClearFeatureHandler{set: true},
	FunctionClearFeature:                   setOrClearFeatureHandler{set: false},
	FunctionVendorOrClassTransfer:          vendorOrClassHandler{},
	FunctionGetConfiguration:               getConfigurationHandler{},
	FunctionGetInterface:                   getInterfaceHandler{},
	FunctionSyncResetPipeAndClearStall:     syncResetPipeHandler{},
	FunctionAbortPipe:                      abortPipeHandler{},
	FunctionGetCurrentFrameNumber:          currentFrameNumberHandler{},
	FunctionGetMSFeatureDescriptor:         notImplementedHandler{},
	FunctionGetIsochPipeTransferPathDelays: notImplementedHandler{},
	FunctionOpenStaticStreams:              notImplementedHandler{},
}

// Submit encodes req into a SubmitFrame via the handler registered for
// req.Function. A code with no registered handler returns
// ErrInvalidParameter; named-but-unsupported functions (GET_MS_FEATURE_DESCRIPTOR
// and friends) each have their own handler and return ErrNotImplemented
// instead, per the open-question resolution in DESIGN.md: those are
// legitimate, handled requests, not internal errors.
func Submit(req *Request) (SubmitFrame, error) {
	h, ok := handlers[req.Function]
	if !ok {
		return SubmitFrame{}, ErrInvalidParameter
	}
	return h.Submit(req)
}

// Complete applies a ReplyFrame to req via the handler registered for
// req.Function.
func Complete(req *Request, reply ReplyFrame) error {
	h, ok := handlers[req.Function]
	if !ok {
		return ErrInvalidParameter
	}
	return h.Complete(req, reply)
}

// notImplementedHandler answers GET_MS_FEATURE_DESCRIPTOR,
// GET_ISOCH_PIPE_TRANSFER_PATH_DELAYS, and OPEN_STATIC_STREAMS, all of
// which spec.md §4.3 says must return NOT_IMPLEMENTED without any wire
// traffic.
type notImplementedHandler struct{}

func (notImplementedHandler) Submit(req *Request) (SubmitFrame, error) {
	return SubmitFrame{}, ErrNotImplemented
}

func (notImplementedHandler) Complete(req *Request, reply ReplyFrame) error {
	req.Status = StatusNotImplemented
	return nil
}

// currentFrameNumberHandler answers GET_CURRENT_FRAME_NUMBER locally
// (always 0), generating no network traffic.
type currentFrameNumberHandler struct{}

func (currentFrameNumberHandler) Submit(req *Request) (SubmitFrame, error) {
	return SubmitFrame{NoNetworkTraffic: true}, nil
}

func (currentFrameNumberHandler) Complete(req *Request, reply ReplyFrame) error {
	req.Status = StatusSuccess
	req.ActualLength = 0
	return nil
}

// abortPipeHandler is handled entirely by the registry's queue-walk (see
// package registry); it never reaches the wire and Submit/Complete are
// not called for it through this table.
type abortPipeHandler struct{}

func (abortPipeHandler) Submit(req *Request) (SubmitFrame, error) {
	return SubmitFrame{}, ErrInvalidParameter
}

func (abortPipeHandler) Complete(req *Request, reply ReplyFrame) error {
	return ErrInvalidParameter
}

// completeTransferCommon applies a reply to req. dir is the transfer
// direction this specific request actually used — BULK/INTERRUPT/ISOCH
// take it from the pipe handle, but control transfers (endpoint 0,
// always DirOut on the pipe handle) carry their direction in the setup
// packet's bmRequestType instead, so callers must pass the direction
// they actually submitted rather than reading it back off req.Pipe.
func completeTransferCommon(req *Request, reply ReplyFrame, dir Direction) {
	req.Status = MapErrno(reply.Status)
	actual := reply.ActualLength
	if actual > req.Length {
		actual = req.Length
	}
	req.ActualLength = actual
	if len(reply.Payload) > 0 && dir == DirIn {
		n := copy(req.Buffer, reply.Payload)
		if uint32(n) < actual {
			actual = uint32(n)
			req.ActualLength = actual
		}
	}
}

type bulkOrInterruptHandler struct{}

func (bulkOrInterruptHandler) Submit(req *Request) (SubmitFrame, error) {
	dir := req.Pipe.Direction()
	var payload []byte
	if dir == DirOut {
		payload = req.Buffer
	}
	return SubmitFrame{
		Dir:            dir,
		Ep:             req.Pipe.EndpointNumber(),
		TransferLength: req.Length,
		TransferFlags:  req.TransferFlags,
		Payload:        payload,
	}, nil
}

func (bulkOrInterruptHandler) Complete(req *Request, reply ReplyFrame) error {
	completeTransferCommon(req, reply, req.Pipe.Direction())
	return nil
}

type isochTransferHandler struct{}

func (isochTransferHandler) Submit(req *Request) (SubmitFrame, error) {
	dir := req.Pipe.Direction()
	var payload []byte
	if dir == DirOut {
		payload = req.Buffer
	}
	return SubmitFrame{
		Dir:             dir,
		Ep:              req.Pipe.EndpointNumber(),
		TransferLength:  req.Length,
		TransferFlags:   req.TransferFlags,
		Payload:         payload,
		StartFrame:      req.StartFrame,
		NumberOfPackets: req.NumberOfPackets,
		Interval:        req.Interval,
	}, nil
}

func (isochTransferHandler) Complete(req *Request, reply ReplyFrame) error {
	dir := req.Pipe.Direction()
	completeTransferCommon(req, reply, dir)
	if dir == DirIn {
		req.IsoPackets = reply.IsoPackets
	}
	return nil
}

type controlTransferHandler struct{}

func (controlTransferHandler) Submit(req *Request) (SubmitFrame, error) {
	if req.RawSetup == nil {
		return SubmitFrame{}, ErrInvalidParameter
	}
	dir := DirOut
	if req.RawSetup.BmRequestType&ReqDirIn != 0 {
		dir = DirIn
	}
	var payload []byte
	if dir == DirOut {
		payload = req.Buffer
	}
	return SubmitFrame{
		Dir:            dir,
		Ep:             0,
		Setup:          req.RawSetup.Encode(),
		TransferLength: req.Length,
		TransferFlags:  req.TransferFlags,
		Payload:        payload,
	}, nil
}

func (controlTransferHandler) Complete(req *Request, reply ReplyFrame) error {
	dir := DirOut
	if req.RawSetup != nil && req.RawSetup.BmRequestType&ReqDirIn != 0 {
		dir = DirIn
	}
	completeTransferCommon(req, reply, dir)
	return nil
}

type selectConfigurationHandler struct{}

func (selectConfigurationHandler) Submit(req *Request) (SubmitFrame, error) {
	value := req.ConfigurationValue
	if req.Unconfigured {
		value = 0
	}
	setup := newSetup(ReqDirOut, ClassStandard, RecipientDevice, ReqSetConfiguration, uint16(value), 0, 0)
	return SubmitFrame{Dir: DirOut, Ep: 0, Setup: setup.Encode()}, nil
}

func (selectConfigurationHandler) Complete(req *Request, reply ReplyFrame) error {
	req.Status = MapErrno(reply.Status)
	return nil
}

type selectInterfaceHandler struct{}

func (selectInterfaceHandler) Submit(req *Request) (SubmitFrame, error) {
	setup := newSetup(ReqDirOut, ClassStandard, RecipientInterface, ReqSetInterface,
		uint16(req.AlternateSetting), uint16(req.InterfaceNumber), 0)
	return SubmitFrame{Dir: DirOut, Ep: 0, Setup: setup.Encode()}, nil
}

func (selectInterfaceHandler) Complete(req *Request, reply ReplyFrame) error {
	req.Status = MapErrno(reply.Status)
	return nil
}

type getDescriptorHandler struct{}

func (getDescriptorHandler) Submit(req *Request) (SubmitFrame, error) {
	value := uint16(req.DescriptorType)<<8 | uint16(req.DescriptorIndex)
	setup := newSetup(ReqDirIn, ClassStandard, req.Recipient, ReqGetDescriptor, value, req.WIndex, uint16(req.Length))
	return SubmitFrame{Dir: DirIn, Ep: 0, Setup: setup.Encode(), TransferLength: req.Length}, nil
}

func (getDescriptorHandler) Complete(req *Request, reply ReplyFrame) error {
	completeTransferCommon(req, reply, DirIn)
	return nil
}

type setDescriptorHandler struct{}

func (setDescriptorHandler) Submit(req *Request) (SubmitFrame, error) {
	value := uint16(req.DescriptorType)<<8 | uint16(req.DescriptorIndex)
	setup := newSetup(ReqDirOut, ClassStandard, req.Recipient, ReqSetDescriptor, value, req.WIndex, uint16(req.Length))
	return SubmitFrame{Dir: DirOut, Ep: 0, Setup: setup.Encode(), TransferLength: req.Length, Payload: req.Buffer}, nil
}

func (setDescriptorHandler) Complete(req *Request, reply ReplyFrame) error {
	req.Status = MapErrno(reply.Status)
	return nil
}

type getStatusHandler struct{}

func (getStatusHandler) Submit(req *Request) (SubmitFrame, error) {
	setup := newSetup(ReqDirIn, ClassStandard, req.Recipient, ReqGetStatus, 0, req.WIndex, 2)
	return SubmitFrame{Dir: DirIn, Ep: 0, Setup: setup.Encode(), TransferLength: 2}, nil
}

func (getStatusHandler) Complete(req *Request, reply ReplyFrame) error {
	completeTransferCommon(req, reply, DirIn)
	return nil
}

type setOrClearFeatureHandler struct{ set bool }

func (h setOrClearFeatureHandler) Submit(req *Request) (SubmitFrame, error) {
	bRequest := uint8(ReqClearFeature)
	if h.set {
		bRequest = ReqSetFeature
	}
	setup := newSetup(ReqDirOut, ClassStandard, req.Recipient, bRequest, req.FeatureSelector, req.WIndex, 0)
	return SubmitFrame{Dir: DirOut, Ep: 0, Setup: setup.Encode()}, nil
}

func (h setOrClearFeatureHandler) Complete(req *Request, reply ReplyFrame) error {
	req.Status = MapErrno(reply.Status)
	return nil
}

type vendorOrClassHandler struct{}

// vendorOrClassDirection decides the wire direction for a
// VENDOR/CLASS request: normally the pipe's own direction, except an
// OUT pipe with nothing to send but a requested length is treated as
// IN per caller intent. Shared by Submit and Complete so both agree on
// what was actually put on the wire.
func vendorOrClassDirection(req *Request) Direction {
	dir := req.Pipe.Direction()
	if dir == DirOut && len(req.Buffer) == 0 && req.Length > 0 {
		dir = DirIn
	}
	return dir
}

func (vendorOrClassHandler) Submit(req *Request) (SubmitFrame, error) {
	dir := vendorOrClassDirection(req)
	reqDirBit := uint8(ReqDirOut)
	if dir == DirIn {
		reqDirBit = ReqDirIn
	}
	setup := newSetup(reqDirBit, req.RequestClass, req.Recipient, req.BRequest, req.WValue, req.WIndex, uint16(req.Length))
	var payload []byte
	if dir == DirOut {
		payload = req.Buffer
	}
	return SubmitFrame{Dir: dir, Ep: 0, Setup: setup.Encode(), TransferLength: req.Length, Payload: payload}, nil
}

func (vendorOrClassHandler) Complete(req *Request, reply ReplyFrame) error {
	completeTransferCommon(req, reply, vendorOrClassDirection(req))
	return nil
}

type getConfigurationHandler struct{}

func (getConfigurationHandler) Submit(req *Request) (SubmitFrame, error) {
	setup := newSetup(ReqDirIn, ClassStandard, RecipientDevice, ReqGetConfiguration, 0, 0, 1)
	return SubmitFrame{Dir: DirIn, Ep: 0, Setup: setup.Encode(), TransferLength: 1}, nil
}

func (getConfigurationHandler) Complete(req *Request, reply ReplyFrame) error {
	completeTransferCommon(req, reply, DirIn)
	return nil
}

type getInterfaceHandler struct{}

func (getInterfaceHandler) Submit(req *Request) (SubmitFrame, error) {
	setup := newSetup(ReqDirIn, ClassStandard, RecipientInterface, ReqGetInterface, 0, req.WIndex, 1)
	return SubmitFrame{Dir: DirIn, Ep: 0, Setup: setup.Encode(), TransferLength: 1}, nil
}

func (getInterfaceHandler) Complete(req *Request, reply ReplyFrame) error {
	completeTransferCommon(req, reply, DirIn)
	return nil
}

// syncResetPipeHandler implements SYNC_RESET_PIPE_AND_CLEAR_STALL: it is
// rejected outright for the control pipe; otherwise it issues
// CLEAR_FEATURE(ENDPOINT_STALL) over the wire. The registry is
// responsible for cancelling queued URBRs on the same pipe immediately
// afterward (spec.md §4.3).
type syncResetPipeHandler struct{}

func (syncResetPipeHandler) Submit(req *Request) (SubmitFrame, error) {
	if req.Pipe.IsDefault() {
		return SubmitFrame{}, ErrControlPipe
	}
	const featureEndpointHalt = 0x00
	setup := newSetup(ReqDirOut, ClassStandard, RecipientEndpoint, ReqClearFeature,
		featureEndpointHalt, uint16(req.Pipe.EndpointAddress()), 0)
	return SubmitFrame{Dir: DirOut, Ep: 0, Setup: setup.Encode()}, nil
}

func (syncResetPipeHandler) Complete(req *Request, reply ReplyFrame) error {
	req.Status = MapErrno(reply.Status)
	return nil
}

package ssdo

import (
	"encoding/binary"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/opensafety-go/scm/pkg/sod"
)

// Request is one incoming SSDO data header + payload addressed to a
// Server instance, already passed the frame-level admissibility check
// (TR, destination SADR/SDN) by the caller's routing layer.
type Request struct {
	SaNo    uint16
	Payload []byte // command byte, index (LE), subindex, then data
}

// Response is the data header + payload a Server hands back to be
// framed and transmitted; TR carries the preload error-indicator bit
// when set.
type Response struct {
	TR      uint8
	SaNo    uint16
	Payload []byte
	Abort   bool
}

type serverState uint8

const (
	stateWaitReqInit serverState = iota
	stateDownloadWaitSeg
	stateUploadWaitSeg
)

// Server is one SSDOS instance: a synchronous per-instance FSM answering
// expedited/segmented/preload up- and download requests against a
// Safety Object Dictionary. It holds no goroutine of its own —
// HandleRequest is called directly from the host's trigger, matching
// the single-threaded cooperative model the stack requires.
type Server struct {
	logger *log.Entry
	mu     sync.Mutex

	dict            *sod.ObjectDictionary
	instance        uint8
	preOperational  bool
	queueSize       uint8
	state           serverState
	index           uint16
	sub             uint8
	toggle          bool
	locked          bool
	sizeIndicated   uint32
	sizeTransferred uint32

	preloadActive       bool
	preloadExpectedSaNo uint16
}

// NewServer creates an SSDOS instance reading/writing dict.
func NewServer(logger *log.Entry, dict *sod.ObjectDictionary, instance uint8) *Server {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Server{
		logger:    logger.WithField("component", "ssdos").WithField("instance", instance),
		dict:      dict,
		instance:  instance,
		queueSize: 1,
	}
}

// SetPreOperational updates the SN device-state the write-permission
// predicate gates on; the host calls this whenever SNMT state changes.
func (s *Server) SetPreOperational(preOp bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preOperational = preOp
}

// SetQueueSize sets the preload queue depth; values outside [1,15] are
// rejected with AbortBlockSizeInvalid and leave the depth unchanged.
func (s *Server) SetQueueSize(n uint8) error {
	if n < 1 || n > 15 {
		return AbortBlockSizeInvalid
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queueSize = n
	return nil
}

func (s *Server) abort(code AbortCode) Response {
	s.resetLocked()
	payload := make([]byte, 8)
	payload[0] = byte(CmdAbort)
	binary.LittleEndian.PutUint32(payload[4:], uint32(code))
	return Response{Payload: payload, Abort: true}
}

// resetLocked unlocks the object dictionary if this instance held the
// lock, resetting the actual length first when a write was aborted
// mid-flight, and returns the FSM to its idle state.
func (s *Server) resetLocked() {
	if s.locked {
		if s.state == stateDownloadWaitSeg {
			s.dict.ActualLenSet(s.index, s.sub, 0)
		}
		s.dict.Unlock()
		s.locked = false
	}
	s.state = stateWaitReqInit
	s.toggle = false
	s.preloadActive = false
}

// HandleRequest advances the FSM by exactly one request/response step.
// A nil Response.Payload combined with ok==false means the request was
// not admissible for this instance and must be silently dropped.
func (s *Server) HandleRequest(req Request) (Response, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(req.Payload) < 4 {
		return s.abort(AbortLenDoesNotMatch), true
	}

	cmd := SaCmd(req.Payload[0])
	switch s.state {
	case stateWaitReqInit:
		resp := s.handleInit(cmd, req)
		return resp, resp.Payload != nil
	case stateDownloadWaitSeg:
		return s.handleDownloadSegment(cmd, req), true
	case stateUploadWaitSeg:
		return s.handleUploadSegment(cmd, req), true
	default:
		return s.abort(AbortGeneralError), true
	}
}

func (s *Server) handleInit(cmd SaCmd, req Request) Response {
	base := cmd &^ toggleBit
	switch base {
	case CmdAbort:
		if len(req.Payload) != 8 {
			return Response{}
		}
		s.resetLocked()
		return Response{Payload: []byte{byte(CmdAbort)}}
	case CmdDownloadInitExpedited:
		return s.downloadExpedited(req)
	case CmdDownloadInitSegmented:
		return s.downloadSegmentedInit(req, false)
	case CmdDownloadPreloadInit:
		return s.downloadSegmentedInit(req, true)
	case CmdUploadInitExpedited:
		return s.uploadInit(req)
	default:
		return s.abort(AbortCmdIDInvalid)
	}
}

func (s *Server) index3(req Request) (uint16, uint8) {
	return binary.LittleEndian.Uint16(req.Payload[1:3]), req.Payload[3]
}

func (s *Server) checkWritable(index uint16, sub uint8, firstSegment bool) error {
	if !s.dict.WriteAccess(index, sub, s.preOperational, firstSegment) {
		return AbortPresentDeviceState
	}
	return nil
}

func (s *Server) downloadExpedited(req Request) Response {
	index, sub := s.index3(req)
	data := req.Payload[4:]
	if err := s.checkWritable(index, sub, true); err != nil {
		return s.abort(err.(AbortCode))
	}
	if odr := s.dict.Write(index, sub, 0, data, true); odr != sod.ErrOK {
		return s.abort(ConvertSodToAbort(odr))
	}
	return Response{Payload: []byte{byte(CmdDownloadInitExpedited), req.Payload[1], req.Payload[2], req.Payload[3]}}
}

func (s *Server) downloadSegmentedInit(req Request, preload bool) Response {
	index, sub := s.index3(req)
	if len(req.Payload) < 8 {
		return s.abort(AbortLenDoesNotMatch)
	}
	if err := s.checkWritable(index, sub, true); err != nil {
		return s.abort(err.(AbortCode))
	}
	if odr := s.dict.Lock(index); odr != sod.ErrOK {
		return s.abort(ConvertSodToAbort(odr))
	}
	s.locked = true
	s.index = index
	s.sub = sub
	s.sizeIndicated = binary.LittleEndian.Uint32(req.Payload[4:8])
	s.sizeTransferred = 0
	s.toggle = false
	s.state = stateDownloadWaitSeg
	s.preloadActive = preload
	s.preloadExpectedSaNo = req.SaNo + 1

	cmd := CmdDownloadInitSegmented
	var tr uint8
	if preload {
		cmd = CmdDownloadPreloadInit
		tr = s.queueSize
	}
	return Response{TR: tr, Payload: []byte{byte(cmd), req.Payload[1], req.Payload[2], req.Payload[3]}}
}

func (s *Server) handleDownloadSegment(cmd SaCmd, req Request) Response {
	base := cmd &^ toggleBit
	if base == CmdAbort {
		s.resetLocked()
		return Response{Payload: []byte{byte(CmdAbort)}}
	}

	if s.preloadActive {
		if base == CmdDownloadPreloadMid {
			if req.SaNo != s.preloadExpectedSaNo {
				resp := Response{TR: TRErrorPreload, SaNo: s.preloadExpectedSaNo}
				return resp
			}
			s.dict.Write(s.index, s.sub, s.sizeTransferred, req.Payload[4:], false)
			s.sizeTransferred += uint32(len(req.Payload) - 4)
			s.preloadExpectedSaNo++
			return Response{SaNo: req.SaNo}
		}
		if base == CmdDownloadSegmentEnd {
			s.dict.Write(s.index, s.sub, s.sizeTransferred, req.Payload[4:], false)
			s.sizeTransferred += uint32(len(req.Payload) - 4)
			s.dict.ActualLenSet(s.index, s.sub, s.sizeTransferred)
			s.resetLocked()
			return Response{Payload: []byte{byte(CmdDownloadSegmentEnd)}}
		}
		return s.abort(AbortCmdIDInvalid)
	}

	if base != CmdDownloadSegmentMid && base != CmdDownloadSegmentEnd {
		return s.abort(AbortCmdIDInvalid)
	}
	if cmd.Toggle() != s.toggle {
		return s.abort(AbortGenParamIncompat)
	}
	s.toggle = !s.toggle
	s.dict.Write(s.index, s.sub, s.sizeTransferred, req.Payload[4:], false)
	s.sizeTransferred += uint32(len(req.Payload) - 4)

	if base == CmdDownloadSegmentEnd {
		s.dict.ActualLenSet(s.index, s.sub, s.sizeTransferred)
		s.resetLocked()
		return Response{SaNo: req.SaNo, Payload: []byte{byte(CmdDownloadSegmentEnd)}}
	}
	return Response{SaNo: req.SaNo, Payload: []byte{byte(CmdDownloadSegmentMid) | boolToToggle(!cmd.Toggle())}}
}

func boolToToggle(v bool) byte {
	if v {
		return byte(toggleBit)
	}
	return 0
}

const maxPayloadForExpeditedUpload = 4

func (s *Server) uploadInit(req Request) Response {
	index, sub := s.index3(req)
	attrs, odr := s.dict.AttrGet(index, sub)
	if odr != sod.ErrOK {
		return s.abort(ConvertSodToAbort(odr))
	}
	if attrs&sod.AttrRead == 0 {
		return s.abort(AbortObjNotReadable)
	}
	length, odr := s.dict.ActualLenGet(index, sub)
	if odr != sod.ErrOK {
		return s.abort(ConvertSodToAbort(odr))
	}
	buf := make([]byte, length)
	n, odr := s.dict.Read(index, sub, 0, buf)
	if odr != sod.ErrOK {
		return s.abort(ConvertSodToAbort(odr))
	}
	if n <= maxPayloadForExpeditedUpload {
		payload := append([]byte{byte(CmdUploadInitExpedited), req.Payload[1], req.Payload[2], req.Payload[3]}, buf[:n]...)
		return Response{Payload: payload}
	}

	if odr := s.dict.Lock(index); odr != sod.ErrOK {
		return s.abort(ConvertSodToAbort(odr))
	}
	s.locked = true
	s.index = index
	s.sub = sub
	s.sizeIndicated = uint32(n)
	s.sizeTransferred = 0
	s.toggle = false
	s.state = stateUploadWaitSeg

	sizeBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(sizeBytes, uint32(n))
	payload := append([]byte{byte(CmdUploadInitSegmented), req.Payload[1], req.Payload[2], req.Payload[3]}, sizeBytes...)
	return Response{Payload: payload}
}

func (s *Server) handleUploadSegment(cmd SaCmd, req Request) Response {
	base := cmd &^ toggleBit
	if base == CmdAbort {
		s.resetLocked()
		return Response{Payload: []byte{byte(CmdAbort)}}
	}
	if base != CmdUploadSegmentMid {
		return s.abort(AbortCmdIDInvalid)
	}
	if cmd.Toggle() != s.toggle {
		return s.abort(AbortGenParamIncompat)
	}
	s.toggle = !s.toggle

	remaining := s.sizeIndicated - s.sizeTransferred
	chunk := remaining
	const maxChunk = 7
	end := false
	if chunk > maxChunk {
		chunk = maxChunk
	} else {
		end = true
	}
	buf := make([]byte, chunk)
	s.dict.Read(s.index, s.sub, s.sizeTransferred, buf)
	s.sizeTransferred += chunk

	cmdOut := CmdUploadSegmentMid
	if end {
		cmdOut = CmdUploadSegmentEnd
	}
	payload := append([]byte{byte(cmdOut) | boolToToggle(!cmd.Toggle())}, buf...)
	resp := Response{Payload: payload}
	if end {
		s.resetLocked()
	}
	return resp
}

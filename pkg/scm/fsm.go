package scm

import (
	"encoding/binary"

	"github.com/opensafety-go/scm/internal/crc"
	"github.com/opensafety-go/scm/pkg/snmt"
)

// Additional-parameter header layout, per SCM_t_ADD_PAR_HEADER: domain id
// (1), header version (1), target SADR (2), data size (4), CRC16 of the
// data zero-extended into a uint32 (4), creation timestamp (4).
const (
	addParHeaderSize    = 16
	addParHeaderVersion = 1
)

// Objects read from / written to the remote SN's own dictionary over
// SSDO, per spec.md 4.4.5/4.4.6's DVI and parameter verification steps.
// Exact indices are this implementation's own choice (spec.md names the
// checks, not the wire addresses) but follow CiA-301's identity-object
// convention (0x1018) the way the rest of the DVI stack does.
const (
	remoteVendorID       uint16 = 0x1018
	remoteProductCode    uint16 = 0x1018
	remoteRevisionNumber uint16 = 0x1018
	remoteParamTimestamp uint16 = 0x1020
	remoteParamSet       uint16 = 0x1010
)

const (
	subVendorID       uint8 = 1
	subProductCode    uint8 = 2
	subRevisionNumber uint8 = 3
)

// runState calls the state function for s.State if its precondition and
// pending event make it eligible to run, returning whether an outgoing
// frame was issued (so Trigger can charge the free-frame budget) and
// whether the step detected a fatal anomaly.
func (c *SCM) runState(s *Slot) (issuedFrame bool, fatal bool) {
	switch s.State {
	case StateSendAssignSADRReq:
		return c.issueSNMT(s, func() error {
			return c.snmtMaster.AssignSADR(snmt.SlotHandle(s.index), s.SADR, s.ConfiguredUDID)
		}, StateWfAssignSADRResp)

	case StateWfAssignSADRResp:
		return c.handleAssignSADRResponse(s)

	case StateWfUDIDResp:
		return c.handleUDIDResponse(s)

	case StateWfOperatorAck:
		if s.Events&(EventAckReceived|EventTimeout) != 0 {
			s.State = StateVerifyUniqUDID
			s.Events = EventGeneric
		}
		return false, false

	case StateVerifyUniqUDID:
		return c.handleVerifyUniqUDID(s)

	case StateWfAssignSADRResp2:
		return c.handleAssignSADRResponse(s)

	case StateIdle2:
		if s.Events&EventTimeout != 0 {
			s.restart(EventGeneric)
		}
		return false, false

	case StateWfAssignSCMUDIDResp:
		return c.handleAssignSCMUDIDResponse(s)

	case StateWfInitCTResp:
		return c.handleInitCTResponse(s)

	case StateWfVendorIDResp:
		return c.handleDVIRead(s, remoteProductCode, subProductCode, StateWfProductCodeResp)

	case StateWfProductCodeResp:
		return c.handleDVIRead(s, remoteRevisionNumber, subRevisionNumber, StateWfRevisionNumberResp)

	case StateWfRevisionNumberResp:
		return c.handleRevisionNumberResponse(s)

	case StateSendReadTimestamp:
		return c.issueSSDOCRead(s, remoteParamTimestamp, 0, StateWfTimestamp)

	case StateWfTimestamp:
		return c.handleTimestampResponse(s)

	case StateWfPreOpResp:
		return c.handlePreOpResponse(s)

	case StateWfParamDlResp:
		return c.handleParamDlResponse(s)

	case StateAssignAddSADR:
		return c.handleAssignAddSADR(s)

	case StateWfAddSADRResp:
		return c.handleAddSADRResponse(s)

	case StateSendPutToOp:
		return c.issueSNMT(s, func() error {
			return c.snmtMaster.RequestTransition(snmt.SlotHandle(s.index), s.SADR, true, s.localTimestamp)
		}, StateWfOpResp)

	case StateWfOpResp:
		return c.handleOpResponse(s)

	case StateWfPollTimeout:
		if s.Events&EventTimeout != 0 {
			s.State = StateSendPutToOp
			s.Events = EventGeneric
		}
		return false, false

	case StateWfSaplAck:
		return c.handleSaplAck(s)

	case StateSendSaplAck:
		issued, _ := c.issueSNMT(s, func() error {
			return c.snmtMaster.AcknowledgeError(snmt.SlotHandle(s.index), s.SADR, uint8(s.LastError.Group), uint8(s.LastError.Code))
		}, StateSendAddPar)
		return issued, false

	case StateSendAddPar:
		return c.handleSendAddPar(s)

	case StateWfAddParDlResp:
		return c.handleAddParDlResponse(s)

	case StateWfGuardTimer:
		if s.Events&EventTimeout != 0 {
			return c.issueSNMT(s, func() error {
				return c.snmtMaster.RequestGuarding(snmt.SlotHandle(s.index), s.SADR)
			}, StateWfGuardResp)
		}
		return false, false

	case StateWfGuardResp:
		return c.handleGuardResponse(s)
	}
	return false, false
}

// issueSNMT attempts an SNMT master request; a non-nil error (no free
// FSM slot, transport busy) counts as the precondition being unmet: the
// slot stays put and is retried on a later trigger call.
func (c *SCM) issueSNMT(s *Slot, fn func() error, next State) (bool, bool) {
	if !c.snmtMaster.CheckFSMAvailable(s.SADR) {
		return false, false
	}
	if err := fn(); err != nil {
		c.logger.WithField("sadr", s.SADR).WithError(err).Debug("snmt request deferred")
		return false, false
	}
	s.State = next
	s.Events = EventNone
	return true, false
}

// issueSSDOCRead stages an upload and hands the resulting request to the
// host's transport; completion posts EventSSDOCRespRx/EventRespError
// onto this slot.
func (c *SCM) issueSSDOCRead(s *Slot, index uint16, sub uint8, next State) (bool, bool) {
	handle, req, err := c.ssdoc.Read(s.SADR, index, sub, func(data []byte, err error) {
		if err != nil {
			s.pendingSSDOErr = err
			s.Events |= EventRespError
			return
		}
		s.pendingSSDOData = data
		s.Events |= EventSSDOCRespRx
	})
	if err != nil {
		return false, false
	}
	_ = handle
	s.State = next
	s.Events = EventNone
	if c.sendSSDOC != nil {
		c.sendSSDOC(s.SADR, req)
	}
	return true, false
}

func (c *SCM) issueSSDOCWrite(s *Slot, index uint16, sub uint8, data []byte, next State) (bool, bool) {
	handle, req, err := c.ssdoc.Write(s.SADR, index, sub, data, false, func(err error) {
		if err != nil {
			s.pendingSSDOErr = err
			s.Events |= EventRespError
			return
		}
		s.pendingSSDOErr = nil
		s.Events |= EventSSDOCRespRx
	})
	if err != nil {
		return false, false
	}
	_ = handle
	s.State = next
	s.Events = EventNone
	if c.sendSSDOC != nil {
		c.sendSSDOC(s.SADR, req)
	}
	return true, false
}

// handleAssignSADRResponse implements spec.md 4.4.3: both the initial
// assign-SADR wait and the post-UDID-mismatch-recovery retry (§4.4.4)
// funnel through here since the response handling is identical.
func (c *SCM) handleAssignSADRResponse(s *Slot) (bool, bool) {
	if s.Events&EventSNMTMTimeout != 0 {
		return c.issueSNMT(s, func() error {
			return c.snmtMaster.RequestUDID(snmt.SlotHandle(s.index), s.SADR)
		}, StateWfUDIDResp)
	}
	if s.Events&EventSNMTMRespRx == 0 || s.pendingSNMT == nil {
		return false, false
	}
	resp := *s.pendingSNMT
	s.pendingSNMT = nil
	s.Events = EventNone

	if resp.Kind == snmt.RespSNFail {
		c.reportSNFailAutoAck(s, resp)
		return false, false
	}

	if resp.TADR == s.SADR {
		s.setStatus(c, StatusValid)
		s.UDIDUsed = true
		return c.issueSNMT(s, func() error {
			return c.snmtMaster.AssignSCMUDID(snmt.SlotHandle(s.index), s.SADR, c.scmUDID)
		}, StateWfAssignSCMUDIDResp)
	}
	s.setStatus(c, StatusWrongSADR)
	s.armGuardTimers(c.guardTime, c.lifeTimeFactor)
	s.State = StateIdle2
	return false, false
}

// reportSNFail handles the generic SN_FAIL case (spec.md 4.4.7's
// "otherwise"): surface it to the application and park at
// wf-sapl-ack until SnFailAck names the same group/code back.
func (c *SCM) reportSNFail(s *Slot, resp snmt.Response) {
	s.LastError = SNFailError{Group: ErrorGroup(resp.ErrorGroup), Code: ErrorCode(resp.ErrorCode)}
	if c.callbacks.SNFail != nil {
		c.callbacks.SNFail(s.SADR, s.LastError.Group, s.LastError.Code, s.index)
	}
	s.Events = EventNone
	s.State = StateWfSaplAck
}

// reportSNFailAutoAck handles the assign-SADR SN_FAIL case (spec.md
// 4.4.3): unlike reportSNFail's generic case, the stack itself queues
// ack-received here instead of waiting on the application, so the slot
// moves straight to wf-sapl-ack with the acknowledgement already staged.
func (c *SCM) reportSNFailAutoAck(s *Slot, resp snmt.Response) {
	s.LastError = SNFailError{Group: ErrorGroup(resp.ErrorGroup), Code: ErrorCode(resp.ErrorCode)}
	if c.callbacks.SNFail != nil {
		c.callbacks.SNFail(s.SADR, s.LastError.Group, s.LastError.Code, s.index)
	}
	s.Events = EventAckReceived
	s.State = StateWfSaplAck
}

func (c *SCM) handleUDIDResponse(s *Slot) (bool, bool) {
	if s.Events&EventSNMTMTimeout != 0 {
		s.setStatus(c, StatusMissing)
		s.State = StateIdle2
		s.Events = EventNone
		return false, false
	}
	if s.Events&EventSNMTMRespRx == 0 || s.pendingSNMT == nil {
		return false, false
	}
	resp := *s.pendingSNMT
	s.pendingSNMT = nil
	s.Events = EventNone

	if resp.UDID == s.ConfiguredUDID {
		s.State = StateSendAssignSADRReq
		s.Events = EventGeneric
		return false, false
	}

	s.NewUDID = resp.UDID
	s.setStatus(c, StatusUDIDMismatch)
	if c.acmMode {
		s.State = StateWfOperatorAck
	} else {
		if c.callbacks.UDIDMismatch != nil {
			c.callbacks.UDIDMismatch(s.SADR, s.NewUDID, s.index)
		}
		s.State = StateIdle2
	}
	return false, false
}

// handleVerifyUniqUDID implements spec.md 4.4.4's collision scan across
// every other slot.
func (c *SCM) handleVerifyUniqUDID(s *Slot) (bool, bool) {
	for _, other := range c.slots {
		if other == s {
			continue
		}
		if other.ConfiguredUDID != s.NewUDID {
			continue
		}
		if other.UDIDUsed {
			s.setStatus(c, StatusInvalid)
			s.armGuardTimers(c.guardTime, c.lifeTimeFactor)
			s.State = StateIdle2
			return false, false
		}
		other.ConfiguredUDID = [6]byte{}
	}

	s.ConfiguredUDID = s.NewUDID
	s.UDIDUsed = true
	return c.issueSNMT(s, func() error {
		return c.snmtMaster.AssignSADR(snmt.SlotHandle(s.index), s.SADR, s.ConfiguredUDID)
	}, StateWfAssignSADRResp2)
}

func (c *SCM) handleAssignSCMUDIDResponse(s *Slot) (bool, bool) {
	if s.Events&EventSNMTMTimeout != 0 {
		s.setStatus(c, StatusMissing)
		s.restart(EventGeneric)
		return false, false
	}
	if s.Events&EventSNMTMRespRx == 0 || s.pendingSNMT == nil {
		return false, false
	}
	resp := *s.pendingSNMT
	s.pendingSNMT = nil
	s.Events = EventNone

	if resp.Kind == snmt.RespSNFail {
		c.reportSNFail(s, resp)
		return false, false
	}

	return c.issueSSDOCRead(s, remoteVendorID, subVendorID, StateWfVendorIDResp)
}

// handleInitCTResponse handles the wait after an initial extended-CT
// write. No transition in this package enters StateWfInitCTResp, so it
// is not reached. On any response it moves on to the vendor-ID read; the
// echoed CT is not compared with the value sent, and
// StatusInitialCTError is never set here.
func (c *SCM) handleInitCTResponse(s *Slot) (bool, bool) {
	if s.Events&EventSNMTMRespRx == 0 || s.pendingSNMT == nil {
		return false, false
	}
	s.pendingSNMT = nil
	s.Events = EventNone
	return c.issueSSDOCRead(s, remoteVendorID, subVendorID, StateWfVendorIDResp)
}

func decodeUint32LE(b []byte) uint32 {
	if len(b) < 4 {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

// handleDVIRead handles the vendor-ID/product-code response and issues
// the next read in the serial chain (product-code, then revision-number).
func (c *SCM) handleDVIRead(s *Slot, nextIndex uint16, nextSub uint8, nextState State) (bool, bool) {
	if s.Events&EventRespError != 0 {
		s.setStatus(c, StatusInvalid)
		s.armGuardTimers(c.guardTime, c.lifeTimeFactor)
		s.State = StateIdle2
		s.Events = EventNone
		return false, false
	}
	if s.Events&EventSSDOCRespRx == 0 {
		return false, false
	}
	got := decodeUint32LE(s.pendingSSDOData)
	s.pendingSSDOData = nil
	s.Events = EventNone

	var expected uint32
	switch s.State {
	case StateWfVendorIDResp:
		expected = s.expectedVendorID
	case StateWfProductCodeResp:
		expected = s.expectedProductCode
	}
	if got != expected {
		s.setStatus(c, StatusInvalid)
		s.armGuardTimers(c.guardTime, c.lifeTimeFactor)
		s.State = StateIdle2
		return false, false
	}
	return c.issueSSDOCRead(s, nextIndex, nextSub, nextState)
}

func (c *SCM) handleRevisionNumberResponse(s *Slot) (bool, bool) {
	if s.Events&EventRespError != 0 {
		s.setStatus(c, StatusInvalid)
		s.armGuardTimers(c.guardTime, c.lifeTimeFactor)
		s.State = StateIdle2
		s.Events = EventNone
		return false, false
	}
	if s.Events&EventSSDOCRespRx == 0 {
		return false, false
	}
	actual := decodeUint32LE(s.pendingSSDOData)
	s.pendingSSDOData = nil
	s.Events = EventNone

	accept := actual == s.expectedRevision
	if c.callbacks.RevisionNumber != nil {
		accept = c.callbacks.RevisionNumber(s.SADR, s.expectedRevision, actual)
	}
	if !accept {
		s.setStatus(c, StatusInvalid)
		s.armGuardTimers(c.guardTime, c.lifeTimeFactor)
		s.State = StateIdle2
		return false, false
	}
	s.State = StateSendReadTimestamp
	return false, false
}

func (c *SCM) handleTimestampResponse(s *Slot) (bool, bool) {
	if s.Events&EventRespError != 0 {
		s.setStatus(c, StatusWrongParam)
		s.armGuardTimers(c.guardTime, c.lifeTimeFactor)
		s.State = StateIdle2
		s.Events = EventNone
		return false, false
	}
	if s.Events&EventSSDOCRespRx == 0 {
		return false, false
	}
	remote := s.pendingSSDOData
	s.pendingSSDOData = nil
	s.Events = EventNone

	local := encodeTimestamp(s.localTimestamp)
	if len(remote) == len(local) && string(remote) == string(local) {
		s.State = StateSendPutToOp
		return false, false
	}

	return c.issueSNMT(s, func() error {
		return c.snmtMaster.RequestTransition(snmt.SlotHandle(s.index), s.SADR, false, 0)
	}, StateWfPreOpResp)
}

func (c *SCM) handlePreOpResponse(s *Slot) (bool, bool) {
	if s.Events&EventSNMTMTimeout != 0 {
		s.setStatus(c, StatusWrongParam)
		s.armGuardTimers(c.guardTime, c.lifeTimeFactor)
		s.State = StateIdle2
		s.Events = EventNone
		return false, false
	}
	if s.Events&EventSNMTMRespRx == 0 || s.pendingSNMT == nil {
		return false, false
	}
	resp := *s.pendingSNMT
	s.pendingSNMT = nil
	s.Events = EventNone
	if resp.Kind == snmt.RespSNFail {
		s.setStatus(c, StatusWrongParam)
		s.armGuardTimers(c.guardTime, c.lifeTimeFactor)
		s.State = StateIdle2
		return false, false
	}

	size, _ := c.dict.ActualLenGet(s.dviIndex, dviSubParamPayload)
	buf := make([]byte, size)
	n, _ := c.dict.Read(s.dviIndex, dviSubParamPayload, 0, buf)
	return c.issueSSDOCWrite(s, remoteParamSet, 0, buf[:n], StateWfParamDlResp)
}

func (c *SCM) handleParamDlResponse(s *Slot) (bool, bool) {
	if s.Events&EventRespError != 0 {
		s.setStatus(c, StatusWrongParam)
		s.armGuardTimers(c.guardTime, c.lifeTimeFactor)
		s.State = StateIdle2
		s.Events = EventNone
		return false, false
	}
	if s.Events&EventSSDOCRespRx == 0 {
		return false, false
	}
	s.Events = EventNone
	if s.addSADRCursor < len(s.addSADRList) {
		s.State = StateAssignAddSADR
		return false, false
	}
	s.State = StateSendPutToOp
	return false, false
}

func (c *SCM) handleAssignAddSADR(s *Slot) (bool, bool) {
	row := s.addSADRList[s.addSADRCursor]
	return c.issueSNMT(s, func() error {
		return c.snmtMaster.AssignAdditionalSADR(snmt.SlotHandle(s.index), s.SADR, row.SADR, row.TxSPDONumber)
	}, StateWfAddSADRResp)
}

func (c *SCM) handleAddSADRResponse(s *Slot) (bool, bool) {
	if s.Events&EventSNMTMTimeout != 0 {
		s.setStatus(c, StatusWrongParam)
		s.armGuardTimers(c.guardTime, c.lifeTimeFactor)
		s.State = StateIdle2
		s.Events = EventNone
		return false, false
	}
	if s.Events&EventSNMTMRespRx == 0 || s.pendingSNMT == nil {
		return false, false
	}
	resp := *s.pendingSNMT
	s.pendingSNMT = nil
	s.Events = EventNone
	if resp.Kind == snmt.RespSNFail {
		s.setStatus(c, StatusWrongParam)
		s.armGuardTimers(c.guardTime, c.lifeTimeFactor)
		s.State = StateIdle2
		return false, false
	}
	s.addSADRCursor++
	if s.addSADRCursor < len(s.addSADRList) {
		s.State = StateAssignAddSADR
		s.Events = EventGeneric
	} else {
		s.State = StateSendPutToOp
		s.Events = EventGeneric
	}
	return false, false
}

func (c *SCM) handleOpResponse(s *Slot) (bool, bool) {
	if s.Events&EventSNMTMTimeout != 0 {
		s.setStatus(c, StatusMissing)
		s.restart(EventGeneric)
		return false, false
	}
	if s.Events&EventSNMTMRespRx == 0 || s.pendingSNMT == nil {
		return false, false
	}
	resp := *s.pendingSNMT
	s.pendingSNMT = nil
	s.Events = EventNone

	if resp.Kind == snmt.RespSNFail {
		fail := SNFailError{Group: ErrorGroup(resp.ErrorGroup), Code: ErrorCode(resp.ErrorCode)}
		s.LastError = fail
		switch {
		case fail.isUnexpectedFSMEvent():
			if c.callbacks.SNFail != nil {
				c.callbacks.SNFail(s.SADR, fail.Group, fail.Code, s.index)
			}
			s.Events = EventAckReceived
			s.State = StateWfSaplAck
		case fail.isAdditionalParam():
			s.State = StateSendSaplAck
		default:
			if c.callbacks.SNFail != nil {
				c.callbacks.SNFail(s.SADR, fail.Group, fail.Code, s.index)
			}
			s.armPoll(s.PollInterval)
			s.State = StateWfSaplAck
		}
		return false, false
	}

	if resp.SNState == snmt.StateOperational {
		s.setStatus(c, StatusOK)
		s.armGuardTimers(c.guardTime, c.lifeTimeFactor)
		s.State = StateWfGuardTimer
		return false, false
	}

	// BUSY: neither operational nor the SN_FAIL kind — retry later.
	s.armPoll(s.PollInterval)
	s.State = StateWfPollTimeout
	return false, false
}

func (c *SCM) handleSaplAck(s *Slot) (bool, bool) {
	if s.Events&EventAckReceived == 0 {
		return false, false
	}
	return c.issueSNMT(s, func() error {
		return c.snmtMaster.AcknowledgeError(snmt.SlotHandle(s.index), s.SADR, uint8(s.LastError.Group), uint8(s.LastError.Code))
	}, StateSendPutToOp)
}

func (c *SCM) handleSendAddPar(s *Slot) (bool, bool) {
	idx := uint16(0xE400) + (s.SADR - 1)
	sub := s.LastError.additionalParamSubindex()
	header := make([]byte, addParHeaderSize)
	n, odr := c.dict.Read(idx, sub, 0, header)
	if odr != 0 || n < addParHeaderSize || header[1] != addParHeaderVersion || binary.LittleEndian.Uint16(header[2:4]) != s.SADR {
		s.setStatus(c, StatusWrongAdditionalParam)
		s.armGuardTimers(c.guardTime, c.lifeTimeFactor)
		s.State = StateIdle2
		return false, false
	}

	var payload []byte
	if s.LastError.additionalParamFullPayload() {
		size, _ := c.dict.ActualLenGet(idx, sub)
		buf := make([]byte, size)
		n, _ = c.dict.Read(idx, sub, 0, buf)
		buf = buf[:n]

		dataSize := binary.LittleEndian.Uint32(header[4:8])
		wantCRC := binary.LittleEndian.Uint32(header[8:12])
		if uint32(len(buf)) < uint32(addParHeaderSize)+dataSize {
			s.setStatus(c, StatusWrongAdditionalParam)
			s.armGuardTimers(c.guardTime, c.lifeTimeFactor)
			s.State = StateIdle2
			return false, false
		}
		data := buf[addParHeaderSize : uint32(addParHeaderSize)+dataSize]
		if uint32(crc.Crc16Normal(data)) != wantCRC {
			s.setStatus(c, StatusWrongAdditionalParam)
			s.armGuardTimers(c.guardTime, c.lifeTimeFactor)
			s.State = StateIdle2
			return false, false
		}
		payload = buf
	} else {
		payload = header
	}

	return c.issueSSDOCWrite(s, additionalParamObject, 0, payload, StateWfAddParDlResp)
}

func (c *SCM) handleAddParDlResponse(s *Slot) (bool, bool) {
	if s.Events&EventRespError != 0 {
		s.setStatus(c, StatusWrongAdditionalParam)
		s.armGuardTimers(c.guardTime, c.lifeTimeFactor)
		s.State = StateIdle2
		s.Events = EventNone
		return false, false
	}
	if s.Events&EventSSDOCRespRx == 0 {
		return false, false
	}
	s.Events = EventGeneric
	s.State = StateSendPutToOp
	return false, false
}

func (c *SCM) handleGuardResponse(s *Slot) (bool, bool) {
	if s.Events&EventSNMTMTimeout != 0 {
		s.Events = EventNone
		if !s.totalLifetimeExpired() {
			return c.issueSNMT(s, func() error {
				return c.snmtMaster.RequestGuarding(snmt.SlotHandle(s.index), s.SADR)
			}, StateWfGuardResp)
		}
		s.setStatus(c, StatusMissing)
		s.restart(EventGeneric)
		return false, false
	}
	if s.Events&EventSNMTMRespRx == 0 || s.pendingSNMT == nil {
		return false, false
	}
	resp := *s.pendingSNMT
	s.pendingSNMT = nil
	s.Events = EventNone

	if resp.Kind == snmt.RespSNFail || resp.SNState != snmt.StateOperational {
		s.setStatus(c, StatusMissing)
		s.restart(EventGeneric)
		return false, false
	}
	s.armGuardTimers(c.guardTime, c.lifeTimeFactor)
	s.State = StateWfGuardTimer
	return false, false
}

package scm

import "fmt"

// State is one of the 27 states a roster slot's FSM can occupy.
// Grouped by sub-FSM the way spec.md 4.4.1 groups them; the grouping has
// no runtime meaning, it only documents which phase of the lifecycle a
// given state belongs to.
type State uint8

const (
	// Operational sub-FSM.
	StateSendAssignSADRReq State = iota
	StateWfAssignSADRResp
	StateWfAssignSCMUDIDResp
	StateWfUDIDResp
	StateWfInitCTResp
	StateWfOperatorAck
	StateIdle2

	// Verify-DVI.
	StateWfVendorIDResp
	StateWfProductCodeResp
	StateWfRevisionNumberResp

	// Verify-parameters.
	StateWfTimestamp

	// Download-parameters.
	StateWfPreOpResp
	StateWfParamDlResp
	StateAssignAddSADR
	StateWfAddSADRResp

	// UDID-mismatch recovery.
	StateWfAssignSADRResp2
	StateVerifyUniqUDID

	// Activate-SN.
	StateSendPutToOp
	StateSendReadTimestamp
	StateWfOpResp
	StateWfPollTimeout
	StateWfSaplAck

	// Node-guarding.
	StateWfGuardTimer
	StateWfGuardResp

	// Additional-parameters.
	StateSendSaplAck
	StateSendAddPar
	StateWfAddParDlResp

	stateCount
)

var stateNames = [stateCount]string{
	StateSendAssignSADRReq:     "send-assign-sadr-req",
	StateWfAssignSADRResp:      "wf-assign-sadr-resp",
	StateWfAssignSCMUDIDResp:   "wf-assign-scm-udid-resp",
	StateWfUDIDResp:            "wf-udid-resp",
	StateWfInitCTResp:          "wf-init-ct-resp",
	StateWfOperatorAck:         "wf-operator-ack",
	StateIdle2:                 "idle2",
	StateWfVendorIDResp:        "wf-vendor-id-resp",
	StateWfProductCodeResp:     "wf-product-code-resp",
	StateWfRevisionNumberResp:  "wf-revision-number-resp",
	StateWfTimestamp:           "wf-timestamp",
	StateWfPreOpResp:           "wf-pre-op-resp",
	StateWfParamDlResp:         "wf-param-dl-resp",
	StateAssignAddSADR:         "assign-add-sadr",
	StateWfAddSADRResp:         "wf-add-sadr-resp",
	StateWfAssignSADRResp2:     "wf-assign-sadr-resp2",
	StateVerifyUniqUDID:        "verify-uniq-udid",
	StateSendPutToOp:           "send-put-to-op",
	StateSendReadTimestamp:     "send-read-timestamp",
	StateWfOpResp:              "wf-op-resp",
	StateWfPollTimeout:         "wf-poll-timeout",
	StateWfSaplAck:             "wf-sapl-ack",
	StateWfGuardTimer:          "wf-guard-timer",
	StateWfGuardResp:           "wf-guard-resp",
	StateSendSaplAck:           "send-sapl-ack",
	StateSendAddPar:            "send-add-par",
	StateWfAddParDlResp:        "wf-add-par-dl-resp",
}

func (s State) String() string {
	if s < stateCount {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Event is a bitset; spec.md 4.4.2 allows only a handful of multi-bit
// combinations, everything else is a fatal anomaly handled by the
// scheduler (§4.5 step 4).
type Event uint16

const (
	EventNone          Event = 0
	EventGeneric       Event = 1 << 0
	EventSSDOCRespRx   Event = 1 << 1
	EventSNMTMRespRx   Event = 1 << 2
	EventAckReceived   Event = 1 << 3
	EventSNMTMTimeout  Event = 1 << 4
	EventSSDOCTimeout  Event = 1 << 5
	EventRespError     Event = 1 << 6
	EventTimeout       Event = 1 << 7
	EventResetNodeGrd  Event = 1 << 8
)

// Per-state preconditions (spec.md 4.4's "preconditions per state gate
// execution") are enforced inline rather than via a lookup table: each
// state function that needs the SNMT master or SSDOC client free calls
// issueSNMT/issueSSDOCRead/issueSSDOCWrite, which check availability
// (snmt.Master.CheckFSMAvailable, ssdo.Client's own busy check) and
// leave the slot's state untouched — so it retries next trigger call —
// when the resource isn't free.

// Package snmt defines the SNMT master/slave collaborator interfaces the
// SCM FSM drives. The SNMT state machine itself is an external
// collaborator (spec.md names it out of scope) — only its
// request/response surface is consumed here, plus a simulated Master
// useful for tests and for cmd/scmctl's standalone demo mode.
package snmt

// SlotHandle identifies the SCM roster slot a request was issued for, so
// an asynchronous response can be routed back to the originating slot.
type SlotHandle uint16

// ResponseKind is a closed enum over the outcomes an SNMT master request
// can produce.
type ResponseKind uint8

const (
	RespOK ResponseKind = iota
	RespSNFail
	RespTimeout
)

// Response is delivered to an EventSink once an outstanding request
// completes (or times out).
type Response struct {
	Kind       ResponseKind
	Request    RequestKind
	TADR       uint16
	SDN        uint16
	UDID       [6]byte
	ErrorGroup uint8
	ErrorCode  uint8
	SNState    uint8
}

// RequestKind names the SNMT master service the SCM FSM invoked; it
// travels with the Response so a slot can tell which outstanding
// request it is looking at.
type RequestKind uint8

const (
	ReqAssignSADR RequestKind = iota
	ReqAssignSCMUDID
	ReqUDID
	ReqInitExtendedCT
	ReqTransition
	ReqAssignAddSADR
	ReqGuarding
	ReqErrorAck
)

// EventSink receives SNMT responses and posts them as events onto the
// slot that issued the originating request, the way spec.md 2 describes
// "responses arrive via callbacks that post events onto the originating
// slot."
type EventSink interface {
	PostEvent(slot SlotHandle, resp Response)
}

// Master is the SNMT master request surface the SCM per-node FSM drives:
// assign-SADR, assign-SCM-UDID, UDID-request, init-ext-CT, OP/PRE-OP
// transition, assign-additional-SADR, guarding, and error
// acknowledgement, plus an FSM-availability gate.
type Master interface {
	AssignSADR(slot SlotHandle, sadr uint16, udid [6]byte) error
	AssignSCMUDID(slot SlotHandle, sadr uint16, scmUDID [6]byte) error
	RequestUDID(slot SlotHandle, sadr uint16) error
	InitExtendedCT(slot SlotHandle, sadr uint16, ct uint64) error
	RequestTransition(slot SlotHandle, sadr uint16, toOperational bool, timestamp uint32) error
	AssignAdditionalSADR(slot SlotHandle, mainSADR uint16, addSADR uint16, txSPDONumber uint16) error
	RequestGuarding(slot SlotHandle, sadr uint16) error
	AcknowledgeError(slot SlotHandle, sadr uint16, group uint8, code uint8) error
	CheckFSMAvailable(sadr uint16) bool
}

// Slave is the minimal SNMT-slave surface the SCM needs.
type Slave interface {
	SNState(sadr uint16) (state uint8, ok bool)
}

// SN operational states, CiA-301-style, reused verbatim since openSAFETY
// layers on top of the same NMT state set.
const (
	StatePreOperational uint8 = 127
	StateOperational    uint8 = 5
)

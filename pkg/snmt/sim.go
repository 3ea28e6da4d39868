package snmt

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// pendingRequest is a request awaiting its simulated response; Poll
// delivers it once its deadline (in consecutive-time ticks) has passed.
type pendingRequest struct {
	slot     SlotHandle
	kind     RequestKind
	deadline uint32
	resp     Response
}

// SimMaster is a scriptable SNMT master used by tests and by
// cmd/scmctl's standalone demo mode: each SN's behavior is pre-loaded by
// the caller (ScriptSN), and requests resolve against that script the
// next time Poll is called, mirroring the single-threaded cooperative
// model — no response is ever delivered from outside a Poll call.
type SimMaster struct {
	logger *log.Entry
	mu     sync.Mutex
	sink   EventSink

	scripts map[uint16]*snScript
	pending []pendingRequest
	now     uint32
}

// snScript is the scripted behavior of one simulated SN.
type snScript struct {
	udid           [6]byte
	sdn            uint16
	refuseAssign bool // simulate SN_FAIL on assign-SADR
	failGroup    uint8
	failCode     uint8
	refuseOp     bool // simulate SN_FAIL on the put-to-operational transition
	opFailGroup  uint8
	opFailCode   uint8
	timeoutKinds map[RequestKind]bool
	state        uint8
}

// NewSimMaster creates a simulated SNMT master posting responses to sink.
func NewSimMaster(logger *log.Entry, sink EventSink) *SimMaster {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &SimMaster{
		logger:  logger.WithField("component", "snmt-sim"),
		sink:    sink,
		scripts: map[uint16]*snScript{},
	}
}

// ScriptSN registers (or replaces) the simulated behavior for sadr.
func (m *SimMaster) ScriptSN(sadr uint16, udid [6]byte, sdn uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[sadr] = &snScript{udid: udid, sdn: sdn, state: StatePreOperational, timeoutKinds: map[RequestKind]bool{}}
}

// ScriptRefuseAssign makes a future AssignSADR for sadr respond SN_FAIL.
func (m *SimMaster) ScriptRefuseAssign(sadr uint16, group uint8, code uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.scripts[sadr]
	if s == nil {
		return
	}
	s.refuseAssign = true
	s.failGroup = group
	s.failCode = code
}

// ScriptRefuseOp makes a future RequestTransition to operational for sadr
// respond SN_FAIL instead of confirming the state change.
func (m *SimMaster) ScriptRefuseOp(sadr uint16, group uint8, code uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.scripts[sadr]
	if s == nil {
		return
	}
	s.refuseOp = true
	s.opFailGroup = group
	s.opFailCode = code
}

// ScriptTimeout makes the next request of kind for sadr time out instead
// of resolving normally.
func (m *SimMaster) ScriptTimeout(sadr uint16, kind RequestKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.scripts[sadr]
	if s == nil {
		return
	}
	s.timeoutKinds[kind] = true
}

func (m *SimMaster) enqueue(slot SlotHandle, kind RequestKind, sadr uint16, resp Response) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.scripts[sadr]
	if s == nil {
		return ErrUnknownSN
	}
	if s.timeoutKinds[kind] {
		resp = Response{Kind: RespTimeout, Request: kind}
		delete(s.timeoutKinds, kind)
	}
	m.pending = append(m.pending, pendingRequest{slot: slot, kind: kind, deadline: m.now + 1, resp: resp})
	return nil
}

// Poll delivers every response whose deadline has passed, advancing the
// master's notion of now. It must be called once per host trigger cycle
// alongside the scheduler's own Trigger, matching the single control
// flow spec.md 5 requires.
func (m *SimMaster) Poll(now uint32) {
	m.mu.Lock()
	m.now = now
	var due []pendingRequest
	var rest []pendingRequest
	for _, p := range m.pending {
		if p.deadline <= now {
			due = append(due, p)
		} else {
			rest = append(rest, p)
		}
	}
	m.pending = rest
	sink := m.sink
	m.mu.Unlock()

	for _, p := range due {
		sink.PostEvent(p.slot, p.resp)
	}
}

func (m *SimMaster) AssignSADR(slot SlotHandle, sadr uint16, udid [6]byte) error {
	m.mu.Lock()
	s := m.scripts[sadr]
	if s == nil {
		m.mu.Unlock()
		return ErrUnknownSN
	}
	var resp Response
	if s.refuseAssign {
		resp = Response{Kind: RespSNFail, Request: ReqAssignSADR, ErrorGroup: s.failGroup, ErrorCode: s.failCode}
		s.refuseAssign = false
	} else if udid != s.udid {
		resp = Response{Kind: RespOK, Request: ReqAssignSADR, TADR: sadr + 1000, SDN: s.sdn}
	} else {
		resp = Response{Kind: RespOK, Request: ReqAssignSADR, TADR: sadr, SDN: s.sdn}
	}
	m.mu.Unlock()
	return m.enqueue(slot, ReqAssignSADR, sadr, resp)
}

func (m *SimMaster) AssignSCMUDID(slot SlotHandle, sadr uint16, scmUDID [6]byte) error {
	return m.enqueue(slot, ReqAssignSCMUDID, sadr, Response{Kind: RespOK, Request: ReqAssignSCMUDID})
}

func (m *SimMaster) RequestUDID(slot SlotHandle, sadr uint16) error {
	m.mu.Lock()
	s := m.scripts[sadr]
	if s == nil {
		m.mu.Unlock()
		return ErrUnknownSN
	}
	resp := Response{Kind: RespOK, Request: ReqUDID, UDID: s.udid}
	m.mu.Unlock()
	return m.enqueue(slot, ReqUDID, sadr, resp)
}

func (m *SimMaster) InitExtendedCT(slot SlotHandle, sadr uint16, ct uint64) error {
	return m.enqueue(slot, ReqInitExtendedCT, sadr, Response{Kind: RespOK, Request: ReqInitExtendedCT})
}

func (m *SimMaster) RequestTransition(slot SlotHandle, sadr uint16, toOperational bool, timestamp uint32) error {
	m.mu.Lock()
	s := m.scripts[sadr]
	if s == nil {
		m.mu.Unlock()
		return ErrUnknownSN
	}
	var resp Response
	if toOperational && s.refuseOp {
		resp = Response{Kind: RespSNFail, Request: ReqTransition, ErrorGroup: s.opFailGroup, ErrorCode: s.opFailCode}
		s.refuseOp = false
	} else {
		if toOperational {
			s.state = StateOperational
		} else {
			s.state = StatePreOperational
		}
		resp = Response{Kind: RespOK, Request: ReqTransition, SNState: s.state}
	}
	m.mu.Unlock()
	return m.enqueue(slot, ReqTransition, sadr, resp)
}

func (m *SimMaster) AssignAdditionalSADR(slot SlotHandle, mainSADR uint16, addSADR uint16, txSPDONumber uint16) error {
	return m.enqueue(slot, ReqAssignAddSADR, mainSADR, Response{Kind: RespOK, Request: ReqAssignAddSADR})
}

func (m *SimMaster) RequestGuarding(slot SlotHandle, sadr uint16) error {
	m.mu.Lock()
	s := m.scripts[sadr]
	if s == nil {
		m.mu.Unlock()
		return ErrUnknownSN
	}
	resp := Response{Kind: RespOK, Request: ReqGuarding, SNState: s.state}
	m.mu.Unlock()
	return m.enqueue(slot, ReqGuarding, sadr, resp)
}

func (m *SimMaster) AcknowledgeError(slot SlotHandle, sadr uint16, group uint8, code uint8) error {
	return m.enqueue(slot, ReqErrorAck, sadr, Response{Kind: RespOK, Request: ReqErrorAck})
}

func (m *SimMaster) CheckFSMAvailable(sadr uint16) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.scripts[sadr]
	return ok
}

// SNState implements Slave.
func (m *SimMaster) SNState(sadr uint16) (uint8, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.scripts[sadr]
	if !ok {
		return 0, false
	}
	return s.state, true
}

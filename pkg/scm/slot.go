package scm

import (
	"github.com/opensafety-go/scm/pkg/snmt"
)

// Slot is one configured SN's roster entry: everything spec.md 3 lists
// under "SN slot" plus the bookkeeping runState needs to stage and
// consume collaborator responses between trigger calls.
type Slot struct {
	index    int
	dviIndex uint16

	SADR          uint16
	ConfiguredUDID [6]byte
	MaxPayload    uint8
	PollInterval  uint32 // ticks

	Status NodeStatus
	State  State
	Events Event

	singleAttemptTimer uint32
	singleAttemptArmed bool
	totalLifetimeTimer uint32
	totalLifetimeArmed bool
	pollTimer          uint32
	pollArmed          bool

	addSADRCursor int
	addSADRList   []additionalSADR

	LastError SNFailError

	NewUDID    [6]byte
	UDIDUsed   bool

	InitialExtCT [5]byte

	ReportUnchangedStatus bool

	// Staged collaborator results, filled in by the closures passed to
	// the SNMT master / SSDOC client and drained by runState on the
	// next trigger step that observes the matching event bit.
	pendingSNMT    *snmt.Response
	pendingSSDOErr error
	pendingSSDOData []byte

	localTimestamp uint32
	expectedVendorID, expectedProductCode, expectedRevision uint32
}

type additionalSADR struct {
	SADR         uint16
	TxSPDONumber uint16
	mainSADR     uint16
}

func (s *Slot) setStatus(scm *SCM, status NodeStatus) {
	if s.Status == status {
		return
	}
	old := s.Status
	if old.holdsUDID() && !status.holdsUDID() {
		s.UDIDUsed = false
	}
	s.Status = status
	if scm.callbacks.NodeStatusChanged != nil {
		scm.callbacks.NodeStatusChanged(s.SADR, old, status)
	}
}

func (s *Slot) restart(events Event) {
	s.State = StateSendAssignSADRReq
	s.Events = events
	s.singleAttemptArmed = false
	s.totalLifetimeArmed = false
	s.pollArmed = false
	s.pendingSNMT = nil
	s.pendingSSDOData = nil
	s.pendingSSDOErr = nil
}

func (s *Slot) armGuardTimers(guardTime, lifeTimeFactor uint32) {
	s.singleAttemptTimer = guardTime
	s.singleAttemptArmed = true
	s.totalLifetimeTimer = guardTime * lifeTimeFactor
	s.totalLifetimeArmed = true
}

func (s *Slot) armPoll(ticks uint32) {
	s.pollTimer = ticks
	s.pollArmed = true
}

// tick advances every armed timer by delta ticks, setting EventTimeout
// when the relevant one(s) for the current state expire. Guard/poll/
// operator-ack waits all share the timeout bit; which timer is "the"
// one is implied by the state, per spec.md 4.4.7/4.4.9.
func (s *Slot) tick(delta uint32) {
	if s.singleAttemptArmed {
		if delta >= s.singleAttemptTimer {
			s.singleAttemptTimer = 0
		} else {
			s.singleAttemptTimer -= delta
		}
	}
	if s.totalLifetimeArmed {
		if delta >= s.totalLifetimeTimer {
			s.totalLifetimeTimer = 0
		} else {
			s.totalLifetimeTimer -= delta
		}
	}
	if s.pollArmed {
		if delta >= s.pollTimer {
			s.pollTimer = 0
		} else {
			s.pollTimer -= delta
		}
	}

	switch s.State {
	case StateWfGuardTimer:
		if s.singleAttemptArmed && s.singleAttemptTimer == 0 {
			s.Events |= EventTimeout
		}
	case StateWfPollTimeout:
		if s.pollArmed && s.pollTimer == 0 {
			s.Events |= EventTimeout
		}
	case StateIdle2, StateWfOperatorAck:
		if s.singleAttemptArmed && s.singleAttemptTimer == 0 {
			s.Events |= EventTimeout
		}
	}
}

func (s *Slot) totalLifetimeExpired() bool {
	return s.totalLifetimeArmed && s.totalLifetimeTimer == 0
}

// Package scm implements the Safety Configuration Manager: a
// fixed-roster, single-threaded FSM driving every configured SN through
// its safety-address verification / DVI check / parameter download /
// activation / node-guarding lifecycle, grounded throughout in the
// per-slot trigger loop the teacher's heartbeat consumer and SDO client
// use for their own bounded state machines.
package scm

import "fmt"

// NodeStatus is the roster-visible health of one SN slot.
type NodeStatus uint8

const (
	StatusMissing NodeStatus = iota
	StatusWrongSADR
	StatusInvalid
	StatusUDIDMismatch
	StatusWrongParam
	StatusWrongAdditionalParam
	StatusInitialCTError
	StatusValid
	StatusOK
)

var nodeStatusDescription = map[NodeStatus]string{
	StatusMissing:              "missing",
	StatusWrongSADR:            "wrong-SADR",
	StatusInvalid:              "invalid",
	StatusUDIDMismatch:         "UDID-mismatch",
	StatusWrongParam:           "wrong-param",
	StatusWrongAdditionalParam: "wrong-additional-param",
	StatusInitialCTError:       "initial-CT-error",
	StatusValid:                "valid",
	StatusOK:                   "ok",
}

func (s NodeStatus) String() string {
	if d, ok := nodeStatusDescription[s]; ok {
		return d
	}
	return fmt.Sprintf("NodeStatus(%d)", uint8(s))
}

// holdsUDID reports whether a status reservation on the slot's
// configured UDID should be held (valid/ok) or released (everything
// else, per I3).
func (s NodeStatus) holdsUDID() bool {
	return s == StatusValid || s == StatusOK
}

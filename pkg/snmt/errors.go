package snmt

import "errors"

// ErrUnknownSN is returned by SimMaster when a request names a SADR that
// was never scripted with ScriptSN.
var ErrUnknownSN = errors.New("snmt: no simulated SN at this SADR")

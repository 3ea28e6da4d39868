package scm

import (
	"encoding/binary"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/opensafety-go/scm/pkg/snmt"
	"github.com/opensafety-go/scm/pkg/sod"
	"github.com/opensafety-go/scm/pkg/ssdo"
)

// Object dictionary layout the roster is built from, named exactly as
// spec.md 4.5 gives them.
const (
	objGuardTime       uint16 = 0x100C // sub1 guard time (ms), sub2 life-time factor
	objConfigMode      uint16 = 0x101B // sub0: 0 ACM, 1 MCM
	objDVIBase         uint16 = 0xC400 // + n, subindex layout below
	objAddSADRTable    uint16 = 0xC801 // + i, sub1
	objUDIDTableBase   uint16 = 0xCC01 // + SADR, sub1
	objSCMOwnUDID      uint16 = 0x1019 // sub1: the SCM's own 6-byte UDID
	dviSubSADR         uint8  = 1
	dviSubVendorID     uint8  = 2
	dviSubProductCode  uint8  = 3
	dviSubRevision     uint8  = 4
	dviSubTimestamp    uint8  = 5
	dviSubParamPayload uint8  = 6
	dviSubMaxPayload    uint8 = 8
	dviSubPollInterval  uint8 = 9
	dviSubTxSPDONumber  uint8 = 10
)

const dviRangeCount = 0xC7FF - objDVIBase // 1023 possible SNs, matching SADR 1..1023

// object 0x101A at the SN, slim-SSDO target for additional-parameter
// writes per spec.md 4.4.8.
const additionalParamObject uint16 = 0x101A

// Callbacks are the application hooks spec.md 6 names: every one of
// them is optional, a nil callback means "accept the default behavior".
type Callbacks struct {
	NodeStatusChanged func(sadr uint16, old, new NodeStatus)
	SNFail            func(sadr uint16, group ErrorGroup, code ErrorCode, slot int)
	UDIDMismatch      func(sadr uint16, newUDID [6]byte, slot int)
	RevisionNumber    func(sadr uint16, expected, actual uint32) bool
}

// SCM is the Safety Configuration Manager: one fixed roster built at
// Activate, driven one trigger call at a time by the host, grounded on
// the teacher's heartbeat consumer (a mutex-guarded array of per-node
// monitoring slots walked once per call) and its SDO client (the
// giant-switch per-transfer FSM each slot runs).
type SCM struct {
	logger *log.Entry
	mu     sync.Mutex

	dict       *sod.ObjectDictionary
	snmtMaster snmt.Master
	snmtSlave  snmt.Slave
	ssdoc      *ssdo.Client
	sendSSDOC  func(target uint16, req ssdo.Request) error
	callbacks  Callbacks

	slots   []*Slot
	realNum int

	acmMode          bool
	guardTime        uint32
	lifeTimeFactor   uint32
	scmUDID          [6]byte
	processedPerCall int
	rotatingIndex    int

	running bool

	initialCTCounter uint64
	lastNow          uint32
	haveLastNow      bool
}

// New creates an SCM instance. processedPerCall bounds how many roster
// slots one Trigger call visits (spec.md 4.5's "visit up to
// processed-per-call slots"). sendSSDOC is the host's frame-codec+wire
// hand-off for an SSDOC request the FSM just staged — pkg/ssdo's Client
// only builds the request/response pair, actually addressing it to the
// target SN and putting it on the wire is the host's job (§6's wire
// layer collaborator).
func New(logger *log.Entry, dict *sod.ObjectDictionary, snmtMaster snmt.Master, snmtSlave snmt.Slave, ssdoc *ssdo.Client, sendSSDOC func(target uint16, req ssdo.Request) error, processedPerCall int, callbacks Callbacks) *SCM {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	if processedPerCall <= 0 {
		processedPerCall = 1
	}
	return &SCM{
		logger:           logger.WithField("component", "scm"),
		dict:             dict,
		snmtMaster:       snmtMaster,
		snmtSlave:        snmtSlave,
		ssdoc:            ssdoc,
		sendSSDOC:        sendSSDOC,
		callbacks:        callbacks,
		processedPerCall: processedPerCall,
	}
}

// SetSNMTMaster binds the SNMT master/slave collaborators after
// construction, for hosts where building the master requires the SCM's
// own EventSink (PostEvent) first — e.g. snmt.NewSimMaster takes its
// sink at construction time, so the master can only exist after the SCM
// does. Safe to call once, before the first Activate/Trigger.
func (c *SCM) SetSNMTMaster(master snmt.Master, slave snmt.Slave) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snmtMaster = master
	c.snmtSlave = slave
}

func (c *SCM) readUint32(index uint16, sub uint8) uint32 {
	entry := c.dict.Index(index)
	if entry == nil {
		return 0
	}
	variable, ok := entry.Variables[sub]
	if !ok {
		return 0
	}
	n, err := variable.Uint32()
	if err != nil {
		return 0
	}
	return n
}

func (c *SCM) readUint16(index uint16, sub uint8) uint16 {
	entry := c.dict.Index(index)
	if entry == nil {
		return 0
	}
	variable, ok := entry.Variables[sub]
	if !ok {
		return 0
	}
	n, err := variable.Uint16()
	if err != nil {
		return 0
	}
	return n
}

func (c *SCM) readUint8(index uint16, sub uint8) uint8 {
	entry := c.dict.Index(index)
	if entry == nil {
		return 0
	}
	variable, ok := entry.Variables[sub]
	if !ok {
		return 0
	}
	n, err := variable.Uint8()
	if err != nil {
		return 0
	}
	return n
}

// buildAddSADRTable scans 0xC801+i per spec.md 4.5: a row whose value
// equals i+1 is itself a main SADR (mapped to 0, meaning "no
// redirection"); otherwise the row's value names the main SADR this
// additional SADR belongs to. The TxSPDO number each additional SADR
// feeds is read from dviSubTxSPDONumber of the DVI entry at the same
// row offset (objDVIBase+i), not from the main SADR's DVI entry.
func (c *SCM) buildAddSADRTable() map[uint16]additionalSADR {
	table := map[uint16]additionalSADR{}
	for i := 0; i < dviRangeCount; i++ {
		idx := objAddSADRTable + uint16(i)
		entry := c.dict.Index(idx)
		if entry == nil {
			continue
		}
		v, ok := entry.Variables[1]
		if !ok {
			continue
		}
		val, err := v.Uint16()
		if err != nil || val == 0 {
			continue
		}
		if uint32(val) == uint32(i)+1 {
			continue // main SADR row, no redirection
		}
		addSADR := uint16(i) + 1
		txSPDO := c.readUint16(objDVIBase+uint16(i), dviSubTxSPDONumber)
		table[addSADR] = additionalSADR{SADR: addSADR, TxSPDONumber: txSPDO, mainSADR: val}
	}
	return table
}

// Activate builds the roster from the dictionary and starts the
// scheduler; it is idempotent with respect to slot ordering (I4: slot
// indices are stable once assigned).
func (c *SCM) Activate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.acmMode = c.readUint8(objConfigMode, 0) == 0
	c.guardTime = uint32(c.readUint16(objGuardTime, 1))
	c.lifeTimeFactor = uint32(c.readUint8(objGuardTime, 2))
	if entry := c.dict.Index(objSCMOwnUDID); entry != nil {
		if v, ok := entry.Variables[1]; ok {
			copy(c.scmUDID[:], v.Bytes())
		}
	}
	addSADR := c.buildAddSADRTable()

	var slots []*Slot
	for n := 0; n < dviRangeCount; n++ {
		dviIndex := objDVIBase + uint16(n)
		entry := c.dict.Index(dviIndex)
		if entry == nil {
			continue
		}
		sadr := c.readUint16(dviIndex, dviSubSADR)
		if sadr == 0 || sadr > 1023 {
			continue
		}

		s := &Slot{
			index:        len(slots),
			dviIndex:     dviIndex,
			SADR:         sadr,
			MaxPayload:   c.readUint8(dviIndex, dviSubMaxPayload),
			PollInterval: uint32(c.readUint16(dviIndex, dviSubPollInterval)),
			Status:       StatusMissing,
			State:        StateSendAssignSADRReq,
			Events:       EventGeneric,
			expectedVendorID:    c.readUint32(dviIndex, dviSubVendorID),
			expectedProductCode: c.readUint32(dviIndex, dviSubProductCode),
			expectedRevision:    c.readUint32(dviIndex, dviSubRevision),
			localTimestamp:      c.readUint32(dviIndex, dviSubTimestamp),
		}

		if udidEntry := c.dict.Index(objUDIDTableBase + sadr); udidEntry != nil {
			if v, ok := udidEntry.Variables[1]; ok {
				copy(s.ConfiguredUDID[:], v.Bytes())
			}
		}

		for _, row := range addSADR {
			if row.mainSADR == sadr {
				s.addSADRList = append(s.addSADRList, row)
			}
		}

		slots = append(slots, s)
	}

	c.slots = slots
	c.realNum = len(slots)
	c.rotatingIndex = 0
	c.running = true
}

// Deactivate stops the scheduler; Trigger becomes a no-op until the
// next Activate, per spec.md 4.5.
func (c *SCM) Deactivate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = false
}

// PostEvent implements snmt.EventSink: an SNMT master response arrives
// asynchronously from the host's receive path and is posted onto the
// slot that issued the originating request.
func (c *SCM) PostEvent(slotHandle snmt.SlotHandle, resp snmt.Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := int(slotHandle)
	if i < 0 || i >= len(c.slots) {
		return
	}
	s := c.slots[i]
	r := resp
	s.pendingSNMT = &r
	if resp.Kind == snmt.RespTimeout {
		s.Events |= EventSNMTMTimeout
	} else {
		s.Events |= EventSNMTMRespRx
	}
}

// OperatorAck is the application API acknowledging a UDID-mismatch
// stop, named in spec.md 6's control surface.
func (c *SCM) OperatorAck(slot int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s := c.slotAt(slot); s != nil {
		s.Events |= EventAckReceived
	}
}

// SnFailAck acknowledges an SN_FAIL report, matching the group/code the
// application was told about via the SNFail callback.
func (c *SCM) SnFailAck(slot int, group ErrorGroup, code ErrorCode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.slotAt(slot)
	if s == nil {
		return
	}
	if s.LastError.Group == group && s.LastError.Code == code {
		s.Events |= EventAckReceived
	}
}

// ResetNodeGuarding pokes every slot parked waiting on a guard/idle/
// operator-ack timer so it advances immediately, per spec.md 4.4.9.
func (c *SCM) ResetNodeGuarding() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.slots {
		s.ReportUnchangedStatus = true
		switch s.State {
		case StateWfGuardTimer, StateIdle2, StateWfOperatorAck:
			s.Events |= EventTimeout
		}
	}
}

// SNState reports the SNMT slave's last-known operational state for
// sadr, when a local SNMT slave instance for that node is available
// (single-process demo/test setups where the SCM and one or more SNs
// share a process).
func (c *SCM) SNState(sadr uint16) (uint8, bool) {
	if c.snmtSlave == nil {
		return 0, false
	}
	return c.snmtSlave.SNState(sadr)
}

func (c *SCM) slotAt(i int) *Slot {
	if i < 0 || i >= len(c.slots) {
		return nil
	}
	return c.slots[i]
}

// Status returns a snapshot of the roster for read-only inspection
// (monitoring UIs, scmctl's status command).
func (c *SCM) Status() []Slot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Slot, len(c.slots))
	for i, s := range c.slots {
		out[i] = *s
	}
	return out
}

// Trigger is the scheduler's single entry point: advance the internal
// extended-CT counter, then walk up to processedPerCall roster slots
// starting from the rotating index, per spec.md 4.5.
func (c *SCM) Trigger(deltaTicks uint32, freeFrames *int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running || c.realNum == 0 {
		return
	}
	c.initialCTCounter += uint64(deltaTicks)

	if c.ssdoc != nil && c.sendSSDOC != nil {
		for _, pending := range c.ssdoc.Poll(deltaTicks) {
			c.sendSSDOC(pending.Target, pending.Request)
		}
	}

	idx := c.rotatingIndex
	visits := c.processedPerCall
	if visits > c.realNum {
		visits = c.realNum
	}
	for i := 0; i < visits; i++ {
		s := c.slots[idx]

		s.tick(deltaTicks)

		if freeFrames != nil && *freeFrames <= 0 {
			idx = (idx + 1) % c.realNum
			continue
		}

		issued, fatal := c.runState(s)
		if fatal {
			c.logger.WithField("sadr", s.SADR).Error("fatal FSM anomaly, restarting slot")
		}
		if issued && freeFrames != nil {
			*freeFrames--
		}

		if !isAllowedEventSet(s.Events) {
			s.restart(EventGeneric)
			c.logger.WithField("sadr", s.SADR).Warn("invalid event combination, restarting slot")
		}

		idx = (idx + 1) % c.realNum
	}
	c.rotatingIndex = idx
}

// isAllowedEventSet implements I2/spec.md 4.5 step 4: after a state
// function runs, the bitset may contain no bits, exactly one event, or
// ack-received together with reset-node-guarding, and nothing else.
func isAllowedEventSet(e Event) bool {
	if e == EventNone {
		return true
	}
	if e == EventGeneric || e == EventAckReceived {
		return true
	}
	if e == (EventAckReceived|EventResetNodeGrd) || e == EventResetNodeGrd {
		return true
	}
	// Exactly one bit set is always allowed.
	return e&(e-1) == 0
}

func encodeTimestamp(ts uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, ts)
	return buf
}

package scm

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensafety-go/scm/internal/crc"
	"github.com/opensafety-go/scm/pkg/snmt"
	"github.com/opensafety-go/scm/pkg/sod"
	"github.com/opensafety-go/scm/pkg/ssdo"
)

// sn is everything one simulated safety node needs: its own object
// dictionary (the DVI/parameter objects the SCM reads over SSDO) plus
// the SADR/UDID the SCM's roster expects it to answer on.
type sn struct {
	sadr     uint16
	udid     [6]byte
	vendorID uint32
	product  uint32
	revision uint32
	dict     *sod.ObjectDictionary
}

func newSN(sadr uint16, udid [6]byte) *sn {
	n := &sn{sadr: sadr, udid: udid, vendorID: 0xCAFE, product: 0xBEEF, revision: 7, dict: sod.New(nil)}
	entry := n.dict.AddRecord(remoteVendorID, "identity")
	entry.AddSubVariable(subVendorID, "vendor-id", sod.TypeUnsigned32, sod.AttrRead, 4).PutUint32(n.vendorID)
	entry.AddSubVariable(subProductCode, "product-code", sod.TypeUnsigned32, sod.AttrRead, 4).PutUint32(n.product)
	entry.AddSubVariable(subRevisionNumber, "revision-number", sod.TypeUnsigned32, sod.AttrRead, 4).PutUint32(n.revision)
	n.dict.AddVariable(remoteParamTimestamp, "param-timestamp", sod.TypeUnsigned32, sod.AttrRead, 4).PutUint32(0)
	n.dict.AddVariable(remoteParamSet, "param-set", sod.TypeDomain, sod.AttrRW|sod.AttrAlways, 64)
	n.dict.AddVariable(additionalParamObject, "additional-param", sod.TypeDomain, sod.AttrRW|sod.AttrAlways, 64)
	return n
}

// setTimestamp stores the remote node's copy of the parameter timestamp,
// matching or diverging from the SCM-side dictionary's own copy to drive
// the send-put-to-op / download-parameters fork in handleTimestampResponse.
func (n *sn) setTimestamp(ts uint32) {
	n.dict.Index(remoteParamTimestamp).Variables[0].PutUint32(ts)
}

// scmHarness wires one SCM instance against a roster of simulated SNs
// using the same collaborators cmd/scmctl assembles for real: a
// snmt.SimMaster standing in for the SNMT state machine, and a real
// ssdo.Client/ssdo.Server pair bridged synchronously the way
// pkg/ssdo's own tests drive client against server.
type scmHarness struct {
	t       *testing.T
	dict    *sod.ObjectDictionary
	master  *snmt.SimMaster
	client  *ssdo.Client
	servers map[uint16]*ssdo.Server
	scm     *SCM
	now     uint32
}

func newHarness(t *testing.T, callbacks Callbacks) *scmHarness {
	t.Helper()
	h := &scmHarness{t: t, dict: sod.New(nil), servers: map[uint16]*ssdo.Server{}}
	h.client = ssdo.NewClient(nil, 1, 50, 3)
	h.scm = New(nil, h.dict, nil, nil, h.client, h.bridge, 4, callbacks)
	h.master = snmt.NewSimMaster(nil, h.scm)
	h.scm.SetSNMTMaster(h.master, h.master)
	return h
}

// bridge drives an outgoing SSDOC request against the target SN's
// server, feeding responses back into the client until the slot goes
// idle, mirroring pkg/ssdo/client_test.go's drive helper.
func (h *scmHarness) bridge(target uint16, req ssdo.Request) error {
	srv := h.servers[target]
	require.NotNil(h.t, srv, "no server registered for SADR %d", target)

	pending := []ssdo.Request{req}
	for i := 0; i < 1000 && len(pending) > 0; i++ {
		var next []ssdo.Request
		for _, r := range pending {
			resp, ok := srv.HandleRequest(r)
			if !ok {
				continue
			}
			out, err := h.client.OnResponse(ssdo.SlotHandle(0), resp)
			if err != nil {
				return err
			}
			next = append(next, out...)
		}
		pending = next
	}
	return nil
}

// addRosterEntry writes one DVI record plus its UDID-table entry into
// the SCM's own dictionary at DVI slot slotN, without making any live SN
// answer for it — the roster-entry half of addSN, split out so a test
// can model a configured-but-absent node (spec.md 3's "missing" status).
func (h *scmHarness) addRosterEntry(slotN int, sadr uint16, udid [6]byte, vendorID, product, revision uint32, maxPayload uint8, pollInterval uint16, expectTimestamp uint32) {
	dviIndex := objDVIBase + uint16(slotN)
	entry := h.dict.AddRecord(dviIndex, "dvi")
	entry.AddSubVariable(dviSubSADR, "sadr", sod.TypeUnsigned16, sod.AttrRW, 2).PutUint16(sadr)
	entry.AddSubVariable(dviSubVendorID, "vendor-id", sod.TypeUnsigned32, sod.AttrRW, 4).PutUint32(vendorID)
	entry.AddSubVariable(dviSubProductCode, "product-code", sod.TypeUnsigned32, sod.AttrRW, 4).PutUint32(product)
	entry.AddSubVariable(dviSubRevision, "revision", sod.TypeUnsigned32, sod.AttrRW, 4).PutUint32(revision)
	entry.AddSubVariable(dviSubTimestamp, "timestamp", sod.TypeUnsigned32, sod.AttrRW, 4).PutUint32(expectTimestamp)
	entry.AddSubVariable(dviSubParamPayload, "param-payload", sod.TypeDomain, sod.AttrRW|sod.AttrAlways, 8)
	h.dict.Write(dviIndex, dviSubParamPayload, 0, []byte{1, 2, 3, 4}, true)
	entry.AddSubVariable(dviSubMaxPayload, "max-payload", sod.TypeUnsigned8, sod.AttrRW, 1).PutUint8(maxPayload)
	entry.AddSubVariable(dviSubPollInterval, "poll-interval", sod.TypeUnsigned16, sod.AttrRW, 2).PutUint16(pollInterval)
	entry.AddSubVariable(dviSubTxSPDONumber, "tx-spdo-number", sod.TypeUnsigned16, sod.AttrRW, 2).PutUint16(0)

	udidEntry := h.dict.AddRecord(objUDIDTableBase+sadr, "udid")
	udidEntry.AddSubVariable(1, "udid", sod.TypeOctetStr, sod.AttrRW, 6)
	h.dict.Write(objUDIDTableBase+sadr, 1, 0, udid[:], true)
}

// addSN registers node's server/SNMT script and its roster entry, i.e. a
// configured node that is actually present and answering on the wire.
func (h *scmHarness) addSN(slotN int, node *sn, maxPayload uint8, pollInterval uint16, expectTimestamp uint32) {
	h.servers[node.sadr] = ssdo.NewServer(nil, node.dict, 0)
	h.master.ScriptSN(node.sadr, node.udid, 1)
	h.addRosterEntry(slotN, node.sadr, node.udid, node.vendorID, node.product, node.revision, maxPayload, pollInterval, expectTimestamp)
}

func (h *scmHarness) configureGlobals(acmMode bool, guardTime uint16, lifeTimeFactor uint8, ownUDID [6]byte) {
	guard := h.dict.AddRecord(objGuardTime, "guard-time")
	guard.AddSubVariable(1, "guard-time-ms", sod.TypeUnsigned16, sod.AttrRW, 2).PutUint16(guardTime)
	guard.AddSubVariable(2, "life-time-factor", sod.TypeUnsigned8, sod.AttrRW, 1).PutUint8(lifeTimeFactor)

	mode := uint8(1)
	if acmMode {
		mode = 0
	}
	h.dict.AddVariable(objConfigMode, "config-mode", sod.TypeUnsigned8, sod.AttrRW, 1).PutUint8(mode)

	own := h.dict.AddRecord(objSCMOwnUDID, "scm-udid")
	own.AddSubVariable(1, "udid", sod.TypeOctetStr, sod.AttrRW, 6)
	h.dict.Write(objSCMOwnUDID, 1, 0, ownUDID[:], true)
}

// run advances the scheduler and the simulated SNMT master together for
// n steps, matching spec.md 5's single control flow (one host tick
// drives both the scheduler and every external collaborator's polling).
// The tick counter lives on the harness so repeated run() calls (e.g.
// around an OperatorAck/SnFailAck in the middle of a test) keep the
// SimMaster's deadline bookkeeping monotonic.
func (h *scmHarness) run(n int) {
	h.runWithHook(n, func() {})
}

// runWithHook is run plus a callback invoked before every Trigger, for
// tests that need to keep re-arming a scripted condition (e.g. a
// repeatedly-timing-out node-guard request).
func (h *scmHarness) runWithHook(n int, beforeTrigger func()) {
	for i := 0; i < n; i++ {
		h.now++
		beforeTrigger()
		h.scm.Trigger(1, nil)
		h.master.Poll(h.now)
	}
}

func TestActivateDrivesFreshNodeToOK(t *testing.T) {
	ownUDID := [6]byte{9, 9, 9, 9, 9, 9}
	nodeUDID := [6]byte{1, 2, 3, 4, 5, 6}

	h := newHarness(t, Callbacks{})
	h.configureGlobals(true, 50, 3, ownUDID)
	node := newSN(2, nodeUDID)
	node.setTimestamp(99)
	h.addSN(0, node, 8, 10, 99) // SCM's own copy of the timestamp already matches

	h.scm.Activate()
	require.Len(t, h.scm.slots, 1)

	h.run(200)

	status := h.scm.Status()
	require.Len(t, status, 1)
	assert.Equal(t, StatusOK, status[0].Status)
	assert.Equal(t, StateWfGuardTimer, status[0].State)
}

func TestActivateDownloadsMismatchedParameters(t *testing.T) {
	ownUDID := [6]byte{9, 9, 9, 9, 9, 9}
	nodeUDID := [6]byte{1, 2, 3, 4, 5, 6}

	h := newHarness(t, Callbacks{})
	h.configureGlobals(true, 50, 3, ownUDID)
	node := newSN(2, nodeUDID)
	node.setTimestamp(1) // diverges from the SCM's copy (99) below
	h.addSN(0, node, 8, 10, 99)

	h.scm.Activate()
	h.run(200)

	status := h.scm.Status()
	require.Len(t, status, 1)
	assert.Equal(t, StatusOK, status[0].Status)

	length, odr := node.dict.ActualLenGet(remoteParamSet, 0)
	require.Equal(t, sod.ErrOK, odr)
	buf := make([]byte, length)
	node.dict.Read(remoteParamSet, 0, 0, buf)
	assert.Equal(t, []byte{1, 2, 3, 4}, buf)
}

func TestUDIDMismatchParksUntilOperatorAck(t *testing.T) {
	ownUDID := [6]byte{9, 9, 9, 9, 9, 9}
	configuredUDID := [6]byte{1, 2, 3, 4, 5, 6}
	actualUDID := [6]byte{7, 7, 7, 7, 7, 7} // the live SN disagrees with the roster

	h := newHarness(t, Callbacks{})
	h.configureGlobals(true, 50, 3, ownUDID)
	node := newSN(2, actualUDID)
	node.setTimestamp(99)
	h.addSN(0, node, 8, 10, 99)
	// Overwrite the roster's configured UDID with one the live node
	// won't match: the assign-SADR request then times out (no SN on the
	// network currently answers to that (SADR,UDID) pair), which is
	// what drives the FSM to RequestUDID and discover the mismatch.
	h.dict.Write(objUDIDTableBase+2, 1, 0, configuredUDID[:], true)
	h.master.ScriptTimeout(2, snmt.ReqAssignSADR)

	h.scm.Activate()
	h.run(20)

	status := h.scm.Status()
	require.Len(t, status, 1)
	assert.Equal(t, StatusUDIDMismatch, status[0].Status)
	assert.Equal(t, StateWfOperatorAck, status[0].State)

	h.scm.OperatorAck(0)
	h.run(200)

	status = h.scm.Status()
	assert.Equal(t, StatusOK, status[0].Status)
	assert.Equal(t, actualUDID, status[0].ConfiguredUDID)
}

func TestSNFailGenericReportsAndWaitsForAck(t *testing.T) {
	ownUDID := [6]byte{9, 9, 9, 9, 9, 9}
	nodeUDID := [6]byte{1, 2, 3, 4, 5, 6}

	var reported []ErrorCode
	h := newHarness(t, Callbacks{
		SNFail: func(sadr uint16, group ErrorGroup, code ErrorCode, slot int) {
			reported = append(reported, code)
		},
	})
	h.configureGlobals(true, 50, 3, ownUDID)
	node := newSN(2, nodeUDID)
	node.setTimestamp(99)
	h.addSN(0, node, 8, 10, 99)

	h.scm.Activate()
	h.master.ScriptRefuseOp(2, uint8(ErrorGroupApplication), 0x05)
	h.run(20)

	require.NotEmpty(t, reported)
	assert.Equal(t, ErrorCode(0x05), reported[0])

	status := h.scm.Status()
	assert.Equal(t, StateWfSaplAck, status[0].State)

	h.scm.SnFailAck(0, ErrorGroupApplication, 0x05)
	h.run(200)

	status = h.scm.Status()
	assert.Equal(t, StatusOK, status[0].Status)
}

func TestMissingNodeStaysMissing(t *testing.T) {
	ownUDID := [6]byte{9, 9, 9, 9, 9, 9}
	nodeUDID := [6]byte{1, 2, 3, 4, 5, 6}

	h := newHarness(t, Callbacks{})
	h.configureGlobals(true, 50, 3, ownUDID)
	// A roster entry with nothing on the wire to answer it: SADR 2 is
	// configured but never scripted as a live SN, so CheckFSMAvailable
	// never clears and the slot just sits retrying assign-SADR.
	h.addRosterEntry(0, 2, nodeUDID, 0xCAFE, 0xBEEF, 7, 8, 10, 99)
	h.scm.Activate()

	h.run(20)

	status := h.scm.Status()
	require.Len(t, status, 1)
	assert.Equal(t, StatusMissing, status[0].Status)
}

func TestInvalidEventSetRestartsSlot(t *testing.T) {
	ownUDID := [6]byte{9, 9, 9, 9, 9, 9}
	nodeUDID := [6]byte{1, 2, 3, 4, 5, 6}

	h := newHarness(t, Callbacks{})
	h.configureGlobals(true, 50, 3, ownUDID)
	node := newSN(2, nodeUDID)
	node.setTimestamp(99)
	h.addSN(0, node, 8, 10, 99)
	h.scm.Activate()

	s := h.scm.slots[0]
	// Park the slot mid-wait with an illegal event combination and no
	// staged response to go with it, so runState's handler takes its
	// "nothing to do yet" early-return path and leaves Events untouched
	// for the scheduler's post-call check to catch.
	s.State = StateWfAssignSADRResp
	s.Events = EventSSDOCRespRx | EventSNMTMRespRx

	h.scm.Trigger(1, nil)

	assert.Equal(t, StateSendAssignSADRReq, s.State)
	assert.Equal(t, EventGeneric, s.Events)
}

func TestIsAllowedEventSet(t *testing.T) {
	assert.True(t, isAllowedEventSet(EventNone))
	assert.True(t, isAllowedEventSet(EventGeneric))
	assert.True(t, isAllowedEventSet(EventTimeout))
	assert.True(t, isAllowedEventSet(EventAckReceived|EventResetNodeGrd))
	assert.False(t, isAllowedEventSet(EventSSDOCRespRx|EventSNMTMRespRx))
	assert.False(t, isAllowedEventSet(EventTimeout|EventSSDOCTimeout))
}

func TestNodeGuardingLifetimeExpiryReturnsToMissing(t *testing.T) {
	ownUDID := [6]byte{9, 9, 9, 9, 9, 9}
	nodeUDID := [6]byte{1, 2, 3, 4, 5, 6}

	var statuses []NodeStatus
	h := newHarness(t, Callbacks{NodeStatusChanged: func(sadr uint16, old, new NodeStatus) {
		statuses = append(statuses, new)
	}})
	h.configureGlobals(true, 2, 2, ownUDID) // short guard/lifetime so the test stays small
	node := newSN(2, nodeUDID)
	node.setTimestamp(99)
	h.addSN(0, node, 8, 10, 99)
	h.scm.Activate()

	h.run(60)
	require.Equal(t, StatusOK, h.scm.Status()[0].Status)

	// Keep re-arming the timeout so every node-guard request this node
	// issues from here on fails, exhausting its total-lifetime budget
	// instead of resetting it on a successful guard response. After the
	// expiry the slot restarts and the still-answering SN is assigned
	// again, so the status the run ends on depends on where in that cycle
	// it stops; what is checked is that the expiry reported missing.
	statuses = nil
	h.runWithHook(60, func() { h.master.ScriptTimeout(2, snmt.ReqGuarding) })

	assert.Contains(t, statuses, StatusMissing)
}

// addParBuf builds an SCM_t_ADD_PAR_HEADER-shaped buffer (id, version,
// SADR, data size, CRC16-of-data zero-extended, timestamp) followed by
// data, matching what an application stages at 0xE400+SADR-1 before a
// generic additional-parameter SN_FAIL is reported.
func addParBuf(sadr uint16, data []byte, badCRC bool) []byte {
	buf := make([]byte, addParHeaderSize+len(data))
	buf[0] = 1 // domain id, unchecked by handleSendAddPar
	buf[1] = addParHeaderVersion
	binary.LittleEndian.PutUint16(buf[2:4], sadr)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(data)))
	want := uint32(crc.Crc16Normal(data))
	if badCRC {
		want++
	}
	binary.LittleEndian.PutUint32(buf[8:12], want)
	binary.LittleEndian.PutUint32(buf[12:16], 1234) // timestamp, unchecked
	copy(buf[addParHeaderSize:], data)
	return buf
}

func TestSendAddParAcceptsMatchingCRC(t *testing.T) {
	h := newHarness(t, Callbacks{})
	s := &Slot{SADR: 3, LastError: SNFailError{Group: ErrorGroupAdditional, Code: additionalParamHeadMask}}
	data := []byte{10, 20, 30, 40, 50}
	idx := uint16(0xE400) + (s.SADR - 1)
	h.dict.AddRecord(idx, "add-par").AddSubVariable(1, "payload", sod.TypeDomain, sod.AttrRW|sod.AttrAlways, 64)
	require.Equal(t, sod.ErrOK, h.dict.Write(idx, 1, 0, addParBuf(s.SADR, data, false), true))
	// The accepted payload is written out over SSDO, so SADR 3 needs a
	// server behind the harness bridge.
	h.servers[s.SADR] = ssdo.NewServer(nil, newSN(s.SADR, [6]byte{}).dict, 0)

	issued, fatal := h.scm.handleSendAddPar(s)
	assert.True(t, issued)
	assert.False(t, fatal)
	assert.Equal(t, StateWfAddParDlResp, s.State)
}

func TestSendAddParRejectsMismatchedCRC(t *testing.T) {
	h := newHarness(t, Callbacks{})
	s := &Slot{SADR: 3, LastError: SNFailError{Group: ErrorGroupAdditional, Code: additionalParamHeadMask}}
	data := []byte{10, 20, 30, 40, 50}
	idx := uint16(0xE400) + (s.SADR - 1)
	h.dict.AddRecord(idx, "add-par").AddSubVariable(1, "payload", sod.TypeDomain, sod.AttrRW|sod.AttrAlways, 64)
	require.Equal(t, sod.ErrOK, h.dict.Write(idx, 1, 0, addParBuf(s.SADR, data, true), true))

	issued, fatal := h.scm.handleSendAddPar(s)
	assert.False(t, issued)
	assert.False(t, fatal)
	assert.Equal(t, StatusWrongAdditionalParam, s.Status)
	assert.Equal(t, StateIdle2, s.State)
}

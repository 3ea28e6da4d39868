// Command scmctl runs a standalone openSAFETY Safety Configuration
// Manager against a roster of simulated safety nodes, demonstrating the
// wiring a real host would do against a live SNMT master and fieldbus:
// pkg/sod for the dictionary, pkg/snmt (a scripted SimMaster stands in
// for the SN-side SNMT state machine, out of scope here), pkg/ssdo for
// parameter transfer, pkg/wire/pkg/frame for the buffer budget and
// on-wire encoding the SSDOC send path exercises, and pkg/scm driving
// all of it.
package main

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/opensafety-go/scm/pkg/frame"
	"github.com/opensafety-go/scm/pkg/scm"
	"github.com/opensafety-go/scm/pkg/snmt"
	"github.com/opensafety-go/scm/pkg/sod"
	"github.com/opensafety-go/scm/pkg/ssdo"
	"github.com/opensafety-go/scm/pkg/wire"
)

const (
	appInit = iota
	appRunning
)

func main() {
	numNodes := flag.IntP("nodes", "n", 3, "number of simulated safety nodes")
	guardTime := flag.Uint16P("guard-time", "g", 500, "node-guarding guard time in ms")
	lifeTimeFactor := flag.Uint8P("lifetime-factor", "l", 3, "node-guarding lifetime factor")
	acm := flag.BoolP("acm", "a", true, "auto-configuration mode (false selects manual-configuration mode)")
	ticks := flag.IntP("ticks", "t", 2000, "number of trigger ticks to run before exiting")
	debug := flag.BoolP("debug", "d", false, "enable debug logging")
	flag.Parse()

	if *debug {
		log.SetLevel(log.DebugLevel)
	}
	logger := log.NewEntry(log.StandardLogger())

	appState := appInit
	var rig *demoRig

	startMain := time.Now()
	mainPeriod := 5 * time.Millisecond

	for {
		switch appState {
		case appInit:
			rig = newDemoRig(logger, *numNodes, *guardTime, *lifeTimeFactor, *acm)
			rig.scm.Activate()
			appState = appRunning

		case appRunning:
			elapsed := time.Since(startMain)
			startMain = time.Now()
			deltaTicks := uint32(elapsed.Milliseconds())
			if deltaTicks == 0 {
				deltaTicks = 1
			}
			rig.scm.Trigger(deltaTicks, nil)
			rig.master.Poll(rig.now)
			rig.now += deltaTicks

			*ticks--
			time.Sleep(mainPeriod)
			if *ticks <= 0 || rig.allSettled() {
				rig.printStatus()
				return
			}
		}
	}
}

// demoRig is everything one run of the demo needs: the SCM's own
// dictionary, a scripted SimMaster standing in for every node's SNMT
// state machine, one ssdo.Server per node answering on its own
// dictionary, and a wire.Pool gating the buffer budget the sendSSDOC
// hand-off consumes.
type demoRig struct {
	logger  *log.Entry
	dict    *sod.ObjectDictionary
	master  *snmt.SimMaster
	client  *ssdo.Client
	servers map[uint16]*ssdo.Server
	scm     *scm.SCM
	pool    *wire.Pool
	scmUDID [6]byte
	now     uint32
}

func newDemoRig(logger *log.Entry, numNodes int, guardTime uint16, lifeTimeFactor uint8, acmMode bool) *demoRig {
	rig := &demoRig{
		logger:  logger,
		dict:    sod.New(logger),
		servers: map[uint16]*ssdo.Server{},
		pool:    wire.NewPool(logger, 8),
		scmUDID: [6]byte{0xA0, 0xA1, 0xA2, 0xA3, 0xA4, 0xA5},
	}
	// A single request slot: only one SSDOC transfer is ever actually
	// in flight at a time in this demo's single-threaded trigger loop,
	// the same simplification pkg/scm's own test harness makes, and it
	// keeps the target -> ssdo.SlotHandle routing below trivial (always
	// slot 0) instead of needing a lookup table the Client itself
	// doesn't expose.
	rig.client = ssdo.NewClient(logger, 1, 100, 3)

	callbacks := scm.Callbacks{
		NodeStatusChanged: func(sadr uint16, old, new scm.NodeStatus) {
			rig.logger.WithField("sadr", sadr).Infof("status %s -> %s", old, new)
		},
		SNFail: func(sadr uint16, group scm.ErrorGroup, code scm.ErrorCode, slot int) {
			rig.logger.WithField("sadr", sadr).Warnf("SN_FAIL group=%d code=%d", group, code)
		},
		UDIDMismatch: func(sadr uint16, newUDID [6]byte, slot int) {
			rig.logger.WithField("sadr", sadr).Warnf("UDID mismatch, new UDID %x", newUDID)
		},
	}

	rig.scm = scm.New(logger, rig.dict, nil, nil, rig.client, rig.sendSSDOC, numNodes, callbacks)
	rig.master = snmt.NewSimMaster(logger, rig.scm)
	rig.scm.SetSNMTMaster(rig.master, rig.master)

	rig.configureGlobals(acmMode, guardTime, lifeTimeFactor)
	for i := 0; i < numNodes; i++ {
		sadr := uint16(i + 1)
		udid := [6]byte{1, 2, 3, byte(sadr >> 8), byte(sadr), 0xFF}
		rig.addNode(i, sadr, udid)
	}
	return rig
}

// sendSSDOC is the frame-codec + wire hand-off pkg/scm leaves to the
// host: allocate a transmit buffer, encode the SSDO service request
// into an openSAFETY frame and mark it sent, purely to exercise
// pkg/wire/pkg/frame the way a real fieldbus binding would. Since this
// demo has no real fieldbus latency, it then hands the request straight
// to the matching node's SSDOS instance and drains every follow-on
// request a multi-segment transfer produces in the same call, mirroring
// pkg/ssdo's own tests (client_test.go's drive helper).
func (r *demoRig) sendSSDOC(target uint16, req ssdo.Request) error {
	buf := r.pool.GetTxMemBlock(0, wire.TelegramSSDO, len(req.Payload))
	if buf == nil {
		err := fmt.Errorf("scmctl: no free transmit buffer for SADR %d", target)
		r.logger.WithField("sadr", target).Warn(err)
		return err
	}
	copy(buf, req.Payload)
	if err := r.pool.MarkTxMemBlock(buf); err != nil {
		r.logger.WithField("sadr", target).Warn(err)
		return err
	}
	h := frame.Header{ID: frame.IDSsdoServiceRequest, SADR: target, SDN: 1, TADR: target}
	encoded, err := frame.Encode(h, req.Payload, r.scmUDID)
	if err != nil {
		r.logger.WithField("sadr", target).Warn(err)
		return err
	}
	if err := r.pool.Send(encoded); err != nil {
		r.logger.WithField("sadr", target).Warn(err)
		return err
	}

	srv := r.servers[target]
	if srv == nil {
		err := fmt.Errorf("scmctl: no simulated node for SADR %d", target)
		r.logger.WithField("sadr", target).Warn(err)
		return err
	}

	pending := []ssdo.Request{req}
	for i := 0; i < 1000 && len(pending) > 0; i++ {
		var next []ssdo.Request
		for _, p := range pending {
			resp, ok := srv.HandleRequest(p)
			if !ok {
				continue
			}
			out, err := r.client.OnResponse(ssdo.SlotHandle(0), resp)
			if err != nil {
				r.logger.WithField("sadr", target).Warn(err)
				return err
			}
			next = append(next, out...)
		}
		pending = next
	}
	return nil
}

func (r *demoRig) configureGlobals(acmMode bool, guardTime uint16, lifeTimeFactor uint8) {
	guard := r.dict.AddRecord(0x100C, "guard-time")
	guard.AddSubVariable(1, "guard-time-ms", sod.TypeUnsigned16, sod.AttrRW, 2).PutUint16(guardTime)
	guard.AddSubVariable(2, "life-time-factor", sod.TypeUnsigned8, sod.AttrRW, 1).PutUint8(lifeTimeFactor)

	mode := uint8(1)
	if acmMode {
		mode = 0
	}
	r.dict.AddVariable(0x101B, "config-mode", sod.TypeUnsigned8, sod.AttrRW, 1).PutUint8(mode)

	own := r.dict.AddRecord(0x1019, "scm-udid")
	own.AddSubVariable(1, "udid", sod.TypeOctetStr, sod.AttrRW, 6)
	r.dict.Write(0x1019, 1, 0, r.scmUDID[:], true)
}

// addNode registers one simulated safety node: a dictionary modeling
// its identity/parameter objects, an ssdo.Server answering requests
// against it, a scripted SNMT identity, and the SCM-side DVI/UDID
// roster entries describing what the SCM expects to find there.
func (r *demoRig) addNode(slotN int, sadr uint16, udid [6]byte) {
	dict := sod.New(r.logger)
	identity := dict.AddRecord(0x1018, "identity")
	identity.AddSubVariable(1, "vendor-id", sod.TypeUnsigned32, sod.AttrRead, 4).PutUint32(0xCAFE)
	identity.AddSubVariable(2, "product-code", sod.TypeUnsigned32, sod.AttrRead, 4).PutUint32(0xBEEF)
	identity.AddSubVariable(3, "revision-number", sod.TypeUnsigned32, sod.AttrRead, 4).PutUint32(1)
	dict.AddVariable(0x1020, "param-timestamp", sod.TypeUnsigned32, sod.AttrRead, 4).PutUint32(42)
	dict.AddVariable(0x1010, "param-set", sod.TypeDomain, sod.AttrRW|sod.AttrAlways, 64)
	dict.AddVariable(0x101A, "additional-param", sod.TypeDomain, sod.AttrRW|sod.AttrAlways, 64)

	r.servers[sadr] = ssdo.NewServer(r.logger, dict, 0)
	r.master.ScriptSN(sadr, udid, 1)

	dviIndex := uint16(0xC400) + uint16(slotN)
	entry := r.dict.AddRecord(dviIndex, "dvi")
	entry.AddSubVariable(1, "sadr", sod.TypeUnsigned16, sod.AttrRW, 2).PutUint16(sadr)
	entry.AddSubVariable(2, "vendor-id", sod.TypeUnsigned32, sod.AttrRW, 4).PutUint32(0xCAFE)
	entry.AddSubVariable(3, "product-code", sod.TypeUnsigned32, sod.AttrRW, 4).PutUint32(0xBEEF)
	entry.AddSubVariable(4, "revision", sod.TypeUnsigned32, sod.AttrRW, 4).PutUint32(1)
	entry.AddSubVariable(5, "timestamp", sod.TypeUnsigned32, sod.AttrRW, 4).PutUint32(42)
	entry.AddSubVariable(6, "param-payload", sod.TypeDomain, sod.AttrRW|sod.AttrAlways, 8)
	r.dict.Write(dviIndex, 6, 0, []byte{1, 2, 3, 4}, true)
	entry.AddSubVariable(8, "max-payload", sod.TypeUnsigned8, sod.AttrRW, 1).PutUint8(8)
	entry.AddSubVariable(9, "poll-interval", sod.TypeUnsigned16, sod.AttrRW, 2).PutUint16(100)
	entry.AddSubVariable(10, "tx-spdo-number", sod.TypeUnsigned16, sod.AttrRW, 2).PutUint16(0)

	udidEntry := r.dict.AddRecord(0xCC01+sadr, "udid")
	udidEntry.AddSubVariable(1, "udid", sod.TypeOctetStr, sod.AttrRW, 6)
	r.dict.Write(0xCC01+sadr, 1, 0, udid[:], true)
}

func (r *demoRig) allSettled() bool {
	for _, s := range r.scm.Status() {
		if s.Status != scm.StatusOK {
			return false
		}
	}
	return true
}

func (r *demoRig) printStatus() {
	for _, s := range r.scm.Status() {
		r.logger.Infof("SADR %d: status=%s state=%s", s.SADR, s.Status, s.State)
	}
}

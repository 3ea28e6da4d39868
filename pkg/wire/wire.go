// Package wire defines the hardware-near framing layer collaborator:
// buffer allocation/release for outgoing telegrams and the CRC
// primitives the frame codec needs, plus a reference in-memory
// implementation for tests and cmd/scmctl.
package wire

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/opensafety-go/scm/internal/crc"
)

// TelegramType distinguishes the few outgoing telegram shapes the SCM
// stack needs buffers for.
type TelegramType uint8

const (
	TelegramSSDO TelegramType = iota
	TelegramSNMT
	TelegramSPDO
)

// Layer is the wire-layer collaborator consumed by the frame codec and
// the SCM/SSDO stack: allocate a buffer sized for a telegram, hand it
// back once filled in. Allocation may fail (nil) when the host is out of
// transmit buffers; the caller (an SCM slot or SSDO instance) must yield
// without transitioning when that happens, per spec.md 5's free-frame
// budget rule.
type Layer interface {
	GetTxMemBlock(instance uint8, telType TelegramType, payloadLen int) []byte
	MarkTxMemBlock(buf []byte) error
}

// Send is the minimal transmit surface a Layer implementation also
// provides once a buffer has been filled in and marked.
type Send interface {
	Send(buf []byte) error
}

// Pool is a reference Layer + Send implementation backed by plain heap
// buffers and a bounded in-flight counter, grounded in the teacher's
// BusManager (a single mutex-guarded dispatch point, here gating
// allocation instead of CAN-ID subscriber fan-out).
type Pool struct {
	logger *log.Entry
	mu     sync.Mutex

	maxInFlight int
	inFlight    int
	sent        [][]byte
}

// NewPool creates a Pool that refuses allocation once maxInFlight
// buffers are outstanding (unmarked), simulating a host with a bounded
// free-frame budget.
func NewPool(logger *log.Entry, maxInFlight int) *Pool {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Pool{logger: logger.WithField("component", "wire-pool"), maxInFlight: maxInFlight}
}

func (p *Pool) GetTxMemBlock(instance uint8, telType TelegramType, payloadLen int) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inFlight >= p.maxInFlight {
		p.logger.Debug("no free frame available")
		return nil
	}
	p.inFlight++
	return make([]byte, payloadLen)
}

func (p *Pool) MarkTxMemBlock(buf []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inFlight == 0 {
		return ErrNoOutstandingBlock
	}
	p.inFlight--
	return nil
}

// Send records the finished frame; tests can inspect Pool.Sent.
func (p *Pool) Send(buf []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]byte, len(buf))
	copy(cp, buf)
	p.sent = append(p.sent, cp)
	return nil
}

// Sent returns every buffer handed to Send so far.
func (p *Pool) Sent() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.sent))
	copy(out, p.sent)
	return out
}

// CRC functions the wire layer exposes per spec.md 6, delegating to the
// frame codec's CRC package (the real hardware-near layer would compute
// these with dedicated silicon; here they are the same table-driven
// implementation the codec uses directly).
func CRC8(data []byte) byte           { return crc.Crc8(data) }
func CRC16Normal(data []byte) uint16  { return crc.Crc16Normal(data) }
func CRC16Slim(data []byte) uint16    { return crc.Crc16Slim(data) }
